package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// Manager defines the connection manager interface
type Manager interface {
	GetClientWithContext(ctx context.Context) (*ethclient.Client, error)
	HealthCheckWithContext(ctx context.Context) error
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	SwitchNetwork(ctx context.Context, cfg config.ChainConfig) error
	Network() config.ChainConfig
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// ConnectionManager owns the RPC client for the active network and fails
// over between the primary and backup endpoints.
type ConnectionManager struct {
	mu              sync.RWMutex
	config          config.ChainConfig
	currentIndex    int
	client          *ethclient.Client
	logger          *logrus.Entry
	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool
	metrics         *metrics.PrometheusMetrics

	// connectMu serializes dialing and network switches.
	connectMu sync.Mutex
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	Network         string    `json:"network"`
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	NetworkSwitches uint64    `json:"network_switches"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	NetworkID       uint64    `json:"network_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg config.ChainConfig, pm *metrics.PrometheusMetrics) *ConnectionManager {
	return &ConnectionManager{
		config:  cfg,
		logger:  utils.ComponentLogger("connection"),
		metrics: pm,
		stats: ConnectionStats{
			Network:    cfg.Name,
			CurrentURL: cfg.NodeURL,
		},
	}
}

// Network returns the configuration of the active network.
func (cm *ConnectionManager) Network() config.ChainConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// MulticallAddress returns the aggregator contract of the active network.
func (cm *ConnectionManager) MulticallAddress() common.Address {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return common.HexToAddress(cm.config.MulticallAddress)
}

// GetClientWithContext returns the current client, dialing if needed.
func (cm *ConnectionManager) GetClientWithContext(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	client := cm.client
	stale := time.Since(cm.lastHealthCheck) > time.Minute
	cm.stats.TotalRequests++
	cm.mu.Unlock()

	if client == nil {
		return cm.connect(ctx)
	}

	if stale {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Client health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.mu.Unlock()
	}

	return client, nil
}

// connect establishes a new connection
func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.RLock()
	if cm.client != nil {
		client := cm.client
		cm.mu.RUnlock()
		return client, nil
	}
	cfg := cm.config
	urls := cm.getAllURLs()
	cm.mu.RUnlock()

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		for i, url := range urls {
			logger := cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1})
			logger.Info("Attempting connection")

			client, err := cm.dialWithTimeout(ctx, url, cfg.RequestTimeout)
			if err != nil {
				logger.WithError(err).Warn("Connection failed")
				cm.recordFailure(url, "dial_failed")
				continue
			}

			if err := cm.quickHealthCheck(ctx, client); err != nil {
				client.Close()
				logger.WithError(err).Warn("Health check failed after connection")
				cm.recordFailure(url, "health_check_failed")
				continue
			}

			cm.mu.Lock()
			cm.client = client
			cm.currentIndex = (cm.currentIndex + i) % len(urls)
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.isHealthy = true
			cm.lastHealthCheck = time.Now()
			cm.mu.Unlock()

			logger.Info("Successfully connected to node")
			cm.metrics.UpdateComponentHealth("connection", true)
			return client, nil
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.RetryDelay):
			}
		}
	}

	cm.metrics.UpdateComponentHealth("connection", false)
	return nil, utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to any node",
		"All connection attempts exhausted")
}

func (cm *ConnectionManager) recordFailure(url, kind string) {
	cm.mu.Lock()
	cm.stats.FailedRequests++
	cm.mu.Unlock()
	cm.metrics.RecordConnectionError(url, kind)
}

// reconnect drops the current client and dials again
func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.isHealthy = false
	cm.stats.Reconnects++
	cm.mu.Unlock()

	return cm.connect(ctx)
}

// MarkFailed forces the next request to reconnect.
func (cm *ConnectionManager) MarkFailed() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastHealthCheck = time.Time{}
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string, timeout time.Duration) (*ethclient.Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return ethclient.DialContext(dialCtx, url)
}

func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := client.NetworkID(checkCtx)
	return err
}

// HealthCheckWithContext verifies the network id and reads the latest block.
func (cm *ConnectionManager) HealthCheckWithContext(ctx context.Context) error {
	client, err := cm.GetClientWithContext(ctx)
	if err != nil {
		cm.setHealthy(false)
		return err
	}

	networkID, err := client.NetworkID(ctx)
	if err != nil {
		cm.setHealthy(false)
		return utils.WrapAppError(utils.ErrCodeConnection, "Failed to get network ID", err)
	}

	cfg := cm.Network()
	if cfg.NetworkID > 0 && networkID.Uint64() != uint64(cfg.NetworkID) {
		cm.setHealthy(false)
		return utils.NewAppError(utils.ErrCodeConnection,
			"Network ID mismatch",
			fmt.Sprintf("expected %d, got %d", cfg.NetworkID, networkID.Uint64()))
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.setHealthy(false)
		return utils.WrapAppError(utils.ErrCodeConnection, "Failed to get latest block", err)
	}

	cm.mu.Lock()
	cm.stats.NetworkID = networkID.Uint64()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = true
	url := cm.stats.CurrentURL
	cm.mu.Unlock()

	cm.metrics.UpdateComponentHealth("connection", true)
	cm.logger.WithFields(logrus.Fields{
		"network_id":   networkID.Uint64(),
		"latest_block": blockNumber,
		"url":          url,
	}).Debug("Health check passed")

	return nil
}

func (cm *ConnectionManager) setHealthy(healthy bool) {
	cm.mu.Lock()
	cm.isHealthy = healthy
	cm.stats.IsHealthy = healthy
	cm.mu.Unlock()
	cm.metrics.UpdateComponentHealth("connection", healthy)
}

// GetLatestBlockNumber returns the latest block number
func (cm *ConnectionManager) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	client, err := cm.GetClientWithContext(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	blockNumber, err := client.BlockNumber(ctx)
	cm.observeRPC("eth_blockNumber", start, err)
	if err != nil {
		cm.MarkFailed()
		return 0, utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to get latest block", err)
	}

	cm.mu.Lock()
	if blockNumber > cm.stats.LatestBlock {
		cm.stats.LatestBlock = blockNumber
	}
	cm.mu.Unlock()

	return blockNumber, nil
}

// SwitchNetwork tears down the current connection and connects to cfg.
func (cm *ConnectionManager) SwitchNetwork(ctx context.Context, cfg config.ChainConfig) error {
	if err := cfg.Validate(); err != nil {
		return utils.WrapAppError(utils.ErrCodeValidation, "Invalid network configuration", err)
	}

	cm.connectMu.Lock()
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	previous := cm.config.Name
	cm.config = cfg
	cm.currentIndex = 0
	cm.isHealthy = false
	switches := cm.stats.NetworkSwitches + 1
	cm.stats = ConnectionStats{
		Network:         cfg.Name,
		CurrentURL:      cfg.NodeURL,
		NetworkSwitches: switches,
	}
	cm.mu.Unlock()
	cm.connectMu.Unlock()

	cm.metrics.RecordNetworkSwitch()
	cm.logger.WithFields(logrus.Fields{"from": previous, "to": cfg.Name, "url": cfg.NodeURL}).Info("Switching network")

	_, err := cm.connect(ctx)
	return err
}

// IsConnected returns whether the manager is connected
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}

	cm.isHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}

// getAllURLs returns all endpoints starting from the last working one.
func (cm *ConnectionManager) getAllURLs() []string {
	urls := []string{cm.config.NodeURL}
	urls = append(urls, cm.config.BackupNodes...)

	if cm.currentIndex > 0 && cm.currentIndex < len(urls) {
		rotated := make([]string, len(urls))
		copy(rotated, urls[cm.currentIndex:])
		copy(rotated[len(urls)-cm.currentIndex:], urls[:cm.currentIndex])
		return rotated
	}

	return urls
}

func (cm *ConnectionManager) observeRPC(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		cm.mu.Lock()
		cm.stats.FailedRequests++
		url := cm.stats.CurrentURL
		cm.mu.Unlock()
		cm.metrics.RecordConnectionError(url, "rpc_call_failed")
	}
	cm.metrics.RecordRPCRequest(method, status, time.Since(start))
}
