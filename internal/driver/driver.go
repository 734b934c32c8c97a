// Package driver turns new blocks into refresh cycles and owns the network
// lifecycle of the cache.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/connection"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/smartdevs17/rsk-read-cache/internal/storage"
	"github.com/smartdevs17/rsk-read-cache/internal/store"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// Network is the chain connection the driver reads through.
type Network interface {
	Network() config.ChainConfig
	SwitchNetwork(ctx context.Context, cfg config.ChainConfig) error
	IsConnected() bool
}

// Refresher is refreshed once per block after the batch cycle.
type Refresher interface {
	Name() string
	Refresh(ctx context.Context, block uint64) error
}

// resettable block sources forget their last block on a network switch.
type resettable interface {
	Reset()
}

// Driver runs one refresh cycle per new block.
type Driver struct {
	// Dependencies
	executor *multicall.Executor
	graph    *store.Graph
	source   connection.BlockSource
	network  Network
	storage  storage.Storage
	metrics  *metrics.PrometheusMetrics
	logger   *logrus.Entry

	// Configuration
	config config.DriverConfig

	// State management
	lifeMu     sync.Mutex
	mu         sync.RWMutex
	running    bool
	parent     context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	refreshers []Refresher
	cursor     BlockCursor

	// Statistics
	stats Stats
}

// Stats provides driver statistics
type Stats struct {
	StartTime       time.Time              `json:"start_time"`
	Uptime          time.Duration          `json:"uptime"`
	IsRunning       bool                   `json:"is_running"`
	Network         string                 `json:"network"`
	NetworkID       int                    `json:"network_id"`
	Cursor          uint64                 `json:"cursor"`
	Epoch           uint64                 `json:"epoch"`
	WatchedCalls    int                    `json:"watched_calls"`
	BlocksSeen      uint64                 `json:"blocks_seen"`
	BlocksIgnored   uint64                 `json:"blocks_ignored"`
	CyclesRun       uint64                 `json:"cycles_run"`
	CyclesPartial   uint64                 `json:"cycles_partial"`
	CyclesDiscarded uint64                 `json:"cycles_discarded"`
	NetworkSwitches uint64                 `json:"network_switches"`
	LastCycle       *multicall.CycleResult `json:"last_cycle,omitempty"`
	LastBlockTime   *time.Time             `json:"last_block_time,omitempty"`
	ErrorCount      uint64                 `json:"error_count"`
	LastError       *string                `json:"last_error,omitempty"`
	LastErrorTime   *time.Time             `json:"last_error_time,omitempty"`
}

// HealthStatus provides health information
type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	Running           bool      `json:"running"`
	ConnectionHealthy bool      `json:"connection_healthy"`
	StorageHealthy    bool      `json:"storage_healthy"`
	LastBlock         uint64    `json:"last_block"`
	LastBlockTime     time.Time `json:"last_block_time"`
	Issues            []string  `json:"issues,omitempty"`
}

// New creates a driver. store may be nil, in which case the cursor and the
// cycle journal are kept in memory only.
func New(
	executor *multicall.Executor,
	graph *store.Graph,
	source connection.BlockSource,
	network Network,
	st storage.Storage,
	cfg config.DriverConfig,
	pm *metrics.PrometheusMetrics,
) *Driver {
	d := &Driver{
		executor: executor,
		graph:    graph,
		source:   source,
		network:  network,
		storage:  st,
		metrics:  pm,
		logger:   utils.ComponentLogger("driver"),
		config:   cfg,
	}
	d.cursor.Reset(network.Network().NetworkID, 0)
	return d
}

// AddRefresher registers a per-block refresher.
func (d *Driver) AddRefresher(r Refresher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshers = append(d.refreshers, r)
}

// Cursor returns the block cursor.
func (d *Driver) Cursor() *BlockCursor {
	return &d.cursor
}

// Start subscribes to new blocks and begins running cycles.
func (d *Driver) Start(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.IsRunning() {
		return utils.NewAppError(utils.ErrCodeInternal, "Driver already running", "")
	}

	networkID := d.network.Network().NetworkID
	d.cursor.Reset(networkID, d.loadCursor(ctx, networkID))
	if err := d.startLoop(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.running = true
	d.stats.StartTime = time.Now()
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"network":    d.network.Network().Name,
		"network_id": networkID,
		"cursor":     d.cursor.Block(),
	}).Info("Driver started")
	return nil
}

// loadCursor returns the persisted cursor of a network, 0 when unknown.
func (d *Driver) loadCursor(ctx context.Context, networkID int) uint64 {
	if d.storage == nil {
		return 0
	}
	block, err := d.storage.GetLatestBlock(ctx, networkID)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to load block cursor")
		return 0
	}
	return block
}

// startLoop and stopLoop are called with lifeMu held.
func (d *Driver) startLoop(parent context.Context) error {
	loopCtx, cancel := context.WithCancel(parent)
	blocks, err := d.source.Subscribe(loopCtx)
	if err != nil {
		cancel()
		return utils.WrapAppError(utils.ErrCodeConnection, "Failed to subscribe to blocks", err)
	}
	done := make(chan struct{})
	go d.loop(loopCtx, blocks, done)

	d.mu.Lock()
	d.parent = parent
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()
	return nil
}

func (d *Driver) stopLoop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop stops the block subscription and waits for the running cycle.
func (d *Driver) Stop() error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if !d.IsRunning() {
		return nil
	}
	d.stopLoop()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.logger.Info("Driver stopped")
	return nil
}

// IsRunning returns whether the driver is running
func (d *Driver) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Driver) loop(ctx context.Context, blocks <-chan uint64, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-blocks:
			if !ok {
				return
			}
			d.HandleBlock(ctx, n)
		}
	}
}

// HandleBlock runs one cycle for block unless the cursor is already there.
func (d *Driver) HandleBlock(ctx context.Context, block uint64) {
	d.mu.Lock()
	d.stats.BlocksSeen++
	d.mu.Unlock()

	if !d.cursor.Advance(block) {
		d.mu.Lock()
		d.stats.BlocksIgnored++
		d.mu.Unlock()
		return
	}
	d.metrics.UpdateLatestBlock(block)

	cycleCtx := ctx
	if d.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, d.config.CycleTimeout)
		defer cancel()
	}

	calls := d.graph.Registry().CurrentCalls()
	res, err := d.executor.RunCycle(cycleCtx, block, calls)
	if err != nil {
		d.recordError(err)
		d.logger.WithError(err).WithField("block", block).Warn("Refresh cycle aborted")
	}

	for _, r := range d.snapshotRefreshers() {
		if err := r.Refresh(cycleCtx, block); err != nil {
			d.recordError(err)
			d.logger.WithError(err).WithFields(logrus.Fields{
				"refresher": r.Name(),
				"block":     block,
			}).Warn("Refresher failed")
		}
	}

	d.persist(ctx, block, res, err)
	d.updateStats(block, res)
}

func (d *Driver) snapshotRefreshers() []Refresher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Refresher(nil), d.refreshers...)
}

func (d *Driver) persist(ctx context.Context, block uint64, res *multicall.CycleResult, cycleErr error) {
	if d.storage == nil || ctx.Err() != nil {
		return
	}
	networkID := d.cursor.NetworkID()
	if err := d.storage.SetLatestBlock(ctx, networkID, block); err != nil {
		d.logger.WithError(err).Warn("Failed to persist block cursor")
	}
	if !d.config.PersistCycles || res == nil || res.Calls == 0 {
		return
	}

	record := &models.CycleRecord{
		Cycle:        res.Cycle,
		Epoch:        res.Epoch,
		NetworkID:    networkID,
		BlockNumber:  res.Block,
		Outcome:      res.Outcome(),
		Calls:        res.Calls,
		Groups:       res.Groups,
		FailedGroups: len(res.FailedGroups),
		FailedCalls:  res.FailedCalls,
		Writes:       res.Writes,
		Suppressed:   res.Suppressed,
		Duration:     res.Duration,
		StartedAt:    res.StartedAt,
	}
	if cycleErr != nil {
		msg := cycleErr.Error()
		record.Outcome = "failed"
		record.Error = &msg
	} else if len(res.FailedGroups) > 0 {
		msg := res.FailedGroups[0].Error
		record.Error = &msg
	}
	if err := d.storage.SaveCycle(ctx, record); err != nil {
		d.logger.WithError(err).Warn("Failed to persist cycle record")
	}
}

func (d *Driver) updateStats(block uint64, res *multicall.CycleResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.stats.LastBlockTime = &now
	if res == nil {
		return
	}
	d.stats.CyclesRun++
	switch res.Outcome() {
	case "partial":
		d.stats.CyclesPartial++
	case "discarded":
		d.stats.CyclesDiscarded++
	}
	d.stats.LastCycle = res

	if res.Calls > 0 {
		d.logger.WithFields(logrus.Fields{
			"block":      block,
			"cycle":      res.Cycle,
			"calls":      res.Calls,
			"groups":     res.Groups,
			"writes":     res.Writes,
			"suppressed": res.Suppressed,
			"outcome":    res.Outcome(),
			"duration":   res.Duration,
		}).Debug("Refresh cycle completed")
	}
}

func (d *Driver) recordError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.ErrorCount++
	msg := err.Error()
	now := time.Now()
	d.stats.LastError = &msg
	d.stats.LastErrorTime = &now
}

// SwitchNetwork moves the cache to another network. Cycles and immediate
// reads that began on the old network are discarded when they complete.
// Cached values are kept until the new network overwrites them.
func (d *Driver) SwitchNetwork(ctx context.Context, cfg config.ChainConfig) error {
	if err := cfg.Validate(); err != nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid network configuration", err.Error())
	}

	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	wasRunning := d.IsRunning()
	d.stopLoop()

	epoch := d.graph.AdvanceEpoch()
	switchErr := d.network.SwitchNetwork(ctx, cfg)

	if r, ok := d.source.(resettable); ok {
		r.Reset()
	}
	d.cursor.Reset(cfg.NetworkID, d.loadCursor(ctx, cfg.NetworkID))

	d.mu.Lock()
	d.stats.NetworkSwitches++
	parent := d.parent
	d.mu.Unlock()

	logger := d.logger.WithFields(logrus.Fields{
		"network":    cfg.Name,
		"network_id": cfg.NetworkID,
		"epoch":      epoch,
	})
	if switchErr != nil {
		// keep following blocks so the driver recovers once the node answers
		logger.WithError(switchErr).Error("Network switch failed to connect")
	} else {
		logger.Info("Switched network")
	}

	if wasRunning {
		if err := d.startLoop(parent); err != nil {
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			return err
		}
	}
	return switchErr
}

// Network returns the configuration of the network being followed.
func (d *Driver) Network() config.ChainConfig {
	return d.network.Network()
}

// GetStats returns driver statistics
func (d *Driver) GetStats() *Stats {
	d.mu.RLock()
	stats := d.stats
	running := d.running
	d.mu.RUnlock()

	stats.IsRunning = running
	if running {
		stats.Uptime = time.Since(stats.StartTime)
	}
	network := d.network.Network()
	stats.Network = network.Name
	stats.NetworkID = d.cursor.NetworkID()
	stats.Cursor = d.cursor.Block()
	stats.Epoch = d.graph.Epoch()
	stats.WatchedCalls = d.graph.Registry().Len()
	return &stats
}

// GetHealth returns driver health
func (d *Driver) GetHealth() *HealthStatus {
	stats := d.GetStats()
	health := &HealthStatus{
		Running:           stats.IsRunning,
		ConnectionHealthy: d.network.IsConnected(),
		StorageHealthy:    true,
		LastBlock:         stats.Cursor,
	}
	if stats.LastBlockTime != nil {
		health.LastBlockTime = *stats.LastBlockTime
	}

	if !health.Running {
		health.Issues = append(health.Issues, "driver is not running")
	}
	if !health.ConnectionHealthy {
		health.Issues = append(health.Issues, "chain connection is down")
	}
	if d.storage != nil {
		if sh := d.storage.GetHealth(); sh != nil && !sh.Healthy {
			health.StorageHealthy = false
			health.Issues = append(health.Issues, "storage is unreachable")
		}
	}
	if stale := d.staleAfter(); health.Running && stale > 0 && stats.LastBlockTime != nil && time.Since(*stats.LastBlockTime) > stale {
		health.Issues = append(health.Issues, "no new block for "+time.Since(*stats.LastBlockTime).Round(time.Second).String())
	}

	health.Healthy = len(health.Issues) == 0
	return health
}

// staleAfter is how long without a new block before the driver reports unhealthy.
func (d *Driver) staleAfter() time.Duration {
	if d.config.PollInterval <= 0 {
		return 0
	}
	// RSK blocks arrive about every 30 seconds
	stale := 10 * d.config.PollInterval
	if stale < 2*time.Minute {
		stale = 2 * time.Minute
	}
	return stale
}
