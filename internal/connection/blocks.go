package connection

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// BlockSource delivers new block numbers until ctx ends.
type BlockSource interface {
	Subscribe(ctx context.Context) (<-chan uint64, error)
}

// BlockStream follows the chain head of the managed connection, through a
// newHeads websocket subscription when enabled and by polling otherwise.
// Consumers that fall behind only see the newest block.
type BlockStream struct {
	manager      *ConnectionManager
	pollInterval time.Duration
	useWebSocket bool
	logger       *logrus.Entry

	mu            sync.RWMutex
	mode          string
	notifications uint64
	errorCount    uint64
	lastBlock     uint64
	lastSeen      time.Time
}

// BlockStreamStats reports stream activity.
type BlockStreamStats struct {
	Mode          string    `json:"mode"`
	Notifications uint64    `json:"notifications"`
	Errors        uint64    `json:"errors"`
	LastBlock     uint64    `json:"last_block"`
	LastSeen      time.Time `json:"last_seen"`
}

// NewBlockStream creates a block stream for the managed connection.
func NewBlockStream(manager *ConnectionManager, pollInterval time.Duration, useWebSocket bool) *BlockStream {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &BlockStream{
		manager:      manager,
		pollInterval: pollInterval,
		useWebSocket: useWebSocket,
		logger:       utils.ComponentLogger("block_stream"),
	}
}

// Subscribe starts following the head. The channel closes when ctx ends.
func (s *BlockStream) Subscribe(ctx context.Context) (<-chan uint64, error) {
	out := make(chan uint64, 1)
	go func() {
		defer close(out)
		s.run(ctx, out)
	}()
	return out, nil
}

func (s *BlockStream) run(ctx context.Context, out chan uint64) {
	wsURL := s.manager.Network().WSURL
	if !s.useWebSocket || wsURL == "" {
		s.setMode("poll")
		s.poll(ctx, out)
		return
	}

	backoff := time.Second
	for ctx.Err() == nil {
		s.setMode("websocket")
		err := s.watchHeads(ctx, wsURL, out)
		if ctx.Err() != nil {
			return
		}
		s.recordError()
		s.logger.WithError(err).WithField("retry_in", backoff).Warn("Head subscription lost, polling until resubscribed")

		// keep the cache moving while the subscription is down
		s.setMode("poll")
		s.pollOnce(ctx, out)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (s *BlockStream) watchHeads(ctx context.Context, wsURL string, out chan uint64) error {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConnection, "Failed to dial websocket endpoint", err)
	}
	defer client.Close()

	heads := make(chan *types.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConnection, "Failed to subscribe to new heads", err)
	}
	defer sub.Unsubscribe()

	s.logger.WithField("url", wsURL).Info("Subscribed to new heads")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case h := <-heads:
			if h != nil && h.Number != nil {
				s.offer(ctx, out, h.Number.Uint64())
			}
		}
	}
}

func (s *BlockStream) poll(ctx context.Context, out chan uint64) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.pollOnce(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, out)
		}
	}
}

func (s *BlockStream) pollOnce(ctx context.Context, out chan uint64) {
	n, err := s.manager.GetLatestBlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.recordError()
			s.logger.WithError(err).Warn("Failed to poll latest block")
		}
		return
	}
	s.offer(ctx, out, n)
}

// offer replaces any undelivered block with n. Heads that arrive after ctx
// ends belong to a finished subscription and must not move lastBlock past a
// later Reset.
func (s *BlockStream) offer(ctx context.Context, out chan uint64, n uint64) {
	s.mu.Lock()
	if ctx.Err() != nil || n <= s.lastBlock {
		s.mu.Unlock()
		return
	}
	s.lastBlock = n
	s.lastSeen = time.Now()
	s.notifications++
	s.mu.Unlock()

	select {
	case out <- n:
	default:
		select {
		case <-out:
		default:
		}
		out <- n
	}
}

// Reset forgets the last seen block, used after a network switch.
func (s *BlockStream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBlock = 0
}

// GetStats returns stream statistics.
func (s *BlockStream) GetStats() BlockStreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return BlockStreamStats{
		Mode:          s.mode,
		Notifications: s.notifications,
		Errors:        s.errorCount,
		LastBlock:     s.lastBlock,
		LastSeen:      s.lastSeen,
	}
}

func (s *BlockStream) setMode(mode string) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *BlockStream) recordError() {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
}
