// Package store caches decoded contract reads per entity and keeps them
// fresh through the call registry and block driven refresh cycles.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/smartdevs17/rsk-read-cache/internal/reporter"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// Options configures a Graph.
type Options struct {
	ReadTimeout time.Duration
	// MaxIdleCycles evicts a subscribed slot nobody observes once that many
	// committed cycles pass without a fetch touching it. Zero keeps it.
	MaxIdleCycles int
	Reporter      reporter.Reporter
	Metrics       *metrics.PrometheusMetrics
}

// Graph is the root of all entity stores. One lock guards every slot so a
// cycle commit is observed all at once.
type Graph struct {
	mu        sync.RWMutex
	registry  *multicall.Registry
	stores    map[string]*Store
	epoch     uint64
	lastCycle uint64
	lastBlock uint64
	updates   uint64
	slots     int
	observers int

	readTimeout   time.Duration
	maxIdleCycles int
	reporter      reporter.Reporter
	metrics     *metrics.PrometheusMetrics
	logger      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	reads  sync.WaitGroup
}

// GraphStats summarizes the cache.
type GraphStats struct {
	Stores    int    `json:"stores"`
	Slots     int    `json:"slots"`
	Loaded    int    `json:"loaded"`
	Pending   int    `json:"pending"`
	Observers int    `json:"observers"`
	Watched   int    `json:"watched"`
	Epoch     uint64 `json:"epoch"`
	LastCycle uint64 `json:"last_cycle"`
	LastBlock uint64 `json:"last_block"`
	Updates   uint64 `json:"updates"`
}

// NewGraph creates an empty graph bound to registry.
func NewGraph(registry *multicall.Registry, opts Options) *Graph {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.Reporter == nil {
		opts.Reporter = reporter.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Graph{
		registry:    registry,
		stores:      make(map[string]*Store),
		readTimeout:   opts.ReadTimeout,
		maxIdleCycles: opts.MaxIdleCycles,
		reporter:      opts.Reporter,
		metrics:       opts.Metrics,
		logger:        utils.ComponentLogger("store"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Registry returns the call registry fed by subscribed fetches.
func (g *Graph) Registry() *multicall.Registry {
	return g.registry
}

// NewStore binds an entity to the graph. A nil caller is allowed but every
// fetch on that store fails until the entity has a contract handle.
func (g *Graph) NewStore(def Definition, caller Caller) (*Store, error) {
	if def.Reference == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Entity reference is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.stores[def.Reference]; exists {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Entity already registered", def.Reference)
	}
	s := &Store{
		graph:  g,
		def:    def,
		caller: caller,
		slots:  make(map[string]*slot),
	}
	g.stores[def.Reference] = s
	return s, nil
}

// Store returns the store of an entity.
func (g *Graph) Store(reference string) (*Store, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.stores[reference]
	return s, ok
}

// Stores returns every store ordered by reference.
func (g *Graph) Stores() []*Store {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Store, 0, len(g.stores))
	for _, s := range g.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].def.Reference < out[j].def.Reference })
	return out
}

// RemoveStore drops an entity, its slots and its watched calls. Open
// observations stop receiving changes.
func (g *Graph) RemoveStore(reference string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.stores[reference]
	if !ok {
		return false
	}
	s.removed = true
	for key, sl := range s.slots {
		for obs := range sl.subscribers {
			obs.closeLocked()
		}
		g.observers -= sl.observers
		s.evictLocked(key, sl)
	}
	delete(g.stores, reference)
	g.updateGaugesLocked()
	return true
}

// Current returns the loaded value of a slot.
func (g *Graph) Current(reference, method, paramKey string) (interface{}, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.stores[reference]
	if !ok {
		return nil, false
	}
	sl, ok := s.slots[slotKey(method, paramKey)]
	if !ok || !sl.loaded {
		return nil, false
	}
	return sl.value, true
}

// Epoch returns the current network epoch.
func (g *Graph) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// AdvanceEpoch starts a new network epoch. Reads and cycles begun in an
// older epoch are discarded when they complete.
func (g *Graph) AdvanceEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch++
	return g.epoch
}

// Commit applies all writes of one cycle. Writes for slots that no longer
// exist are dropped. It refuses stamps from an older epoch or cycle.
func (g *Graph) Commit(stamp multicall.Stamp, writes []multicall.Write) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if stamp.Epoch != g.epoch || stamp.Cycle <= g.lastCycle {
		return 0, false
	}
	g.lastCycle = stamp.Cycle
	if stamp.Block > g.lastBlock {
		g.lastBlock = stamp.Block
	}

	now := time.Now()
	applied := 0
	for _, w := range writes {
		s, ok := g.stores[w.Reference]
		if !ok {
			continue
		}
		sl, ok := s.slots[slotKey(w.Method, w.ParamKey)]
		if !ok {
			continue
		}
		if sl.loaded && multicall.ValuesEqual(sl.value, w.Value) {
			continue
		}
		sl.set(w.Value, stamp.Block, now)
		g.updates++
		applied++
	}
	g.evictIdleLocked()
	return applied, true
}

// evictIdleLocked ages subscribed slots without observers and drops those
// idle for longer than maxIdleCycles.
func (g *Graph) evictIdleLocked() {
	if g.maxIdleCycles <= 0 {
		return
	}
	evicted := 0
	for _, s := range g.stores {
		for key, sl := range s.slots {
			if !sl.watched || sl.observers > 0 {
				continue
			}
			sl.idleCycles++
			if sl.idleCycles > g.maxIdleCycles {
				s.evictLocked(key, sl)
				evicted++
			}
		}
	}
	if evicted > 0 {
		g.updateGaugesLocked()
		g.logger.WithField("evicted", evicted).Debug("Evicted unobserved subscriptions")
	}
}

// Updates counts slot changes delivered to observers.
func (g *Graph) Updates() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.updates
}

// Stats returns a snapshot of cache statistics.
func (g *Graph) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := GraphStats{
		Stores:    len(g.stores),
		Observers: g.observers,
		Watched:   g.registry.Len(),
		Epoch:     g.epoch,
		LastCycle: g.lastCycle,
		LastBlock: g.lastBlock,
		Updates:   g.updates,
	}
	for _, s := range g.stores {
		for _, sl := range s.slots {
			stats.Slots++
			if sl.loaded {
				stats.Loaded++
			} else {
				stats.Pending++
			}
		}
	}
	return stats
}

// WaitIdle blocks until every immediate read in flight has finished.
func (g *Graph) WaitIdle() {
	g.reads.Wait()
}

// Close cancels immediate reads in flight and waits for them.
func (g *Graph) Close() {
	g.cancel()
	g.reads.Wait()
}

func (g *Graph) updateGaugesLocked() {
	g.metrics.UpdateCacheState(g.registry.Len(), g.slots, g.observers)
}
