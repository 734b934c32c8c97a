package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/smartdevs17/rsk-read-cache/internal/reporter"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// Caller performs immediate contract reads for a store.
type Caller interface {
	Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, params ...interface{}) ([]interface{}, error)
}

// Definition identifies an entity and its contract.
type Definition struct {
	Reference string
	Name      string
	Address   common.Address
	ABI       *abi.ABI
}

// FetchOptions controls a fetch.
type FetchOptions struct {
	// Subscribe registers the call for refresh on every block.
	Subscribe bool
}

type slot struct {
	method      string
	paramKey    string
	params      []interface{}
	loaded      bool
	value       interface{}
	block       uint64
	updatedAt   time.Time
	watched     bool
	observers   int
	idleCycles  int
	subscribers map[*Observation]struct{}
}

func slotKey(method, paramKey string) string {
	return method + "\x00" + paramKey
}

// set stores a new value and wakes observers. Callers hold the graph lock.
func (sl *slot) set(value interface{}, block uint64, at time.Time) {
	sl.value = value
	sl.loaded = true
	sl.block = block
	sl.updatedAt = at
	for obs := range sl.subscribers {
		obs.notify()
	}
}

// SlotInfo describes one cached read.
type SlotInfo struct {
	Method    string      `json:"method"`
	ParamKey  string      `json:"param_key"`
	Loaded    bool        `json:"loaded"`
	Value     interface{} `json:"value,omitempty"`
	Block     uint64      `json:"block,omitempty"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
	Watched   bool        `json:"watched"`
	Observers int         `json:"observers"`
}

// Store caches the reads of one entity. Its slots are guarded by the graph lock.
type Store struct {
	graph   *Graph
	def     Definition
	caller  Caller
	slots   map[string]*slot
	removed bool
}

// Reference returns the entity reference.
func (s *Store) Reference() string {
	return s.def.Reference
}

// Definition returns the entity definition.
func (s *Store) Definition() Definition {
	return s.def
}

func (s *Store) watchedCall(sl *slot) multicall.WatchedCall {
	return multicall.WatchedCall{
		Reference:        s.def.Reference,
		ContractAddress:  s.def.Address,
		ABI:              s.def.ABI,
		MethodName:       sl.method,
		MethodParameters: sl.params,
	}
}

func (s *Store) checkMethod(method string) error {
	if s.caller == nil || s.def.ABI == nil {
		return utils.NewAppError(utils.ErrCodePrecondition, "Entity has no contract handle", s.def.Reference)
	}
	if _, ok := s.def.ABI.Methods[method]; !ok {
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown contract method", s.def.Reference+"."+method)
	}
	return nil
}

// Fetch returns the cached value of method(params). A loaded slot returns
// immediately. A miss starts one immediate read and reports loading; later
// fetches of the same key report loading without issuing another read.
func (s *Store) Fetch(method string, params []interface{}, opts FetchOptions) (loading bool, value interface{}, err error) {
	if err := s.checkMethod(method); err != nil {
		return false, nil, err
	}
	pk, err := multicall.ParamKey(params)
	if err != nil {
		return false, nil, err
	}

	g := s.graph
	g.mu.Lock()
	sl, started, err := s.acquireLocked(method, pk, params, opts.Subscribe)
	if err != nil {
		g.mu.Unlock()
		return false, nil, err
	}
	loaded, v := sl.loaded, sl.value
	epoch := g.epoch
	g.mu.Unlock()

	switch {
	case loaded:
		g.metrics.RecordCacheLookup("hit")
		return false, v, nil
	case started:
		g.metrics.RecordCacheLookup("miss")
		s.startRead(sl, epoch)
	default:
		g.metrics.RecordCacheLookup("coalesced")
	}
	return true, nil, nil
}

// acquireLocked finds or creates the slot and registers it when subscribing.
// started reports whether the caller must issue the immediate read.
func (s *Store) acquireLocked(method, pk string, params []interface{}, subscribe bool) (*slot, bool, error) {
	g := s.graph
	if s.removed {
		return nil, false, utils.NewAppError(utils.ErrCodePrecondition, "Entity was removed", s.def.Reference)
	}
	key := slotKey(method, pk)

	sl, ok := s.slots[key]
	started := false
	if ok {
		sl.idleCycles = 0
	} else {
		sl = &slot{
			method:      method,
			paramKey:    pk,
			params:      append([]interface{}(nil), params...),
			subscribers: make(map[*Observation]struct{}),
		}
		s.slots[key] = sl
		g.slots++
		started = true
	}

	if subscribe && !sl.watched {
		if err := g.registry.AddCall(s.watchedCall(sl)); err != nil {
			if started {
				delete(s.slots, key)
				g.slots--
			}
			return nil, false, err
		}
		sl.watched = true
	}
	g.updateGaugesLocked()
	return sl, started, nil
}

func (s *Store) startRead(sl *slot, epoch uint64) {
	g := s.graph
	g.reads.Add(1)
	go func() {
		defer g.reads.Done()
		s.immediateRead(sl, epoch)
	}()
}

func (s *Store) immediateRead(sl *slot, epoch uint64) {
	g := s.graph
	ctx, cancel := context.WithTimeout(g.ctx, g.readTimeout)
	defer cancel()

	outs, err := s.caller.Call(ctx, s.def.Address, s.def.ABI, sl.method, sl.params...)

	logger := g.logger.WithFields(logrus.Fields{
		"reference": s.def.Reference,
		"method":    sl.method,
		"params":    sl.paramKey,
	})

	g.mu.Lock()
	defer g.mu.Unlock()

	key := slotKey(sl.method, sl.paramKey)
	if current, ok := s.slots[key]; !ok || current != sl {
		// evicted while reading
		return
	}

	if g.epoch != epoch {
		g.metrics.RecordDiscardedCommit("immediate_read")
		if !sl.watched && !sl.loaded {
			s.evictLocked(key, sl)
			g.updateGaugesLocked()
		}
		logger.Debug("Discarded immediate read from a previous network")
		return
	}

	if err != nil {
		g.metrics.RecordImmediateRead("error")
		if utils.IsCode(err, utils.ErrCodeDecode) {
			report := reporter.NewReport(reporter.KindDecode, s.def.Reference, sl.method, err)
			report.Address = s.def.Address.Hex()
			report.ParamKey = sl.paramKey
			if rerr := g.reporter.Report(ctx, report); rerr != nil {
				logger.WithError(rerr).Warn("Failed to deliver error report")
			}
		}
		if !sl.watched && !sl.loaded {
			s.evictLocked(key, sl)
			g.updateGaugesLocked()
		}
		logger.WithError(err).Warn("Immediate read failed")
		return
	}

	g.metrics.RecordImmediateRead("success")
	if sl.loaded {
		// a refresh cycle got there first
		return
	}
	sl.set(multicall.NormalizeOutputs(outs), g.lastBlock, time.Now())
	g.updates++
}

// evictLocked removes a slot and its watched call. Callers hold the graph lock.
func (s *Store) evictLocked(key string, sl *slot) {
	if current, ok := s.slots[key]; !ok || current != sl {
		return
	}
	delete(s.slots, key)
	s.graph.slots--
	if sl.watched {
		if err := s.graph.registry.RemoveCall(s.watchedCall(sl)); err != nil {
			s.graph.logger.WithError(err).Warn("Failed to remove watched call")
		}
		sl.watched = false
	}
}

// Observe subscribes to method(params) and returns a handle whose lifetime
// keeps the call registered. Releasing the last handle evicts the slot.
func (s *Store) Observe(method string, params []interface{}) (*Observation, error) {
	if err := s.checkMethod(method); err != nil {
		return nil, err
	}
	pk, err := multicall.ParamKey(params)
	if err != nil {
		return nil, err
	}

	g := s.graph
	g.mu.Lock()
	sl, started, err := s.acquireLocked(method, pk, params, true)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	obs := &Observation{
		store:   s,
		slot:    sl,
		changes: make(chan struct{}, 1),
	}
	sl.subscribers[obs] = struct{}{}
	sl.observers++
	g.observers++
	g.updateGaugesLocked()
	epoch := g.epoch
	g.mu.Unlock()

	if started {
		g.metrics.RecordCacheLookup("miss")
		s.startRead(sl, epoch)
	}
	return obs, nil
}

// Forget drops an unobserved slot and its watched call. It reports false
// when the slot does not exist or is still observed.
func (s *Store) Forget(method string, params []interface{}) (bool, error) {
	pk, err := multicall.ParamKey(params)
	if err != nil {
		return false, err
	}

	g := s.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	key := slotKey(method, pk)
	sl, ok := s.slots[key]
	if !ok || sl.observers > 0 {
		return false, nil
	}
	s.evictLocked(key, sl)
	g.updateGaugesLocked()
	return true, nil
}

// ApplyResult stores value into an existing slot and reports whether it changed.
func (s *Store) ApplyResult(method, paramKey string, value interface{}) bool {
	g := s.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	sl, ok := s.slots[slotKey(method, paramKey)]
	if !ok {
		return false
	}
	if sl.loaded && multicall.ValuesEqual(sl.value, value) {
		return false
	}
	sl.set(value, g.lastBlock, time.Now())
	g.updates++
	return true
}

// Slots returns a snapshot of the store's slots.
func (s *Store) Slots() []SlotInfo {
	g := s.graph
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]SlotInfo, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, SlotInfo{
			Method:    sl.method,
			ParamKey:  sl.paramKey,
			Loaded:    sl.loaded,
			Value:     sl.value,
			Block:     sl.block,
			UpdatedAt: sl.updatedAt,
			Watched:   sl.watched,
			Observers: sl.observers,
		})
	}
	return out
}
