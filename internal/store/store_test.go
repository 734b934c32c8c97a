package store

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/rsk-read-cache/internal/abis"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/smartdevs17/rsk-read-cache/internal/reporter"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	holderAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeCaller struct {
	mu      sync.Mutex
	outputs map[string][]interface{}
	err     error
	calls   atomic.Int32
	gate    chan struct{}
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{outputs: make(map[string][]interface{})}
}

func (f *fakeCaller) set(method string, outs ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[method] = outs
}

func (f *fakeCaller) Call(ctx context.Context, _ common.Address, _ *abi.ABI, method string, _ ...interface{}) ([]interface{}, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	outs, ok := f.outputs[method]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "execution reverted", method)
	}
	return outs, nil
}

type captureReporter struct {
	mu      sync.Mutex
	reports []*reporter.Report
}

func (c *captureReporter) Report(_ context.Context, r *reporter.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

func (c *captureReporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func erc20(t *testing.T) *abi.ABI {
	t.Helper()
	parsed, err := abis.ERC20()
	require.NoError(t, err)
	return parsed
}

func newTestGraph(t *testing.T, rep reporter.Reporter) *Graph {
	t.Helper()
	g := NewGraph(multicall.NewRegistry(), Options{
		ReadTimeout: time.Second,
		Reporter:    rep,
		Metrics:     metrics.NewTestManager().GetPrometheusMetrics(),
	})
	t.Cleanup(g.Close)
	return g
}

func newTokenStore(t *testing.T, g *Graph, caller Caller) *Store {
	t.Helper()
	s, err := g.NewStore(Definition{Reference: "token", Name: "Token", Address: tokenAddr, ABI: erc20(t)}, caller)
	require.NoError(t, err)
	return s
}

func bigEq(t *testing.T, want int64, got interface{}) {
	t.Helper()
	v, ok := got.(*big.Int)
	require.True(t, ok, "expected *big.Int, got %T", got)
	assert.Equal(t, 0, big.NewInt(want).Cmp(v), "want %d got %s", want, v)
}

func TestFetch(t *testing.T) {
	t.Run("miss then hit", func(t *testing.T) {
		caller := newFakeCaller()
		caller.set("decimals", uint8(18))
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, caller)

		loading, v, err := s.Fetch("decimals", nil, FetchOptions{})
		require.NoError(t, err)
		assert.True(t, loading)
		assert.Nil(t, v)

		g.WaitIdle()

		loading, v, err = s.Fetch("decimals", nil, FetchOptions{})
		require.NoError(t, err)
		assert.False(t, loading)
		bigEq(t, 18, v)
		assert.Equal(t, int32(1), caller.calls.Load(), "hit must not issue a read")
		t.Logf("✓ cached value served without I/O")
	})

	t.Run("pending fetches coalesce", func(t *testing.T) {
		caller := newFakeCaller()
		caller.set("totalSupply", big.NewInt(7))
		caller.gate = make(chan struct{})
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, caller)

		for i := 0; i < 5; i++ {
			loading, _, err := s.Fetch("totalSupply", nil, FetchOptions{})
			require.NoError(t, err)
			assert.True(t, loading)
		}
		close(caller.gate)
		g.WaitIdle()

		assert.Equal(t, int32(1), caller.calls.Load())
		v, ok := g.Current("token", "totalSupply", "[]")
		require.True(t, ok)
		bigEq(t, 7, v)
	})

	t.Run("parameters are part of the key", func(t *testing.T) {
		caller := newFakeCaller()
		caller.set("balanceOf", big.NewInt(3))
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, caller)

		_, _, err := s.Fetch("balanceOf", []interface{}{holderAddr}, FetchOptions{})
		require.NoError(t, err)
		_, _, err = s.Fetch("balanceOf", []interface{}{tokenAddr}, FetchOptions{})
		require.NoError(t, err)
		g.WaitIdle()

		assert.Equal(t, int32(2), caller.calls.Load())
		assert.Len(t, s.Slots(), 2)
	})

	t.Run("missing contract handle", func(t *testing.T) {
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, nil)

		_, _, err := s.Fetch("decimals", nil, FetchOptions{})
		require.Error(t, err)
		assert.True(t, utils.IsCode(err, utils.ErrCodePrecondition))
		assert.Empty(t, s.Slots())
	})

	t.Run("unknown method", func(t *testing.T) {
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, newFakeCaller())

		_, _, err := s.Fetch("mint", nil, FetchOptions{})
		require.Error(t, err)
		assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	})

	t.Run("failed read leaves no slot", func(t *testing.T) {
		caller := newFakeCaller()
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, caller)

		_, _, err := s.Fetch("symbol", nil, FetchOptions{})
		require.NoError(t, err)
		g.WaitIdle()

		assert.Empty(t, s.Slots())
		assert.Equal(t, 0, g.Registry().Len())
	})

	t.Run("decode failure is reported", func(t *testing.T) {
		caller := newFakeCaller()
		caller.err = utils.NewAppError(utils.ErrCodeDecode, "Failed to decode return data", "short buffer")
		rep := &captureReporter{}
		g := newTestGraph(t, rep)
		s := newTokenStore(t, g, caller)

		_, _, err := s.Fetch("name", nil, FetchOptions{Subscribe: true})
		require.NoError(t, err)
		g.WaitIdle()

		require.Equal(t, 1, rep.count())
		assert.Equal(t, reporter.KindDecode, rep.reports[0].Kind)
		assert.Equal(t, "token", rep.reports[0].Reference)
		// watched slots survive so the next cycle can fill them
		assert.Len(t, s.Slots(), 1)
	})
}

func TestSubscribeAndRelease(t *testing.T) {
	caller := newFakeCaller()
	caller.set("balanceOf", big.NewInt(100))
	g := newTestGraph(t, nil)
	s := newTokenStore(t, g, caller)
	params := []interface{}{holderAddr}

	obs, err := s.Observe("balanceOf", params)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Registry().Len())

	select {
	case <-obs.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change after immediate read")
	}
	v, ok := obs.Value()
	require.True(t, ok)
	bigEq(t, 100, v)

	second, err := s.Observe("balanceOf", params)
	require.NoError(t, err)
	assert.Equal(t, int32(1), caller.calls.Load(), "second observer shares the slot")

	obs.Release()
	obs.Release()
	assert.Equal(t, 1, g.Registry().Len(), "still observed")

	second.Release()
	assert.Equal(t, 0, g.Registry().Len())
	assert.Empty(t, s.Slots())

	_, open := <-second.Changes()
	assert.False(t, open)
	t.Logf("✓ last release deregistered the call")
}

func TestForget(t *testing.T) {
	caller := newFakeCaller()
	caller.set("decimals", uint8(8))
	g := newTestGraph(t, nil)
	s := newTokenStore(t, g, caller)

	_, _, err := s.Fetch("decimals", nil, FetchOptions{Subscribe: true})
	require.NoError(t, err)
	g.WaitIdle()
	require.Equal(t, 1, g.Registry().Len())

	removed, err := s.Forget("decimals", nil)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, g.Registry().Len())

	obs, err := s.Observe("decimals", nil)
	require.NoError(t, err)
	defer obs.Release()
	removed, err = s.Forget("decimals", nil)
	require.NoError(t, err)
	assert.False(t, removed, "observed slots are kept")
}

func TestCommit(t *testing.T) {
	t.Run("unchanged values are suppressed", func(t *testing.T) {
		caller := newFakeCaller()
		caller.set("totalSupply", big.NewInt(5))
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, caller)

		obs, err := s.Observe("totalSupply", nil)
		require.NoError(t, err)
		defer obs.Release()
		g.WaitIdle()
		<-obs.Changes()
		before := g.Updates()

		applied, ok := g.Commit(multicall.Stamp{Cycle: 1, Epoch: g.Epoch(), Block: 10},
			[]multicall.Write{{Reference: "token", Method: "totalSupply", ParamKey: "[]", Value: big.NewInt(5)}})
		assert.True(t, ok)
		assert.Equal(t, 0, applied)
		assert.Equal(t, before, g.Updates())

		select {
		case <-obs.Changes():
			t.Fatal("unexpected change notification")
		default:
		}

		applied, ok = g.Commit(multicall.Stamp{Cycle: 2, Epoch: g.Epoch(), Block: 11},
			[]multicall.Write{{Reference: "token", Method: "totalSupply", ParamKey: "[]", Value: big.NewInt(6)}})
		assert.True(t, ok)
		assert.Equal(t, 1, applied)
		<-obs.Changes()
		v, _ := obs.Value()
		bigEq(t, 6, v)
	})

	t.Run("stale epoch and old cycles are rejected", func(t *testing.T) {
		g := newTestGraph(t, nil)
		s := newTokenStore(t, g, newFakeCaller())
		obs, err := s.Observe("decimals", nil)
		require.NoError(t, err)
		defer obs.Release()
		g.WaitIdle()

		writes := []multicall.Write{{Reference: "token", Method: "decimals", ParamKey: "[]", Value: big.NewInt(2)}}
		old := g.Epoch()
		_, ok := g.Commit(multicall.Stamp{Cycle: 5, Epoch: old, Block: 1}, writes)
		require.True(t, ok)

		_, ok = g.Commit(multicall.Stamp{Cycle: 4, Epoch: old, Block: 2}, writes)
		assert.False(t, ok, "older cycle")

		g.AdvanceEpoch()
		_, ok = g.Commit(multicall.Stamp{Cycle: 6, Epoch: old, Block: 3}, writes)
		assert.False(t, ok, "previous network")
	})

	t.Run("writes for evicted slots are dropped", func(t *testing.T) {
		g := newTestGraph(t, nil)
		newTokenStore(t, g, newFakeCaller())

		applied, ok := g.Commit(multicall.Stamp{Cycle: 1, Epoch: g.Epoch(), Block: 1},
			[]multicall.Write{{Reference: "token", Method: "decimals", ParamKey: "[]", Value: big.NewInt(1)}})
		assert.True(t, ok)
		assert.Equal(t, 0, applied)
		assert.Equal(t, 0, g.Stats().Slots)
	})
}

func TestUnobservedSubscriptionsExpire(t *testing.T) {
	caller := newFakeCaller()
	caller.set("balanceOf", big.NewInt(1))
	caller.set("decimals", uint8(18))
	g := NewGraph(multicall.NewRegistry(), Options{
		ReadTimeout:   time.Second,
		MaxIdleCycles: 2,
		Metrics:       metrics.NewTestManager().GetPrometheusMetrics(),
	})
	t.Cleanup(g.Close)
	s := newTokenStore(t, g, caller)

	for i := 0; i < 5; i++ {
		holder := common.BigToAddress(big.NewInt(int64(0xb0 + i)))
		_, _, err := s.Fetch("balanceOf", []interface{}{holder}, FetchOptions{Subscribe: true})
		require.NoError(t, err)
	}
	obs, err := s.Observe("decimals", nil)
	require.NoError(t, err)
	defer obs.Release()
	g.WaitIdle()
	require.Equal(t, 6, g.Registry().Len())

	commit := func(cycle uint64) {
		_, ok := g.Commit(multicall.Stamp{Cycle: cycle, Epoch: g.Epoch(), Block: cycle}, nil)
		require.True(t, ok)
	}

	commit(1)
	commit(2)
	assert.Equal(t, 6, g.Registry().Len(), "still within the idle allowance")

	// touching a subscription restarts its idle count
	_, _, err = s.Fetch("balanceOf", []interface{}{common.BigToAddress(big.NewInt(0xb0))}, FetchOptions{Subscribe: true})
	require.NoError(t, err)

	commit(3)
	stats := g.Stats()
	assert.Equal(t, 2, stats.Watched, "touched subscription and observed read remain")
	assert.Equal(t, 2, stats.Slots)
	assert.Equal(t, 1, stats.Observers)

	commit(4)
	commit(5)
	assert.Equal(t, 1, g.Registry().Len(), "only the observed read is left")
	_, ok := g.Current("token", "decimals", "[]")
	assert.True(t, ok)
	t.Logf("✓ unobserved subscriptions expired, observed read kept")
}

func TestImmediateReadDiscardedAcrossEpochs(t *testing.T) {
	caller := newFakeCaller()
	caller.set("decimals", uint8(18))
	caller.gate = make(chan struct{})
	g := newTestGraph(t, nil)
	s := newTokenStore(t, g, caller)

	_, _, err := s.Fetch("decimals", nil, FetchOptions{})
	require.NoError(t, err)
	g.AdvanceEpoch()
	close(caller.gate)
	g.WaitIdle()

	_, ok := g.Current("token", "decimals", "[]")
	assert.False(t, ok)
	assert.Empty(t, s.Slots())
}

func TestRemoveStore(t *testing.T) {
	caller := newFakeCaller()
	caller.set("decimals", uint8(18))
	g := newTestGraph(t, nil)
	s := newTokenStore(t, g, caller)

	obs, err := s.Observe("decimals", nil)
	require.NoError(t, err)
	g.WaitIdle()

	assert.True(t, g.RemoveStore("token"))
	assert.False(t, g.RemoveStore("token"))
	assert.Equal(t, 0, g.Registry().Len())

	obs.Release()
	stats := g.Stats()
	assert.Equal(t, 0, stats.Observers)
	assert.Equal(t, 0, stats.Stores)

	_, _, err = s.Fetch("balanceOf", []interface{}{holderAddr}, FetchOptions{Subscribe: true})
	assert.True(t, utils.IsCode(err, utils.ErrCodePrecondition), "a removed store refuses fetches")
	_, err = s.Observe("decimals", nil)
	assert.True(t, utils.IsCode(err, utils.ErrCodePrecondition))
	assert.Equal(t, 0, g.Registry().Len(), "nothing registered for the removed entity")

	_, err = g.NewStore(Definition{Reference: "token", ABI: erc20(t)}, caller)
	require.NoError(t, err, "reference is free again")
	_, err = g.NewStore(Definition{Reference: "token", ABI: erc20(t)}, caller)
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
}

// tableAggregator answers aggregated reads from pre-encoded return data.
type tableAggregator struct {
	mu       sync.Mutex
	values   map[string][]byte
	requests int
}

func (a *tableAggregator) set(t *testing.T, target common.Address, contract *abi.ABI, method string, params []interface{}, outs ...interface{}) {
	t.Helper()
	input, err := contract.Pack(method, params...)
	require.NoError(t, err)
	output, err := contract.Methods[method].Outputs.Pack(outs...)
	require.NoError(t, err)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[target.Hex()+hex.EncodeToString(input)] = output
}

func (a *tableAggregator) Aggregate(_ context.Context, calls []multicall.Call, _ *big.Int) ([]multicall.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	out := make([]multicall.Result, len(calls))
	for i, c := range calls {
		data, ok := a.values[c.Target.Hex()+hex.EncodeToString(c.CallData)]
		out[i] = multicall.Result{Success: ok, ReturnData: data}
	}
	return out, nil
}

func TestBlockRefreshesSubscribedReadsInOneRoundTrip(t *testing.T) {
	token := erc20(t)
	caller := newFakeCaller()
	caller.set("balanceOf", big.NewInt(1))
	caller.set("decimals", uint8(18))
	g := newTestGraph(t, nil)
	s := newTokenStore(t, g, caller)

	balance, err := s.Observe("balanceOf", []interface{}{holderAddr})
	require.NoError(t, err)
	defer balance.Release()
	decimals, err := s.Observe("decimals", nil)
	require.NoError(t, err)
	defer decimals.Release()
	g.WaitIdle()
	<-balance.Changes()
	<-decimals.Changes()

	agg := &tableAggregator{values: make(map[string][]byte)}
	agg.set(t, tokenAddr, token, "balanceOf", []interface{}{holderAddr}, big.NewInt(250))
	agg.set(t, tokenAddr, token, "decimals", nil, uint8(18))

	exec := multicall.NewExecutor(agg, g, nil, nil, 4)
	res, err := exec.RunCycle(context.Background(), 42, g.Registry().CurrentCalls())
	require.NoError(t, err)

	assert.Equal(t, 1, agg.requests)
	assert.Equal(t, 2, res.Calls)
	assert.Equal(t, 1, res.Writes)
	assert.Equal(t, 1, res.Suppressed)

	<-balance.Changes()
	v, _ := balance.Value()
	bigEq(t, 250, v)
	select {
	case <-decimals.Changes():
		t.Fatal("unchanged value notified")
	default:
	}
	assert.Equal(t, uint64(42), g.Stats().LastBlock)
	t.Logf("✓ block 42 refreshed %d calls with %d aggregated read", res.Calls, agg.requests)
}

func TestConcurrentObservers(t *testing.T) {
	caller := newFakeCaller()
	caller.set("totalSupply", big.NewInt(9))
	g := newTestGraph(t, nil)
	s := newTokenStore(t, g, caller)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs, err := s.Observe("totalSupply", nil)
			if err != nil {
				errs <- err
				return
			}
			obs.Release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	g.WaitIdle()

	assert.Equal(t, 0, g.Registry().Len())
	assert.Equal(t, 0, g.Stats().Observers)
}
