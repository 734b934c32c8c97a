package multicall

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/rsk-read-cache/internal/abis"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/reporter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokenB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	holder = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type fakeAggregator struct {
	mu       sync.Mutex
	values   map[string][]byte
	failing  map[common.Address]error
	requests [][]Call
	delay    time.Duration
	hook     func()
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeAggregator() *fakeAggregator {
	return &fakeAggregator{
		values:  make(map[string][]byte),
		failing: make(map[common.Address]error),
	}
}

func callID(target common.Address, data []byte) string {
	return target.Hex() + ":" + hex.EncodeToString(data)
}

func (f *fakeAggregator) set(t *testing.T, target common.Address, contract *abi.ABI, method string, params []interface{}, outs ...interface{}) {
	t.Helper()
	input, err := contract.Pack(method, params...)
	require.NoError(t, err)
	output, err := contract.Methods[method].Outputs.Pack(outs...)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[callID(target, input)] = output
}

func (f *fakeAggregator) setRaw(t *testing.T, target common.Address, contract *abi.ABI, method string, raw []byte) {
	t.Helper()
	input, err := contract.Pack(method)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[callID(target, input)] = raw
}

func (f *fakeAggregator) Aggregate(ctx context.Context, calls []Call, _ *big.Int) ([]Result, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if n <= max || f.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.hook != nil {
		f.hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, calls)

	if err := f.failing[calls[0].Target]; err != nil {
		return nil, err
	}
	results := make([]Result, len(calls))
	for i, c := range calls {
		data, ok := f.values[callID(c.Target, c.CallData)]
		results[i] = Result{Success: ok, ReturnData: data}
	}
	return results, nil
}

func (f *fakeAggregator) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type memorySink struct {
	mu      sync.Mutex
	values  map[string]interface{}
	epoch   uint64
	commits int
}

func newMemorySink() *memorySink {
	return &memorySink{values: make(map[string]interface{})}
}

func (s *memorySink) Current(ref, method, pk string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[joinKey(ref, method, pk)]
	return v, ok
}

func (s *memorySink) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *memorySink) Commit(stamp Stamp, writes []Write) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stamp.Epoch != s.epoch {
		return 0, false
	}
	s.commits++
	for _, w := range writes {
		s.values[joinKey(w.Reference, w.Method, w.ParamKey)] = w.Value
	}
	return len(writes), true
}

func (s *memorySink) get(ref, method string, params ...interface{}) interface{} {
	pk, _ := ParamKey(params)
	v, _ := s.Current(ref, method, pk)
	return v
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

func erc20(t *testing.T) *abi.ABI {
	t.Helper()
	parsed, err := abis.ERC20()
	require.NoError(t, err)
	return parsed
}

func erc20Call(t *testing.T, ref string, addr common.Address, method string, params ...interface{}) WatchedCall {
	return WatchedCall{
		Reference:        ref,
		ContractAddress:  addr,
		ABI:              erc20(t),
		MethodName:       method,
		MethodParameters: params,
	}
}

func newTestExecutor(agg Aggregator, sink ResultSink, rep reporter.Reporter) *Executor {
	return NewExecutor(agg, sink, rep, metrics.NewTestManager().GetPrometheusMetrics(), 4)
}

func TestGroupByAddress(t *testing.T) {
	calls := []WatchedCall{
		erc20Call(t, "a", tokenA, "decimals"),
		erc20Call(t, "b", tokenB, "totalSupply"),
		erc20Call(t, "a", tokenA, "balanceOf", holder),
	}

	groups := GroupByAddress(calls)
	require.Len(t, groups, 2)
	assert.Equal(t, tokenA, groups[0].Address)
	assert.Equal(t, []string{"decimals", "balanceOf"}, []string{groups[0].Calls[0].MethodName, groups[0].Calls[1].MethodName})
	assert.Equal(t, tokenB, groups[1].Address)
	assert.Len(t, groups[1].Calls, 1)
}

func TestRunCycleOneAggregatedReadPerAddress(t *testing.T) {
	token := erc20(t)
	agg := newFakeAggregator()
	agg.set(t, tokenA, token, "decimals", nil, uint8(18))
	agg.set(t, tokenA, token, "balanceOf", []interface{}{holder}, big.NewInt(1000))
	agg.set(t, tokenB, token, "totalSupply", nil, big.NewInt(5))
	sink := newMemorySink()

	calls := []WatchedCall{
		erc20Call(t, "a", tokenA, "decimals"),
		erc20Call(t, "a", tokenA, "balanceOf", holder),
		erc20Call(t, "b", tokenB, "totalSupply"),
	}

	res, err := newTestExecutor(agg, sink, nil).RunCycle(context.Background(), 10, calls)
	require.NoError(t, err)

	assert.Equal(t, 2, agg.requestCount())
	assert.Equal(t, 2, res.Groups)
	assert.Equal(t, 3, res.Writes)
	assert.Equal(t, "ok", res.Outcome())
	assert.Equal(t, 1, sink.commits)

	assert.Equal(t, 0, big.NewInt(18).Cmp(sink.get("a", "decimals").(*big.Int)))
	assert.Equal(t, 0, big.NewInt(1000).Cmp(sink.get("a", "balanceOf", holder).(*big.Int)))
	assert.Equal(t, 0, big.NewInt(5).Cmp(sink.get("b", "totalSupply").(*big.Int)))
}

func TestRunCycleSuppressesUnchangedValues(t *testing.T) {
	token := erc20(t)
	agg := newFakeAggregator()
	agg.set(t, tokenA, token, "decimals", nil, uint8(8))
	sink := newMemorySink()
	exec := newTestExecutor(agg, sink, nil)
	calls := []WatchedCall{erc20Call(t, "a", tokenA, "decimals")}

	first, err := exec.RunCycle(context.Background(), 1, calls)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Writes)

	second, err := exec.RunCycle(context.Background(), 2, calls)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Writes)
	assert.Equal(t, 1, second.Suppressed)
	assert.Equal(t, uint64(2), exec.LastCycle())
}

func TestRunCycleIsolatesGroupFailures(t *testing.T) {
	token := erc20(t)
	agg := newFakeAggregator()
	agg.set(t, tokenA, token, "totalSupply", nil, big.NewInt(1))
	agg.set(t, tokenB, token, "totalSupply", nil, big.NewInt(2))
	sink := newMemorySink()
	exec := newTestExecutor(agg, sink, nil)
	calls := []WatchedCall{
		erc20Call(t, "a", tokenA, "totalSupply"),
		erc20Call(t, "b", tokenB, "totalSupply"),
	}

	_, err := exec.RunCycle(context.Background(), 1, calls)
	require.NoError(t, err)

	agg.set(t, tokenA, token, "totalSupply", nil, big.NewInt(10))
	agg.set(t, tokenB, token, "totalSupply", nil, big.NewInt(20))
	agg.failing[tokenB] = errors.New("node timeout")

	res, err := exec.RunCycle(context.Background(), 2, calls)
	require.NoError(t, err)
	require.Len(t, res.FailedGroups, 1)
	assert.Equal(t, tokenB, res.FailedGroups[0].Address)
	assert.Equal(t, "partial", res.Outcome())

	assert.Equal(t, 0, big.NewInt(10).Cmp(sink.get("a", "totalSupply").(*big.Int)))
	assert.Equal(t, 0, big.NewInt(2).Cmp(sink.get("b", "totalSupply").(*big.Int)), "failed group keeps stale value")
}

func TestRunCycleReportsDecodeFailures(t *testing.T) {
	token := erc20(t)
	agg := newFakeAggregator()
	agg.set(t, tokenA, token, "decimals", nil, uint8(6))
	agg.set(t, tokenA, token, "totalSupply", nil, big.NewInt(3))
	sink := newMemorySink()
	rep := &captureReporter{}
	exec := newTestExecutor(agg, sink, rep)
	calls := []WatchedCall{
		erc20Call(t, "a", tokenA, "decimals"),
		erc20Call(t, "a", tokenA, "totalSupply"),
	}

	_, err := exec.RunCycle(context.Background(), 1, calls)
	require.NoError(t, err)

	agg.setRaw(t, tokenA, token, "decimals", []byte{0x01})
	agg.set(t, tokenA, token, "totalSupply", nil, big.NewInt(4))

	res, err := exec.RunCycle(context.Background(), 2, calls)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedCalls)
	assert.Equal(t, 1, res.Writes)

	require.Len(t, rep.reports, 1)
	assert.Equal(t, reporter.KindDecode, rep.reports[0].Kind)
	assert.Equal(t, "decimals", rep.reports[0].Method)
	assert.Equal(t, uint64(2), rep.reports[0].Block)

	assert.Equal(t, 0, big.NewInt(6).Cmp(sink.get("a", "decimals").(*big.Int)), "decode failure keeps prior value")
	assert.Equal(t, 0, big.NewInt(4).Cmp(sink.get("a", "totalSupply").(*big.Int)))
}

func TestRunCycleSkipsUnencodableCalls(t *testing.T) {
	token := erc20(t)
	agg := newFakeAggregator()
	agg.set(t, tokenA, token, "decimals", nil, uint8(2))
	rep := &captureReporter{}
	exec := newTestExecutor(agg, newMemorySink(), rep)

	res, err := exec.RunCycle(context.Background(), 1, []WatchedCall{
		erc20Call(t, "a", tokenA, "balanceOf", "not-an-address"),
		erc20Call(t, "a", tokenA, "decimals"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Writes)
	assert.Equal(t, 1, res.FailedCalls)
	require.Len(t, rep.reports, 1)
	assert.Equal(t, reporter.KindEncode, rep.reports[0].Kind)
	require.Len(t, agg.requests, 1)
	assert.Len(t, agg.requests[0], 1)
}

func TestRunCycleLeavesRevertedCallsStale(t *testing.T) {
	agg := newFakeAggregator()
	sink := newMemorySink()
	res, err := newTestExecutor(agg, sink, nil).RunCycle(context.Background(), 1, []WatchedCall{
		erc20Call(t, "a", tokenA, "symbol"),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Writes)
	assert.Equal(t, 1, res.FailedCalls)
	assert.Nil(t, sink.get("a", "symbol"))
}

func TestRunCycleDiscardsStaleEpoch(t *testing.T) {
	token := erc20(t)
	agg := newFakeAggregator()
	agg.set(t, tokenA, token, "decimals", nil, uint8(18))
	sink := newMemorySink()
	agg.hook = func() {
		sink.mu.Lock()
		sink.epoch++
		sink.mu.Unlock()
	}

	res, err := newTestExecutor(agg, sink, nil).RunCycle(context.Background(), 1, []WatchedCall{erc20Call(t, "a", tokenA, "decimals")})
	require.NoError(t, err)
	assert.True(t, res.Discarded)
	assert.Equal(t, "discarded", res.Outcome())
	assert.Nil(t, sink.get("a", "decimals"))
}

func TestRunCycleSerializesCycles(t *testing.T) {
	token := erc20(t)
	agg := newFakeAggregator()
	agg.set(t, tokenA, token, "decimals", nil, uint8(18))
	agg.delay = 10 * time.Millisecond
	exec := newTestExecutor(agg, newMemorySink(), nil)
	calls := []WatchedCall{erc20Call(t, "a", tokenA, "decimals")}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(block uint64) {
			defer wg.Done()
			_, err := exec.RunCycle(context.Background(), block, calls)
			assert.NoError(t, err)
		}(uint64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(1), agg.maxSeen.Load(), "cycles must not overlap")
	assert.Equal(t, 4, agg.requestCount())
}

func TestRunCycleMultipleOutputs(t *testing.T) {
	pair, err := abis.Parse(`[{"inputs":[],"name":"getReserves","outputs":[{"type":"uint112"},{"type":"uint112"},{"type":"uint32"}],"stateMutability":"view","type":"function"}]`)
	require.NoError(t, err)

	agg := newFakeAggregator()
	agg.set(t, tokenA, pair, "getReserves", nil, big.NewInt(100), big.NewInt(200), uint32(7))
	sink := newMemorySink()

	_, err = newTestExecutor(agg, sink, nil).RunCycle(context.Background(), 1, []WatchedCall{{
		Reference:       "pair",
		ContractAddress: tokenA,
		ABI:             pair,
		MethodName:      "getReserves",
	}})
	require.NoError(t, err)

	got, ok := sink.get("pair", "getReserves").([]interface{})
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.True(t, ValuesEqual([]interface{}{big.NewInt(100), big.NewInt(200), big.NewInt(7)}, got))
}
