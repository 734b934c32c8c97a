package multicall

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/reporter"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// Call is one encoded sub-call of an aggregated read.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result is the outcome of one sub-call, in request order.
type Result struct {
	Success    bool
	ReturnData []byte
}

// Aggregator executes many calls in a single round trip.
type Aggregator interface {
	Aggregate(ctx context.Context, calls []Call, blockNumber *big.Int) ([]Result, error)
}

// Write is a changed value produced by a cycle.
type Write struct {
	Reference string
	Method    string
	ParamKey  string
	Value     interface{}
}

// Stamp identifies the cycle a batch of writes came from.
type Stamp struct {
	Cycle uint64
	Epoch uint64
	Block uint64
}

// ResultSink is where cycle results land. Commit applies all writes of one
// cycle at once and rejects stamps from an old epoch or an older cycle.
type ResultSink interface {
	Current(reference, method, paramKey string) (interface{}, bool)
	Epoch() uint64
	Commit(stamp Stamp, writes []Write) (applied int, accepted bool)
}

// Group is the set of calls that share one contract address.
type Group struct {
	Address common.Address
	Calls   []WatchedCall
}

// GroupByAddress partitions calls by contract address. Groups follow the order
// in which each address first appears and calls keep their relative order.
func GroupByAddress(calls []WatchedCall) []Group {
	index := make(map[common.Address]int)
	var groups []Group
	for _, c := range calls {
		i, ok := index[c.ContractAddress]
		if !ok {
			i = len(groups)
			index[c.ContractAddress] = i
			groups = append(groups, Group{Address: c.ContractAddress})
		}
		groups[i].Calls = append(groups[i].Calls, c)
	}
	return groups
}

// GroupError records an aggregated read that failed as a whole.
type GroupError struct {
	Address common.Address `json:"address"`
	Calls   int            `json:"calls"`
	Error   string         `json:"error"`
}

// CycleResult summarizes one executed cycle.
type CycleResult struct {
	Cycle        uint64        `json:"cycle"`
	Epoch        uint64        `json:"epoch"`
	Block        uint64        `json:"block"`
	Calls        int           `json:"calls"`
	Groups       int           `json:"groups"`
	FailedGroups []GroupError  `json:"failed_groups,omitempty"`
	FailedCalls  int           `json:"failed_calls"`
	Writes       int           `json:"writes"`
	Suppressed   int           `json:"suppressed"`
	Discarded    bool          `json:"discarded"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
}

// Outcome classifies the cycle for metrics and the cycle journal.
func (r *CycleResult) Outcome() string {
	switch {
	case r.Discarded:
		return "discarded"
	case len(r.FailedGroups) > 0 || r.FailedCalls > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Executor runs refresh cycles. Cycles never overlap: a cycle started while
// another is running waits for it to finish.
type Executor struct {
	aggregator  Aggregator
	sink        ResultSink
	reporter    reporter.Reporter
	metrics     *metrics.PrometheusMetrics
	logger      *logrus.Entry
	maxParallel int

	cycleMu sync.Mutex
	seq     atomic.Uint64
}

// NewExecutor creates an executor. maxParallel bounds concurrent aggregated reads.
func NewExecutor(agg Aggregator, sink ResultSink, rep reporter.Reporter, pm *metrics.PrometheusMetrics, maxParallel int) *Executor {
	if rep == nil {
		rep = reporter.Nop{}
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Executor{
		aggregator:  agg,
		sink:        sink,
		reporter:    rep,
		metrics:     pm,
		logger:      utils.ComponentLogger("executor"),
		maxParallel: maxParallel,
	}
}

type pendingCall struct {
	call     WatchedCall
	paramKey string
	data     []byte
}

type groupOutcome struct {
	pending []pendingCall
	results []Result
	err     error
}

// RunCycle executes calls for block and commits every changed value at once.
func (e *Executor) RunCycle(ctx context.Context, block uint64, calls []WatchedCall) (*CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	res := &CycleResult{
		Cycle:     e.seq.Add(1),
		Epoch:     e.sink.Epoch(),
		Block:     block,
		Calls:     len(calls),
		StartedAt: time.Now(),
	}
	logger := e.logger.WithFields(logrus.Fields{"cycle": res.Cycle, "block": block})

	groups := GroupByAddress(calls)
	res.Groups = len(groups)

	outcomes := make([]groupOutcome, len(groups))
	for i, g := range groups {
		outcomes[i].pending = e.encodeGroup(ctx, block, g, res)
	}

	var blockNumber *big.Int
	if block > 0 {
		blockNumber = new(big.Int).SetUint64(block)
	}

	var eg errgroup.Group
	eg.SetLimit(e.maxParallel)
	for i, g := range groups {
		out := &outcomes[i]
		if len(out.pending) == 0 {
			continue
		}
		eg.Go(func() error {
			out.results, out.err = e.aggregate(ctx, g.Address, out.pending, blockNumber)
			return nil
		})
	}
	_ = eg.Wait()

	var writes []Write
	for i, g := range groups {
		out := &outcomes[i]
		if len(out.pending) == 0 {
			continue
		}
		if out.err != nil {
			res.FailedGroups = append(res.FailedGroups, GroupError{
				Address: g.Address,
				Calls:   len(out.pending),
				Error:   out.err.Error(),
			})
			logger.WithError(out.err).WithField("address", g.Address.Hex()).Warn("Aggregated read failed, keeping cached values")
			continue
		}
		writes = append(writes, e.collectWrites(ctx, block, out, res)...)
	}

	applied, accepted := e.sink.Commit(Stamp{Cycle: res.Cycle, Epoch: res.Epoch, Block: block}, writes)
	res.Writes = applied
	if !accepted {
		res.Discarded = true
		res.Writes = 0
		e.metrics.RecordDiscardedCommit("cycle")
		logger.WithField("epoch", res.Epoch).Info("Discarded results from a previous network")
	}
	res.Duration = time.Since(res.StartedAt)

	e.metrics.RecordCycle(res.Outcome(), res.Calls, res.Writes, res.Suppressed, res.Duration)
	logger.WithFields(logrus.Fields{
		"calls":         res.Calls,
		"groups":        res.Groups,
		"failed_groups": len(res.FailedGroups),
		"writes":        res.Writes,
		"suppressed":    res.Suppressed,
		"duration":      res.Duration,
	}).Debug("Cycle completed")

	if err := ctx.Err(); err != nil {
		return res, utils.WrapAppError(utils.ErrCodeBlockchain, "Cycle interrupted", err)
	}
	return res, nil
}

func (e *Executor) encodeGroup(ctx context.Context, block uint64, g Group, res *CycleResult) []pendingCall {
	pending := make([]pendingCall, 0, len(g.Calls))
	for _, c := range g.Calls {
		pk, err := c.ParamKey()
		if err != nil {
			e.reportFailure(ctx, reporter.KindEncode, block, c, "", err)
			res.FailedCalls++
			continue
		}
		if c.ABI == nil {
			e.reportFailure(ctx, reporter.KindEncode, block, c, pk,
				utils.NewAppError(utils.ErrCodePrecondition, "Call has no ABI", c.MethodName))
			res.FailedCalls++
			continue
		}
		data, err := c.ABI.Pack(c.MethodName, c.MethodParameters...)
		if err != nil {
			e.reportFailure(ctx, reporter.KindEncode, block, c, pk,
				utils.WrapAppError(utils.ErrCodeDecode, "Failed to encode call", err))
			res.FailedCalls++
			continue
		}
		pending = append(pending, pendingCall{call: c, paramKey: pk, data: data})
	}
	return pending
}

func (e *Executor) aggregate(ctx context.Context, target common.Address, pending []pendingCall, blockNumber *big.Int) ([]Result, error) {
	calls := make([]Call, len(pending))
	for i, p := range pending {
		calls[i] = Call{Target: target, AllowFailure: true, CallData: p.data}
	}

	results, err := e.aggregator.Aggregate(ctx, calls, blockNumber)
	if err == nil && len(results) != len(calls) {
		err = utils.NewAppError(utils.ErrCodeBlockchain, "Aggregated read returned wrong result count")
	}
	if err != nil {
		e.metrics.RecordAggregatedRead("error", len(calls))
		return nil, err
	}
	e.metrics.RecordAggregatedRead("success", len(calls))
	return results, nil
}

func (e *Executor) collectWrites(ctx context.Context, block uint64, out *groupOutcome, res *CycleResult) []Write {
	var writes []Write
	for i, p := range out.pending {
		r := out.results[i]
		if !r.Success {
			res.FailedCalls++
			continue
		}

		outs, err := p.call.ABI.Unpack(p.call.MethodName, r.ReturnData)
		if err != nil {
			res.FailedCalls++
			e.reportFailure(ctx, reporter.KindDecode, block, p.call, p.paramKey,
				utils.WrapAppError(utils.ErrCodeDecode, "Failed to decode call result", err))
			continue
		}
		value := NormalizeOutputs(outs)

		if current, ok := e.sink.Current(p.call.Reference, p.call.MethodName, p.paramKey); ok && ValuesEqual(current, value) {
			res.Suppressed++
			continue
		}
		writes = append(writes, Write{
			Reference: p.call.Reference,
			Method:    p.call.MethodName,
			ParamKey:  p.paramKey,
			Value:     value,
		})
	}
	return writes
}

func (e *Executor) reportFailure(ctx context.Context, kind reporter.Kind, block uint64, c WatchedCall, paramKey string, err error) {
	e.metrics.RecordDecodeFailure(c.Reference, c.MethodName)

	report := reporter.NewReport(kind, c.Reference, c.MethodName, err)
	report.Address = c.ContractAddress.Hex()
	report.ParamKey = paramKey
	report.Block = block
	if rerr := e.reporter.Report(ctx, report); rerr != nil {
		e.logger.WithError(rerr).Warn("Failed to deliver error report")
	}
}

// LastCycle returns the id of the most recently started cycle.
func (e *Executor) LastCycle() uint64 {
	return e.seq.Load()
}
