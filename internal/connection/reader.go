package connection

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/abis"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Reader performs contract reads over the managed connection: single calls,
// Multicall3 aggregated calls and native balance lookups.
type Reader struct {
	manager      *ConnectionManager
	multicallABI *abi.ABI
	limiter      *rate.Limiter
	flight       singleflight.Group
	metrics      *metrics.PrometheusMetrics
	logger       *logrus.Entry
}

// NewReader creates a reader. Immediate reads are throttled by cfg.RateLimit.
func NewReader(manager *ConnectionManager, cfg config.ChainConfig, pm *metrics.PrometheusMetrics) (*Reader, error) {
	multicallABI, err := abis.Multicall3()
	if err != nil {
		return nil, fmt.Errorf("failed to load multicall3 ABI: %w", err)
	}

	limit := rate.Inf
	burst := cfg.RateBurst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if burst <= 0 {
		burst = 1
	}

	return &Reader{
		manager:      manager,
		multicallABI: multicallABI,
		limiter:      rate.NewLimiter(limit, burst),
		metrics:      pm,
		logger:       utils.ComponentLogger("reader"),
	}, nil
}

// Manager returns the connection manager behind the reader.
func (r *Reader) Manager() *ConnectionManager {
	return r.manager
}

// Call executes one read-only contract call against the latest block and
// returns the unpacked outputs. Identical concurrent calls share one request.
func (r *Reader) Call(ctx context.Context, contract common.Address, contractABI *abi.ABI, method string, params ...interface{}) ([]interface{}, error) {
	if contractABI == nil {
		return nil, utils.NewAppError(utils.ErrCodePrecondition, "Contract ABI is required", method)
	}
	data, err := contractABI.Pack(method, params...)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDecode, "Failed to encode call", err)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// The shared request outlives any single caller; each caller only stops
	// waiting when its own ctx ends. callContract bounds it by the request timeout.
	key := contract.Hex() + ":" + hex.EncodeToString(data)
	shared := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		return r.callContract(shared, contract, data, nil)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Contract call cancelled", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	outs, err := contractABI.Unpack(method, res.Val.([]byte))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDecode, "Failed to decode call result", err)
	}
	return outs, nil
}

// Aggregate runs calls through Multicall3 aggregate3 at blockNumber (nil for latest).
func (r *Reader) Aggregate(ctx context.Context, calls []multicall.Call, blockNumber *big.Int) ([]multicall.Result, error) {
	if len(calls) == 0 {
		return []multicall.Result{}, nil
	}

	data, err := r.multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("failed to pack multicall: %w", err)
	}

	target := r.manager.MulticallAddress()
	raw, err := r.callContract(ctx, target, data, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("multicall at address=%s block=%s calls=%d: %w",
			target.Hex(), blockNumberString(blockNumber), len(calls), err)
	}

	unpacked, err := r.multicallABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDecode, "Failed to unpack multicall response", err)
	}
	if len(unpacked) != 1 {
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Unexpected multicall response shape")
	}

	results := *abi.ConvertType(unpacked[0], new([]multicall.Result)).(*[]multicall.Result)
	return results, nil
}

// BalanceAt returns the native balance of account at blockNumber (nil for latest).
func (r *Reader) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	client, err := r.manager.GetClientWithContext(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	balance, err := client.BalanceAt(ctx, account, blockNumber)
	r.manager.observeRPC("eth_getBalance", start, err)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to get balance", err)
	}
	return balance, nil
}

// BlockNumber returns the latest block number of the active network.
func (r *Reader) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.manager.GetLatestBlockNumber(ctx)
}

func (r *Reader) callContract(ctx context.Context, target common.Address, data []byte, blockNumber *big.Int) ([]byte, error) {
	client, err := r.manager.GetClientWithContext(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, blockNumber)
	r.manager.observeRPC("eth_call", start, err)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"target": target.Hex(),
			"block":  blockNumberString(blockNumber),
		}).WithError(err).Debug("eth_call failed")
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Contract call failed", err)
	}
	return out, nil
}

func (r *Reader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.manager.Network().RequestTimeout
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func blockNumberString(blockNumber *big.Int) string {
	if blockNumber == nil {
		return "latest"
	}
	return blockNumber.String()
}
