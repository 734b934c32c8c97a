package driver

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// BalanceReader reads native balances.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Balance is the native balance of a wallet at a block.
type Balance struct {
	Address   common.Address `json:"address"`
	Value     *big.Int       `json:"value,omitempty"`
	Block     uint64         `json:"block"`
	UpdatedAt time.Time      `json:"updated_at"`
	Error     string         `json:"error,omitempty"`
}

// WalletBalances keeps native balances of tracked wallets fresh on every block.
type WalletBalances struct {
	reader      BalanceReader
	maxParallel int
	logger      *logrus.Entry

	mu       sync.RWMutex
	balances map[common.Address]*Balance
}

// NewWalletBalances creates an empty wallet tracker.
func NewWalletBalances(reader BalanceReader, maxParallel int) *WalletBalances {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &WalletBalances{
		reader:      reader,
		maxParallel: maxParallel,
		logger:      utils.ComponentLogger("wallet_balances"),
		balances:    make(map[common.Address]*Balance),
	}
}

// Name implements Refresher.
func (w *WalletBalances) Name() string {
	return "wallet_balances"
}

// Add starts tracking a wallet. It reports false when already tracked.
func (w *WalletBalances) Add(addr common.Address) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.balances[addr]; ok {
		return false
	}
	w.balances[addr] = &Balance{Address: addr}
	return true
}

// Remove stops tracking a wallet.
func (w *WalletBalances) Remove(addr common.Address) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.balances[addr]; !ok {
		return false
	}
	delete(w.balances, addr)
	return true
}

// Balance returns the last known balance of a tracked wallet.
func (w *WalletBalances) Balance(addr common.Address) (Balance, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.balances[addr]
	if !ok {
		return Balance{}, false
	}
	return copyBalance(b), true
}

// Balances returns every tracked wallet ordered by address.
func (w *WalletBalances) Balances() []Balance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Balance, 0, len(w.balances))
	for _, b := range w.balances {
		out = append(out, copyBalance(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Hex() < out[j].Address.Hex() })
	return out
}

func copyBalance(b *Balance) Balance {
	c := *b
	if b.Value != nil {
		c.Value = new(big.Int).Set(b.Value)
	}
	return c
}

// Refresh reads every tracked balance at block. A failed read keeps the
// previous value and records the error on the wallet.
func (w *WalletBalances) Refresh(ctx context.Context, block uint64) error {
	w.mu.RLock()
	addrs := make([]common.Address, 0, len(w.balances))
	for addr := range w.balances {
		addrs = append(addrs, addr)
	}
	w.mu.RUnlock()

	if len(addrs) == 0 {
		return nil
	}

	blockNumber := new(big.Int).SetUint64(block)
	var failed sync.Map
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxParallel)
	for _, addr := range addrs {
		g.Go(func() error {
			value, err := w.reader.BalanceAt(gctx, addr, blockNumber)
			w.store(addr, value, block, err)
			if err != nil {
				failed.Store(addr, err)
			}
			// one wallet failing must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	count := 0
	failed.Range(func(_, v interface{}) bool {
		if firstErr == nil {
			firstErr = v.(error)
		}
		count++
		return true
	})
	if firstErr != nil {
		err := utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to refresh wallet balances", firstErr)
		err.Details = fmt.Sprintf("%d of %d wallets failed: %v", count, len(addrs), firstErr)
		return err
	}
	return nil
}

func (w *WalletBalances) store(addr common.Address, value *big.Int, block uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.balances[addr]
	if !ok {
		// removed while reading
		return
	}
	if err != nil {
		b.Error = err.Error()
		w.logger.WithError(err).WithField("wallet", addr.Hex()).Debug("Balance read failed")
		return
	}
	b.Value = value
	b.Block = block
	b.UpdatedAt = time.Now()
	b.Error = ""
}
