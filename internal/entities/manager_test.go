package entities

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
	"github.com/smartdevs17/rsk-read-cache/internal/multicall"
	"github.com/smartdevs17/rsk-read-cache/internal/storage"
	"github.com/smartdevs17/rsk-read-cache/internal/store"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenAddress = "0x19f64674D8a5b4e652319F5e239EFd3bc969a1FE"

type nopCaller struct{}

func (nopCaller) Call(context.Context, common.Address, *abi.ABI, string, ...interface{}) ([]interface{}, error) {
	return []interface{}{uint8(18)}, nil
}

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	st := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "entities.db"),
		MaxConnections:   2,
	})
	require.NoError(t, st.Connect())
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, st storage.Storage) (*Manager, *store.Graph) {
	t.Helper()
	graph := store.NewGraph(multicall.NewRegistry(), store.Options{})
	t.Cleanup(graph.Close)
	return NewManager(graph, nopCaller{}, st), graph
}

func TestManagerAddRemove(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	m, graph := newTestManager(t, st)

	t.Run("add binds a store and persists", func(t *testing.T) {
		err := m.Add(ctx, &models.Entity{Reference: "rif", Address: tokenAddress, Name: "RIF", ABI: "erc20"})
		require.NoError(t, err)

		s, ok := graph.Store("rif")
		require.True(t, ok)
		assert.Equal(t, common.HexToAddress(tokenAddress), s.Definition().Address)

		saved, err := st.GetEntity(ctx, "rif")
		require.NoError(t, err)
		assert.True(t, saved.Active)
		assert.Equal(t, "RIF", saved.Name)
	})

	t.Run("duplicate reference", func(t *testing.T) {
		err := m.Add(ctx, &models.Entity{Reference: "rif", Address: tokenAddress, ABI: "erc20"})
		assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	})

	t.Run("invalid definitions", func(t *testing.T) {
		err := m.Add(ctx, &models.Entity{Reference: "bad", Address: "nope", ABI: "erc20"})
		assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))

		err = m.Add(ctx, &models.Entity{Reference: "bad", Address: tokenAddress, ABI: "uniswap"})
		assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))

		_, ok := graph.Store("bad")
		assert.False(t, ok)
	})

	t.Run("remove drops store and row", func(t *testing.T) {
		s, _ := graph.Store("rif")
		obs, err := s.Observe("decimals", nil)
		require.NoError(t, err)
		graph.WaitIdle()
		assert.Equal(t, 1, graph.Registry().Len())

		require.NoError(t, m.Remove(ctx, "rif"))
		_, ok := graph.Store("rif")
		assert.False(t, ok)
		assert.Equal(t, 0, graph.Registry().Len())
		obs.Release()

		_, err = st.GetEntity(ctx, "rif")
		assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))

		err = m.Remove(ctx, "rif")
		assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
	})
}

func TestManagerLoad(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	require.NoError(t, st.SaveEntity(ctx, &models.Entity{Reference: "stored", Address: tokenAddress, ABI: "erc20", Active: true}))
	require.NoError(t, st.SaveEntity(ctx, &models.Entity{Reference: "inactive", Address: tokenAddress, ABI: "erc20", Active: false}))

	m, graph := newTestManager(t, st)
	err := m.Load(ctx, []config.EntityConfig{
		{Reference: "configured", Address: tokenAddress, Name: "Configured", ABI: "erc20"},
	})
	require.NoError(t, err)

	var refs []string
	for _, e := range m.List() {
		refs = append(refs, e.Reference)
	}
	assert.Equal(t, []string{"configured", "stored"}, refs)
	assert.Len(t, graph.Stores(), 2)

	saved, err := st.GetEntity(ctx, "configured")
	require.NoError(t, err)
	assert.Equal(t, "Configured", saved.Name)

	t.Logf("✓ Loaded %d entities", len(refs))
}

func TestManagerWithoutStorage(t *testing.T) {
	m, graph := newTestManager(t, nil)
	require.NoError(t, m.Load(context.Background(), []config.EntityConfig{
		{Reference: "a", Address: tokenAddress, ABI: "erc20"},
	}))
	require.NoError(t, m.Add(context.Background(), &models.Entity{Reference: "b", Address: tokenAddress, ABI: "erc20"}))

	e, ok := m.Get("b")
	require.True(t, ok)
	assert.True(t, e.Active)
	assert.Len(t, graph.Stores(), 2)
}
