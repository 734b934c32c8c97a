package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s := NewSQLiteStorage(&StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "data", "test.db"),
		MaxConnections:   4,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, s.Connect())
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteEntities(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	entity := &models.Entity{
		Reference: "rif",
		Address:   "0x2AcC95758f8b5F583470ba265EB685a8F45fC9D5",
		Name:      "RIF Token",
		ABI:       "erc20",
		Active:    true,
	}
	require.NoError(t, s.SaveEntity(ctx, entity))
	assert.False(t, entity.CreatedAt.IsZero())

	got, err := s.GetEntity(ctx, "rif")
	require.NoError(t, err)
	assert.Equal(t, "0x2acc95758f8b5f583470ba265eb685a8f45fc9d5", got.Address)
	assert.Equal(t, "RIF Token", got.Name)
	assert.True(t, got.Active)

	entity.Active = false
	entity.Name = "RIF"
	require.NoError(t, s.SaveEntity(ctx, entity))
	require.NoError(t, s.SaveEntity(ctx, &models.Entity{Reference: "doc", Address: "0x01", ABI: "erc20", Active: true}))

	all, err := s.GetEntities(ctx, models.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "doc", all[0].Reference)

	active := true
	onlyActive, err := s.GetEntities(ctx, models.EntityFilter{Active: &active})
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, "doc", onlyActive[0].Reference)

	require.NoError(t, s.DeleteEntity(ctx, "rif"))
	err = s.DeleteEntity(ctx, "rif")
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
	_, err = s.GetEntity(ctx, "rif")
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
}

func TestSQLiteBlockCursor(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	block, err := s.GetLatestBlock(ctx, 31)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), block)

	require.NoError(t, s.SetLatestBlock(ctx, 31, 5_000_000))
	require.NoError(t, s.SetLatestBlock(ctx, 31, 5_000_001))
	require.NoError(t, s.SetLatestBlock(ctx, 30, 6_000_000))

	block, err = s.GetLatestBlock(ctx, 31)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_001), block)

	block, err = s.GetLatestBlock(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000_000), block)
}

func TestSQLiteCycles(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	failure := "node timeout"
	for i := 1; i <= 3; i++ {
		record := &models.CycleRecord{
			Cycle:       uint64(i),
			Epoch:       0,
			NetworkID:   31,
			BlockNumber: uint64(100 + i),
			Outcome:     "ok",
			Calls:       4,
			Groups:      2,
			Writes:      i,
			Duration:    time.Duration(i) * 150 * time.Millisecond,
			StartedAt:   time.Now().Add(-time.Duration(3-i) * time.Second),
		}
		if i == 3 {
			record.Outcome = "partial"
			record.FailedGroups = 1
			record.Error = &failure
		}
		require.NoError(t, s.SaveCycle(ctx, record))
		assert.NotZero(t, record.ID)
	}

	records, err := s.GetCycles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Cycle)
	assert.Equal(t, "partial", records[0].Outcome)
	require.NotNil(t, records[0].Error)
	assert.Equal(t, failure, *records[0].Error)
	assert.Equal(t, 450*time.Millisecond, records[0].Duration)
	assert.Nil(t, records[1].Error)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCycles)
	assert.NotNil(t, stats.LatestCycle)

	require.NoError(t, s.SaveCycle(ctx, &models.CycleRecord{Cycle: 4, Outcome: "ok", StartedAt: time.Now().AddDate(0, 0, -10)}))
	require.NoError(t, s.Cleanup(ctx, 7))
	records, err = s.GetCycles(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestSQLiteHealth(t *testing.T) {
	s := newTestStorage(t)
	assert.True(t, s.GetHealth().Healthy)

	require.NoError(t, s.Close())
	assert.False(t, s.GetHealth().Healthy)
	assert.Error(t, s.Ping())
}

func TestStorageWithMetrics(t *testing.T) {
	pm := metrics.NewTestManager().GetPrometheusMetrics()
	s := NewStorageWithMetrics(newTestStorage(t), pm)

	require.NoError(t, s.SetLatestBlock(context.Background(), 31, 10))
	block, err := s.GetLatestBlock(context.Background(), 31)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), block)

	assert.Equal(t, 1, testutil.CollectAndCount(pm.DatabaseOperationsTotal))
}

func TestNewStorage(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewStorage(&config.StorageConfig{Type: "SQLite", ConnectionString: ":memory:", MaxConnections: 1})
		require.NoError(t, err)
		assert.IsType(t, &SQLiteStorage{}, s)
	})

	t.Run("postgres", func(t *testing.T) {
		s, err := NewStorage(&config.StorageConfig{Type: "postgres", ConnectionString: "postgres://localhost/readcache", MaxConnections: 5})
		require.NoError(t, err)
		assert.IsType(t, &PostgreSQLStorage{}, s)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := NewStorage(&config.StorageConfig{Type: "mongo", ConnectionString: "x", MaxConnections: 1})
		assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
	})

	t.Run("missing connection string", func(t *testing.T) {
		_, err := NewStorage(&config.StorageConfig{Type: "sqlite", MaxConnections: 1})
		assert.Error(t, err)
	})
}
