package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/rsk-read-cache/internal/metrics"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metrics *metrics.PrometheusMetrics
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, pm *metrics.PrometheusMetrics) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage: storage,
		metrics: pm,
	}
}

func (s *StorageWithMetrics) observe(operation, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// SaveEntity saves an entity and records metrics
func (s *StorageWithMetrics) SaveEntity(ctx context.Context, entity *models.Entity) error {
	start := time.Now()
	err := s.Storage.SaveEntity(ctx, entity)
	s.observe("upsert", "entities", start, err)
	return err
}

// DeleteEntity deletes an entity and records metrics
func (s *StorageWithMetrics) DeleteEntity(ctx context.Context, reference string) error {
	start := time.Now()
	err := s.Storage.DeleteEntity(ctx, reference)
	s.observe("delete", "entities", start, err)
	return err
}

// SetLatestBlock stores the cursor and records metrics
func (s *StorageWithMetrics) SetLatestBlock(ctx context.Context, networkID int, blockNumber uint64) error {
	start := time.Now()
	err := s.Storage.SetLatestBlock(ctx, networkID, blockNumber)
	s.observe("upsert", "block_cursors", start, err)
	return err
}

// SaveCycle appends to the journal and records metrics
func (s *StorageWithMetrics) SaveCycle(ctx context.Context, record *models.CycleRecord) error {
	start := time.Now()
	err := s.Storage.SaveCycle(ctx, record)
	s.observe("insert", "cycles", start, err)
	return err
}

// GetCycles reads the journal and records metrics
func (s *StorageWithMetrics) GetCycles(ctx context.Context, limit int) ([]*models.CycleRecord, error) {
	start := time.Now()
	records, err := s.Storage.GetCycles(ctx, limit)
	s.observe("select", "cycles", start, err)
	return records, err
}
