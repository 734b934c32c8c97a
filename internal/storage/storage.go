// Package storage persists entity definitions, the block cursor of each
// network and the refresh cycle journal.
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/rsk-read-cache/internal/models"
)

// Storage defines the persistence operations used by the service
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Entity operations
	SaveEntity(ctx context.Context, entity *models.Entity) error
	GetEntity(ctx context.Context, reference string) (*models.Entity, error)
	GetEntities(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error)
	DeleteEntity(ctx context.Context, reference string) error

	// Block cursor, one per network
	GetLatestBlock(ctx context.Context, networkID int) (uint64, error)
	SetLatestBlock(ctx context.Context, networkID int, blockNumber uint64) error

	// Cycle journal
	SaveCycle(ctx context.Context, record *models.CycleRecord) error
	GetCycles(ctx context.Context, limit int) ([]*models.CycleRecord, error)

	// Statistics and maintenance
	GetStats() (*StorageStats, error)
	GetHealth() *StorageHealth
	Cleanup(ctx context.Context, retentionDays int) error
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalEntities  int64      `json:"total_entities"`
	ActiveEntities int64      `json:"active_entities"`
	TotalCycles    int64      `json:"total_cycles"`
	OldestCycle    *time.Time `json:"oldest_cycle,omitempty"`
	LatestCycle    *time.Time `json:"latest_cycle,omitempty"`
	Networks       int64      `json:"networks"`
	DatabaseSize   int64      `json:"database_size_bytes"`
}

// StorageHealth reports database reachability
type StorageHealth struct {
	StorageType string            `json:"storage_type"`
	Healthy     bool              `json:"healthy"`
	Details     map[string]string `json:"details,omitempty"`
	LastPing    time.Time         `json:"last_ping"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
	RetentionDays    int           `json:"retention_days"`
}

const defaultCycleLimit = 50
