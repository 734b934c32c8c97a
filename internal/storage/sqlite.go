package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.ComponentLogger("storage").WithField("driver", "sqlite"),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	// Ensure directory exists
	if s.config.ConnectionString != ":memory:" {
		dir := filepath.Dir(s.config.ConnectionString)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
			}
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns/2 + 1)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// WAL lets the API read while the driver writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set busy timeout", err.Error())
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	s.logger.WithField("migrations", len(s.migrations)).Info("Database migrations completed")
	return nil
}

// SaveEntity inserts or replaces an entity
func (s *SQLiteStorage) SaveEntity(ctx context.Context, entity *models.Entity) error {
	now := time.Now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	query := `
		INSERT INTO entities (reference, address, name, abi, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET
			address = excluded.address,
			name = excluded.name,
			abi = excluded.abi,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		entity.Reference, strings.ToLower(entity.Address), entity.Name, entity.ABI,
		entity.Active, entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save entity", err.Error())
	}
	return nil
}

// GetEntity retrieves an entity by reference
func (s *SQLiteStorage) GetEntity(ctx context.Context, reference string) (*models.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT reference, address, name, abi, active, created_at, updated_at
		FROM entities WHERE reference = ?`, reference)

	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Entity not found", reference)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get entity", err.Error())
	}
	return entity, nil
}

// GetEntities lists entities ordered by reference
func (s *SQLiteStorage) GetEntities(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error) {
	query := "SELECT reference, address, name, abi, active, created_at, updated_at FROM entities"
	var args []interface{}
	if filter.Active != nil {
		query += " WHERE active = ?"
		args = append(args, *filter.Active)
	}
	query += " ORDER BY reference"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query entities", err.Error())
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan entity", err.Error())
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate entities", err.Error())
	}
	return entities, nil
}

// DeleteEntity deletes an entity by reference
func (s *SQLiteStorage) DeleteEntity(ctx context.Context, reference string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE reference = ?", reference)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to delete entity", err.Error())
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rows affected", err.Error())
	}
	if rowsAffected == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Entity not found", reference)
	}
	return nil
}

// GetLatestBlock returns the block cursor of a network, 0 when unset
func (s *SQLiteStorage) GetLatestBlock(ctx context.Context, networkID int) (uint64, error) {
	var blockNumber uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT block_number FROM block_cursors WHERE network_id = ?", networkID).Scan(&blockNumber)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get latest block", err.Error())
	}
	return blockNumber, nil
}

// SetLatestBlock stores the block cursor of a network
func (s *SQLiteStorage) SetLatestBlock(ctx context.Context, networkID int, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block_cursors (network_id, block_number, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(network_id) DO UPDATE SET
			block_number = excluded.block_number,
			updated_at = excluded.updated_at`,
		networkID, blockNumber, time.Now())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set latest block", err.Error())
	}
	return nil
}

// SaveCycle appends a record to the cycle journal
func (s *SQLiteStorage) SaveCycle(ctx context.Context, record *models.CycleRecord) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles
		(cycle, epoch, network_id, block_number, outcome, calls, group_count, failed_groups,
		 failed_calls, writes, suppressed, duration_ms, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Cycle, record.Epoch, record.NetworkID, record.BlockNumber, record.Outcome,
		record.Calls, record.Groups, record.FailedGroups, record.FailedCalls, record.Writes,
		record.Suppressed, record.Duration.Milliseconds(), record.Error, record.StartedAt)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save cycle", err.Error())
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// GetCycles returns the most recent cycle records, newest first
func (s *SQLiteStorage) GetCycles(ctx context.Context, limit int) ([]*models.CycleRecord, error) {
	if limit <= 0 {
		limit = defaultCycleLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle, epoch, network_id, block_number, outcome, calls, group_count,
		       failed_groups, failed_calls, writes, suppressed, duration_ms, error, started_at
		FROM cycles ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query cycles", err.Error())
	}
	defer rows.Close()

	var records []*models.CycleRecord
	for rows.Next() {
		record, err := scanCycle(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan cycle", err.Error())
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to iterate cycles", err.Error())
	}
	return records, nil
}

// GetStats returns storage statistics
func (s *SQLiteStorage) GetStats() (*StorageStats, error) {
	stats := &StorageStats{}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM entities").Scan(&stats.TotalEntities); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get entity count", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entities WHERE active = TRUE").Scan(&stats.ActiveEntities); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get active entity count", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cycles").Scan(&stats.TotalCycles); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get cycle count", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM block_cursors").Scan(&stats.Networks); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get network count", err.Error())
	}

	if stats.TotalCycles > 0 {
		var oldest, latest time.Time
		if err := s.db.QueryRow("SELECT started_at FROM cycles ORDER BY id ASC LIMIT 1").Scan(&oldest); err == nil {
			stats.OldestCycle = &oldest
		}
		if err := s.db.QueryRow("SELECT started_at FROM cycles ORDER BY id DESC LIMIT 1").Scan(&latest); err == nil {
			stats.LatestCycle = &latest
		}
	}

	// SQLite specific
	if err := s.db.QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&stats.DatabaseSize); err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

// GetHealth reports whether the database answers
func (s *SQLiteStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "SQLite",
		Healthy:     s.Ping() == nil,
		Details:     map[string]string{"path": s.config.ConnectionString},
		LastPing:    time.Now(),
	}
}

// Cleanup removes journal entries older than retentionDays
func (s *SQLiteStorage) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := s.db.ExecContext(ctx, "DELETE FROM cycles WHERE started_at < ?", cutoff)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cleanup old cycles", err.Error())
	}
	deleted, _ := result.RowsAffected()

	s.logger.WithFields(logrus.Fields{
		"cycles_deleted": deleted,
		"retention_days": retentionDays,
	}).Info("Database cleanup completed")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var entity models.Entity
	err := row.Scan(&entity.Reference, &entity.Address, &entity.Name, &entity.ABI,
		&entity.Active, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func scanCycle(row rowScanner) (*models.CycleRecord, error) {
	var (
		record     models.CycleRecord
		durationMs int64
		errText    sql.NullString
	)
	err := row.Scan(&record.ID, &record.Cycle, &record.Epoch, &record.NetworkID, &record.BlockNumber,
		&record.Outcome, &record.Calls, &record.Groups, &record.FailedGroups, &record.FailedCalls,
		&record.Writes, &record.Suppressed, &durationMs, &errText, &record.StartedAt)
	if err != nil {
		return nil, err
	}
	record.Duration = time.Duration(durationMs) * time.Millisecond
	if errText.Valid {
		record.Error = &errText.String
	}
	return &record, nil
}
