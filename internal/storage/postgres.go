package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Entry
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.ComponentLogger("storage").WithField("driver", "postgres"),
		migrations: GetPostgresMigrations(),
	}
}

// dbError keeps the SQLSTATE of driver errors in the details
func dbError(message string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return utils.NewAppError(utils.ErrCodeDatabase, message,
			fmt.Sprintf("%s (sqlstate %s)", pqErr.Message, pqErr.Code))
	}
	return utils.NewAppError(utils.ErrCodeDatabase, message, err.Error())
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return dbError("Failed to open PostgreSQL database", err)
	}

	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return dbError("Failed to ping PostgreSQL database", err)
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")
	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return p.db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	for _, migration := range p.migrations {
		p.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := p.db.Exec(migration.SQL); err != nil {
			return dbError(fmt.Sprintf("Migration %s failed", migration.Version), err)
		}
	}

	p.logger.WithField("migrations", len(p.migrations)).Info("PostgreSQL database migrations completed")
	return nil
}

// SaveEntity inserts or updates an entity
func (p *PostgreSQLStorage) SaveEntity(ctx context.Context, entity *models.Entity) error {
	now := time.Now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO entities (reference, address, name, abi, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference) DO UPDATE SET
			address = EXCLUDED.address,
			name = EXCLUDED.name,
			abi = EXCLUDED.abi,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		entity.Reference, strings.ToLower(entity.Address), entity.Name, entity.ABI,
		entity.Active, entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return dbError("Failed to save entity", err)
	}
	return nil
}

// GetEntity retrieves an entity by reference
func (p *PostgreSQLStorage) GetEntity(ctx context.Context, reference string) (*models.Entity, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT reference, address, name, abi, active, created_at, updated_at
		FROM entities WHERE reference = $1`, reference)

	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Entity not found", reference)
	}
	if err != nil {
		return nil, dbError("Failed to get entity", err)
	}
	return entity, nil
}

// GetEntities lists entities ordered by reference
func (p *PostgreSQLStorage) GetEntities(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error) {
	query := "SELECT reference, address, name, abi, active, created_at, updated_at FROM entities"
	var args []interface{}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(" WHERE active = $%d", len(args))
	}
	query += " ORDER BY reference"
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("Failed to query entities", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, dbError("Failed to scan entity", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to iterate entities", err)
	}
	return entities, nil
}

// DeleteEntity deletes an entity by reference
func (p *PostgreSQLStorage) DeleteEntity(ctx context.Context, reference string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM entities WHERE reference = $1", reference)
	if err != nil {
		return dbError("Failed to delete entity", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return dbError("Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Entity not found", reference)
	}
	return nil
}

// GetLatestBlock returns the block cursor of a network, 0 when unset
func (p *PostgreSQLStorage) GetLatestBlock(ctx context.Context, networkID int) (uint64, error) {
	var blockNumber int64
	err := p.db.QueryRowContext(ctx,
		"SELECT block_number FROM block_cursors WHERE network_id = $1", networkID).Scan(&blockNumber)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, dbError("Failed to get latest block", err)
	}
	return uint64(blockNumber), nil
}

// SetLatestBlock stores the block cursor of a network
func (p *PostgreSQLStorage) SetLatestBlock(ctx context.Context, networkID int, blockNumber uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO block_cursors (network_id, block_number, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (network_id) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			updated_at = EXCLUDED.updated_at`,
		networkID, int64(blockNumber))
	if err != nil {
		return dbError("Failed to set latest block", err)
	}
	return nil
}

// SaveCycle appends a record to the cycle journal
func (p *PostgreSQLStorage) SaveCycle(ctx context.Context, record *models.CycleRecord) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO cycles
		(cycle, epoch, network_id, block_number, outcome, calls, group_count, failed_groups,
		 failed_calls, writes, suppressed, duration_ms, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		int64(record.Cycle), int64(record.Epoch), record.NetworkID, int64(record.BlockNumber), record.Outcome,
		record.Calls, record.Groups, record.FailedGroups, record.FailedCalls, record.Writes,
		record.Suppressed, record.Duration.Milliseconds(), record.Error, record.StartedAt).Scan(&record.ID)
	if err != nil {
		return dbError("Failed to save cycle", err)
	}
	return nil
}

// GetCycles returns the most recent cycle records, newest first
func (p *PostgreSQLStorage) GetCycles(ctx context.Context, limit int) ([]*models.CycleRecord, error) {
	if limit <= 0 {
		limit = defaultCycleLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cycle, epoch, network_id, block_number, outcome, calls, group_count,
		       failed_groups, failed_calls, writes, suppressed, duration_ms, error, started_at
		FROM cycles ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, dbError("Failed to query cycles", err)
	}
	defer rows.Close()

	var records []*models.CycleRecord
	for rows.Next() {
		record, err := scanCycle(rows)
		if err != nil {
			return nil, dbError("Failed to scan cycle", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to iterate cycles", err)
	}
	return records, nil
}

// GetStats returns storage statistics
func (p *PostgreSQLStorage) GetStats() (*StorageStats, error) {
	stats := &StorageStats{}

	err := p.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM entities),
			(SELECT COUNT(*) FROM entities WHERE active),
			(SELECT COUNT(*) FROM cycles),
			(SELECT COUNT(*) FROM block_cursors),
			pg_database_size(current_database())`).Scan(
		&stats.TotalEntities, &stats.ActiveEntities, &stats.TotalCycles, &stats.Networks, &stats.DatabaseSize)
	if err != nil {
		return nil, dbError("Failed to get storage stats", err)
	}

	var oldest, latest sql.NullTime
	if err := p.db.QueryRow("SELECT MIN(started_at), MAX(started_at) FROM cycles").Scan(&oldest, &latest); err == nil {
		if oldest.Valid {
			stats.OldestCycle = &oldest.Time
		}
		if latest.Valid {
			stats.LatestCycle = &latest.Time
		}
	}
	return stats, nil
}

// GetHealth reports whether the database answers
func (p *PostgreSQLStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "PostgreSQL",
		Healthy:     p.Ping() == nil,
		LastPing:    time.Now(),
	}
}

// Cleanup removes journal entries older than retentionDays
func (p *PostgreSQLStorage) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	result, err := p.db.ExecContext(ctx,
		"DELETE FROM cycles WHERE started_at < NOW() - make_interval(days => $1)", retentionDays)
	if err != nil {
		return dbError("Failed to cleanup old cycles", err)
	}
	deleted, _ := result.RowsAffected()

	p.logger.WithFields(logrus.Fields{
		"cycles_deleted": deleted,
		"retention_days": retentionDays,
	}).Info("Database cleanup completed")
	return nil
}
