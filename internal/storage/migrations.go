package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create entities table",
			SQL: `
				CREATE TABLE IF NOT EXISTS entities (
					reference TEXT PRIMARY KEY,
					address TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					abi TEXT NOT NULL,
					active BOOLEAN DEFAULT TRUE,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_entities_address ON entities(address);
				CREATE INDEX IF NOT EXISTS idx_entities_active ON entities(active);
			`,
		},
		{
			Version:     "002",
			Description: "Create block_cursors table",
			SQL: `
				CREATE TABLE IF NOT EXISTS block_cursors (
					network_id INTEGER PRIMARY KEY,
					block_number INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create cycles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS cycles (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					cycle INTEGER NOT NULL,
					epoch INTEGER NOT NULL,
					network_id INTEGER NOT NULL,
					block_number INTEGER NOT NULL,
					outcome TEXT NOT NULL,
					calls INTEGER DEFAULT 0,
					group_count INTEGER DEFAULT 0,
					failed_groups INTEGER DEFAULT 0,
					failed_calls INTEGER DEFAULT 0,
					writes INTEGER DEFAULT 0,
					suppressed INTEGER DEFAULT 0,
					duration_ms INTEGER DEFAULT 0,
					error TEXT,
					started_at DATETIME NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
				CREATE INDEX IF NOT EXISTS idx_cycles_block ON cycles(network_id, block_number);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create entities table",
			SQL: `
				CREATE TABLE IF NOT EXISTS entities (
					reference TEXT PRIMARY KEY,
					address TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					abi TEXT NOT NULL,
					active BOOLEAN DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_entities_address ON entities(address);
				CREATE INDEX IF NOT EXISTS idx_entities_active ON entities(active);
			`,
		},
		{
			Version:     "002",
			Description: "Create block_cursors table",
			SQL: `
				CREATE TABLE IF NOT EXISTS block_cursors (
					network_id INTEGER PRIMARY KEY,
					block_number BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create cycles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS cycles (
					id BIGSERIAL PRIMARY KEY,
					cycle BIGINT NOT NULL,
					epoch BIGINT NOT NULL,
					network_id INTEGER NOT NULL,
					block_number BIGINT NOT NULL,
					outcome TEXT NOT NULL,
					calls INTEGER DEFAULT 0,
					group_count INTEGER DEFAULT 0,
					failed_groups INTEGER DEFAULT 0,
					failed_calls INTEGER DEFAULT 0,
					writes INTEGER DEFAULT 0,
					suppressed INTEGER DEFAULT 0,
					duration_ms BIGINT DEFAULT 0,
					error TEXT,
					started_at TIMESTAMP WITH TIME ZONE NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
				CREATE INDEX IF NOT EXISTS idx_cycles_block ON cycles(network_id, block_number);
			`,
		},
	}
}
