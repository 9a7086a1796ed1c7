package vault

import "fmt"

// Table names
const (
	tableHubs             = "dv_hubs"
	tableLinks            = "dv_links"
	tableSatellites       = "dv_satellites"
	tableAppliedSnapshots = "dv_applied_snapshots"
	tableParked           = "dv_parked_tables"
)

var sqliteSchemas = []string{
	`CREATE TABLE IF NOT EXISTS dv_hubs (
		hub_id TEXT PRIMARY KEY,
		hub_class TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		business_key TEXT NOT NULL,
		business_key_hash TEXT NOT NULL,
		source_id TEXT NOT NULL,
		load_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dv_hubs_entity ON dv_hubs(entity_type)`,
	`CREATE TABLE IF NOT EXISTS dv_links (
		link_id TEXT PRIMARY KEY,
		link_type TEXT NOT NULL,
		hub_ids TEXT NOT NULL,
		source_id TEXT NOT NULL,
		load_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dv_satellites (
		parent_id TEXT NOT NULL,
		load_ts INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		source_id TEXT NOT NULL,
		change_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (parent_id, load_ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dv_satellites_change ON dv_satellites(parent_id, change_id)`,
	`CREATE TABLE IF NOT EXISTS dv_applied_snapshots (
		source_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dv_parked_tables (
		source_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		reason TEXT NOT NULL,
		parked_at INTEGER NOT NULL,
		definition TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (source_id, table_name)
	)`,
}

var mysqlSchemas = []string{
	`CREATE TABLE IF NOT EXISTS dv_hubs (
		hub_id VARCHAR(32) NOT NULL PRIMARY KEY,
		hub_class VARCHAR(16) NOT NULL,
		entity_type VARCHAR(255) NOT NULL,
		business_key TEXT NOT NULL,
		business_key_hash VARCHAR(32) NOT NULL,
		source_id VARCHAR(255) NOT NULL,
		load_ts BIGINT NOT NULL,
		INDEX idx_dv_hubs_entity (entity_type)
	)`,
	`CREATE TABLE IF NOT EXISTS dv_links (
		link_id VARCHAR(32) NOT NULL PRIMARY KEY,
		link_type VARCHAR(512) NOT NULL,
		hub_ids TEXT NOT NULL,
		source_id VARCHAR(255) NOT NULL,
		load_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dv_satellites (
		parent_id VARCHAR(32) NOT NULL,
		load_ts BIGINT NOT NULL,
		content_hash VARCHAR(32) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		payload LONGTEXT NOT NULL,
		source_id VARCHAR(255) NOT NULL,
		change_id VARCHAR(64) NOT NULL DEFAULT '',
		PRIMARY KEY (parent_id, load_ts),
		INDEX idx_dv_satellites_change (parent_id, change_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dv_applied_snapshots (
		source_id VARCHAR(255) NOT NULL PRIMARY KEY,
		snapshot LONGTEXT NOT NULL,
		content_hash VARCHAR(32) NOT NULL,
		applied_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dv_parked_tables (
		source_id VARCHAR(255) NOT NULL,
		table_name VARCHAR(255) NOT NULL,
		reason TEXT NOT NULL,
		parked_at BIGINT NOT NULL,
		definition MEDIUMTEXT NOT NULL,
		PRIMARY KEY (source_id, table_name)
	)`,
}

// schemasFor returns the DDL for a driver.
func schemasFor(driver string) ([]string, error) {
	switch driver {
	case DriverSQLite:
		return sqliteSchemas, nil
	case DriverMySQL:
		return mysqlSchemas, nil
	default:
		return nil, fmt.Errorf("unsupported vault driver %q", driver)
	}
}
