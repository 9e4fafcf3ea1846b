package store

// schemaStatements is the embedded schema, written in the dialect subset
// shared by PostgreSQL and SQLite so one migration path serves both
// backends. The partial unique index enforces "one active binding per
// hardware hash per license" at the store level, backing the quota
// transaction in the coordinator.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		id              TEXT PRIMARY KEY,
		license_key     TEXT NOT NULL UNIQUE,
		edition         TEXT NOT NULL DEFAULT 'standard',
		status          TEXT NOT NULL DEFAULT 'active',
		expiry_date     TIMESTAMP,
		max_devices     INTEGER NOT NULL DEFAULT 1,
		hwid            TEXT,
		owner_email     TEXT NOT NULL DEFAULT '',
		last_seen       TIMESTAMP,
		server_revision BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS license_devices (
		id           TEXT PRIMARY KEY,
		license_id   TEXT NOT NULL REFERENCES licenses(id),
		hwid         TEXT NOT NULL,
		hwid_hash    TEXT NOT NULL,
		machine_name TEXT NOT NULL DEFAULT '',
		os_info      TEXT NOT NULL DEFAULT '',
		ip_address   TEXT NOT NULL DEFAULT '',
		activated_at TIMESTAMP NOT NULL,
		last_seen    TIMESTAMP,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_license_hwid_active
		ON license_devices (license_id, hwid_hash) WHERE is_active`,

	`CREATE INDEX IF NOT EXISTS idx_devices_license
		ON license_devices (license_id)`,
}
