package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Options configures the SQL store connection pool.
type Options struct {
	Driver          string // "pgx" or "sqlite"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore implements Store over sqlx. The zero value is not usable;
// construct with Open or wrap an existing connection with NewSQLStore.
type SQLStore struct {
	db     *sqlx.DB
	q      querier
	driver string
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx, letting the same
// query methods run standalone or inside a unit of work.
type querier interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

// Open connects to the configured database and applies the schema.
func Open(opts Options) (*SQLStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sqlx.Connect(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w", driver, err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	s := NewSQLStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing sqlx connection pool.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, q: db, driver: db.DriverName()}
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a serializable transaction. SQLite ignores the
// isolation hint but serializes writers anyway, so the quota invariant
// holds on both backends.
func (s *SQLStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fmt.Errorf("store already inside a transaction")
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txStore := &SQLStore{q: tx, driver: s.driver}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindLicense returns the license for key, or nil if not found.
func (s *SQLStore) FindLicense(ctx context.Context, key string) (*License, error) {
	var l License
	query := s.q.Rebind(`SELECT * FROM licenses WHERE license_key = ?`)
	if err := s.q.GetContext(ctx, &l, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find license: %w", err)
	}
	return &l, nil
}

// InsertLicense persists a new license record.
func (s *SQLStore) InsertLicense(ctx context.Context, l *License) error {
	if l.Status == "" {
		l.Status = StatusActive
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	query := s.q.Rebind(`
		INSERT INTO licenses (id, license_key, edition, status, expiry_date, max_devices, hwid, owner_email, last_seen, server_revision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.q.ExecContext(ctx, query,
		l.ID, l.LicenseKey, l.Edition, l.Status, l.ExpiryDate, l.MaxDevices,
		l.HWID, l.OwnerEmail, l.LastSeen, l.ServerRevision, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// UpdateLicense persists mutable license fields and bumps server_revision.
func (s *SQLStore) UpdateLicense(ctx context.Context, l *License) error {
	query := s.q.Rebind(`
		UPDATE licenses
		SET status = ?, expiry_date = ?, hwid = ?, last_seen = ?,
		    server_revision = server_revision + 1
		WHERE id = ?`)
	res, err := s.q.ExecContext(ctx, query, l.Status, l.ExpiryDate, l.HWID, l.LastSeen, l.ID)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update license: no row for id %s", l.ID)
	}
	l.ServerRevision++
	return nil
}

// FindDevice returns the device matching hwidHash under licenseID, or nil.
func (s *SQLStore) FindDevice(ctx context.Context, licenseID, hwidHash string) (*Device, error) {
	var d Device
	query := s.q.Rebind(`SELECT * FROM license_devices WHERE license_id = ? AND hwid_hash = ?`)
	if err := s.q.GetContext(ctx, &d, query, licenseID, hwidHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find device: %w", err)
	}
	return &d, nil
}

// FindDeviceByID returns the device with deviceID under licenseID, or nil.
// The license scoping prevents cross-license device references.
func (s *SQLStore) FindDeviceByID(ctx context.Context, licenseID, deviceID string) (*Device, error) {
	var d Device
	query := s.q.Rebind(`SELECT * FROM license_devices WHERE license_id = ? AND id = ?`)
	if err := s.q.GetContext(ctx, &d, query, licenseID, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find device by id: %w", err)
	}
	return &d, nil
}

// CountActiveDevices returns the number of active seats for licenseID.
func (s *SQLStore) CountActiveDevices(ctx context.Context, licenseID string) (int, error) {
	var count int
	query := s.q.Rebind(`SELECT COUNT(*) FROM license_devices WHERE license_id = ? AND is_active`)
	if err := s.q.GetContext(ctx, &count, query, licenseID); err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return count, nil
}

// InsertDevice persists a newly activated device.
func (s *SQLStore) InsertDevice(ctx context.Context, d *Device) error {
	if d.ActivatedAt.IsZero() {
		d.ActivatedAt = time.Now().UTC()
	}
	query := s.q.Rebind(`
		INSERT INTO license_devices (id, license_id, hwid, hwid_hash, machine_name, os_info, ip_address, activated_at, last_seen, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.q.ExecContext(ctx, query,
		d.ID, d.LicenseID, d.HWID, d.HWIDHash, d.MachineName, d.OSInfo,
		d.IPAddress, d.ActivatedAt, d.LastSeen, d.IsActive)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// UpdateDeviceSeen sets the device's last-seen timestamp.
func (s *SQLStore) UpdateDeviceSeen(ctx context.Context, deviceID string, at time.Time) error {
	query := s.q.Rebind(`UPDATE license_devices SET last_seen = ? WHERE id = ?`)
	if _, err := s.q.ExecContext(ctx, query, at, deviceID); err != nil {
		return fmt.Errorf("update device seen: %w", err)
	}
	return nil
}

// ReactivateDevice flips a soft-deleted device back to active and stamps
// last_seen. Used by the idempotent refresh path.
func (s *SQLStore) ReactivateDevice(ctx context.Context, deviceID string, at time.Time) error {
	query := s.q.Rebind(`UPDATE license_devices SET is_active = TRUE, last_seen = ? WHERE id = ?`)
	if _, err := s.q.ExecContext(ctx, query, at, deviceID); err != nil {
		return fmt.Errorf("reactivate device: %w", err)
	}
	return nil
}

// DeactivateDevice soft-deletes a device, freeing its quota slot.
func (s *SQLStore) DeactivateDevice(ctx context.Context, deviceID string) error {
	query := s.q.Rebind(`UPDATE license_devices SET is_active = FALSE WHERE id = ?`)
	if _, err := s.q.ExecContext(ctx, query, deviceID); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

// ListDevices returns all devices (active and inactive) for licenseID,
// newest activation first.
func (s *SQLStore) ListDevices(ctx context.Context, licenseID string) ([]Device, error) {
	var devices []Device
	query := s.q.Rebind(`SELECT * FROM license_devices WHERE license_id = ? ORDER BY activated_at DESC`)
	if err := s.q.SelectContext(ctx, &devices, query, licenseID); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}
