// Package store owns persistence for licenses and their bound devices.
//
// The Store interface is the contract the activation engine consumes; the
// sqlx-backed implementation supports PostgreSQL for deployment and
// embedded SQLite for tests and single-node installs. All state-affecting
// mutations go through a unit of work (WithTx) so the device-quota
// check-then-insert can run under a serializable transaction.
package store

import (
	"context"
	"time"
)

// License statuses. Expired and revoked are terminal for the engine:
// there is no in-engine path back to active.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// License is a sellable activation record. ServerRevision increments on
// every state-affecting mutation and backs optimistic concurrency and
// audit trails.
type License struct {
	ID             string     `db:"id" json:"id"`
	LicenseKey     string     `db:"license_key" json:"license_key"`
	Edition        string     `db:"edition" json:"edition"`
	Status         string     `db:"status" json:"status"`
	ExpiryDate     *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	MaxDevices     int        `db:"max_devices" json:"max_devices"`
	HWID           *string    `db:"hwid" json:"-"` // legacy single-device binding
	OwnerEmail     string     `db:"owner_email" json:"owner_email,omitempty"`
	LastSeen       *time.Time `db:"last_seen" json:"last_seen,omitempty"`
	ServerRevision int64      `db:"server_revision" json:"server_revision"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// IsExpired reports whether the license expiry date has passed at now.
// Licenses without an expiry date never expire.
func (l *License) IsExpired(now time.Time) bool {
	return l.ExpiryDate != nil && l.ExpiryDate.Before(now)
}

// Device is one activated seat of a license. The raw HWID is retained for
// display only; HWIDHash is the matching key. Devices are soft-deleted by
// clearing IsActive, never removed.
type Device struct {
	ID          string     `db:"id" json:"id"`
	LicenseID   string     `db:"license_id" json:"license_id"`
	HWID        string     `db:"hwid" json:"-"`
	HWIDHash    string     `db:"hwid_hash" json:"-"`
	MachineName string     `db:"machine_name" json:"machine_name"`
	OSInfo      string     `db:"os_info" json:"os_info"`
	IPAddress   string     `db:"ip_address" json:"ip_address,omitempty"`
	ActivatedAt time.Time  `db:"activated_at" json:"activated_at"`
	LastSeen    *time.Time `db:"last_seen" json:"last_seen,omitempty"`
	IsActive    bool       `db:"is_active" json:"is_active"`
}

// Store is the persistence contract the activation engine consumes.
// Find methods return (nil, nil) for missing rows; errors are reserved
// for store failures.
type Store interface {
	FindLicense(ctx context.Context, key string) (*License, error)
	InsertLicense(ctx context.Context, l *License) error
	// UpdateLicense persists status, expiry, hwid and last-seen changes
	// and increments server_revision.
	UpdateLicense(ctx context.Context, l *License) error

	FindDevice(ctx context.Context, licenseID, hwidHash string) (*Device, error)
	FindDeviceByID(ctx context.Context, licenseID, deviceID string) (*Device, error)
	CountActiveDevices(ctx context.Context, licenseID string) (int, error)
	InsertDevice(ctx context.Context, d *Device) error
	UpdateDeviceSeen(ctx context.Context, deviceID string, at time.Time) error
	ReactivateDevice(ctx context.Context, deviceID string, at time.Time) error
	DeactivateDevice(ctx context.Context, deviceID string) error
	ListDevices(ctx context.Context, licenseID string) ([]Device, error)

	// WithTx runs fn inside a serializable transaction; every Store call
	// made on fn's argument joins that transaction. fn returning an error
	// rolls the whole unit back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
