// Package activation implements the online multi-device activation
// coordinator: binding devices to licenses over an authenticated session
// while enforcing the per-license device quota.
//
// The quota check-then-insert is the one correctness-critical race in the
// engine. It always runs inside a single serializable store transaction,
// re-validating license status and active-device count immediately before
// insert, so concurrent activations of the same license can never
// overshoot maxDevices.
package activation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keyfortio/keyfort/internal/cache"
	apperrors "github.com/keyfortio/keyfort/internal/errors"
	"github.com/keyfortio/keyfort/internal/fingerprint"
	"github.com/keyfortio/keyfort/internal/signer"
	"github.com/keyfortio/keyfort/internal/store"
)

// ActivateParams carries one device activation request.
type ActivateParams struct {
	LicenseKey  string
	HWID        string
	MachineName string
	OSInfo      string
	ClientIP    string
	// Owner is the authenticated principal's email; empty skips the
	// ownership check (trusted internal callers only).
	Owner string
}

// ActivationResult is the success outcome of Activate.
type ActivationResult struct {
	LicenseKey    string     `json:"license_key"`
	Edition       string     `json:"edition"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	DeviceID      string     `json:"device_id"`
	Refreshed     bool       `json:"refreshed"`
	ActiveDevices int        `json:"active_devices"`
	MaxDevices    int        `json:"max_devices"`
}

// DeviceSummary is the API-safe view of a bound device. The raw hardware
// identifier is masked; only its hash is ever used for matching.
type DeviceSummary struct {
	ID          string     `json:"id"`
	HWIDMasked  string     `json:"hwid"`
	MachineName string     `json:"machine_name"`
	OSInfo      string     `json:"os_info"`
	ActivatedAt time.Time  `json:"activated_at"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// Coordinator binds devices to licenses against the record store.
type Coordinator struct {
	store   store.Store
	signer  *signer.Signer
	cache   *cache.LicenseCache
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache attaches a read cache for license status lookups.
func WithCache(c *cache.LicenseCache) Option {
	return func(co *Coordinator) { co.cache = c }
}

// WithMetrics attaches activation metrics.
func WithMetrics(m *Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

// NewCoordinator creates an activation coordinator.
func NewCoordinator(st store.Store, sg *signer.Signer, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:  st,
		signer: sg,
		logger: logger.With(slog.String("component", "activation")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activate binds the device described by params to the license,
// enforcing the device quota. Re-activating an already-active device is
// an idempotent refresh that never consumes quota, so network retries of
// an activation cannot double-count a seat.
func (c *Coordinator) Activate(ctx context.Context, params ActivateParams) (*ActivationResult, error) {
	start := c.now()
	result, err := c.activate(ctx, params)
	c.recordOutcome(ctx, err, c.now().Sub(start))
	return result, err
}

func (c *Coordinator) activate(ctx context.Context, params ActivateParams) (*ActivationResult, error) {
	if params.LicenseKey == "" || params.HWID == "" {
		return nil, apperrors.ErrBadFormat
	}
	now := c.now().UTC()

	lic, err := c.checkLicense(ctx, c.store, params.LicenseKey, params.Owner, now)
	if err != nil {
		return nil, err
	}

	hwidHash := c.signer.HashHWID(params.HWID)

	// Fast path: an already-active binding is refreshed without touching
	// quota or the license revision.
	dev, err := c.store.FindDevice(ctx, lic.ID, hwidHash)
	if err != nil {
		return nil, apperrors.Transient(err)
	}
	if dev != nil && dev.IsActive {
		if err := c.store.UpdateDeviceSeen(ctx, dev.ID, now); err != nil {
			return nil, apperrors.Transient(err)
		}
		count, err := c.store.CountActiveDevices(ctx, lic.ID)
		if err != nil {
			return nil, apperrors.Transient(err)
		}
		c.logger.InfoContext(ctx, "device activation refreshed",
			slog.String("license_key", lic.LicenseKey),
			slog.String("device_id", dev.ID),
		)
		return &ActivationResult{
			LicenseKey:    lic.LicenseKey,
			Edition:       lic.Edition,
			ExpiryDate:    lic.ExpiryDate,
			DeviceID:      dev.ID,
			Refreshed:     true,
			ActiveDevices: count,
			MaxDevices:    lic.MaxDevices,
		}, nil
	}

	// Slow path: a seat is being consumed. Everything below re-validates
	// inside one serializable transaction.
	var result *ActivationResult
	err = c.store.WithTx(ctx, func(tx store.Store) error {
		txLic, err := c.checkLicense(ctx, tx, params.LicenseKey, params.Owner, now)
		if err != nil {
			return err
		}

		txDev, err := tx.FindDevice(ctx, txLic.ID, hwidHash)
		if err != nil {
			return apperrors.Transient(err)
		}

		count, err := tx.CountActiveDevices(ctx, txLic.ID)
		if err != nil {
			return apperrors.Transient(err)
		}

		refreshed := false
		var deviceID string
		switch {
		case txDev != nil && txDev.IsActive:
			// Activated concurrently between the fast-path read and this
			// transaction; treat as refresh.
			if err := tx.UpdateDeviceSeen(ctx, txDev.ID, now); err != nil {
				return apperrors.Transient(err)
			}
			deviceID = txDev.ID
			refreshed = true
		case txDev != nil:
			// Known but deactivated device: reactivation consumes a slot
			// and is subject to the same quota.
			if count >= txLic.MaxDevices {
				return apperrors.ErrQuotaExceeded
			}
			if err := tx.ReactivateDevice(ctx, txDev.ID, now); err != nil {
				return apperrors.Transient(err)
			}
			deviceID = txDev.ID
			count++
		default:
			if count >= txLic.MaxDevices {
				return apperrors.ErrQuotaExceeded
			}
			newDev := &store.Device{
				ID:          uuid.NewString(),
				LicenseID:   txLic.ID,
				HWID:        params.HWID,
				HWIDHash:    hwidHash,
				MachineName: params.MachineName,
				OSInfo:      params.OSInfo,
				IPAddress:   params.ClientIP,
				ActivatedAt: now,
				LastSeen:    &now,
				IsActive:    true,
			}
			if err := tx.InsertDevice(ctx, newDev); err != nil {
				return apperrors.Transient(err)
			}
			deviceID = newDev.ID
			count++
		}

		if !refreshed {
			txLic.LastSeen = &now
			if err := tx.UpdateLicense(ctx, txLic); err != nil {
				return apperrors.Transient(err)
			}
		}

		result = &ActivationResult{
			LicenseKey:    txLic.LicenseKey,
			Edition:       txLic.Edition,
			ExpiryDate:    txLic.ExpiryDate,
			DeviceID:      deviceID,
			Refreshed:     refreshed,
			ActiveDevices: count,
			MaxDevices:    txLic.MaxDevices,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.invalidate(params.LicenseKey)
	c.logger.InfoContext(ctx, "device activated",
		slog.String("license_key", result.LicenseKey),
		slog.String("device_id", result.DeviceID),
		slog.Int("active_devices", result.ActiveDevices),
		slog.Int("max_devices", result.MaxDevices),
	)
	return result, nil
}

// Deactivate soft-deletes a bound device, freeing its quota slot. This is
// the only in-engine way to release a seat.
func (c *Coordinator) Deactivate(ctx context.Context, licenseKey, deviceID, owner string) error {
	now := c.now().UTC()

	err := c.store.WithTx(ctx, func(tx store.Store) error {
		lic, err := c.lookupOwned(ctx, tx, licenseKey, owner)
		if err != nil {
			return err
		}

		dev, err := tx.FindDeviceByID(ctx, lic.ID, deviceID)
		if err != nil {
			return apperrors.Transient(err)
		}
		if dev == nil {
			return apperrors.ErrNotFound
		}

		if err := tx.DeactivateDevice(ctx, dev.ID); err != nil {
			return apperrors.Transient(err)
		}

		lic.LastSeen = &now
		if err := tx.UpdateLicense(ctx, lic); err != nil {
			return apperrors.Transient(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.invalidate(licenseKey)
	c.logger.InfoContext(ctx, "device deactivated",
		slog.String("license_key", licenseKey),
		slog.String("device_id", deviceID),
	)
	return nil
}

// ListDevices returns the license's devices with raw hardware identifiers
// masked.
func (c *Coordinator) ListDevices(ctx context.Context, licenseKey, owner string) ([]DeviceSummary, error) {
	lic, err := c.lookupOwned(ctx, c.store, licenseKey, owner)
	if err != nil {
		return nil, err
	}

	devices, err := c.store.ListDevices(ctx, lic.ID)
	if err != nil {
		return nil, apperrors.Transient(err)
	}

	summaries := make([]DeviceSummary, len(devices))
	for i, d := range devices {
		summaries[i] = DeviceSummary{
			ID:          d.ID,
			HWIDMasked:  fingerprint.MaskHWID(d.HWID),
			MachineName: d.MachineName,
			OSInfo:      d.OSInfo,
			ActivatedAt: d.ActivatedAt,
			LastSeen:    d.LastSeen,
			IsActive:    d.IsActive,
		}
	}
	return summaries, nil
}

// Status returns the license record for status display, reading through
// the cache when one is attached. The lazy active-to-expired transition
// also happens here so polling clients observe it.
func (c *Coordinator) Status(ctx context.Context, licenseKey string) (*store.License, error) {
	if c.cache != nil {
		if lic, ok := c.cache.Get(licenseKey); ok && !lic.IsExpired(c.now().UTC()) {
			return lic, nil
		}
	}

	lic, err := c.checkLicense(ctx, c.store, licenseKey, "", c.now().UTC())
	if err != nil && !errors.Is(err, apperrors.ErrExpired) && !errors.Is(err, apperrors.ErrRevoked) {
		return nil, err
	}
	if lic != nil && c.cache != nil {
		c.cache.Set(licenseKey, *lic)
	}
	return lic, err
}

// Revoke is the administrative ACTIVE to REVOKED transition. Terminal: no
// in-engine un-revoke exists.
func (c *Coordinator) Revoke(ctx context.Context, licenseKey string) error {
	err := c.store.WithTx(ctx, func(tx store.Store) error {
		lic, err := tx.FindLicense(ctx, licenseKey)
		if err != nil {
			return apperrors.Transient(err)
		}
		if lic == nil {
			return apperrors.ErrNotFound
		}
		if lic.Status == store.StatusRevoked {
			return nil
		}

		lic.Status = store.StatusRevoked
		if err := tx.UpdateLicense(ctx, lic); err != nil {
			return apperrors.Transient(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.invalidate(licenseKey)
	c.logger.WarnContext(ctx, "license revoked",
		slog.String("license_key", licenseKey),
	)
	return nil
}

// checkLicense loads a license and applies the shared gate: not found,
// revoked, and the lazy expiry transition. On expiry it returns the
// (updated) license together with ErrExpired so callers can still show
// the record.
func (c *Coordinator) checkLicense(ctx context.Context, st store.Store, key, owner string, now time.Time) (*store.License, error) {
	lic, err := c.lookupOwned(ctx, st, key, owner)
	if err != nil {
		return nil, err
	}

	switch {
	case lic.Status == store.StatusRevoked:
		return lic, apperrors.ErrRevoked
	case lic.Status == store.StatusExpired:
		return lic, apperrors.ErrExpired
	case lic.IsExpired(now):
		lic.Status = store.StatusExpired
		if err := st.UpdateLicense(ctx, lic); err != nil {
			return nil, apperrors.Transient(err)
		}
		c.invalidate(key)
		c.logger.InfoContext(ctx, "license transitioned to expired",
			slog.String("license_key", key),
			slog.Time("expiry_date", *lic.ExpiryDate),
		)
		return lic, apperrors.ErrExpired
	}
	return lic, nil
}

func (c *Coordinator) lookupOwned(ctx context.Context, st store.Store, key, owner string) (*store.License, error) {
	lic, err := st.FindLicense(ctx, key)
	if err != nil {
		return nil, apperrors.Transient(err)
	}
	// An ownership mismatch is indistinguishable from a missing key so
	// the API does not confirm foreign license keys.
	if lic == nil || (owner != "" && lic.OwnerEmail != "" && lic.OwnerEmail != owner) {
		return nil, apperrors.ErrNotFound
	}
	return lic, nil
}

func (c *Coordinator) invalidate(licenseKey string) {
	if c.cache != nil {
		c.cache.Invalidate(licenseKey)
	}
}

func (c *Coordinator) recordOutcome(ctx context.Context, err error, elapsed time.Duration) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		outcome = "quota_exceeded"
	case errors.Is(err, apperrors.ErrRevoked):
		outcome = "revoked"
	case errors.Is(err, apperrors.ErrExpired):
		outcome = "expired"
	case errors.Is(err, apperrors.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, apperrors.ErrTransient):
		outcome = "transient"
	default:
		outcome = "error"
	}
	c.metrics.RecordActivation(ctx, outcome, elapsed)
}

// Store exposes the underlying record store for collaborators that share
// the coordinator's persistence (the offline codec).
func (c *Coordinator) Store() store.Store { return c.store }
