package activation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfortio/keyfort/internal/cache"
	apperrors "github.com/keyfortio/keyfort/internal/errors"
	"github.com/keyfortio/keyfort/internal/signer"
	"github.com/keyfortio/keyfort/internal/store"
)

type testEnv struct {
	store  *store.SQLStore
	signer *signer.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)", filepath.Join(t.TempDir(), "test.db"))
	st, err := store.Open(store.Options{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sg, err := signer.New("test-secret", priv, nil, nil)
	require.NoError(t, err)

	return &testEnv{store: st, signer: sg}
}

func (e *testEnv) coordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	return NewCoordinator(e.store, e.signer, nil, opts...)
}

func (e *testEnv) insertLicense(t *testing.T, key string, maxDevices int, mutate func(*store.License)) *store.License {
	t.Helper()
	lic := &store.License{
		ID:         uuid.NewString(),
		LicenseKey: key,
		Edition:    "pro",
		Status:     store.StatusActive,
		MaxDevices: maxDevices,
		OwnerEmail: "owner@example.com",
	}
	if mutate != nil {
		mutate(lic)
	}
	require.NoError(t, e.store.InsertLicense(context.Background(), lic))
	return lic
}

func activateParams(key, hwid string) ActivateParams {
	return ActivateParams{
		LicenseKey:  key,
		HWID:        hwid,
		MachineName: "machine-" + hwid,
		OSInfo:      "linux",
		ClientIP:    "10.0.0.1",
	}
}

func TestActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("binds a new device", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-NEW", 3, nil)
		c := env.coordinator(t)

		res, err := c.Activate(ctx, activateParams("KEY-NEW", "hw-1"))
		require.NoError(t, err)
		assert.Equal(t, "KEY-NEW", res.LicenseKey)
		assert.Equal(t, "pro", res.Edition)
		assert.NotEmpty(t, res.DeviceID)
		assert.False(t, res.Refreshed)
		assert.Equal(t, 1, res.ActiveDevices)
		assert.Equal(t, 3, res.MaxDevices)

		// The stored binding matches on the keyed hash, never the raw id.
		licID := mustLicenseID(t, env, "KEY-NEW")
		dev, err := env.store.FindDevice(ctx, licID, "hw-1")
		require.NoError(t, err)
		assert.Nil(t, dev)

		dev, err = env.store.FindDevice(ctx, licID, env.signer.HashHWID("hw-1"))
		require.NoError(t, err)
		require.NotNil(t, dev)
		assert.Equal(t, res.DeviceID, dev.ID)
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.coordinator(t)

		_, err := c.Activate(ctx, ActivateParams{LicenseKey: "KEY", HWID: ""})
		assert.ErrorIs(t, err, apperrors.ErrBadFormat)

		_, err = c.Activate(ctx, ActivateParams{LicenseKey: "", HWID: "hw"})
		assert.ErrorIs(t, err, apperrors.ErrBadFormat)
	})

	t.Run("unknown key", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.coordinator(t)

		_, err := c.Activate(ctx, activateParams("KEY-MISSING", "hw-1"))
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("foreign owner looks like an unknown key", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-OWNED", 3, nil)
		c := env.coordinator(t)

		params := activateParams("KEY-OWNED", "hw-1")
		params.Owner = "someone-else@example.com"
		_, err := c.Activate(ctx, params)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		params.Owner = "owner@example.com"
		_, err = c.Activate(ctx, params)
		assert.NoError(t, err)
	})

	t.Run("revoked license", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-REV", 3, func(l *store.License) {
			l.Status = store.StatusRevoked
		})
		c := env.coordinator(t)

		_, err := c.Activate(ctx, activateParams("KEY-REV", "hw-1"))
		assert.ErrorIs(t, err, apperrors.ErrRevoked)
	})

	t.Run("expiry transition is persisted lazily", func(t *testing.T) {
		env := newTestEnv(t)
		past := time.Now().UTC().Add(-time.Hour)
		env.insertLicense(t, "KEY-EXP", 3, func(l *store.License) {
			l.ExpiryDate = &past
		})
		c := env.coordinator(t)

		_, err := c.Activate(ctx, activateParams("KEY-EXP", "hw-1"))
		assert.ErrorIs(t, err, apperrors.ErrExpired)

		lic, err := env.store.FindLicense(ctx, "KEY-EXP")
		require.NoError(t, err)
		assert.Equal(t, store.StatusExpired, lic.Status)
		assert.EqualValues(t, 1, lic.ServerRevision)
	})

	t.Run("expiry boundary uses a strict comparison", func(t *testing.T) {
		env := newTestEnv(t)
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		env.insertLicense(t, "KEY-EDGE", 1, func(l *store.License) {
			l.ExpiryDate = &at
		})
		c := env.coordinator(t, WithClock(func() time.Time { return at }))

		// Exactly at the expiry instant the license is still valid.
		_, err := c.Activate(ctx, activateParams("KEY-EDGE", "hw-1"))
		assert.NoError(t, err)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-Q", 2, nil)
		c := env.coordinator(t)

		_, err := c.Activate(ctx, activateParams("KEY-Q", "hw-1"))
		require.NoError(t, err)
		_, err = c.Activate(ctx, activateParams("KEY-Q", "hw-2"))
		require.NoError(t, err)

		_, err = c.Activate(ctx, activateParams("KEY-Q", "hw-3"))
		assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

		count, err := env.store.CountActiveDevices(ctx, mustLicenseID(t, env, "KEY-Q"))
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("repeat activation is an idempotent refresh", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-R", 1, nil)
		c := env.coordinator(t)

		first, err := c.Activate(ctx, activateParams("KEY-R", "hw-1"))
		require.NoError(t, err)
		require.False(t, first.Refreshed)

		for i := 0; i < 3; i++ {
			res, err := c.Activate(ctx, activateParams("KEY-R", "hw-1"))
			require.NoError(t, err)
			assert.True(t, res.Refreshed)
			assert.Equal(t, first.DeviceID, res.DeviceID)
			assert.Equal(t, 1, res.ActiveDevices)
		}

		// A refresh does not bump the license revision.
		lic, err := env.store.FindLicense(ctx, "KEY-R")
		require.NoError(t, err)
		assert.EqualValues(t, 1, lic.ServerRevision)
	})

	t.Run("reactivating a released device consumes quota again", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-RE", 1, nil)
		c := env.coordinator(t)

		first, err := c.Activate(ctx, activateParams("KEY-RE", "hw-1"))
		require.NoError(t, err)
		require.NoError(t, c.Deactivate(ctx, "KEY-RE", first.DeviceID, ""))

		res, err := c.Activate(ctx, activateParams("KEY-RE", "hw-1"))
		require.NoError(t, err)
		assert.False(t, res.Refreshed)
		assert.Equal(t, first.DeviceID, res.DeviceID, "the existing row is reactivated, not duplicated")
		assert.Equal(t, 1, res.ActiveDevices)
	})
}

func mustLicenseID(t *testing.T, env *testEnv, key string) string {
	t.Helper()
	lic, err := env.store.FindLicense(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, lic)
	return lic.ID
}

func TestSingleSeatHandoff(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.insertLicense(t, "ABCD-1111-2222-3333", 1, nil)
	c := env.coordinator(t)

	resH1, err := c.Activate(ctx, activateParams("ABCD-1111-2222-3333", "H1"))
	require.NoError(t, err)
	assert.Equal(t, 1, resH1.ActiveDevices)

	_, err = c.Activate(ctx, activateParams("ABCD-1111-2222-3333", "H2"))
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	require.NoError(t, c.Deactivate(ctx, "ABCD-1111-2222-3333", resH1.DeviceID, ""))

	resH2, err := c.Activate(ctx, activateParams("ABCD-1111-2222-3333", "H2"))
	require.NoError(t, err)
	assert.Equal(t, 1, resH2.ActiveDevices)
	assert.NotEqual(t, resH1.DeviceID, resH2.DeviceID)
}

func TestConcurrentActivationRespectsQuota(t *testing.T) {
	const (
		maxDevices = 3
		attempts   = 8
	)

	ctx := context.Background()
	env := newTestEnv(t)
	env.insertLicense(t, "KEY-CONC", maxDevices, nil)
	c := env.coordinator(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		quota   int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.Activate(ctx, activateParams("KEY-CONC", fmt.Sprintf("hw-%d", n)))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded):
				quota++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, maxDevices, success)
	assert.Equal(t, attempts-maxDevices, quota)

	count, err := env.store.CountActiveDevices(ctx, mustLicenseID(t, env, "KEY-CONC"))
	require.NoError(t, err)
	assert.Equal(t, maxDevices, count)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()

	t.Run("frees the seat", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-D", 1, nil)
		c := env.coordinator(t)

		res, err := c.Activate(ctx, activateParams("KEY-D", "hw-1"))
		require.NoError(t, err)

		require.NoError(t, c.Deactivate(ctx, "KEY-D", res.DeviceID, ""))

		other, err := c.Activate(ctx, activateParams("KEY-D", "hw-2"))
		require.NoError(t, err)
		assert.Equal(t, 1, other.ActiveDevices)
	})

	t.Run("unknown device", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-D2", 1, nil)
		c := env.coordinator(t)

		err := c.Deactivate(ctx, "KEY-D2", uuid.NewString(), "")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("foreign owner", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-D3", 1, nil)
		c := env.coordinator(t)

		res, err := c.Activate(ctx, activateParams("KEY-D3", "hw-1"))
		require.NoError(t, err)

		err = c.Deactivate(ctx, "KEY-D3", res.DeviceID, "intruder@example.com")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestListDevices(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.insertLicense(t, "KEY-L", 3, nil)
	c := env.coordinator(t)

	_, err := c.Activate(ctx, activateParams("KEY-L", "abcdef1234567890"))
	require.NoError(t, err)

	devices, err := c.ListDevices(ctx, "KEY-L", "")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "abcd...7890", devices[0].HWIDMasked)
	assert.Equal(t, "machine-abcdef1234567890", devices[0].MachineName)
	assert.True(t, devices[0].IsActive)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("active license", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-S", 3, nil)
		c := env.coordinator(t)

		lic, err := c.Status(ctx, "KEY-S")
		require.NoError(t, err)
		assert.Equal(t, store.StatusActive, lic.Status)
	})

	t.Run("expired license returns the record with the error", func(t *testing.T) {
		env := newTestEnv(t)
		past := time.Now().UTC().Add(-time.Hour)
		env.insertLicense(t, "KEY-SE", 3, func(l *store.License) {
			l.ExpiryDate = &past
		})
		c := env.coordinator(t)

		lic, err := c.Status(ctx, "KEY-SE")
		assert.ErrorIs(t, err, apperrors.ErrExpired)
		require.NotNil(t, lic)
		assert.Equal(t, store.StatusExpired, lic.Status)
	})

	t.Run("cache serves repeated reads and mutation invalidates", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertLicense(t, "KEY-SC", 3, nil)

		lc := cache.New(time.Minute, 10)
		defer lc.Stop()
		c := env.coordinator(t, WithCache(lc))

		_, err := c.Status(ctx, "KEY-SC")
		require.NoError(t, err)
		_, err = c.Status(ctx, "KEY-SC")
		require.NoError(t, err)

		stats := lc.Stats()
		assert.EqualValues(t, 1, stats["hit_count"])

		require.NoError(t, c.Revoke(ctx, "KEY-SC"))

		lic, err := c.Status(ctx, "KEY-SC")
		assert.ErrorIs(t, err, apperrors.ErrRevoked)
		require.NotNil(t, lic)
		assert.Equal(t, store.StatusRevoked, lic.Status)
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.insertLicense(t, "KEY-RV", 3, nil)
	c := env.coordinator(t)

	require.NoError(t, c.Revoke(ctx, "KEY-RV"))

	t.Run("revocation is terminal for activation", func(t *testing.T) {
		_, err := c.Activate(ctx, activateParams("KEY-RV", "hw-1"))
		assert.ErrorIs(t, err, apperrors.ErrRevoked)
	})

	t.Run("revoking twice is a no-op", func(t *testing.T) {
		lic, err := env.store.FindLicense(ctx, "KEY-RV")
		require.NoError(t, err)
		before := lic.ServerRevision

		require.NoError(t, c.Revoke(ctx, "KEY-RV"))

		lic, err = env.store.FindLicense(ctx, "KEY-RV")
		require.NoError(t, err)
		assert.Equal(t, before, lic.ServerRevision)
	})

	t.Run("unknown key", func(t *testing.T) {
		assert.ErrorIs(t, c.Revoke(ctx, "KEY-NOPE"), apperrors.ErrNotFound)
	})
}

func TestMetricsNilSafe(t *testing.T) {
	// A coordinator without metrics must still record outcomes safely.
	env := newTestEnv(t)
	env.insertLicense(t, "KEY-M", 1, nil)
	c := env.coordinator(t)

	_, err := c.Activate(context.Background(), activateParams("KEY-M", "hw-1"))
	assert.NoError(t, err)
}
