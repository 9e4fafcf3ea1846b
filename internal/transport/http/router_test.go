package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfortio/keyfort/internal/activation"
	"github.com/keyfortio/keyfort/internal/config"
	"github.com/keyfortio/keyfort/internal/offline"
	"github.com/keyfortio/keyfort/internal/signer"
	"github.com/keyfortio/keyfort/internal/store"
)

type apiEnv struct {
	server *httptest.Server
	store  *store.SQLStore
	cfg    *config.Config
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Security.EnableCORS = false
	cfg.Security.RateLimit.Enabled = false
	cfg.Security.AdminToken = "test-admin-token"
	return cfg
}

func newAPIEnv(t *testing.T, cfg *config.Config) *apiEnv {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)", filepath.Join(t.TempDir(), "test.db"))
	st, err := store.Open(store.Options{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sg, err := signer.New("test-secret", priv, nil, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := activation.NewCoordinator(st, sg, logger)
	codec := offline.NewCodec(st, sg, "test-issuer", logger)

	router := NewRouter(RouterDeps{
		Coordinator: coordinator,
		Codec:       codec,
		Signer:      sg,
		Store:       st,
		Config:      cfg,
		Logger:      logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiEnv{server: srv, store: st, cfg: cfg}
}

func (e *apiEnv) insertLicense(t *testing.T, key string, maxDevices int) *store.License {
	t.Helper()
	lic := &store.License{
		ID:         uuid.NewString(),
		LicenseKey: key,
		Edition:    "pro",
		Status:     store.StatusActive,
		MaxDevices: maxDevices,
	}
	require.NoError(t, e.store.InsertLicense(context.Background(), lic))
	return lic
}

func (e *apiEnv) post(t *testing.T, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (e *apiEnv) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := e.server.Client().Get(e.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return map[string]interface{}{"_raw": string(data)}
	}
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func activateBody(key, hwid string) map[string]string {
	return map[string]string{
		"license_key":  key,
		"hwid":         hwid,
		"machine_name": "test-machine",
		"os_info":      "linux",
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestActivateEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.insertLicense(t, "KEY-HTTP-0001", 2)

	t.Run("success", func(t *testing.T) {
		resp, body := env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-0001", "hw-http-0001"), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "KEY-HTTP-0001", body["license_key"])
		assert.Equal(t, "pro", body["edition"])
		assert.NotEmpty(t, body["device_id"])
		assert.Equal(t, false, body["refreshed"])
		assert.EqualValues(t, 1, body["active_devices"])
	})

	t.Run("repeat is a refresh", func(t *testing.T) {
		resp, body := env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-0001", "hw-http-0001"), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["refreshed"])
	})

	t.Run("unknown key maps to a 404 problem", func(t *testing.T) {
		resp, body := env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-MISSING", "hw-http-0001"), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "LICENSE_NOT_FOUND", body["error_code"])
		assert.Equal(t, "License Not Found", body["title"])
		assert.NotEmpty(t, body["trace_id"])
	})

	t.Run("validation failure is a 400", func(t *testing.T) {
		resp, body := env.post(t, "/api/license/activate",
			activateBody("short", "hw"), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "BAD_FORMAT", body["error_code"])
	})

	t.Run("quota exhaustion is a 409", func(t *testing.T) {
		_, _ = env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-0001", "hw-http-0002"), nil)

		resp, body := env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-0001", "hw-http-0003"), nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "DEVICE_QUOTA_EXCEEDED", body["error_code"])
	})
}

func TestDeactivateEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.insertLicense(t, "KEY-HTTP-0002", 1)

	_, body := env.post(t, "/api/license/activate",
		activateBody("KEY-HTTP-0002", "hw-http-0001"), nil)
	deviceID, _ := body["device_id"].(string)
	require.NotEmpty(t, deviceID)

	t.Run("frees the slot", func(t *testing.T) {
		resp, body := env.post(t, "/api/license/deactivate", map[string]string{
			"license_key": "KEY-HTTP-0002",
			"device_id":   deviceID,
		}, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "deactivated", body["status"])

		resp, _ = env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-0002", "hw-http-0099"), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("malformed device id is a 400", func(t *testing.T) {
		resp, _ := env.post(t, "/api/license/deactivate", map[string]string{
			"license_key": "KEY-HTTP-0002",
			"device_id":   "not-a-uuid",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStatusAndDevicesEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.insertLicense(t, "KEY-HTTP-0003", 3)

	_, _ = env.post(t, "/api/license/activate",
		activateBody("KEY-HTTP-0003", "abcdef1234567890"), nil)

	t.Run("status", func(t *testing.T) {
		resp, body := env.get(t, "/api/license/KEY-HTTP-0003")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "active", body["status"])
		assert.EqualValues(t, 3, body["max_devices"])
	})

	t.Run("status of unknown key", func(t *testing.T) {
		resp, body := env.get(t, "/api/license/KEY-NOPE")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "LICENSE_NOT_FOUND", body["error_code"])
	})

	t.Run("devices are masked", func(t *testing.T) {
		resp, body := env.get(t, "/api/license/KEY-HTTP-0003/devices")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.EqualValues(t, 1, body["count"])

		devices, ok := body["devices"].([]interface{})
		require.True(t, ok)
		require.Len(t, devices, 1)
		dev := devices[0].(map[string]interface{})
		assert.Equal(t, "abcd...7890", dev["hwid"])
	})
}

func TestRevokeEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.insertLicense(t, "KEY-HTTP-0004", 1)

	t.Run("without admin token", func(t *testing.T) {
		resp, _ := env.post(t, "/api/license/KEY-HTTP-0004/revoke", map[string]string{}, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("with wrong admin token", func(t *testing.T) {
		resp, _ := env.post(t, "/api/license/KEY-HTTP-0004/revoke", map[string]string{},
			map[string]string{"X-Admin-Token": "wrong"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("with admin token", func(t *testing.T) {
		resp, body := env.post(t, "/api/license/KEY-HTTP-0004/revoke", map[string]string{},
			map[string]string{"X-Admin-Token": "test-admin-token"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "revoked", body["status"])

		// Terminal: activation now fails.
		resp, body = env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-0004", "hw-http-0001"), nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "LICENSE_REVOKED", body["error_code"])
	})

	t.Run("empty configured token disables the endpoint", func(t *testing.T) {
		cfg := testConfig()
		cfg.Security.AdminToken = ""
		locked := newAPIEnv(t, cfg)
		locked.insertLicense(t, "KEY-HTTP-0005", 1)

		resp, _ := locked.post(t, "/api/license/KEY-HTTP-0005/revoke", map[string]string{},
			map[string]string{"X-Admin-Token": ""})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestOfflineEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.insertLicense(t, "KEY-HTTP-0006", 1)

	t.Run("submit round trip", func(t *testing.T) {
		reqCode, err := offline.GenerateRequestCode("KEY-HTTP-0006", "hw-offline-01", "host", "linux")
		require.NoError(t, err)

		resp, body := env.post(t, "/api/offline/submit",
			map[string]string{"request_code": reqCode}, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		respCode, _ := body["response_code"].(string)
		require.NotEmpty(t, respCode)

		// Validate client-side with the key served by the API.
		httpResp, pemBody := env.get(t, "/api/offline/public-key")
		assert.Equal(t, http.StatusOK, httpResp.StatusCode)
		assert.Contains(t, httpResp.Header.Get("Content-Type"), "pem")

		pub, err := signer.ParsePublicKeyPEM(pemBody["_raw"].(string))
		require.NoError(t, err)
		verifier, err := signer.NewVerifier(pub, nil)
		require.NoError(t, err)

		proof, err := offline.ValidateResponseCode(respCode, "hw-offline-01", verifier)
		require.NoError(t, err)
		assert.Equal(t, "KEY-HTTP-0006", proof.LicenseKey)
	})

	t.Run("garbage code is a 400", func(t *testing.T) {
		resp, body := env.post(t, "/api/offline/submit",
			map[string]string{"request_code": "garbage"}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "BAD_FORMAT", body["error_code"])
	})

	t.Run("empty body is a 400", func(t *testing.T) {
		resp, _ := env.post(t, "/api/offline/submit", map[string]string{}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimit.Enabled = true
	cfg.Security.RateLimit.Requests = 2
	cfg.Security.RateLimit.Window = time.Minute
	env := newAPIEnv(t, cfg)
	env.insertLicense(t, "KEY-HTTP-0007", 10)

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := env.post(t, "/api/license/activate",
			activateBody("KEY-HTTP-0007", fmt.Sprintf("hw-rate-%04d", i)), nil)
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])

	// Unlimited routes stay reachable.
	resp, _ := env.get(t, "/api/license/KEY-HTTP-0007")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
