package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pairgate/pairgate/internal/abuse"
	"github.com/pairgate/pairgate/internal/admission"
	"github.com/pairgate/pairgate/internal/api"
	"github.com/pairgate/pairgate/internal/auth"
	"github.com/pairgate/pairgate/internal/credential"
	"github.com/pairgate/pairgate/internal/db"
	"github.com/pairgate/pairgate/internal/pairing"
	"go.uber.org/zap"
)

var (
	caOnce sync.Once
	caAuth *credential.LocalAuthority
)

func testCA(t *testing.T) *credential.LocalAuthority {
	t.Helper()
	caOnce.Do(func() {
		a, err := credential.NewEphemeralAuthority()
		if err != nil {
			t.Fatalf("NewEphemeralAuthority failed: %v", err)
		}
		caAuth = a
	})
	return caAuth
}

type testEnv struct {
	server   *httptest.Server
	database *sql.DB
	adminKey string
}

func newTestEnv(t *testing.T, guardOpts abuse.Options) *testEnv {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	pepper := []byte("test-pepper")

	adminKey, prefix, hash, err := auth.GenerateAPIKey(pepper)
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}
	if _, err := db.CreateAPIKey(database, prefix, hash); err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	issuer := credential.NewIssuer(testCA(t), pepper)
	coordinator := pairing.NewCoordinator(pairing.Options{},
		&db.CredentialStore{DB: database}, issuer, nil, zap.NewNop())
	controller := admission.NewController(admission.Options{MaxConnections: 1}, nil, zap.NewNop())
	guard := abuse.NewGuard(guardOpts, zap.NewNop())

	srv := &APIServer{
		DB:          database,
		Coordinator: coordinator,
		Admission:   controller,
		Guard:       guard,
		Pepper:      pepper,
		Logger:      zap.NewNop(),
		Stats: func() api.StatsResponse {
			s := controller.Stats()
			return api.StatsResponse{
				ActiveConnections: s.ActiveConnections,
				MaxConnections:    s.MaxConnections,
				QueueLength:       s.QueueLength,
				TotalServed:       s.TotalServed,
				TotalRejected:     s.TotalRejected,
				TimedOut:          s.TimedOut,
				PairingSessions:   coordinator.SessionCount(),
			}
		},
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, database: database, adminKey: adminKey}
}

func (e *testEnv) post(t *testing.T, path, token string, body, out any) int {
	t.Helper()
	return e.request(t, "POST", path, token, body, out)
}

func (e *testEnv) request(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reqBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) pair(t *testing.T, deviceID string) *api.VerifyPairingResponse {
	t.Helper()

	var initResp api.InitiatePairingResponse
	status := e.post(t, "/v1/pairing/initiate", "", api.InitiatePairingRequest{
		DeviceName: "Test Device",
		DeviceID:   deviceID,
	}, &initResp)
	if status != http.StatusOK {
		t.Fatalf("initiate status = %d, want 200", status)
	}

	var verifyResp api.VerifyPairingResponse
	status = e.post(t, "/v1/pairing/verify", "", api.VerifyPairingRequest{
		PairingID:   initResp.PairingID,
		PairingCode: initResp.PairingCode,
		DeviceID:    deviceID,
	}, &verifyResp)
	if status != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", status)
	}
	return &verifyResp
}

func TestPairingEndToEnd(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	var initResp api.InitiatePairingResponse
	status := env.post(t, "/v1/pairing/initiate", "", api.InitiatePairingRequest{
		DeviceName: "Living Room TV",
		DeviceID:   "device-1",
	}, &initResp)
	if status != http.StatusOK {
		t.Fatalf("initiate status = %d, want 200", status)
	}
	if len(initResp.PairingCode) != 6 {
		t.Errorf("code length = %d, want 6", len(initResp.PairingCode))
	}
	if initResp.ExpiresInSeconds != 300 {
		t.Errorf("expires_in_seconds = %d, want 300", initResp.ExpiresInSeconds)
	}

	var verifyResp api.VerifyPairingResponse
	status = env.post(t, "/v1/pairing/verify", "", api.VerifyPairingRequest{
		PairingID:   initResp.PairingID,
		PairingCode: initResp.PairingCode,
		DeviceID:    "device-1",
	}, &verifyResp)
	if status != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", status)
	}
	if verifyResp.ClientPrivateKey == "" {
		t.Error("verify response missing private key")
	}
	if verifyResp.AuthToken == "" {
		t.Error("verify response missing auth token")
	}

	// The session is consumed: a replay gets not-found.
	var errResp api.ErrorResponse
	status = env.post(t, "/v1/pairing/verify", "", api.VerifyPairingRequest{
		PairingID:   initResp.PairingID,
		PairingCode: initResp.PairingCode,
		DeviceID:    "device-1",
	}, &errResp)
	if status != http.StatusNotFound {
		t.Errorf("replayed verify status = %d, want 404", status)
	}
	if errResp.Kind != "not_found" {
		t.Errorf("error kind = %q, want not_found", errResp.Kind)
	}

	// Status endpoint reports the paired device.
	var statusResp api.PairingStatusResponse
	code := env.request(t, "GET", "/v1/pairing/status/device-1", "", nil, &statusResp)
	if code != http.StatusOK {
		t.Fatalf("status status = %d, want 200", code)
	}
	if statusResp.Status != "active" {
		t.Errorf("device status = %q, want active", statusResp.Status)
	}
}

func TestVerifyWrongCodeForbidden(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	var initResp api.InitiatePairingResponse
	env.post(t, "/v1/pairing/initiate", "", api.InitiatePairingRequest{
		DeviceName: "TV", DeviceID: "device-1",
	}, &initResp)

	wrongCode := "000000"
	if wrongCode == initResp.PairingCode {
		wrongCode = "000001"
	}

	var errResp api.ErrorResponse
	status := env.post(t, "/v1/pairing/verify", "", api.VerifyPairingRequest{
		PairingID:   initResp.PairingID,
		PairingCode: wrongCode,
		DeviceID:    "device-1",
	}, &errResp)
	if status != http.StatusForbidden {
		t.Errorf("wrong code status = %d, want 403", status)
	}
	if errResp.Kind != "permission" {
		t.Errorf("error kind = %q, want permission", errResp.Kind)
	}
}

func TestThrottlingAfterFailures(t *testing.T) {
	env := newTestEnv(t, abuse.Options{
		MaxAttempts:       100,
		BackoffBase:       2,
		BackoffMultiplier: 2.0,
		MaxBackoff:        300 * time.Second,
	})

	var initResp api.InitiatePairingResponse
	env.post(t, "/v1/pairing/initiate", "", api.InitiatePairingRequest{
		DeviceName: "TV", DeviceID: "device-1",
	}, &initResp)

	wrongCode := "000000"
	if wrongCode == initResp.PairingCode {
		wrongCode = "000001"
	}

	// The failed verify blocks the client.
	status := env.post(t, "/v1/pairing/verify", "", api.VerifyPairingRequest{
		PairingID: initResp.PairingID, PairingCode: wrongCode, DeviceID: "device-1",
	}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("wrong code status = %d, want 403", status)
	}

	req, _ := http.NewRequest("POST", env.server.URL+"/v1/pairing/initiate",
		bytes.NewReader([]byte(`{"device_name":"TV","device_id":"device-2"}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("blocked request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}

	var errResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Kind != "throttled" {
		t.Errorf("error kind = %q, want throttled", errResp.Kind)
	}
	if errResp.RetryAfter < 1 {
		t.Errorf("retry_after = %d, want >= 1", errResp.RetryAfter)
	}
}

func TestAttemptBudgetThrottles(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 2, Window: 60 * time.Second})

	for i := 0; i < 2; i++ {
		status := env.request(t, "GET", "/v1/pairing/status/device-x", "", nil, nil)
		if status != http.StatusNotFound {
			t.Fatalf("request %d status = %d, want 404", i, status)
		}
	}

	var errResp api.ErrorResponse
	status := env.request(t, "GET", "/v1/pairing/status/device-x", "", nil, &errResp)
	if status != http.StatusTooManyRequests {
		t.Errorf("over-budget request status = %d, want 429", status)
	}
	if errResp.Kind != "throttled" {
		t.Errorf("error kind = %q, want throttled", errResp.Kind)
	}
	if errResp.RetryAfter < 1 {
		t.Errorf("retry_after = %d, want >= 1", errResp.RetryAfter)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	cred := env.pair(t, "device-1")

	var admitResp api.AdmitResponse
	status := env.post(t, "/v1/connections", cred.AuthToken, api.AdmitRequest{
		DeviceID: "device-1",
	}, &admitResp)
	if status != http.StatusOK {
		t.Fatalf("admit status = %d, want 200", status)
	}
	if admitResp.Outcome != "admitted" {
		t.Fatalf("outcome = %q, want admitted", admitResp.Outcome)
	}
	if admitResp.ConnectionID == "" {
		t.Error("admitted response missing connection_id")
	}

	status = env.post(t, "/v1/connections/device-1/heartbeat", cred.AuthToken, nil, nil)
	if status != http.StatusOK {
		t.Errorf("heartbeat status = %d, want 200", status)
	}

	status = env.request(t, "DELETE", "/v1/connections/device-1", cred.AuthToken, nil, nil)
	if status != http.StatusOK {
		t.Errorf("unregister status = %d, want 200", status)
	}

	status = env.post(t, "/v1/connections/device-1/heartbeat", cred.AuthToken, nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("heartbeat after unregister status = %d, want 404", status)
	}
}

func TestConnectionQueueing(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	first := env.pair(t, "device-1")
	second := env.pair(t, "device-2")

	var admitResp api.AdmitResponse
	env.post(t, "/v1/connections", first.AuthToken, api.AdmitRequest{DeviceID: "device-1"}, &admitResp)
	if admitResp.Outcome != "admitted" {
		t.Fatalf("first outcome = %q, want admitted", admitResp.Outcome)
	}

	env.post(t, "/v1/connections", second.AuthToken, api.AdmitRequest{DeviceID: "device-2"}, &admitResp)
	if admitResp.Outcome != "queued" {
		t.Fatalf("second outcome = %q, want queued", admitResp.Outcome)
	}
	if admitResp.Position != 1 {
		t.Errorf("position = %d, want 1", admitResp.Position)
	}
}

func TestAdmitRequiresDeviceToken(t *testing.T) {
	// Fresh environments: each auth failure blocks the client.
	t.Run("forged token", func(t *testing.T) {
		env := newTestEnv(t, abuse.Options{MaxAttempts: 100})
		env.pair(t, "device-1")

		status := env.post(t, "/v1/connections", "pgt_forged", api.AdmitRequest{DeviceID: "device-1"}, nil)
		if status != http.StatusForbidden {
			t.Errorf("forged token status = %d, want 403", status)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		env := newTestEnv(t, abuse.Options{MaxAttempts: 100})
		env.pair(t, "device-1")

		status := env.post(t, "/v1/connections", "", api.AdmitRequest{DeviceID: "device-1"}, nil)
		if status != http.StatusForbidden {
			t.Errorf("missing token status = %d, want 403", status)
		}
	})
}

func TestTokenRotation(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	cred := env.pair(t, "device-1")

	var rotateResp api.RotateTokenResponse
	status := env.post(t, "/v1/pairing/rotate/device-1", cred.AuthToken, nil, &rotateResp)
	if status != http.StatusOK {
		t.Fatalf("rotate status = %d, want 200", status)
	}
	if rotateResp.AuthToken == cred.AuthToken {
		t.Error("rotated token equals the old token")
	}

	// The new token works; the old one is dead.
	status = env.post(t, "/v1/connections", rotateResp.AuthToken, api.AdmitRequest{DeviceID: "device-1"}, nil)
	if status != http.StatusOK {
		t.Errorf("new token status = %d, want 200", status)
	}
	status = env.post(t, "/v1/connections", cred.AuthToken, api.AdmitRequest{DeviceID: "device-1"}, nil)
	if status != http.StatusForbidden {
		t.Errorf("old token status = %d, want 403", status)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	status := env.request(t, "GET", "/v1/devices", "", nil, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("no-auth status = %d, want 401", status)
	}

	status = env.request(t, "GET", "/v1/devices", "pairgate_abc123def456_forged", nil, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("forged key status = %d, want 401", status)
	}

	var listResp api.ListDevicesResponse
	status = env.request(t, "GET", "/v1/devices", env.adminKey, nil, &listResp)
	if status != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", status)
	}
}

func TestAdminRevokeDisconnects(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	cred := env.pair(t, "device-1")

	var admitResp api.AdmitResponse
	env.post(t, "/v1/connections", cred.AuthToken, api.AdmitRequest{DeviceID: "device-1"}, &admitResp)
	if admitResp.Outcome != "admitted" {
		t.Fatalf("outcome = %q, want admitted", admitResp.Outcome)
	}

	status := env.request(t, "DELETE", "/v1/devices/device-1", env.adminKey, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", status)
	}

	// Token dead and connection torn down.
	status = env.post(t, "/v1/connections/device-1/heartbeat", cred.AuthToken, nil, nil)
	if status != http.StatusForbidden {
		t.Errorf("heartbeat after revoke status = %d, want 403", status)
	}

	var connResp api.ListConnectionsResponse
	env.request(t, "GET", "/v1/connections", env.adminKey, nil, &connResp)
	if len(connResp.Connections) != 0 {
		t.Errorf("connections after revoke = %d, want 0", len(connResp.Connections))
	}
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	cred := env.pair(t, "device-1")
	env.post(t, "/v1/connections", cred.AuthToken, api.AdmitRequest{DeviceID: "device-1"}, nil)

	var stats api.StatsResponse
	status := env.request(t, "GET", "/v1/stats", env.adminKey, nil, &stats)
	if status != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", status)
	}
	if stats.ActiveConnections != 1 {
		t.Errorf("active_connections = %d, want 1", stats.ActiveConnections)
	}
	if stats.MaxConnections != 1 {
		t.Errorf("max_connections = %d, want 1", stats.MaxConnections)
	}
}

func TestRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	req, _ := http.NewRequest("POST", env.server.URL+"/v1/pairing/initiate",
		bytes.NewReader([]byte(`{"device_name": `)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", resp.StatusCode)
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	req, _ := http.NewRequest("POST", env.server.URL+"/v1/pairing/initiate",
		bytes.NewReader([]byte(`{"device_name":"TV","device_id":"d1","extra":true}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", resp.StatusCode)
	}
}

func TestCapacityConflict(t *testing.T) {
	env := newTestEnv(t, abuse.Options{MaxAttempts: 100})

	for i := 1; i <= 3; i++ {
		env.pair(t, fmt.Sprintf("device-%d", i))
	}

	var errResp api.ErrorResponse
	status := env.post(t, "/v1/pairing/initiate", "", api.InitiatePairingRequest{
		DeviceName: "One Too Many", DeviceID: "device-4",
	}, &errResp)
	if status != http.StatusConflict {
		t.Errorf("over-capacity status = %d, want 409", status)
	}
	if errResp.Kind != "capacity" {
		t.Errorf("error kind = %q, want capacity", errResp.Kind)
	}
}
