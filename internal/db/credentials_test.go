package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairgate/pairgate/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testCredential(deviceID string) *models.DeviceCredential {
	return &models.DeviceCredential{
		DeviceID:       deviceID,
		DeviceName:     "Test Device",
		Fingerprint:    "aa:bb:cc",
		TokenHash:      []byte("hash-one-hash-one-hash-one-hash-"),
		TokenExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
		Status:         models.CredentialActive,
		PairedAt:       time.Now().Unix(),
	}
}

func TestCreateAndGetCredential(t *testing.T) {
	d := openTestDB(t)

	id, err := CreateCredential(d, testCredential("device-1"))
	if err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if id == 0 {
		t.Error("CreateCredential returned zero id")
	}

	got, err := GetCredentialByDeviceID(d, "device-1")
	if err != nil {
		t.Fatalf("GetCredentialByDeviceID failed: %v", err)
	}
	if got == nil {
		t.Fatal("credential not found")
	}
	if got.DeviceName != "Test Device" {
		t.Errorf("DeviceName = %q, want Test Device", got.DeviceName)
	}
	if got.Status != models.CredentialActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if got.RevokedAt != nil {
		t.Error("RevokedAt should be nil for a fresh credential")
	}
}

func TestGetCredentialMissing(t *testing.T) {
	d := openTestDB(t)

	got, err := GetCredentialByDeviceID(d, "device-unknown")
	if err != nil {
		t.Fatalf("GetCredentialByDeviceID failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for an unknown device")
	}
}

func TestCreateReplacesRevokedCredential(t *testing.T) {
	d := openTestDB(t)

	if _, err := CreateCredential(d, testCredential("device-1")); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if err := RevokeCredential(d, "device-1", time.Now()); err != nil {
		t.Fatalf("RevokeCredential failed: %v", err)
	}

	fresh := testCredential("device-1")
	fresh.DeviceName = "Renamed Device"
	if _, err := CreateCredential(d, fresh); err != nil {
		t.Fatalf("re-CreateCredential failed: %v", err)
	}

	got, err := GetCredentialByDeviceID(d, "device-1")
	if err != nil {
		t.Fatalf("GetCredentialByDeviceID failed: %v", err)
	}
	if got.Status != models.CredentialActive {
		t.Errorf("Status after re-pair = %q, want active", got.Status)
	}
	if got.DeviceName != "Renamed Device" {
		t.Errorf("DeviceName = %q, want Renamed Device", got.DeviceName)
	}
	if got.RevokedAt != nil {
		t.Error("RevokedAt should be cleared after re-pair")
	}
}

func TestCountActiveCredentials(t *testing.T) {
	d := openTestDB(t)

	for _, id := range []string{"device-1", "device-2", "device-3"} {
		if _, err := CreateCredential(d, testCredential(id)); err != nil {
			t.Fatalf("CreateCredential %s failed: %v", id, err)
		}
	}
	if err := RevokeCredential(d, "device-2", time.Now()); err != nil {
		t.Fatalf("RevokeCredential failed: %v", err)
	}

	count, err := CountActiveCredentials(d)
	if err != nil {
		t.Fatalf("CountActiveCredentials failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestRevokeCredentialIdempotent(t *testing.T) {
	d := openTestDB(t)

	if _, err := CreateCredential(d, testCredential("device-1")); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	firstRevoke := time.Unix(1700000000, 0)
	if err := RevokeCredential(d, "device-1", firstRevoke); err != nil {
		t.Fatalf("RevokeCredential failed: %v", err)
	}
	// Second revoke does not move the timestamp.
	if err := RevokeCredential(d, "device-1", firstRevoke.Add(time.Hour)); err != nil {
		t.Fatalf("repeated RevokeCredential failed: %v", err)
	}

	got, err := GetCredentialByDeviceID(d, "device-1")
	if err != nil {
		t.Fatalf("GetCredentialByDeviceID failed: %v", err)
	}
	if got.RevokedAt == nil || *got.RevokedAt != firstRevoke.Unix() {
		t.Errorf("RevokedAt = %v, want %d", got.RevokedAt, firstRevoke.Unix())
	}
}

func TestSwapTokenHash(t *testing.T) {
	d := openTestDB(t)

	cred := testCredential("device-1")
	if _, err := CreateCredential(d, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	newHash := []byte("hash-two-hash-two-hash-two-hash-")
	expiry := time.Now().Add(24 * time.Hour)

	swapped, err := SwapTokenHash(d, "device-1", cred.TokenHash, newHash, expiry)
	if err != nil {
		t.Fatalf("SwapTokenHash failed: %v", err)
	}
	if !swapped {
		t.Fatal("swap guarded on the current hash should succeed")
	}

	// A second swap guarded on the old hash loses.
	swapped, err = SwapTokenHash(d, "device-1", cred.TokenHash, []byte("hash-three"), expiry)
	if err != nil {
		t.Fatalf("SwapTokenHash failed: %v", err)
	}
	if swapped {
		t.Error("swap guarded on a stale hash should fail")
	}

	got, err := GetCredentialByDeviceID(d, "device-1")
	if err != nil {
		t.Fatalf("GetCredentialByDeviceID failed: %v", err)
	}
	if string(got.TokenHash) != string(newHash) {
		t.Error("stored hash is not the first swap's hash")
	}
}

func TestSwapTokenHashRevokedDevice(t *testing.T) {
	d := openTestDB(t)

	cred := testCredential("device-1")
	if _, err := CreateCredential(d, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if err := RevokeCredential(d, "device-1", time.Now()); err != nil {
		t.Fatalf("RevokeCredential failed: %v", err)
	}

	swapped, err := SwapTokenHash(d, "device-1", cred.TokenHash, []byte("new"), time.Now())
	if err != nil {
		t.Fatalf("SwapTokenHash failed: %v", err)
	}
	if swapped {
		t.Error("swap on a revoked credential should fail")
	}
}

func TestListCredentialsOrder(t *testing.T) {
	d := openTestDB(t)

	older := testCredential("device-old")
	older.PairedAt = 1000
	newer := testCredential("device-new")
	newer.PairedAt = 2000

	if _, err := CreateCredential(d, older); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if _, err := CreateCredential(d, newer); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	creds, err := ListCredentials(d)
	if err != nil {
		t.Fatalf("ListCredentials failed: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("len = %d, want 2", len(creds))
	}
	if creds[0].DeviceID != "device-new" {
		t.Errorf("first listed = %q, want device-new (newest first)", creds[0].DeviceID)
	}
}

func TestAPIKeys(t *testing.T) {
	d := openTestDB(t)

	count, err := CountAPIKeys(d)
	if err != nil {
		t.Fatalf("CountAPIKeys failed: %v", err)
	}
	if count != 0 {
		t.Errorf("initial count = %d, want 0", count)
	}

	if _, err := CreateAPIKey(d, "abc123def456", []byte("hash")); err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	key, err := GetAPIKeyByPrefix(d, "abc123def456")
	if err != nil {
		t.Fatalf("GetAPIKeyByPrefix failed: %v", err)
	}
	if key == nil {
		t.Fatal("API key not found")
	}
	if string(key.KeyHash) != "hash" {
		t.Error("stored hash mismatch")
	}

	missing, err := GetAPIKeyByPrefix(d, "nosuchprefix")
	if err != nil {
		t.Fatalf("GetAPIKeyByPrefix failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown prefix")
	}
}

func TestAuditEvents(t *testing.T) {
	d := openTestDB(t)

	events := []models.AuditEvent{
		{ID: "evt-1", EventType: "pairing_initiated", DeviceID: "device-1", Severity: "info", Details: "{}", OccurredAt: 1000},
		{ID: "evt-2", EventType: "pairing_verified", DeviceID: "device-1", Severity: "info", Details: "{}", OccurredAt: 2000},
		{ID: "evt-3", EventType: "pairing_initiated", DeviceID: "device-2", Severity: "info", Details: "{}", OccurredAt: 1500},
	}
	for i := range events {
		if err := InsertAuditEvent(d, &events[i]); err != nil {
			t.Fatalf("InsertAuditEvent failed: %v", err)
		}
	}

	got, err := ListAuditEventsByDevice(d, "device-1", 10)
	if err != nil {
		t.Fatalf("ListAuditEventsByDevice failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "evt-2" {
		t.Errorf("first event = %q, want evt-2 (newest first)", got[0].ID)
	}

	limited, err := ListAuditEventsByDevice(d, "device-1", 1)
	if err != nil {
		t.Fatalf("ListAuditEventsByDevice failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited len = %d, want 1", len(limited))
	}
}
