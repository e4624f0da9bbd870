// Package models defines the database entity types.
package models

// Credential status values.
const (
	CredentialActive  = "active"
	CredentialRevoked = "revoked"
)

// DeviceCredential represents an issued device credential record in the
// database. Only the token hash is stored, never the token itself, and the
// client private key is never persisted server-side.
type DeviceCredential struct {
	ID             int64
	DeviceID       string
	DeviceName     string
	Fingerprint    string
	TokenHash      []byte
	TokenExpiresAt int64
	Status         string
	PairedAt       int64
	RevokedAt      *int64
}

// APIKey represents an admin API key record in the database.
type APIKey struct {
	ID        int64
	KeyPrefix string
	KeyHash   []byte
	CreatedAt int64
	RevokedAt *int64
}

// AuditEvent represents a recorded security event.
type AuditEvent struct {
	ID         string
	EventType  string
	DeviceID   string
	Severity   string
	Details    string // JSON object
	OccurredAt int64
}
