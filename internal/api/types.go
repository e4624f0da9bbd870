// Package api defines the API request and response types.
package api

// InitiatePairingRequest starts a pairing handshake.
type InitiatePairingRequest struct {
	DeviceName string `json:"device_name"`
	DeviceID   string `json:"device_id"`
}

// InitiatePairingResponse returns the one-time code to display.
type InitiatePairingResponse struct {
	PairingID        string `json:"pairing_id"`
	PairingCode      string `json:"pairing_code"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// VerifyPairingRequest completes a pairing handshake.
type VerifyPairingRequest struct {
	PairingID   string `json:"pairing_id"`
	PairingCode string `json:"pairing_code"`
	DeviceID    string `json:"device_id"`
}

// VerifyPairingResponse carries the issued credential material. The private
// key appears only here and is never stored server-side.
type VerifyPairingResponse struct {
	CACertificate     string `json:"ca_certificate"`
	ClientCertificate string `json:"client_certificate"`
	ClientPrivateKey  string `json:"client_private_key"`
	Fingerprint       string `json:"fingerprint"`
	AuthToken         string `json:"auth_token"`
	TokenExpiresAt    string `json:"token_expires_at"`
}

// PairingStatusResponse describes a paired device.
type PairingStatusResponse struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	Status         string `json:"status"`
	Fingerprint    string `json:"fingerprint"`
	PairedAt       string `json:"paired_at"`
	TokenExpiresAt string `json:"token_expires_at"`
}

// RotateTokenResponse carries a freshly rotated bearer token.
type RotateTokenResponse struct {
	AuthToken      string `json:"auth_token"`
	TokenExpiresAt string `json:"token_expires_at"`
}

// AdmitRequest asks for a connection slot.
type AdmitRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// AdmitResponse is the tagged admission decision.
type AdmitResponse struct {
	Outcome      string `json:"outcome"` // admitted|queued|rejected
	ConnectionID string `json:"connection_id,omitempty"`
	Position     int    `json:"position,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// OKResponse acknowledges an operation with no other payload.
type OKResponse struct {
	OK bool `json:"ok"`
}

// DeviceInfo is a paired device as listed on the admin surface.
type DeviceInfo struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	Status         string `json:"status"`
	Fingerprint    string `json:"fingerprint"`
	PairedAt       string `json:"paired_at"`
	TokenExpiresAt string `json:"token_expires_at"`
	RevokedAt      string `json:"revoked_at,omitempty"`
}

// ListDevicesResponse lists paired devices.
type ListDevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// ConnectionInfo is an active connection as listed on the admin surface.
type ConnectionInfo struct {
	DeviceID      string `json:"device_id"`
	ConnectionID  string `json:"connection_id"`
	RemoteIP      string `json:"remote_ip"`
	EstablishedAt string `json:"established_at"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// QueueEntryInfo is a queued device with its promotion position.
type QueueEntryInfo struct {
	DeviceID string `json:"device_id"`
	QueuedAt string `json:"queued_at"`
	Position int    `json:"position"`
}

// ListConnectionsResponse lists active and queued connections.
type ListConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
	Queue       []QueueEntryInfo `json:"queue"`
}

// StatsResponse is a point-in-time service snapshot.
type StatsResponse struct {
	ActiveConnections  int   `json:"active_connections"`
	MaxConnections     int   `json:"max_connections"`
	QueueLength        int   `json:"queue_length"`
	TotalServed        int64 `json:"total_served"`
	TotalRejected      int64 `json:"total_rejected"`
	TimedOut           int64 `json:"timed_out"`
	PairingSessions    int   `json:"pairing_sessions"`
	DroppedAuditEvents int64 `json:"dropped_audit_events"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
