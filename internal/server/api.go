// Package server implements the pairgate REST API: the device-facing pairing
// and connection surface, and the admin surface.
package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pairgate/pairgate/internal/abuse"
	"github.com/pairgate/pairgate/internal/admission"
	"github.com/pairgate/pairgate/internal/api"
	"github.com/pairgate/pairgate/internal/audit"
	"github.com/pairgate/pairgate/internal/auth"
	"github.com/pairgate/pairgate/internal/db"
	"github.com/pairgate/pairgate/internal/fault"
	"github.com/pairgate/pairgate/internal/logging"
	"github.com/pairgate/pairgate/internal/pairing"
	"go.uber.org/zap"
)

// APIServer wires the abuse guard, pairing coordinator, and admission
// controller behind HTTP. The guard runs first on every device-facing route.
type APIServer struct {
	DB          *sql.DB
	Coordinator *pairing.Coordinator
	Admission   *admission.Controller
	Guard       *abuse.Guard
	Pepper      []byte
	Logger      *zap.Logger
	Audit       audit.Sink
	Stats       func() api.StatsResponse
}

func (s *APIServer) audit() audit.Sink {
	if s.Audit == nil {
		return audit.Nop{}
	}
	return s.Audit
}

// Handler returns the HTTP handler for the API server.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Device-facing surface, front-gated by the abuse guard.
	mux.Handle("POST /v1/pairing/initiate", s.guarded(s.handleInitiatePairing))
	mux.Handle("POST /v1/pairing/verify", s.guarded(s.handleVerifyPairing))
	mux.Handle("GET /v1/pairing/status/{device_id}", s.guarded(s.handlePairingStatus))
	mux.Handle("POST /v1/pairing/rotate/{device_id}", s.guarded(s.handleDeviceRotate))
	mux.Handle("POST /v1/connections", s.guarded(s.handleAdmit))
	mux.Handle("DELETE /v1/connections/{device_id}", s.guarded(s.handleUnregister))
	mux.Handle("POST /v1/connections/{device_id}/heartbeat", s.guarded(s.handleHeartbeat))

	// Admin surface, Bearer admin API key.
	mux.Handle("GET /v1/devices", s.adminAuth(s.handleListDevices))
	mux.Handle("GET /v1/devices/{device_id}", s.adminAuth(s.handleGetDevice))
	mux.Handle("DELETE /v1/devices/{device_id}", s.adminAuth(s.handleRevokeDevice))
	mux.Handle("POST /v1/devices/{device_id}/rotate", s.adminAuth(s.handleAdminRotate))
	mux.Handle("GET /v1/connections", s.adminAuth(s.handleListConnections))
	mux.Handle("GET /v1/stats", s.adminAuth(s.handleStats))

	return mux
}

// guarded applies the abuse guard front gate: blocked clients are refused
// with a retry hint, and attempts beyond the sliding-window budget are
// throttled before any business logic runs.
func (s *APIServer) guarded(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)

		if st := s.Guard.Check(key); st.Blocked {
			s.audit().Log(audit.EventClientBlocked, "", audit.SeverityWarning, map[string]string{
				"client_ip": key,
			})
			s.writeError(w, fault.Throttle(st.RetryAfter))
			return
		}

		if s.Guard.AttemptsInWindow(key) >= s.Guard.MaxAttempts() {
			s.Logger.Warn("attempt budget exhausted", logging.ClientIP(key))
			s.writeError(w, fault.Throttle(s.Guard.WindowRetryAfter(key)))
			return
		}
		s.Guard.RecordAttempt(key)

		next(w, r)
	})
}

// adminAuth validates admin API key authentication for protected routes.
func (s *APIServer) adminAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		prefix, _, err := auth.ParseAPIKey(key)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		storedKey, err := db.GetAPIKeyByPrefix(s.DB, prefix)
		if err != nil || storedKey == nil || storedKey.RevokedAt != nil {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		if !auth.VerifyAPIKey(s.Pepper, key, storedKey.KeyHash) {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}

		next(w, r)
	})
}

func (s *APIServer) handleInitiatePairing(w http.ResponseWriter, r *http.Request) {
	var req api.InitiatePairingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.Coordinator.Initiate(req.DeviceName, req.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, api.InitiatePairingResponse{
		PairingID:        result.PairingID,
		PairingCode:      result.Code,
		ExpiresInSeconds: int(result.ExpiresIn / time.Second),
	})
}

func (s *APIServer) handleVerifyPairing(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyPairingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	key := clientIP(r)
	result, err := s.Coordinator.Verify(req.PairingID, req.PairingCode, req.DeviceID)
	if err != nil {
		if fault.IsKind(err, fault.Permission) {
			s.Guard.RecordFailure(key)
		}
		s.writeError(w, err)
		return
	}
	s.Guard.RecordSuccess(key)

	writeJSON(w, http.StatusOK, api.VerifyPairingResponse{
		CACertificate:     string(result.CACert),
		ClientCertificate: string(result.ClientCert),
		ClientPrivateKey:  string(result.ClientKey),
		Fingerprint:       result.Fingerprint,
		AuthToken:         result.Token,
		TokenExpiresAt:    result.TokenExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *APIServer) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Coordinator.Status(r.PathValue("device_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, api.PairingStatusResponse{
		DeviceID:       status.DeviceID,
		DeviceName:     status.DeviceName,
		Status:         status.Status,
		Fingerprint:    status.Fingerprint,
		PairedAt:       status.PairedAt.UTC().Format(time.RFC3339),
		TokenExpiresAt: status.TokenExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *APIServer) handleDeviceRotate(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if err := s.authenticateDevice(r, deviceID); err != nil {
		s.Guard.RecordFailure(clientIP(r))
		s.writeError(w, err)
		return
	}
	s.rotate(w, deviceID)
}

func (s *APIServer) handleAdminRotate(w http.ResponseWriter, r *http.Request) {
	s.rotate(w, r.PathValue("device_id"))
}

func (s *APIServer) rotate(w http.ResponseWriter, deviceID string) {
	result, err := s.Coordinator.RotateToken(deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, api.RotateTokenResponse{
		AuthToken:      result.Token,
		TokenExpiresAt: result.TokenExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *APIServer) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req api.AdmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.authenticateDevice(r, req.DeviceID); err != nil {
		s.Guard.RecordFailure(clientIP(r))
		s.writeError(w, err)
		return
	}
	s.Guard.RecordSuccess(clientIP(r))

	decision := s.Admission.Admit(req.DeviceID, admission.ClientMeta{
		DeviceName: req.DeviceName,
		RemoteIP:   clientIP(r),
		UserAgent:  req.UserAgent,
	})

	resp := api.AdmitResponse{Outcome: decision.Outcome.String()}
	switch decision.Outcome {
	case admission.Admitted:
		resp.ConnectionID = decision.Connection.ConnectionID
		s.audit().Log(audit.EventConnectionOpened, req.DeviceID, audit.SeverityInfo, map[string]string{
			"connection_id": decision.Connection.ConnectionID,
			"remote_ip":     decision.Connection.Meta.RemoteIP,
		})
	case admission.Queued:
		resp.Position = decision.Position
	case admission.Rejected:
		resp.Reason = decision.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleUnregister(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if err := s.authenticateDevice(r, deviceID); err != nil {
		s.Guard.RecordFailure(clientIP(r))
		s.writeError(w, err)
		return
	}

	// Not admitted yet: dropping out of the queue is also an unregister.
	if s.Admission.Withdraw(deviceID) {
		writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
		return
	}
	if err := s.Admission.Unregister(deviceID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
}

func (s *APIServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if err := s.authenticateDevice(r, deviceID); err != nil {
		s.Guard.RecordFailure(clientIP(r))
		s.writeError(w, err)
		return
	}

	if err := s.Admission.Heartbeat(deviceID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
}

func (s *APIServer) handleListDevices(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Coordinator.List()
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := api.ListDevicesResponse{Devices: make([]api.DeviceInfo, 0, len(creds))}
	for _, c := range creds {
		info := api.DeviceInfo{
			DeviceID:       c.DeviceID,
			DeviceName:     c.DeviceName,
			Status:         c.Status,
			Fingerprint:    c.Fingerprint,
			PairedAt:       time.Unix(c.PairedAt, 0).UTC().Format(time.RFC3339),
			TokenExpiresAt: time.Unix(c.TokenExpiresAt, 0).UTC().Format(time.RFC3339),
		}
		if c.RevokedAt != nil {
			info.RevokedAt = time.Unix(*c.RevokedAt, 0).UTC().Format(time.RFC3339)
		}
		resp.Devices = append(resp.Devices, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	s.handlePairingStatus(w, r)
}

func (s *APIServer) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if err := s.Coordinator.Revoke(deviceID); err != nil {
		s.writeError(w, err)
		return
	}

	// Revocation tears down any live session; a missing connection is fine.
	if err := s.Admission.ForceDisconnect(deviceID, "pairing revoked"); err != nil && !fault.IsKind(err, fault.NotFound) {
		s.Logger.Warn("force disconnect after revoke failed",
			logging.DeviceID(deviceID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
}

func (s *APIServer) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.Admission.Connections()
	queue := s.Admission.QueueSnapshot()

	resp := api.ListConnectionsResponse{
		Connections: make([]api.ConnectionInfo, 0, len(conns)),
		Queue:       make([]api.QueueEntryInfo, 0, len(queue)),
	}
	for _, c := range conns {
		resp.Connections = append(resp.Connections, api.ConnectionInfo{
			DeviceID:      c.DeviceID,
			ConnectionID:  c.ConnectionID,
			RemoteIP:      c.Meta.RemoteIP,
			EstablishedAt: c.EstablishedAt.UTC().Format(time.RFC3339),
			LastHeartbeat: c.LastHeartbeat.UTC().Format(time.RFC3339),
		})
	}
	for i, q := range queue {
		resp.Queue = append(resp.Queue, api.QueueEntryInfo{
			DeviceID: q.DeviceID,
			QueuedAt: q.QueuedAt.UTC().Format(time.RFC3339),
			Position: i + 1,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// authenticateDevice checks the Bearer device token for the claimed device.
func (s *APIServer) authenticateDevice(r *http.Request, deviceID string) error {
	token, ok := bearerToken(r)
	if !ok {
		return fault.New(fault.Permission, "missing device token")
	}
	valid, err := s.Coordinator.VerifyToken(deviceID, token)
	if err != nil {
		return err
	}
	if !valid {
		return fault.New(fault.Permission, "invalid or expired device token")
	}
	return nil
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		s.Logger.Error("unclassified error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "internal error"})
		return
	}

	resp := api.ErrorResponse{Error: fe.Message, Kind: fe.Kind.String()}
	status := http.StatusInternalServerError
	switch fe.Kind {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Expired:
		status = http.StatusGone
	case fault.Permission:
		status = http.StatusForbidden
	case fault.Capacity, fault.AlreadyPaired, fault.State:
		status = http.StatusConflict
	case fault.Throttled:
		status = http.StatusTooManyRequests
		retryAfter := int(fe.RetryAfter / time.Second)
		resp.RetryAfter = retryAfter
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	case fault.Internal:
		s.Logger.Error("internal error", zap.Error(fe))
		resp.Error = "internal error"
	}

	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return fault.New(fault.Validation, "request body required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16) // 64KB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fault.New(fault.Validation, "request body too large")
		}
		if err == io.EOF {
			return fault.New(fault.Validation, "request body required")
		}
		return fault.New(fault.Validation, "invalid JSON")
	}
	// Ensure no trailing data
	if dec.Decode(&struct{}{}) != io.EOF {
		return fault.New(fault.Validation, "unexpected trailing data")
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

// clientIP resolves the abuse-guard key for a request, honoring forwarding
// headers set by a trusted local proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
