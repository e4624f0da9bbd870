// Package pairing implements the code-verified handshake that issues device
// credentials.
package pairing

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/pairgate/pairgate/internal/audit"
	"github.com/pairgate/pairgate/internal/credential"
	"github.com/pairgate/pairgate/internal/fault"
	"github.com/pairgate/pairgate/internal/logging"
	"github.com/pairgate/pairgate/internal/models"
	"go.uber.org/zap"
)

// Session states. All transitions are one-way; nothing returns to initiated.
type State uint8

const (
	StateInitiated State = iota
	StateActive
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// Session is a live pairing handshake. Sessions exist only in memory; there
// is no durability requirement before a credential is issued.
type Session struct {
	PairingID    string
	DeviceID     string
	DeviceName   string
	Code         string
	State        State
	CodeAttempts int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Store is the persistence collaborator for issued credentials.
type Store interface {
	Get(deviceID string) (*models.DeviceCredential, error)
	Create(c *models.DeviceCredential) error
	CountActive() (int, error)
	List() ([]models.DeviceCredential, error)
	Revoke(deviceID string, at time.Time) error
	// SwapToken replaces the token hash guarded on the previous hash,
	// returning false if another writer got there first.
	SwapToken(deviceID string, oldHash, newHash []byte, expiresAt time.Time) (bool, error)
}

// verifyFailedMessage is deliberately identical for a wrong code and a wrong
// device id so a caller cannot probe which check failed.
const verifyFailedMessage = "pairing verification failed"

// sessionNotFoundMessage doubles for consumed and never-existing sessions.
const sessionNotFoundMessage = "pairing session not found or expired"

// Options configure a Coordinator.
type Options struct {
	Expiry           time.Duration
	MaxPairedDevices int
	MaxCodeAttempts  int
	SweepInterval    time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Expiry <= 0 {
		out.Expiry = 300 * time.Second
	}
	if out.MaxPairedDevices <= 0 {
		out.MaxPairedDevices = 3
	}
	if out.MaxCodeAttempts <= 0 {
		out.MaxCodeAttempts = 1
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 30 * time.Second
	}
	return out
}

// InitiateResult is returned to the device that started a handshake.
type InitiateResult struct {
	PairingID string
	Code      string
	ExpiresIn time.Duration
}

// VerifyResult carries the credential material for a completed handshake.
// The private key is handed to the caller and never persisted.
type VerifyResult struct {
	CACert         []byte
	ClientCert     []byte
	ClientKey      []byte
	Fingerprint    string
	Token          string
	TokenExpiresAt time.Time
}

// Status describes a paired device.
type Status struct {
	DeviceID       string
	DeviceName     string
	Status         string
	Fingerprint    string
	PairedAt       time.Time
	TokenExpiresAt time.Time
}

// RotateResult carries a freshly rotated token.
type RotateResult struct {
	Token          string
	TokenExpiresAt time.Time
}

// Coordinator owns the pairing session table. Session mutation is serialized
// through a single mutex; credential issuance and persistence happen outside
// the lock.
type Coordinator struct {
	opts   Options
	store  Store
	issuer *credential.Issuer
	audit  audit.Sink
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCoordinator(opts Options, store Store, issuer *credential.Issuer, sink audit.Sink, logger *zap.Logger) *Coordinator {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Coordinator{
		opts:     opts.withDefaults(),
		store:    store,
		issuer:   issuer,
		audit:    sink,
		logger:   logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Initiate starts a pairing handshake and returns the one-time code the user
// must enter on the host.
func (c *Coordinator) Initiate(deviceName, deviceID string) (*InitiateResult, error) {
	if err := ValidateDeviceName(deviceName); err != nil {
		return nil, err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	existing, err := c.store.Get(deviceID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "load device credential", err)
	}
	if existing != nil && existing.Status == models.CredentialActive {
		return nil, fault.New(fault.AlreadyPaired, "device is already paired; revoke it before pairing again")
	}

	count, err := c.store.CountActive()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "count paired devices", err)
	}
	if count >= c.opts.MaxPairedDevices {
		return nil, fault.Newf(fault.Capacity,
			"maximum of %d paired devices reached; revoke a device before pairing a new one",
			c.opts.MaxPairedDevices)
	}

	pairingID, err := newPairingID()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "generate pairing id", err)
	}
	code, err := newPairingCode()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "generate pairing code", err)
	}

	now := c.now()
	session := &Session{
		PairingID:  pairingID,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Code:       code,
		State:      StateInitiated,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.opts.Expiry),
	}

	c.mu.Lock()
	// At most one non-terminal session per device: a new initiate replaces
	// any session the device already has in flight.
	for id, s := range c.sessions {
		if s.DeviceID == deviceID {
			delete(c.sessions, id)
		}
	}
	c.sessions[pairingID] = session
	c.mu.Unlock()

	c.logger.Info("pairing initiated",
		logging.DeviceID(deviceID),
		logging.DeviceName(deviceName),
		logging.PairingID(pairingID))
	c.audit.Log(audit.EventPairingInitiated, deviceID, audit.SeverityInfo, map[string]string{
		"device_name": deviceName,
		"pairing_id":  pairingID,
	})

	return &InitiateResult{
		PairingID: pairingID,
		Code:      code,
		ExpiresIn: c.opts.Expiry,
	}, nil
}

// Verify completes a handshake. A session can be verified successfully at
// most once: the first caller to observe it initiated consumes it, and every
// later caller fails with a not-found error.
func (c *Coordinator) Verify(pairingID, code, deviceID string) (*VerifyResult, error) {
	if err := ValidatePairingID(pairingID); err != nil {
		return nil, err
	}
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	session, ok := c.sessions[pairingID]
	if !ok || session.State != StateInitiated {
		c.mu.Unlock()
		return nil, fault.New(fault.NotFound, sessionNotFoundMessage)
	}

	if c.now().After(session.ExpiresAt) {
		session.State = StateExpired
		delete(c.sessions, pairingID)
		c.mu.Unlock()
		c.audit.Log(audit.EventPairingExpired, session.DeviceID, audit.SeverityInfo, map[string]string{
			"pairing_id": pairingID,
		})
		return nil, fault.New(fault.Expired, "pairing session expired")
	}

	if session.DeviceID != deviceID || session.Code != code {
		session.CodeAttempts++
		attempts := session.CodeAttempts
		sessionDevice := session.DeviceID
		failed := attempts >= c.opts.MaxCodeAttempts
		if failed {
			session.State = StateFailed
			delete(c.sessions, pairingID)
		}
		c.mu.Unlock()

		c.logger.Warn("pairing verification rejected",
			logging.DeviceID(deviceID),
			logging.PairingID(pairingID),
			logging.Attempts(attempts))
		if failed {
			c.audit.Log(audit.EventPairingFailed, sessionDevice, audit.SeverityWarning, map[string]string{
				"pairing_id": pairingID,
			})
		}
		return nil, fault.New(fault.Permission, verifyFailedMessage)
	}

	// Consume the session before releasing the lock so a concurrent Verify
	// for the same pairing id fails with not-found.
	session.State = StateActive
	delete(c.sessions, pairingID)
	c.mu.Unlock()

	issued, err := c.issuer.Issue(deviceID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "issue certificate", err)
	}
	token, err := c.issuer.GenerateToken()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "generate token", err)
	}

	cred := &models.DeviceCredential{
		DeviceID:       deviceID,
		DeviceName:     session.DeviceName,
		Fingerprint:    issued.Fingerprint,
		TokenHash:      token.Hash,
		TokenExpiresAt: token.ExpiresAt.Unix(),
		Status:         models.CredentialActive,
		PairedAt:       c.now().Unix(),
	}
	if err := c.store.Create(cred); err != nil {
		return nil, fault.Wrap(fault.Internal, "persist device credential", err)
	}

	c.logger.Info("pairing completed",
		logging.DeviceID(deviceID),
		logging.DeviceName(session.DeviceName),
		logging.Fingerprint(issued.Fingerprint))
	c.audit.Log(audit.EventPairingVerified, deviceID, audit.SeverityInfo, map[string]string{
		"device_name": session.DeviceName,
		"pairing_id":  pairingID,
		"fingerprint": issued.Fingerprint,
	})

	return &VerifyResult{
		CACert:         issued.CACertPEM,
		ClientCert:     issued.ClientCertPEM,
		ClientKey:      issued.ClientKeyPEM,
		Fingerprint:    issued.Fingerprint,
		Token:          token.Token,
		TokenExpiresAt: token.ExpiresAt,
	}, nil
}

// Status reports the pairing state of a device.
func (c *Coordinator) Status(deviceID string) (*Status, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	cred, err := c.store.Get(deviceID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "load device credential", err)
	}
	if cred == nil {
		return nil, fault.New(fault.NotFound, "device not found")
	}

	return &Status{
		DeviceID:       cred.DeviceID,
		DeviceName:     cred.DeviceName,
		Status:         cred.Status,
		Fingerprint:    cred.Fingerprint,
		PairedAt:       time.Unix(cred.PairedAt, 0),
		TokenExpiresAt: time.Unix(cred.TokenExpiresAt, 0),
	}, nil
}

// Revoke marks a device credential revoked. Revoking an already revoked
// device is a no-op, not an error.
func (c *Coordinator) Revoke(deviceID string) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}

	cred, err := c.store.Get(deviceID)
	if err != nil {
		return fault.Wrap(fault.Internal, "load device credential", err)
	}
	if cred == nil {
		return fault.New(fault.NotFound, "device not found")
	}
	if cred.Status == models.CredentialRevoked {
		return nil
	}

	if err := c.store.Revoke(deviceID, c.now()); err != nil {
		return fault.Wrap(fault.Internal, "revoke device credential", err)
	}

	c.logger.Info("pairing revoked", logging.DeviceID(deviceID))
	c.audit.Log(audit.EventPairingRevoked, deviceID, audit.SeverityInfo, nil)
	return nil
}

// RotateToken replaces a device's bearer token. The old token hash is
// invalidated atomically with the swap.
func (c *Coordinator) RotateToken(deviceID string) (*RotateResult, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	cred, err := c.store.Get(deviceID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "load device credential", err)
	}
	if cred == nil {
		return nil, fault.New(fault.NotFound, "device not found")
	}
	if cred.Status != models.CredentialActive {
		return nil, fault.New(fault.State, "device is not active")
	}

	token, err := c.issuer.GenerateToken()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "generate token", err)
	}

	swapped, err := c.store.SwapToken(deviceID, cred.TokenHash, token.Hash, token.ExpiresAt)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "swap token hash", err)
	}
	if !swapped {
		return nil, fault.New(fault.Internal, "token rotation lost a concurrent update")
	}

	c.logger.Info("token rotated", logging.DeviceID(deviceID))
	c.audit.Log(audit.EventTokenRotated, deviceID, audit.SeverityInfo, nil)

	return &RotateResult{Token: token.Token, TokenExpiresAt: token.ExpiresAt}, nil
}

// VerifyToken checks a bearer token presented by a device.
func (c *Coordinator) VerifyToken(deviceID, token string) (bool, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return false, err
	}

	cred, err := c.store.Get(deviceID)
	if err != nil {
		return false, fault.Wrap(fault.Internal, "load device credential", err)
	}
	return c.issuer.VerifyToken(cred, token), nil
}

// List returns all known device credentials.
func (c *Coordinator) List() ([]models.DeviceCredential, error) {
	creds, err := c.store.List()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "list device credentials", err)
	}
	return creds, nil
}

// SessionCount returns the number of live pairing sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Start launches the session expiry sweep.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop cancels the expiry sweep and waits for it. Live sessions are simply
// discarded; they have no durability requirement.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) sweep() {
	now := c.now()

	c.mu.Lock()
	var expired []*Session
	for id, s := range c.sessions {
		if now.After(s.ExpiresAt) {
			s.State = StateExpired
			delete(c.sessions, id)
			expired = append(expired, s)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		c.logger.Info("pairing session expired",
			logging.DeviceID(s.DeviceID),
			logging.PairingID(s.PairingID))
		c.audit.Log(audit.EventPairingExpired, s.DeviceID, audit.SeverityInfo, map[string]string{
			"pairing_id": s.PairingID,
		})
	}
}

const pairingIDLength = 22

var pairingIDCharset = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func newPairingID() (string, error) {
	raw := make([]byte, pairingIDLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	b := make([]byte, pairingIDLength)
	for i := range b {
		b[i] = pairingIDCharset[int(raw[i])%len(pairingIDCharset)]
	}
	return "pair_" + string(b), nil
}

func newPairingCode() (string, error) {
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}
