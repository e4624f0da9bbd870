package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/pairgate/pairgate/internal/models"
)

const (
	tokenPrefix = "pgt_"
	tokenBytes  = 32

	// DefaultCertValidity is the client certificate lifetime.
	DefaultCertValidity = 365 * 24 * time.Hour
	// DefaultTokenTTL is the bearer token lifetime.
	DefaultTokenTTL = 24 * time.Hour
)

var tokenCharset = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// IssuedCertificate is the certificate material returned to a device after a
// successful pairing. The private key exists only in this value.
type IssuedCertificate struct {
	CACertPEM     []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte
	Fingerprint   string
}

// IssuedToken is a freshly generated bearer token. Token carries the
// plaintext for the device; only Hash is persisted.
type IssuedToken struct {
	Token     string
	Hash      []byte
	ExpiresAt time.Time
}

// Issuer mints device certificates and bearer tokens. Token hashes are
// peppered so a copied database is not enough to forge tokens.
type Issuer struct {
	CA           Authority
	Pepper       []byte
	KeyBits      int
	CertValidity time.Duration
	TokenTTL     time.Duration

	now func() time.Time
}

// NewIssuer returns an Issuer with the defaults: 2048-bit keys, 1-year
// certificates, 24-hour tokens.
func NewIssuer(ca Authority, pepper []byte) *Issuer {
	return &Issuer{
		CA:           ca,
		Pepper:       pepper,
		KeyBits:      MinKeyBits,
		CertValidity: DefaultCertValidity,
		TokenTTL:     DefaultTokenTTL,
		now:          time.Now,
	}
}

// Issue mints a client certificate for a device.
func (i *Issuer) Issue(deviceID string) (*IssuedCertificate, error) {
	certPEM, keyPEM, fingerprint, err := i.CA.IssueClientCertificate("pairgate-"+deviceID, i.KeyBits, i.CertValidity)
	if err != nil {
		return nil, err
	}
	return &IssuedCertificate{
		CACertPEM:     i.CA.CACertPEM(),
		ClientCertPEM: certPEM,
		ClientKeyPEM:  keyPEM,
		Fingerprint:   fingerprint,
	}, nil
}

// GenerateToken creates a high-entropy bearer token. The token is not derived
// from the device identity.
func (i *Issuer) GenerateToken() (*IssuedToken, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	b := make([]byte, tokenBytes)
	for j := range b {
		b[j] = tokenCharset[int(raw[j])%len(tokenCharset)]
	}
	token := tokenPrefix + string(b)

	return &IssuedToken{
		Token:     token,
		Hash:      i.HashToken(token),
		ExpiresAt: i.now().Add(i.TokenTTL),
	}, nil
}

// HashToken computes the peppered HMAC-SHA256 hash of a token.
func (i *Issuer) HashToken(token string) []byte {
	mac := hmac.New(sha256.New, i.Pepper)
	mac.Write([]byte(token))
	return mac.Sum(nil)
}

// VerifyToken checks a presented token against a stored credential: hash
// match in constant time, active status, and unexpired.
func (i *Issuer) VerifyToken(cred *models.DeviceCredential, token string) bool {
	if cred == nil || cred.Status != models.CredentialActive {
		return false
	}
	if !i.now().Before(time.Unix(cred.TokenExpiresAt, 0)) {
		return false
	}
	computed := i.HashToken(token)
	return subtle.ConstantTimeCompare(computed, cred.TokenHash) == 1
}
