// Package credential implements device credential issuance: a local
// certificate authority, client certificates, and bearer tokens.
package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MinKeyBits is the smallest RSA key size the issuer will generate or sign.
const MinKeyBits = 2048

const caValidity = 10 * 365 * 24 * time.Hour

// Authority signs client certificates. It is the narrow interface over the
// crypto collaborator; production uses LocalAuthority.
type Authority interface {
	// CACertPEM returns the CA certificate in PEM form.
	CACertPEM() []byte
	// IssueClientCertificate generates a key pair and a client certificate
	// signed by the CA. The private key is returned to the caller and is
	// never retained.
	IssueClientCertificate(commonName string, keyBits int, validity time.Duration) (certPEM, keyPEM []byte, fingerprint string, err error)
}

// LocalAuthority is a self-signed CA stored on the host filesystem.
type LocalAuthority struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caPEM  []byte
}

// LoadOrCreateAuthority loads the CA key pair from dir, generating and
// persisting a new one if none exists. The key file is written with 0600
// permissions.
func LoadOrCreateAuthority(dir string) (*LocalAuthority, error) {
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	certData, certErr := os.ReadFile(certPath)
	keyData, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return loadAuthority(certData, keyData)
	}
	if certErr != nil && !os.IsNotExist(certErr) {
		return nil, fmt.Errorf("read CA certificate: %w", certErr)
	}
	if keyErr != nil && !os.IsNotExist(keyErr) {
		return nil, fmt.Errorf("read CA key: %w", keyErr)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate dir: %w", err)
	}

	a, certPEM, keyPEM, err := newAuthority()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}
	return a, nil
}

// NewEphemeralAuthority generates a CA that lives only in memory. Used by
// tests and by deployments that do not need mTLS continuity across restarts.
func NewEphemeralAuthority() (*LocalAuthority, error) {
	a, _, _, err := newAuthority()
	return a, err
}

func newAuthority() (*LocalAuthority, []byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, MinKeyBits)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "pairgate host CA",
			Organization: []string{"pairgate"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return &LocalAuthority{caCert: cert, caKey: key, caPEM: certPEM}, certPEM, keyPEM, nil
}

func loadAuthority(certPEM, keyPEM []byte) (*LocalAuthority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate file is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("CA key file is not PEM encoded")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("CA key is %d bits, minimum is %d", key.N.BitLen(), MinKeyBits)
	}

	return &LocalAuthority{caCert: cert, caKey: key, caPEM: certPEM}, nil
}

func (a *LocalAuthority) CACertPEM() []byte { return a.caPEM }

func (a *LocalAuthority) IssueClientCertificate(commonName string, keyBits int, validity time.Duration) ([]byte, []byte, string, error) {
	if keyBits < MinKeyBits {
		return nil, nil, "", fmt.Errorf("client key size %d below minimum %d", keyBits, MinKeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, "", fmt.Errorf("generate client key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, "", err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"pairgate"},
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, "", fmt.Errorf("sign client certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return certPEM, keyPEM, Fingerprint(der), nil
}

// Fingerprint computes the SHA-256 fingerprint of a DER certificate as
// colon-separated lowercase hex.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	encoded := hex.EncodeToString(sum[:])
	parts := make([]string, 0, len(encoded)/2)
	for i := 0; i < len(encoded); i += 2 {
		parts = append(parts, encoded[i:i+2])
	}
	return strings.Join(parts, ":")
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
