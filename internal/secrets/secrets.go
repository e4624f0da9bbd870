// Package secrets provides the pepper used for token and API key hashing.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const secretBytes = 32

// Provider supplies the hashing pepper. Implementations are selected
// explicitly by configuration; a fallback between them is a caller decision
// and must be logged, never silent.
type Provider interface {
	Load() ([]byte, error)
	// Durable reports whether the secret survives a process restart.
	Durable() bool
}

// FileProvider stores the pepper in a file with 0600 permissions, creating
// it on first use.
type FileProvider struct {
	Path string
}

func (p *FileProvider) Load() ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if err == nil {
		secret, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("decode secret file %s: %w", p.Path, decErr)
		}
		if len(secret) < secretBytes {
			return nil, fmt.Errorf("secret file %s holds %d bytes, want at least %d", p.Path, len(secret), secretBytes)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret file %s: %w", p.Path, err)
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(p.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create secret dir: %w", err)
		}
	}
	encoded := base64.StdEncoding.EncodeToString(secret) + "\n"
	if err := os.WriteFile(p.Path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write secret file %s: %w", p.Path, err)
	}
	return secret, nil
}

func (p *FileProvider) Durable() bool { return true }

// MemoryProvider generates an ephemeral pepper. Tokens hashed with it do not
// survive a restart.
type MemoryProvider struct {
	secret []byte
}

func (p *MemoryProvider) Load() ([]byte, error) {
	if p.secret == nil {
		p.secret = make([]byte, secretBytes)
		if _, err := rand.Read(p.secret); err != nil {
			return nil, err
		}
	}
	return p.secret, nil
}

func (p *MemoryProvider) Durable() bool { return false }
