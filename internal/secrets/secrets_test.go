package secrets

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestFileProviderCreatesSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairgate.secret")
	p := &FileProvider{Path: path}

	secret, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("secret length = %d, want 32", len(secret))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("secret file not created: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Errorf("secret file mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestFileProviderStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairgate.secret")

	first, err := (&FileProvider{Path: path}).Load()
	if err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	second, err := (&FileProvider{Path: path}).Load()
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}

	if string(first) != string(second) {
		t.Error("reloaded secret differs from the created one")
	}
	if !(&FileProvider{Path: path}).Durable() {
		t.Error("FileProvider should report durable")
	}
}

func TestFileProviderRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairgate.secret")
	if err := os.WriteFile(path, []byte("not base64 !!!"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := (&FileProvider{Path: path}).Load(); err == nil {
		t.Error("Load should fail on a corrupt secret file")
	}
}

func TestFileProviderRejectsShortSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairgate.secret")
	// 8 bytes, valid base64 but far below the minimum.
	if err := os.WriteFile(path, []byte("QUJDREVGR0g=\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := (&FileProvider{Path: path}).Load(); err == nil {
		t.Error("Load should reject an undersized secret")
	}
}

func TestMemoryProvider(t *testing.T) {
	p := &MemoryProvider{}

	first, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(first) != 32 {
		t.Errorf("secret length = %d, want 32", len(first))
	}

	second, err := p.Load()
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if string(first) != string(second) {
		t.Error("the same provider should return a stable secret")
	}

	if p.Durable() {
		t.Error("MemoryProvider should not report durable")
	}

	other, err := (&MemoryProvider{}).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(first) == string(other) {
		t.Error("distinct providers should generate distinct secrets")
	}
}
