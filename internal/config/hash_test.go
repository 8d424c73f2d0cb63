package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const lockableYAML = `
webhooks:
  endpoints:
    - {path: /hooks/rp, provider: razorpay, secret: a}
`

func TestLockConfigWritesManifest(t *testing.T) {
	path := writeConfig(t, lockableYAML)

	checksumPath, err := LockConfig(path)
	if err != nil {
		t.Fatalf("LockConfig() failed: %v", err)
	}
	if checksumPath != filepath.Join(filepath.Dir(path), ChecksumFile) {
		t.Fatalf("checksumPath = %q", checksumPath)
	}

	manifest, err := LoadChecksums(filepath.Dir(path))
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	want, _ := ComputeBlake3Hash(path)
	if manifest.Hashes["config.yaml"] != want {
		t.Fatalf("manifest hash = %q, want %q", manifest.Hashes["config.yaml"], want)
	}
}

func TestVerifyConfigFileWithoutManifest(t *testing.T) {
	path := writeConfig(t, lockableYAML)
	if err := VerifyConfigFile(path); !errors.Is(err, ErrNoChecksums) {
		t.Fatalf("VerifyConfigFile() = %v, want ErrNoChecksums", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() without manifest should succeed: %v", err)
	}
}

func TestLoadRejectsTamperedConfig(t *testing.T) {
	path := writeConfig(t, lockableYAML)
	if _, err := LockConfig(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(lockableYAML+"\nservice:\n  log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
	if !errors.Is(err, ErrUnverified) {
		t.Fatalf("Load() error = %v, want ErrUnverified", err)
	}
}

func TestLoadChecksumsRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("version: 7\nhashes: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil {
		t.Fatal("expected unsupported version error")
	}
}
