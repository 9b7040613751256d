package keyring

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Ilingu/ilix/internal/core"
)

func testKeyring(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open keyring: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := testKeyring(t)

	if err := s.Set("key_phrase_abc", "alpha-beta-gamma"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get("key_phrase_abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "alpha-beta-gamma" {
		t.Errorf("got %q, want %q", got, "alpha-beta-gamma")
	}
}

func TestGetMissingRef(t *testing.T) {
	s := testKeyring(t)
	if _, err := s.Get("nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want core.ErrNotFound", err)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := testKeyring(t)

	if err := s.Set(DeviceIDKey, "first"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(DeviceIDKey, "second"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.Get(DeviceIDKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "second" {
		t.Errorf("got %q, want %q", got, "second")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := testKeyring(t)

	if err := s.Set("ref", "value"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete("ref"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("ref"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want core.ErrNotFound", err)
	}
	if err := s.Delete("ref"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyring.db")

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(DeviceIDKey, "stable-device-id"); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	s2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(DeviceIDKey)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got != "stable-device-id" {
		t.Errorf("got %q, want %q", got, "stable-device-id")
	}
}

func TestValuesAreSealedOnDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyring.db")

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	secret := "super-secret-twenty-word-phrase"
	if err := s.Set("key_phrase_x", secret); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read db file: %v", err)
	}
	if strings.Contains(string(raw), secret) {
		t.Error("plaintext secret found in database file")
	}
}

func TestKeyPhraseRef(t *testing.T) {
	ref := KeyPhraseRef("one-two-three")
	if !strings.HasPrefix(ref, "key_phrase_") {
		t.Errorf("ref %q missing prefix", ref)
	}
	if ref == "key_phrase_one-two-three" {
		t.Error("ref must not embed the plaintext key-phrase")
	}
	if ref != KeyPhraseRef("one-two-three") {
		t.Error("ref derivation must be deterministic")
	}
	if ref == KeyPhraseRef("other-phrase") {
		t.Error("distinct key-phrases must get distinct refs")
	}
}
