package keyring

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Ilingu/ilix/internal/core"
)

// SQLite is the durable Store implementation. Values are sealed with
// XChaCha20-Poly1305 under a per-install master key kept next to the
// database, so a copied db file alone leaks nothing.
type SQLite struct {
	db   *sql.DB
	seal func(value string) ([]byte, error)
	open func(sealed []byte) (string, error)
}

// Config for opening a keyring
type Config struct {
	Path     string // Path to database file
	InMemory bool   // Use in-memory database (for testing)
}

// Open opens or creates the keyring database.
func Open(cfg Config) (*SQLite, error) {
	var dsn string
	var keyPath string

	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create keyring directory: %w", err)
		}
		dsn = cfg.Path
		keyPath = cfg.Path + ".key"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open keyring database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS secrets (
			ref        TEXT PRIMARY KEY,
			sealed     BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create secrets table: %w", err)
	}

	master, err := loadOrCreateMasterKey(keyPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init seal cipher: %w", err)
	}

	s := &SQLite{db: db}
	s.seal = func(value string) ([]byte, error) {
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		return aead.Seal(nonce, nonce, []byte(value), nil), nil
	}
	s.open = func(sealed []byte) (string, error) {
		if len(sealed) < aead.NonceSize() {
			return "", errors.New("sealed value too short")
		}
		plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	}
	return s, nil
}

// loadOrCreateMasterKey reads the master key file or creates a fresh one.
// keyPath == "" (in-memory keyring) gets an ephemeral key.
func loadOrCreateMasterKey(keyPath string) ([]byte, error) {
	if keyPath != "" {
		if raw, err := os.ReadFile(keyPath); err == nil && len(raw) == chacha20poly1305.KeySize {
			return raw, nil
		}
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if keyPath != "" {
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("persist master key: %w", err)
		}
	}
	return key, nil
}

// Get returns the value stored under ref.
func (s *SQLite) Get(ref string) (string, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT sealed FROM secrets WHERE ref = ?`, ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read secret %q: %w", ref, err)
	}

	value, err := s.open(sealed)
	if err != nil {
		return "", fmt.Errorf("unseal secret %q: %w", ref, err)
	}
	return value, nil
}

// Set stores value under ref, overwriting any previous value.
func (s *SQLite) Set(ref, value string) error {
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("seal secret %q: %w", ref, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO secrets (ref, sealed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at
	`, ref, sealed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store secret %q: %w", ref, err)
	}
	return nil
}

// Delete removes ref from the keyring.
func (s *SQLite) Delete(ref string) error {
	if _, err := s.db.Exec(`DELETE FROM secrets WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("delete secret %q: %w", ref, err)
	}
	return nil
}

// Close closes the keyring database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
