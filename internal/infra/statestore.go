// Package infra implements infrastructure concerns (storage, network, OS).
package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/sentinelkids/agent/internal/domain"
)

const stateDBName = "state.db"

// EncryptedStateStore implements domain.StateStore using a SQLCipher
// encrypted SQLite database. The policy snapshot and enforcement flags
// live in a child-accessible directory, so they stay encrypted at rest.
type EncryptedStateStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStateStore opens (or creates) the encrypted state
// database. The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStateStore(dataDir string, key []byte) (*EncryptedStateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStateStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedStateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value for key, or ok=false if absent.
func (s *EncryptedStateStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set writes one key.
func (s *EncryptedStateStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO state (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, value, time.Now().UnixMilli())
	return err
}

// SetMany writes all pairs inside one transaction, so a concurrent
// reader observes either all old or all new values for these keys.
func (s *EncryptedStateStore) SetMany(pairs map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for key, value := range pairs {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO state (key, value, updated_at)
			VALUES (?, ?, ?)`,
			key, value, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Delete removes keys. Missing keys are not an error.
func (s *EncryptedStateStore) Delete(keys ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := tx.Exec(`DELETE FROM state WHERE key = ?`, key); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close releases the database connection.
func (s *EncryptedStateStore) Close() error {
	return s.db.Close()
}

// GetDBPath returns the database file path (for tests).
func (s *EncryptedStateStore) GetDBPath() string {
	return s.dbPath
}

var _ domain.StateStore = (*EncryptedStateStore)(nil)
