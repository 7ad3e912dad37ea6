package storage

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/raine/authsession/internal/credentials"
	_ "modernc.org/sqlite"
)

const keyCheckPlaintext = "authsession"

// ErrWrongPassphrase is returned when the passphrase does not match the one
// the database was created with.
var ErrWrongPassphrase = errors.New("wrong passphrase for credentials database")

// StoredCredentials is a persisted credential pair for one profile.
type StoredCredentials struct {
	Profile     string
	Identity    string
	Pair        credentials.Pair
	LastUpdated time.Time
}

// CredentialStore defines the interface for credential persistence.
type CredentialStore interface {
	Get(profile string) (*StoredCredentials, error)
	Save(c *StoredCredentials) error
	Delete(profile string) error
	GetAll() ([]StoredCredentials, error)
	Close() error

	RecordEvent(profile, kind, detail string) error
	ListEvents(profile string, limit int) ([]Event, error)
	PruneEvents(olderThan time.Duration) (int64, error)
}

// SQLiteStore implements CredentialStore using SQLite with encrypted tokens.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex
}

// NewSQLiteStore opens or creates the credentials database at dbPath. The
// encryption key is derived from passphrase with a salt kept in the database.
func NewSQLiteStore(dbPath, passphrase string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.unlock(passphrase); err != nil {
		db.Close()
		return nil, err
	}

	// Owner-only, the file holds session tokens.
	if dbPath != ":memory:" {
		_ = os.Chmod(dbPath, 0600)
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []struct {
		name  string
		query string
	}{
		{"store_meta", `
		CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`},
		{"credentials", `
		CREATE TABLE IF NOT EXISTS credentials (
			profile TEXT PRIMARY KEY,
			identity TEXT NOT NULL DEFAULT '',
			encrypted_pair TEXT NOT NULL,
			last_updated DATETIME NOT NULL
		);`},
		{"session_events", `
		CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`},
		{"session_events index", `
		CREATE INDEX IF NOT EXISTS idx_session_events_profile ON session_events(profile, created_at);`},
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st.query); err != nil {
			return fmt.Errorf("failed to create %s table: %w", st.name, err)
		}
	}
	return nil
}

// unlock derives the encryption key. The first open stores a fresh salt and
// an encrypted check value; later opens verify the passphrase against it.
func (s *SQLiteStore) unlock(passphrase string) error {
	salt, err := s.getMeta("salt")
	if err != nil {
		return err
	}

	if salt == "" {
		raw, err := NewSalt()
		if err != nil {
			return err
		}
		key, err := DeriveKey(passphrase, raw)
		if err != nil {
			return err
		}
		check, err := Encrypt([]byte(keyCheckPlaintext), key)
		if err != nil {
			return err
		}
		if err := s.setMeta("salt", base64.StdEncoding.EncodeToString(raw)); err != nil {
			return err
		}
		if err := s.setMeta("key_check", check); err != nil {
			return err
		}
		s.encryptionKey = key
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return fmt.Errorf("failed to decode salt: %w", err)
	}
	key, err := DeriveKey(passphrase, raw)
	if err != nil {
		return err
	}
	check, err := s.getMeta("key_check")
	if err != nil {
		return err
	}
	if plain, err := Decrypt(check, key); err != nil || string(plain) != keyCheckPlaintext {
		return ErrWrongPassphrase
	}
	s.encryptionKey = key
	return nil
}

func (s *SQLiteStore) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM store_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query store_meta: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) setMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write store_meta: %w", err)
	}
	return nil
}

// Get returns the credentials saved for profile, or nil if there are none.
func (s *SQLiteStore) Get(profile string) (*StoredCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var identity, encryptedPair string
	var lastUpdated time.Time

	err := s.db.QueryRow(
		"SELECT identity, encrypted_pair, last_updated FROM credentials WHERE profile = ?",
		profile,
	).Scan(&identity, &encryptedPair, &lastUpdated)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}

	pair, err := s.decryptPair(encryptedPair)
	if err != nil {
		return nil, err
	}

	return &StoredCredentials{
		Profile:     profile,
		Identity:    identity,
		Pair:        pair,
		LastUpdated: lastUpdated,
	}, nil
}

func (s *SQLiteStore) Save(c *StoredCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairJSON, err := json.Marshal(c.Pair)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	encryptedPair, err := Encrypt(pairJSON, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	c.LastUpdated = time.Now()

	_, err = s.db.Exec(`
		INSERT INTO credentials (profile, identity, encrypted_pair, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET
			identity = CASE WHEN excluded.identity = '' THEN credentials.identity ELSE excluded.identity END,
			encrypted_pair = excluded.encrypted_pair,
			last_updated = excluded.last_updated
	`, c.Profile, c.Identity, encryptedPair, c.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM credentials WHERE profile = ?", profile); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// GetAll returns every saved profile ordered by name.
func (s *SQLiteStore) GetAll() ([]StoredCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT profile, identity, encrypted_pair, last_updated FROM credentials ORDER BY profile")
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var all []StoredCredentials
	for rows.Next() {
		var profile, identity, encryptedPair string
		var lastUpdated time.Time

		if err := rows.Scan(&profile, &identity, &encryptedPair, &lastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		pair, err := s.decryptPair(encryptedPair)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", profile, err)
		}
		all = append(all, StoredCredentials{
			Profile:     profile,
			Identity:    identity,
			Pair:        pair,
			LastUpdated: lastUpdated,
		})
	}
	return all, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) decryptPair(encoded string) (credentials.Pair, error) {
	var pair credentials.Pair
	pairJSON, err := Decrypt(encoded, s.encryptionKey)
	if err != nil {
		return pair, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	if err := json.Unmarshal(pairJSON, &pair); err != nil {
		return pair, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return pair, nil
}
