package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.reader-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	progressBucket = []byte("progress")
	tokenKey       = []byte("token")
	deviceIDKey    = []byte("device_id")
)

// ProgressRecord is the locally known reading position for one book.
// Position is stored in plain form here; the sync client compresses it
// for the wire. UpdatedAt is the client capture time in milliseconds and
// is the ordering key for conflict resolution, never server receipt time.
type ProgressRecord struct {
	BookID     string  `json:"book_id"`
	Position   string  `json:"position"`
	Percentage float64 `json:"percentage"`
	PageNumber int     `json:"page_number,omitempty"`
	ChapterID  string  `json:"chapter_id,omitempty"`
	UpdatedAt  int64   `json:"updated_at"`
	DeviceID   string  `json:"device_id"`

	// Synced is true once the server has acknowledged this exact record,
	// either by accepting a push or by a pull overwriting it with server
	// state. A rejected push leaves it false; the next pull reconciles.
	Synced bool `json:"synced"`
}

// State wraps a bbolt database for all persistent client state. Writes
// are all-or-nothing per record: bbolt commits a whole transaction or
// none of it, so a storage failure never leaves a partial record behind.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.reader-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(progressBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns the persistent identifier of this device installation,
// generating and storing one on first use. The check and the write run in
// a single transaction so concurrent first calls cannot mint two IDs.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	return id, nil
}

// Token returns the cached authentication token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the authentication token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// GetProgress returns the progress record for a book, or nil if not found.
func (s *State) GetProgress(bookID string) (*ProgressRecord, error) {
	var rec *ProgressRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(progressBucket)

		v := b.Get([]byte(bookID))
		if v == nil {
			return nil
		}

		rec = &ProgressRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// PutProgress persists the progress record for a book, replacing any
// prior record for that book.
func (s *State) PutProgress(rec ProgressRecord) error {
	if rec.BookID == "" {
		return fmt.Errorf("progress record has empty book id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(progressBucket).Put([]byte(rec.BookID), data)
	})
}

// AllProgress returns all stored progress records, keyed by book ID.
func (s *State) AllProgress() (map[string]ProgressRecord, error) {
	result := make(map[string]ProgressRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(progressBucket)

		return b.ForEach(func(k, v []byte) error {
			var rec ProgressRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})

	return result, err
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".reader-sync", "state.db")
}
