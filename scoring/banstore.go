package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"peerguard/storage"
)

var banKeyPrefix = []byte("ban:")

// BanEntry is the persisted form of one ban list entry.
type BanEntry struct {
	Target  string    `json:"target"`
	AddedAt time.Time `json:"addedAt"`
}

// BanStore persists the administrator ban list so it survives restarts.
type BanStore interface {
	Save(entry BanEntry) error
	Delete(target string) error
	Load() ([]BanEntry, error)
}

// DBBanStore keeps ban entries in a storage.Database as JSON values under the
// "ban:" prefix.
type DBBanStore struct {
	db storage.Database
}

// NewDBBanStore wraps db. The caller keeps ownership of db.
func NewDBBanStore(db storage.Database) (*DBBanStore, error) {
	if db == nil {
		return nil, errors.New("scoring: ban store database required")
	}
	return &DBBanStore{db: db}, nil
}

func banKey(target string) []byte {
	key := make([]byte, 0, len(banKeyPrefix)+len(target))
	key = append(key, banKeyPrefix...)
	return append(key, target...)
}

// Save writes entry, replacing any previous entry for the same target.
func (s *DBBanStore) Save(entry BanEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ban %s: %w", entry.Target, err)
	}
	if err := s.db.Put(banKey(entry.Target), raw); err != nil {
		return fmt.Errorf("persist ban %s: %w", entry.Target, err)
	}
	return nil
}

// Delete removes the entry for target if present.
func (s *DBBanStore) Delete(target string) error {
	if err := s.db.Delete(banKey(target)); err != nil {
		return fmt.Errorf("delete ban %s: %w", target, err)
	}
	return nil
}

// Load returns every readable persisted entry in key order. Entries that do not
// decode are skipped and reported together in an error wrapping
// ErrCorruptBanEntry, alongside the entries that did load.
func (s *DBBanStore) Load() ([]BanEntry, error) {
	var (
		entries []BanEntry
		corrupt []error
	)
	err := s.db.ForEach(banKeyPrefix, func(key, value []byte) error {
		var entry BanEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			corrupt = append(corrupt, fmt.Errorf("%w: %s: %v", ErrCorruptBanEntry, key, err))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, errors.Join(corrupt...)
}
