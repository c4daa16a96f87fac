// Package state persists which collection items have already been
// downloaded, so a later run skips them. Updates are transactional and
// synced before a worker reports completion, keeping the record consistent
// with what is actually on disk across crashes.
package state

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Record is stored as JSON so older stores with extra fields keep loading:
// unknown fields are ignored on decode.
type Record struct {
	Status      Status    `json:"status"`
	LastAttempt time.Time `json:"last_attempt"`
	Destination string    `json:"destination,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

var itemsBucketName = []byte("items")

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	opts := &bbolt.Options{ //nolint:exhaustruct
		NoFreelistSync: true,
		ReadOnly:       false,
		Timeout:        1 * time.Second,
		NoGrowSync:     false,
		FreelistType:   bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if nil != err {
		return nil, fmt.Errorf("failed to open state database: %v", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(itemsBucketName); nil != err {
			return fmt.Errorf("failed to create items bucket: %v", err)
		}

		return nil
	})
	if nil != err {
		return nil, fmt.Errorf("failed to create buckets: %v", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); nil != err {
		return fmt.Errorf("failed to close state database: %v", err)
	}

	return nil
}

func (s *Store) Get(id string) (*Record, bool, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(itemsBucketName).Get([]byte(id))
		if raw == nil {
			return nil
		}

		var r Record
		if err := json.Unmarshal(raw, &r); nil != err {
			return fmt.Errorf("failed to decode record for item %s: %v", id, err)
		}
		rec = &r

		return nil
	})
	if nil != err {
		return nil, false, fmt.Errorf("failed to load record: %v", err)
	}

	return rec, rec != nil, nil
}

func (s *Store) IsComplete(id string) (bool, error) {
	rec, ok, err := s.Get(id)
	if nil != err {
		return false, err
	}

	return ok && rec.Status == StatusComplete, nil
}

// MarkPending records that an item was dispatched for download. Called on
// first encounter of an identifier; a later completion or terminal failure
// overwrites it.
func (s *Store) MarkPending(id string) error {
	return s.put(id, Record{ //nolint:exhaustruct
		Status:      StatusPending,
		LastAttempt: time.Now().UTC(),
	})
}

func (s *Store) MarkComplete(id, destination string) error {
	return s.put(id, Record{ //nolint:exhaustruct
		Status:      StatusComplete,
		LastAttempt: time.Now().UTC(),
		Destination: destination,
	})
}

func (s *Store) MarkFailed(id, reason string) error {
	return s.put(id, Record{ //nolint:exhaustruct
		Status:      StatusFailed,
		LastAttempt: time.Now().UTC(),
		Reason:      reason,
	})
}

func (s *Store) put(id string, rec Record) error {
	raw, err := json.Marshal(rec)
	if nil != err {
		return fmt.Errorf("failed to encode record for item %s: %v", id, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(itemsBucketName).Put([]byte(id), raw); nil != err {
			return fmt.Errorf("failed to store record for item %s: %v", id, err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to store record: %v", err)
	}

	return nil
}

// Reset drops every record. Invoked only by an explicit user command; the
// sync engine itself never deletes records.
func (s *Store) Reset() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(itemsBucketName); nil != err {
			return fmt.Errorf("failed to delete items bucket: %v", err)
		}

		if _, err := tx.CreateBucket(itemsBucketName); nil != err {
			return fmt.Errorf("failed to recreate items bucket: %v", err)
		}

		return nil
	})
	if nil != err {
		return fmt.Errorf("failed to reset state: %v", err)
	}

	return nil
}

// Counts reports how many records exist per status.
func (s *Store) Counts() (map[Status]int, error) {
	counts := make(map[Status]int, 3)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(itemsBucketName).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); nil != err {
				return fmt.Errorf("failed to decode record for item %s: %v", string(k), err)
			}
			counts[r.Status]++

			return nil
		})
	})
	if nil != err {
		return nil, fmt.Errorf("failed to count records: %v", err)
	}

	return counts, nil
}
