package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"cstorm/internal/config"
	"cstorm/internal/driver"
)

const bucketRuns = "runs"

// Record is one archived run: the config it ran with and the verdict it
// produced. Kept so regressions can be compared against earlier runs of
// the same scenario.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Config    config.Config  `json:"config"`
	Verdict   driver.Verdict `json:"verdict"`
}

type Store struct {
	db *bbolt.DB
}

// DefaultPath is ~/.cstorm/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".cstorm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save archives one run. Keys sort by timestamp so List can walk the
// cursor backwards for newest-first.
func (s *Store) Save(rec Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d_%s", rec.Timestamp.UnixNano(), rec.ID)
		return b.Put([]byte(key), data)
	})
}

// List returns archived runs, newest first.
func (s *Store) List() ([]Record, error) {
	var items []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err == nil {
				items = append(items, rec)
			}
		}
		return nil
	})
	return items, err
}

// Get looks a run up by its ID.
func (s *Store) Get(id string) (*Record, error) {
	var found *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.ID == id {
				found = &rec
				return nil
			}
		}
		return fmt.Errorf("run %s not found", id)
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
