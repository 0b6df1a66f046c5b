// Package journal persists executed batches in a local bbolt database.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"basebot/internal/domain"
)

const batchesBucketName = "batches"

var ErrStoreClosed = errors.New("journal is closed")

// Record is one journaled batch: a summary plus the full report.
type Record struct {
	Seq       uint64                    `json:"seq"`
	BatchID   string                    `json:"batchId"`
	StartedAt time.Time                 `json:"startedAt"`
	Duration  time.Duration             `json:"duration"`
	Results   int                       `json:"results"`
	Failures  int                       `json:"failures"`
	Verdicts  map[string]domain.Verdict `json:"verdicts,omitempty"`
	Report    json.RawMessage           `json:"report"`
}

type Store struct {
	mu         sync.RWMutex
	db         *bolt.DB
	maxEntries int
	closed     bool
}

// Open opens or creates the journal at path. maxEntries bounds how many
// batches are kept; the oldest are pruned first.
func Open(path string, maxEntries int) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("journal path is required")
	}
	if maxEntries <= 0 {
		maxEntries = domain.DefaultJournalMaxEntries
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(batchesBucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Store{db: db, maxEntries: maxEntries}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Append stores a report and prunes the journal down to its limit.
func (s *Store) Append(report domain.Report) (Record, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return Record{}, fmt.Errorf("encode report: %w", err)
	}
	record := Record{
		BatchID:   report.BatchID,
		StartedAt: report.StartedAt,
		Duration:  report.Duration,
		Results:   len(report.Results),
		Verdicts:  report.Verdicts,
		Report:    raw,
	}
	for _, res := range report.Results {
		if !res.OK() {
			record.Failures++
		}
	}

	err = s.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(batchesBucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		record.Seq = seq
		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := bucket.Put(seqKey(seq), value); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		return prune(bucket, s.maxEntries)
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// History returns up to limit records, newest first. A non-positive limit
// returns everything kept.
func (s *Store) History(limit int) ([]Record, error) {
	var out []Record
	err := s.view(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(batchesBucketName)).Cursor()
		for key, value := cursor.Last(); key != nil; key, value = cursor.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			var record Record
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("decode record %d: %w", binary.BigEndian.Uint64(key), err)
			}
			out = append(out, record)
		}
		return nil
	})
	return out, err
}

// Get returns the record for a batch ID.
func (s *Store) Get(batchID string) (Record, bool, error) {
	var (
		found  Record
		exists bool
	)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(batchesBucketName)).ForEach(func(_, value []byte) error {
			if exists {
				return nil
			}
			var record Record
			if err := json.Unmarshal(value, &record); err != nil {
				return err
			}
			if record.BatchID == batchID {
				found, exists = record, true
			}
			return nil
		})
	})
	return found, exists, err
}

func (s *Store) Len() (int, error) {
	var n int
	err := s.view(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket([]byte(batchesBucketName)))
		return nil
	})
	return n, err
}

func prune(bucket *bolt.Bucket, maxEntries int) error {
	excess := countKeys(bucket) - maxEntries
	if excess <= 0 {
		return nil
	}
	var keys [][]byte
	cursor := bucket.Cursor()
	for key, _ := cursor.First(); key != nil && len(keys) < excess; key, _ = cursor.Next() {
		keys = append(keys, append([]byte(nil), key...))
	}
	for _, key := range keys {
		if err := bucket.Delete(key); err != nil {
			return fmt.Errorf("prune record: %w", err)
		}
	}
	return nil
}

// countKeys walks the bucket with a cursor so uncommitted writes in the
// current transaction are included.
func countKeys(bucket *bolt.Bucket) int {
	n := 0
	cursor := bucket.Cursor()
	for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
		n++
	}
	return n
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}
