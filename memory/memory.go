// Package memory implements the persistent session memory of spec.md
// section 4.8: the last-delivered signature and a durable queue of
// product indices reported missed but not yet requested, bridging a
// downstream receiver's process restarts.
package memory

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/UVA-High-Speed-Networks/FMTP-LDM7/wire"
)

var (
	metaBucket   = []byte("meta")
	missedBucket = []byte("missed")
	lastSigKey   = []byte("last_signature")
)

// Store is one (sender, feed) pair's persistent session memory, backed by
// a bolt database file (adapted from peer/boltsaver.go's bucket-per-
// concern layout). Every mutating call commits synchronously, so a crash
// between "detected missing" and "requested" never loses the request and
// the on-disk record is never partial (spec.md section 9's durability
// open question, resolved in SPEC_FULL.md section D.6).
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if needed) the session memory file for a
// (sourceID, feed) pair.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("memory: path must not be empty")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("memory: opening %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("memory: create meta bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(missedBucket); err != nil {
			return fmt.Errorf("memory: create missed bucket: %w", err)
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SetLastSignature atomically replaces the last-delivered-product
// signature. Per spec.md testable property 5, callers must never invoke
// this with a signature older than the current one within one process
// lifetime; Store does not itself reorder history across process
// restarts (it is, by design, just a replace), but session.Supervisor
// only calls this from the single finalize path, so monotonicity holds by
// construction.
func (s *Store) SetLastSignature(sig wire.Signature) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		return b.Put(lastSigKey, sig[:])
	})
}

// GetLastSignature returns the previous session's last-delivered
// signature, if any.
func (s *Store) GetLastSignature() (wire.Signature, bool, error) {
	var sig wire.Signature
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		v := b.Get(lastSigKey)
		if v == nil {
			return nil
		}
		if len(v) != wire.SignatureLen {
			return fmt.Errorf("memory: corrupt last_signature record, length %d", len(v))
		}
		copy(sig[:], v)
		found = true
		return nil
	})
	return sig, found, err
}

// EnqueueMissed durably records that productIndex was detected missing
// but has not yet been requested, so a crash between detection and
// request does not lose the request (spec.md section 4.8).
func (s *Store) EnqueueMissed(productIndex uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(missedBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, productIndex)
		return b.Put(key, val)
	})
}

// DequeueMissed removes and returns the oldest not-yet-requested missed
// index, if any.
func (s *Store) DequeueMissed() (uint32, bool, error) {
	var idx uint32
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(missedBucket)
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		idx = binary.BigEndian.Uint32(v)
		found = true
		return b.Delete(k)
	})
	return idx, found, err
}

// PendingMissedCount reports how many missed indices are still queued,
// mostly useful for tests and diagnostics.
func (s *Store) PendingMissedCount() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(missedBucket).Stats().KeyN
		return nil
	})
	return n, err
}
