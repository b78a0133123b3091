// Package store provides the embedded ordered key-value engine that backs
// every secondary index in the system.
//
// A single bbolt database file is the one on-disk artifact (spec §6). Each
// canonical key prefix from the key-layout table (mt:, tr:, or:, us:, in:,
// kl:) gets its own top-level bucket, so a "prefix scan" is a cursor walk
// over one bucket instead of a keyspace-wide walk — the ":"-joined human-
// readable key is still the on-disk key *within* that bucket, preserving
// the "human-inspectable" design goal from the key layout.
//
// batch_apply is the only mutation primitive higher layers use; it is
// realized as a single bbolt read-write transaction, which commits all
// operations atomically or none (Update returns an error and the whole
// transaction rolls back).
package store

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Prefix names the canonical buckets from the key layout table (§4.A).
type Prefix string

const (
	PrefixTokens    Prefix = "mt"
	PrefixEvents    Prefix = "tr"
	PrefixOrders    Prefix = "or"
	PrefixUserLog   Prefix = "us"
	PrefixTokenInfo Prefix = "in"
	PrefixCandles   Prefix = "kl"
)

var allPrefixes = []Prefix{
	PrefixTokens, PrefixEvents, PrefixOrders, PrefixUserLog, PrefixTokenInfo, PrefixCandles,
}

// Direction controls scan order.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Op is one mutation within a Batch.
type Op struct {
	Prefix Prefix
	Key    []byte
	Value  []byte // ignored when Delete is set
	Delete bool   // true stages a delete of Key
}

// Batch is an ordered list of operations applied atomically by BatchApply.
type Batch struct {
	ops []Op
}

// Put stages a put operation.
func (b *Batch) Put(prefix Prefix, key, value []byte) {
	b.ops = append(b.ops, Op{Prefix: prefix, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

// Delete stages a delete operation.
func (b *Batch) Delete(prefix Prefix, key []byte) {
	b.ops = append(b.ops, Op{Prefix: prefix, Key: append([]byte(nil), key...), Delete: true})
}

// Len reports how many operations are staged.
func (b *Batch) Len() int { return len(b.ops) }

// Store is the embedded ordered KV engine. Safe for concurrent use: reads
// run in bbolt View transactions (multiple readers, no blocking), writes
// run in Update transactions (bbolt serializes writers internally).
type Store struct {
	db *bolt.DB
}

// Open creates/opens the bbolt database file at path, creating every
// canonical bucket up front so Get/Scan never need a bucket-exists check.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, p := range allPrefixes {
			if _, err := tx.CreateBucketIfNotExists([]byte(p)); err != nil {
				return fmt.Errorf("create bucket %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats exposes bbolt's internal counters for the status endpoint (§4.G).
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}

// Get reads a single key. Returns (nil, false, nil) if absent.
func (s *Store) Get(prefix Prefix, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(prefix))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Put writes a single key outside of a batch (used sparingly; the Indexer
// always prefers BatchApply so an event's full mutation set commits atomically).
func (s *Store) Put(prefix Prefix, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(prefix)).Put(key, value)
	})
}

// Delete removes a single key.
func (s *Store) Delete(prefix Prefix, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(prefix)).Delete(key)
	})
}

// BatchApply commits every staged operation in one atomic transaction.
func (s *Store) BatchApply(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range b.ops {
			bucket := tx.Bucket([]byte(op.Prefix))
			if bucket == nil {
				return fmt.Errorf("unknown bucket %s", op.Prefix)
			}
			if op.Delete {
				if err := bucket.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// KV is one key/value pair returned from a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Scan walks keys with the given byte prefix inside one bucket, starting at
// fromKey (inclusive) if non-nil, returning at most limit entries in the
// requested direction. This is the one primitive every Query operation and
// every Bus backfill is built on.
func (s *Store) Scan(prefix Prefix, keyPrefix []byte, fromKey []byte, limit int, dir Direction) ([]KV, error) {
	var results []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(prefix))
		if b == nil {
			return nil
		}
		c := b.Cursor()

		var k, v []byte
		if dir == Forward {
			if fromKey != nil {
				k, v = c.Seek(fromKey)
			} else {
				k, v = c.Seek(keyPrefix)
			}
			for ; k != nil && bytes.HasPrefix(k, keyPrefix); k, v = c.Next() {
				if limit > 0 && len(results) >= limit {
					return nil
				}
				results = append(results, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
			}
			return nil
		}

		// Reverse: seek to the key just past the prefix range, then step back.
		upperBound := prefixUpperBound(keyPrefix)
		if fromKey != nil {
			k, v = c.Seek(fromKey)
			if k == nil {
				k, v = c.Last()
			} else if !bytes.Equal(k, fromKey) {
				k, v = c.Prev()
			}
		} else if upperBound != nil {
			k, v = c.Seek(upperBound)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && bytes.HasPrefix(k, keyPrefix); k, v = c.Prev() {
			if limit > 0 && len(results) >= limit {
				return nil
			}
			results = append(results, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	return results, err
}

// prefixUpperBound returns the smallest key greater than every key sharing
// keyPrefix, or nil if keyPrefix is all 0xff (scans to the bucket's end).
func prefixUpperBound(keyPrefix []byte) []byte {
	upper := append([]byte(nil), keyPrefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
