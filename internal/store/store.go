// Package store persists project state in a single bbolt database: the
// impression cache, merge records and the unreachable-object log used by
// garbage collection.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/celebichrono/celebi/internal/cas"
	"github.com/celebichrono/celebi/internal/diffmerge"
	"github.com/celebichrono/celebi/internal/graph"
	"github.com/celebichrono/celebi/internal/impression"
)

// Buckets
var (
	BucketImpressions = []byte("impressions") // node id -> JSON impression.Entry
	BucketMerges      = []byte("merges")      // created-at nanos || id -> JSON MergeRecord
	BucketUnreachable = []byte("unreachable") // object hash -> first-seen unix seconds
)

var ErrNotFound = errors.New("not found")

type DB struct{ *bbolt.DB }

var (
	_ diffmerge.Recorder        = (*DB)(nil)
	_ impression.UnreachableLog = (*DB)(nil)
)

func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{BucketImpressions, BucketMerges, BucketUnreachable} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &DB{db}, nil
}

func (db *DB) Close() error { return db.DB.Close() }

// LoadImpressions reads the whole impression cache.
func (db *DB) LoadImpressions() (impression.Snapshot, error) {
	snap := make(impression.Snapshot)
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketImpressions).ForEach(func(k, v []byte) error {
			var e impression.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt impression entry %q: %w", k, err)
			}
			snap[graph.NodeID(k)] = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ApplyImpressions writes updated entries and removes deleted ones in a
// single transaction.
func (db *DB) ApplyImpressions(updated impression.Snapshot, deleted []graph.NodeID) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketImpressions)
		for _, id := range updated.IDs() {
			data, err := json.Marshal(updated[id])
			if err != nil {
				return fmt.Errorf("failed to marshal impression entry: %w", err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		for _, id := range deleted {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// mergeKey orders records chronologically under a cursor.
func mergeKey(rec *diffmerge.MergeRecord) []byte {
	key := binary.BigEndian.AppendUint64(nil, uint64(rec.CreatedAt.UnixNano()))
	return append(key, rec.ID...)
}

// SaveMerge stores a merge record.
func (db *DB) SaveMerge(rec *diffmerge.MergeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal merge record: %w", err)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketMerges).Put(mergeKey(rec), data)
	})
}

// ListMerges returns up to limit records, newest first. A limit of zero or
// less returns all of them.
func (db *DB) ListMerges(limit int) ([]*diffmerge.MergeRecord, error) {
	var out []*diffmerge.MergeRecord
	err := db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(BucketMerges).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec diffmerge.MergeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt merge record: %w", err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// GetMerge finds a record by id or unambiguous id prefix.
func (db *DB) GetMerge(prefix string) (*diffmerge.MergeRecord, error) {
	if prefix == "" {
		return nil, fmt.Errorf("merge %q: %w", prefix, ErrNotFound)
	}
	all, err := db.ListMerges(0)
	if err != nil {
		return nil, err
	}
	var found *diffmerge.MergeRecord
	for _, rec := range all {
		if rec.ID == prefix {
			return rec, nil
		}
		if len(rec.ID) > len(prefix) && rec.ID[:len(prefix)] == prefix {
			if found != nil {
				return nil, fmt.Errorf("merge id prefix %q is ambiguous", prefix)
			}
			found = rec
		}
	}
	if found == nil {
		return nil, fmt.Errorf("merge %q: %w", prefix, ErrNotFound)
	}
	return found, nil
}

// FirstSeen returns the unreachable-object log.
func (db *DB) FirstSeen() (map[cas.Hash]time.Time, error) {
	seen := make(map[cas.Hash]time.Time)
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketUnreachable).ForEach(func(k, v []byte) error {
			if len(k) != len(cas.Hash{}) || len(v) != 8 {
				return fmt.Errorf("corrupt unreachable entry %x", k)
			}
			seen[cas.Hash(k)] = time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return seen, nil
}

// ReplaceFirstSeen swaps the unreachable-object log in one transaction.
func (db *DB) ReplaceFirstSeen(seen map[cas.Hash]time.Time) error {
	hashes := make([]cas.Hash, 0, len(seen))
	for h := range seen {
		hashes = append(hashes, h)
	}
	slices.SortFunc(hashes, cas.Hash.Compare)

	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(BucketUnreachable); err != nil {
			return err
		}
		b, err := tx.CreateBucket(BucketUnreachable)
		if err != nil {
			return err
		}
		for _, h := range hashes {
			v := binary.BigEndian.AppendUint64(nil, uint64(seen[h].Unix()))
			if err := b.Put(h[:], v); err != nil {
				return err
			}
		}
		return nil
	})
}
