// Package storage persists the control-plane snapshot in BoltDB.
//
// Schema (bucket layout):
//
//	/stations  key: station id, value: JSON state.Station
//	/meters    key: meter id,   value: JSON state.Meter
//	/failsafe  key: station id, value: JSON state.FailSafeState
//	/meta      key: "schema_version" → "1", "saved_at" → RFC3339Nano
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers).
//   - Save replaces the full snapshot in one ACID transaction, so a
//     load never observes a half-written fleet.
//   - Reads use read-only transactions.
//
// Failure modes:
//   - File corruption is detected by bbolt on Open; the daemon refuses
//     to start (restore from backup).
//   - A failed Save is logged by the caller and retried on the next
//     mutation; in-memory state remains authoritative.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketStations = "stations"
	bucketMeters   = "meters"
	bucketFailSafe = "failsafe"
	bucketMeta     = "meta"
)

// DB wraps the BoltDB handle.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the snapshot database and ensures the bucket
// layout and schema version.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage.Open: mkdir %q: %w", filepath.Dir(path), err)
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %w", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketStations, bucketMeters, bucketFailSafe, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if v := meta.Get([]byte("schema_version")); v != nil && string(v) != SchemaVersion {
			return fmt.Errorf("unsupported schema version %q", v)
		}
		return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
	})
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("storage.Open: init: %w", err)
	}
	return &DB{db: bdb}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Persisted is the loadable snapshot content.
type Persisted struct {
	Stations []state.Station
	Meters   []state.Meter
	FailSafe map[string]state.FailSafeState
	SavedAt  time.Time
}

// Save replaces the persisted snapshot in one transaction.
func (d *DB) Save(snap state.Snapshot) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := replaceBucket(tx, bucketStations, func(b *bolt.Bucket) error {
			for _, st := range snap.Stations {
				data, err := json.Marshal(st)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(st.ID), data); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("save stations: %w", err)
		}
		if err := replaceBucket(tx, bucketMeters, func(b *bolt.Bucket) error {
			for _, m := range snap.Meters {
				data, err := json.Marshal(m)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(m.ID), data); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("save meters: %w", err)
		}
		if err := replaceBucket(tx, bucketFailSafe, func(b *bolt.Bucket) error {
			for id, fs := range snap.FailSafe {
				data, err := json.Marshal(fs)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(id), data); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("save failsafe: %w", err)
		}
		meta := tx.Bucket([]byte(bucketMeta))
		return meta.Put([]byte("saved_at"), []byte(time.Now().Format(time.RFC3339Nano)))
	})
}

// Load reads the persisted snapshot. An empty database returns empty
// slices, not an error.
func (d *DB) Load() (Persisted, error) {
	p := Persisted{FailSafe: make(map[string]state.FailSafeState)}
	err := d.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketStations)).ForEach(func(_, v []byte) error {
			var st state.Station
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			p.Stations = append(p.Stations, st)
			return nil
		}); err != nil {
			return fmt.Errorf("load stations: %w", err)
		}
		if err := tx.Bucket([]byte(bucketMeters)).ForEach(func(_, v []byte) error {
			var m state.Meter
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			p.Meters = append(p.Meters, m)
			return nil
		}); err != nil {
			return fmt.Errorf("load meters: %w", err)
		}
		if err := tx.Bucket([]byte(bucketFailSafe)).ForEach(func(k, v []byte) error {
			var fs state.FailSafeState
			if err := json.Unmarshal(v, &fs); err != nil {
				return err
			}
			p.FailSafe[string(k)] = fs
			return nil
		}); err != nil {
			return fmt.Errorf("load failsafe: %w", err)
		}
		if v := tx.Bucket([]byte(bucketMeta)).Get([]byte("saved_at")); v != nil {
			if t, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
				p.SavedAt = t
			}
		}
		return nil
	})
	return p, err
}

// Restore replays a persisted snapshot into the store. Stations come
// back offline until a driver observes them.
func Restore(ctx context.Context, p Persisted, store *state.Store) error {
	for _, st := range p.Stations {
		st.Status = state.StatusOffline
		st.Online = false
		if err := store.Apply(ctx, state.RegisterStation{Station: st}); err != nil {
			return fmt.Errorf("restore station %q: %w", st.ID, err)
		}
	}
	for _, m := range p.Meters {
		if err := store.Apply(ctx, state.RegisterMeter{Meter: m}); err != nil {
			return fmt.Errorf("restore meter %q: %w", m.ID, err)
		}
	}
	for id, fs := range p.FailSafe {
		fs.Active = false
		if err := store.Apply(ctx, state.SetFailSafeState{ID: id, State: fs}); err != nil {
			return fmt.Errorf("restore failsafe %q: %w", id, err)
		}
	}
	return nil
}

// replaceBucket drops and recreates a bucket, then fills it.
func replaceBucket(tx *bolt.Tx, name string, fill func(*bolt.Bucket) error) error {
	if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	b, err := tx.CreateBucket([]byte(name))
	if err != nil {
		return err
	}
	return fill(b)
}
