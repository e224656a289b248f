// Package registry is the versioned artifact store behind the training
// pipeline. Every (target, segment) key owns a monotonically increasing
// version sequence; exactly one version per key is current, superseded
// versions are retired in place and never deleted. Publishing happens
// inside a single BoltDB transaction, so the current pointer only ever
// moves after the full artifact is durably written and readers never
// see a partial publish.
package registry

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	versionsBucket = "versions" // "<key>/<version>" -> artifact JSON
	currentBucket  = "current"  // "<key>" -> big-endian version number
)

var (
	ErrLockHeld   = errors.New("training lock already held for key")
	ErrNoCurrent  = errors.New("no current version for key")
	ErrNoPrevious = errors.New("no previous version to roll back to")
)

// Key identifies one registry slot: a target plus a segment scope.
// SegmentID -1 means global.
type Key struct {
	Target    string `json:"target"`
	SegmentID int    `json:"segment_id"`
}

func (k Key) String() string {
	if k.SegmentID < 0 {
		return k.Target + "/global"
	}
	return fmt.Sprintf("%s/segment-%d", k.Target, k.SegmentID)
}

// Artifact is one published version. Payload is an opaque JSON blob
// owned by the publisher (ensemble spec, segmentation rules, baseline
// snapshot reference and so on).
type Artifact struct {
	Key         Key             `json:"key"`
	Version     uint64          `json:"version"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"` // current | retired
	Fingerprint string          `json:"fingerprint"`
	BaselineRef string          `json:"baseline_ref,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Registry is the bbolt-backed store plus the per-key training locks.
// Locks are process-level by design: the training pipeline is the only
// writer and a second concurrent attempt must be rejected, not queued.
type Registry struct {
	db *bbolt.DB

	mu    sync.Mutex
	locks map[string]bool
}

// Open creates or opens the registry database under dataPath.
func Open(dataPath string) (*Registry, error) {
	dbPath := filepath.Join(dataPath, "model-registry.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(versionsBucket)); err != nil {
			return fmt.Errorf("create versions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(currentBucket)); err != nil {
			return fmt.Errorf("create current bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Registry{db: db, locks: make(map[string]bool)}, nil
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Lock takes the training lock for a key. A held lock means another
// training job owns this (segment, target) pair; callers must treat
// ErrLockHeld as a rejection, not wait.
func (r *Registry) Lock(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[key.String()] {
		return fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	r.locks[key.String()] = true
	return nil
}

// Unlock releases a training lock. Unlocking an unheld key is a no-op.
func (r *Registry) Unlock(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, key.String())
}

// Publish writes a new version and swaps the current pointer in one
// transaction. The previous current version is retired, not removed.
// The caller should hold the key's training lock.
func (r *Registry) Publish(key Key, kind, fingerprint, baselineRef string, payload interface{}) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("publish %s: marshal payload: %w", key, err)
	}

	var version uint64
	err = r.db.Update(func(tx *bbolt.Tx) error {
		versions := tx.Bucket([]byte(versionsBucket))
		current := tx.Bucket([]byte(currentBucket))

		prev := current.Get([]byte(key.String()))
		version = 1
		if prev != nil {
			version = binary.BigEndian.Uint64(prev) + 1

			// Retire the outgoing version in place.
			prevKey := versionKey(key, binary.BigEndian.Uint64(prev))
			if data := versions.Get(prevKey); data != nil {
				var old Artifact
				if err := json.Unmarshal(data, &old); err == nil {
					old.Status = "retired"
					if updated, err := json.Marshal(old); err == nil {
						if err := versions.Put(prevKey, updated); err != nil {
							return err
						}
					}
				}
			}
		}

		art := Artifact{
			Key:         key,
			Version:     version,
			Kind:        kind,
			Status:      "current",
			Fingerprint: fingerprint,
			BaselineRef: baselineRef,
			Payload:     raw,
			CreatedAt:   time.Now().UTC(),
		}
		data, err := json.Marshal(art)
		if err != nil {
			return fmt.Errorf("marshal artifact: %w", err)
		}
		if err := versions.Put(versionKey(key, version), data); err != nil {
			return fmt.Errorf("write artifact: %w", err)
		}

		// Pointer swap last, inside the same transaction.
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, version)
		return current.Put([]byte(key.String()), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", key, err)
	}

	log.Info().Str("key", key.String()).Uint64("version", version).Str("kind", kind).Msg("artifact published")
	return version, nil
}

// GetCurrent returns the current version for a key.
func (r *Registry) GetCurrent(key Key) (*Artifact, error) {
	var art *Artifact
	err := r.db.View(func(tx *bbolt.Tx) error {
		current := tx.Bucket([]byte(currentBucket))
		ptr := current.Get([]byte(key.String()))
		if ptr == nil {
			return fmt.Errorf("%w: %s", ErrNoCurrent, key)
		}
		version := binary.BigEndian.Uint64(ptr)

		data := tx.Bucket([]byte(versionsBucket)).Get(versionKey(key, version))
		if data == nil {
			return fmt.Errorf("registry corrupt: current pointer %s@%d has no artifact", key, version)
		}
		art = &Artifact{}
		return json.Unmarshal(data, art)
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// GetVersion fetches one specific version of a key.
func (r *Registry) GetVersion(key Key, version uint64) (*Artifact, error) {
	var art *Artifact
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(versionsBucket)).Get(versionKey(key, version))
		if data == nil {
			return fmt.Errorf("no artifact %s@%d", key, version)
		}
		art = &Artifact{}
		return json.Unmarshal(data, art)
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// ListVersions returns every stored version of a key, oldest first.
func (r *Registry) ListVersions(key Key) ([]Artifact, error) {
	var out []Artifact
	prefix := []byte(key.String() + "@")
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(versionsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var art Artifact
			if err := json.Unmarshal(v, &art); err != nil {
				continue // skip malformed records
			}
			out = append(out, art)
		}
		return nil
	})
	return out, err
}

// Rollback moves the current pointer back to the previous version,
// retiring the one being rolled away from.
func (r *Registry) Rollback(key Key) (uint64, error) {
	cur, err := r.GetCurrent(key)
	if err != nil {
		return 0, err
	}
	if cur.Version < 2 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrevious, key)
	}
	target := cur.Version - 1

	err = r.db.Update(func(tx *bbolt.Tx) error {
		versions := tx.Bucket([]byte(versionsBucket))

		data := versions.Get(versionKey(key, target))
		if data == nil {
			return fmt.Errorf("no artifact %s@%d", key, target)
		}
		var restored Artifact
		if err := json.Unmarshal(data, &restored); err != nil {
			return err
		}
		restored.Status = "current"
		if updated, err := json.Marshal(restored); err == nil {
			if err := versions.Put(versionKey(key, target), updated); err != nil {
				return err
			}
		}

		cur.Status = "retired"
		if updated, err := json.Marshal(cur); err == nil {
			if err := versions.Put(versionKey(key, cur.Version), updated); err != nil {
				return err
			}
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, target)
		return tx.Bucket([]byte(currentBucket)).Put([]byte(key.String()), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("rollback %s: %w", key, err)
	}

	log.Warn().Str("key", key.String()).Uint64("to_version", target).Msg("registry rolled back")
	return target, nil
}

// Keys lists every key that has a current version.
func (r *Registry) Keys() ([]string, error) {
	var out []string
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(currentBucket)).ForEach(func(k, v []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func versionKey(key Key, version uint64) []byte {
	return []byte(fmt.Sprintf("%s@%016d", key.String(), version))
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
