// Package cache persists small pieces of state — chiefly each job's last
// successful run time — across daemon restarts, using a bbolt file as the
// backing store.
package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLastSuccess = []byte("last_success")
	bucketStat        = []byte("stat")
	bucketLocks       = []byte("locks")
	statKey           = []byte("stat_dt")
)

// lockExpiryTime bounds how long an advisory lock survives an instance
// that died without releasing it: another instance pointed at the same
// base_dir can steal the lock once it's older than this.
const lockExpiryTime = 5 * time.Minute

// Cache wraps a bbolt database file. The zero value is not usable; build
// one with Open.
type Cache struct {
	db         *bolt.DB
	instanceID string
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// buckets this package needs exist. A missing file is not an error: bbolt
// creates it, matching the reference cache's "absence means empty" stance.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLastSuccess); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketStat); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: create buckets")
	}
	return &Cache{db: db, instanceID: uuid.New().String()}, nil
}

// Close releases the underlying file handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// LastSuccess returns the last recorded successful-run time for jobID, and
// false if none has ever been recorded (e.g. first run, or a cache file
// that did not exist before Open).
func (c *Cache) LastSuccess(jobID uuid.UUID) (time.Time, bool, error) {
	var (
		t     time.Time
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLastSuccess).Get(jobID[:])
		if raw == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return errors.Wrapf(err, "cache: corrupt last_success entry for %s", jobID)
		}
		t, found = parsed, true
		return nil
	})
	return t, found, err
}

// SetLastSuccess records t as jobID's last successful run, flushing to disk
// synchronously before returning.
func (c *Cache) SetLastSuccess(jobID uuid.UUID, t time.Time) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLastSuccess).Put(jobID[:], []byte(t.Format(time.RFC3339Nano)))
	})
}

// LastStatRun returns the last time a companion stat-collection pass
// touched the cache, for diagnostics shared with a future out-of-process
// stat service that reads this same file.
func (c *Cache) LastStatRun() (time.Time, bool, error) {
	var (
		t     time.Time
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketStat).Get(statKey)
		if raw == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return errors.Wrap(err, "cache: corrupt stat_dt entry")
		}
		t, found = parsed, true
		return nil
	})
	return t, found, err
}

// RecordStatRun stamps the current stat-collection pass time.
func (c *Cache) RecordStatRun(t time.Time) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStat).Put(statKey, []byte(t.Format(time.RFC3339Nano)))
	})
}

func formatLockInfo(instanceID string) string {
	return fmt.Sprintf("%s:%d", instanceID, time.Now().UnixNano())
}

func parseLockInfo(raw []byte) (instanceID string, lockedAt time.Time, err error) {
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", time.Time{}, errors.New("cache: malformed lock entry")
	}
	lockedAtNano, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "cache: malformed lock timestamp")
	}
	return parts[0], time.Unix(0, lockedAtNano), nil
}

// AcquireLock takes the advisory lock for jobID, guarding a job worker's
// last-success write against another daemon instance pointed at the same
// base_dir racing the same job. Succeeds if unheld, already held by this
// instance, or expired past lockExpiryTime; reports false if another live
// instance holds it.
func (c *Cache) AcquireLock(jobID uuid.UUID) (bool, error) {
	var acquired bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := jobID[:]
		current := b.Get(key)
		if current == nil {
			acquired = true
			return b.Put(key, []byte(formatLockInfo(c.instanceID)))
		}
		heldBy, lockedAt, err := parseLockInfo(current)
		if err != nil {
			return err
		}
		if heldBy == c.instanceID || time.Since(lockedAt) > lockExpiryTime {
			acquired = true
			return b.Put(key, []byte(formatLockInfo(c.instanceID)))
		}
		acquired = false
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLock releases jobID's lock if this instance holds it — a lock
// another instance took over (after expiry) is left alone. An entry that
// cannot be parsed is deleted whoever wrote it.
func (c *Cache) ReleaseLock(jobID uuid.UUID) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		key := jobID[:]
		current := b.Get(key)
		if current == nil {
			return nil
		}
		heldBy, _, err := parseLockInfo(current)
		if err != nil {
			return b.Delete(key)
		}
		if heldBy == c.instanceID {
			return b.Delete(key)
		}
		return nil
	})
}
