package cache

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bsrv.cache")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLastSuccess_AbsentIsNotFoundNotError(t *testing.T) {
	c := openTemp(t)
	_, found, err := c.LastSuccess(uuid.New())
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetThenGet_RoundTrips(t *testing.T) {
	c := openTemp(t)
	id := uuid.New()
	want := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, c.SetLastSuccess(id, want))
	got, found, err := c.LastSuccess(id)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, want.Equal(got))
}

func TestSetLastSuccess_OverwritesPreviousValue(t *testing.T) {
	c := openTemp(t)
	id := uuid.New()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.SetLastSuccess(id, first))
	require.NoError(t, c.SetLastSuccess(id, second))

	got, found, err := c.LastSuccess(id)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, second.Equal(got))
}

func TestAcquireLock_UnheldSucceeds(t *testing.T) {
	c := openTemp(t)
	ok, err := c.AcquireLock(uuid.New())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireLock_SameInstanceReacquires(t *testing.T) {
	c := openTemp(t)
	id := uuid.New()
	ok, err := c.AcquireLock(id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireLock(id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireLock_OtherInstanceBlockedUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bsrv.cache")
	c1, err := Open(path)
	require.NoError(t, err)
	defer c1.Close()

	id := uuid.New()
	ok, err := c1.AcquireLock(id)
	require.NoError(t, err)
	require.True(t, ok)

	// bbolt holds an exclusive file lock per open handle, so a second Open
	// of the same file would time out; the second instance is a Cache with
	// its own instanceID over the same database handle.
	c2 := &Cache{db: c1.db, instanceID: uuid.New().String()}
	require.NotEqual(t, c1.instanceID, c2.instanceID)

	ok, err = c2.AcquireLock(id)
	require.NoError(t, err)
	require.False(t, ok, "a second instance must not take a lock still held by the first")

	require.NoError(t, c1.ReleaseLock(id))

	ok, err = c2.AcquireLock(id)
	require.NoError(t, err)
	require.True(t, ok, "releasing the first instance's lock must free it for the second")
}

func TestAcquireLock_ExpiredLockIsStolen(t *testing.T) {
	c := openTemp(t)
	id := uuid.New()

	staleAt := time.Now().Add(-2 * lockExpiryTime)
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		return b.Put(id[:], []byte(fmt.Sprintf("some-other-instance:%d", staleAt.UnixNano())))
	})
	require.NoError(t, err)

	ok, acquireErr := c.AcquireLock(id)
	require.NoError(t, acquireErr)
	require.True(t, ok, "a lock past its expiry must be stealable")
}

func TestReleaseLock_NoopWhenUnheld(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.ReleaseLock(uuid.New()))
}

func TestReopen_PersistsAcrossClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bsrv.cache")
	id := uuid.New()
	want := time.Date(2024, 3, 3, 3, 3, 3, 0, time.UTC)

	c1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c1.SetLastSuccess(id, want))
	require.NoError(t, c1.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	got, found, err := c2.LastSuccess(id)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, want.Equal(got))
}
