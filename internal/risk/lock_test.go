package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_SecondAcquireFailsUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")

	lock, err := AcquireLock(path, time.Hour)
	require.NoError(t, err)

	_, err = AcquireLock(path, time.Hour)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release())

	lock2, err := AcquireLock(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestAcquireLock_ReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")

	_, err := AcquireLock(path, time.Hour)
	require.NoError(t, err)

	staleTime := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, staleTime, staleTime))

	lock2, err := AcquireLock(path, time.Hour)
	require.NoError(t, err, "a lock older than the stale window must be reclaimed")
	require.NoError(t, lock2.Release())
}
