package async

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout  = 5 * time.Second
	pollInterval = time.Millisecond
)

func TestFsyncOfRealFile(t *testing.T) {
	var f, err = os.Create(filepath.Join(t.TempDir(), "a-file"))
	require.NoError(t, err)

	_, err = f.WriteString("some content")
	require.NoError(t, err)

	var s = Fsync(f)
	require.NoError(t, s.Err())
	require.True(t, s.Resolved())

	// The caller retains close responsibility after a join.
	require.NoError(t, f.Close())
}

func TestFdatasyncOfRealFile(t *testing.T) {
	var f, err = os.Create(filepath.Join(t.TempDir(), "a-file"))
	require.NoError(t, err)

	_, err = f.WriteString("other content")
	require.NoError(t, err)

	var s = Fdatasync(f)
	require.NoError(t, s.Err())
	require.NoError(t, f.Close())
}

// hookedFile stalls its Sync until released, and counts Closes.
type hookedFile struct {
	syncCh  chan error
	synced  atomic.Int32
	closed  atomic.Int32
	syncErr error
}

func (f *hookedFile) Sync() error {
	f.syncErr = <-f.syncCh
	f.synced.Add(1)
	return f.syncErr
}

func (f *hookedFile) Close() error {
	f.closed.Add(1)
	return nil
}

func TestDetachBeforeSyncCompletes(t *testing.T) {
	var f = &hookedFile{syncCh: make(chan error)}
	var s = Fsync(f)

	// Detach while the helper is still blocked in Sync.
	s.Detach()
	require.Equal(t, int32(0), f.closed.Load())

	// Release the helper; it must close the file itself.
	f.syncCh <- errors.New("discarded result")
	<-s.Done()

	require.Eventually(t, func() bool { return f.closed.Load() == 1 },
		waitTimeout, pollInterval)
}

func TestDetachAfterSyncCompletes(t *testing.T) {
	var f = &hookedFile{syncCh: make(chan error, 1)}
	f.syncCh <- nil

	var s = Fsync(f)
	require.NoError(t, s.Err())

	// The helper has resolved without closing; Detach closes in-line,
	// and is idempotent.
	s.Detach()
	s.Detach()
	require.Equal(t, int32(1), f.closed.Load())
}
