package tiled

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"go.plinth.dev/core/tiled/backup"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStagesAreIdempotent(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 4096), 0600))

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true})
	fillAt(t, f, 0, bytes.Repeat([]byte{'w'}, 512))

	var stages = []func() (StageResult, error){
		func() (StageResult, error) { return f.FinishBackup(1, true) },
		func() (StageResult, error) { return f.SyncBackup(true) },
		func() (StageResult, error) { return f.StartWrites() },
		func() (StageResult, error) { return f.FinishWrites(true) },
		func() (StageResult, error) { return f.RemoveBackup() },
	}
	for _, stage := range stages {
		var r, err = stage()
		require.NoError(t, err)
		require.Equal(t, StageDone, r)

		// Case: a completed stage reports it already ran.
		r, err = stage()
		require.NoError(t, err)
		require.Equal(t, StageAlready, r)
	}
	require.False(t, f.Checkpointing())
	require.Zero(t, f.DirtyTiles())
	require.Equal(t, bytes.Repeat([]byte{'w'}, 512), peekDisk(t, path, 0, 512))

	// An empty checkpoint runs cleanly end to end.
	driveCheckpoint(t, f, 2, false)
	require.NoError(t, f.Close())
}

func TestNonTransactionalCheckpointSkipsBackupStages(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	var f = openTestFile(t, newTestPool(t), path, FileOptions{})
	fillAt(t, f, 0, []byte("no backups here"))

	var r, err = f.FinishBackup(1, true)
	require.NoError(t, err)
	require.Equal(t, StageAlready, r)
	r, err = f.SyncBackup(false)
	require.NoError(t, err)
	require.Equal(t, StageAlready, r)

	r, err = f.StartWrites()
	require.NoError(t, err)
	require.Equal(t, StageDone, r)
	r, err = f.FinishWrites(true)
	require.NoError(t, err)
	require.Equal(t, StageDone, r)
	require.False(t, f.Checkpointing())

	r, err = f.RemoveBackup()
	require.NoError(t, err)
	require.Equal(t, StageAlready, r)

	require.Equal(t, []byte("no backups here"), peekDisk(t, path, 0, 15))
	require.NoError(t, f.Close())
}

func TestStartWritesRequiresBackupStagesFirst(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 4096), 0600))

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true})
	require.Panics(t, func() { f.StartWrites() })
	require.NoError(t, f.Close())
}

func TestRecoverRestoresPreviousGeneration(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 4096), 0600))
	var bfs = afero.NewMemMapFs()

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})
	fillAt(t, f, 0, bytes.Repeat([]byte{'w'}, 512))

	// The checkpoint reaches write-back and then crashes: the mapping holds
	// new bytes, and the published backup their pre-images.
	var _, err = f.FinishBackup(7, true)
	require.NoError(t, err)
	_, err = f.SyncBackup(true)
	require.NoError(t, err)
	_, err = f.StartWrites()
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{'w'}, 512), peekDisk(t, path, 0, 512))

	var f2 = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})
	applied, err := f2.Recover(7)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, bytes.Repeat([]byte{'v'}, 512), readAt(t, f2, 0, 512))
	require.Equal(t, bytes.Repeat([]byte{'v'}, 512), peekDisk(t, path, 0, 512))

	// Case: the consumed backup is gone; a second recovery applies nothing.
	applied, err = f2.Recover(7)
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, f2.Close())
}

func TestRecoverIgnoresStaleBackup(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 4096), 0600))
	var bfs = afero.NewMemMapFs()

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})
	fillAt(t, f, 0, bytes.Repeat([]byte{'w'}, 512))

	var _, err = f.FinishBackup(7, true)
	require.NoError(t, err)
	_, err = f.SyncBackup(true)
	require.NoError(t, err)
	_, err = f.StartWrites()
	require.NoError(t, err)
	_, err = f.FinishWrites(true)
	require.NoError(t, err)

	// The crash follows the store's durable-horizon advance: the backup
	// protects a horizon which recovery has already superseded.
	var f2 = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})
	applied, err := f2.Recover(8)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, bytes.Repeat([]byte{'w'}, 512), readAt(t, f2, 0, 512))

	exists, err := afero.Exists(bfs, f2.backupLog.PublishedPath())
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, f2.Close())
}

func TestRedirtyDuringCheckpointPreservesGenerations(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'a'}, 4096), 0600))
	var bfs = afero.NewMemMapFs()

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})

	// Generation one writes 'b'. While its checkpoint is in flight the page
	// is re-dirtied with 'c', so its bits are scheduled and dirty at once.
	fillAt(t, f, 0, bytes.Repeat([]byte{'b'}, 512))
	var _, err = f.FinishBackup(0, true)
	require.NoError(t, err)
	_, err = f.SyncBackup(true)
	require.NoError(t, err)

	fillAt(t, f, 0, bytes.Repeat([]byte{'c'}, 512))
	require.NotZero(t, f.tiles[0].scheduledBits&f.tiles[0].dirtyBits)

	_, err = f.StartWrites()
	require.NoError(t, err)
	_, err = f.FinishWrites(true)
	require.NoError(t, err)
	_, err = f.RemoveBackup()
	require.NoError(t, err)

	// Generation one committed 'b'; 'c' remains dirty and in memory only.
	require.Equal(t, bytes.Repeat([]byte{'b'}, 512), peekDisk(t, path, 0, 512))
	require.Equal(t, bytes.Repeat([]byte{'c'}, 512), readAt(t, f, 0, 512))
	require.Equal(t, 1, f.DirtyTiles())

	// Generation two's checkpoint reaches write-back and crashes. Its
	// backup must hold 'b', the prior committed image, as the pre-image.
	_, err = f.FinishBackup(1, true)
	require.NoError(t, err)
	_, err = f.SyncBackup(true)
	require.NoError(t, err)
	_, err = f.StartWrites()
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{'c'}, 512), peekDisk(t, path, 0, 512))

	var f2 = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})
	applied, err := f2.Recover(1)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, bytes.Repeat([]byte{'b'}, 512), readAt(t, f2, 0, 512))
	require.NoError(t, f2.Close())
}

func TestBackupCaptureFailureIsCaughtUp(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 4096), 0600))
	var bfs = &flakyFs{Fs: afero.NewMemMapFs()}

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})

	// The eager capture of page 0 fails; the write itself proceeds.
	bfs.failOpenFile = true
	fillAt(t, f, 0, bytes.Repeat([]byte{'w'}, 512))
	require.True(t, f.backupDeferred)
	require.False(t, f.backupLog.HasActive())

	// The next write first rebuilds the backup from every dirty page.
	bfs.failOpenFile = false
	fillAt(t, f, 512, bytes.Repeat([]byte{'x'}, 512))
	require.False(t, f.backupDeferred)
	require.True(t, f.backupLog.HasActive())

	var _, err = f.FinishBackup(3, true)
	require.NoError(t, err)
	_, err = f.SyncBackup(true)
	require.NoError(t, err)
	_, err = f.StartWrites()
	require.NoError(t, err)

	// Recovery restores both pages, including the one whose eager capture
	// had failed.
	var f2 = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})
	applied, err := f2.Recover(3)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, bytes.Repeat([]byte{'v'}, 1024), readAt(t, f2, 0, 1024))
	require.NoError(t, f2.Close())
}

func TestSparseCheckpointBacksUpOnlyTouchedPages(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 3*4096), 0600))
	var bfs = afero.NewMemMapFs()

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true, BackupFs: bfs})
	fillAt(t, f, 0, bytes.Repeat([]byte{'w'}, 512))
	fillAt(t, f, 2*4096, bytes.Repeat([]byte{'x'}, 512))
	require.Equal(t, 2, f.DirtyTiles())

	var _, err = f.FinishBackup(4, true)
	require.NoError(t, err)
	_, err = f.SyncBackup(true)
	require.NoError(t, err)

	// The published backup holds exactly the two touched pages; the
	// untouched middle tile contributes nothing.
	info, err := backup.Inspect(bfs, f.backupLog.PublishedPath())
	require.NoError(t, err)
	require.Equal(t, int64(4), info.Horizon)
	require.Equal(t, int64(2), info.Records)
	require.Equal(t, int64(1024), info.PreImageBytes)

	_, err = f.StartWrites()
	require.NoError(t, err)
	_, err = f.FinishWrites(true)
	require.NoError(t, err)
	_, err = f.RemoveBackup()
	require.NoError(t, err)

	exists, err := afero.Exists(bfs, f.backupLog.PublishedPath())
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, f.Close())
}

func TestBrokenFileFailsFast(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 4096), 0600))

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true})
	f.markBroken(errors.New("boom"))

	var _, _, err = f.Get(0, 1, false)
	require.Equal(t, ErrFileBroken, err)
	_, _, err = f.Alloc(0, 1)
	require.Equal(t, ErrFileBroken, err)
	require.Equal(t, ErrFileBroken, f.Stretch())
	require.Equal(t, ErrFileBroken, f.DiscardDirty())
	require.Nil(t, f.Peek(0, 1))

	var _, errRecover = f.Recover(1)
	require.Equal(t, ErrFileBroken, errRecover)

	var stages = []func() (StageResult, error){
		func() (StageResult, error) { return f.FinishBackup(1, false) },
		func() (StageResult, error) { return f.SyncBackup(false) },
		func() (StageResult, error) { return f.StartWrites() },
		func() (StageResult, error) { return f.FinishWrites(false) },
		func() (StageResult, error) { return f.RemoveBackup() },
	}
	for _, stage := range stages {
		var r, errStage = stage()
		require.Equal(t, StageMore, r)
		require.Equal(t, ErrFileBroken, errStage)
	}
	require.NoError(t, f.Close())
}

func TestCheckpointGuardsConflictingOperations(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'v'}, 4096), 0600))

	var f = openTestFile(t, newTestPool(t), path, FileOptions{Transactional: true})
	fillAt(t, f, 0, bytes.Repeat([]byte{'w'}, 512))

	var _, err = f.FinishBackup(1, false)
	require.NoError(t, err)

	require.Equal(t, ErrCheckpointInProgress, f.DiscardDirty())
	var _, errRecover = f.Recover(1)
	require.Equal(t, ErrCheckpointInProgress, errRecover)
	require.Equal(t, ErrCheckpointInProgress, f.Close())

	_, err = f.SyncBackup(true)
	require.NoError(t, err)
	_, err = f.StartWrites()
	require.NoError(t, err)
	_, err = f.FinishWrites(true)
	require.NoError(t, err)
	_, err = f.RemoveBackup()
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// flakyFs injects OpenFile failures, defeating backup file creation.
type flakyFs struct {
	afero.Fs
	failOpenFile bool
}

func (f *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.failOpenFile {
		return nil, errors.New("injected open failure")
	}
	return f.Fs.OpenFile(name, flag, perm)
}
