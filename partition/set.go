package partition

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.plinth.dev/core/tiled"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// FileSpec names one tiled file of a partition Set.
type FileSpec struct {
	// Name of the file within the partition directory.
	Name string
	// Transactional enables pre-image capture and full five-stage
	// checkpoints for the file.
	Transactional bool
	// InitialMapBytes overrides the pool's bulk-mapping floor (optional).
	InitialMapBytes int64
}

// SetOptions configures an open Set.
type SetOptions struct {
	// Pool configures the tile pool shared by the Set's files.
	Pool tiled.Options
	// Files to open within the partition directory.
	Files []FileSpec
	// Fs holds backup logs and the horizon marker. It defaults to the OS
	// filesystem. The tiled files themselves are always OS files, as they
	// are memory-mapped.
	Fs afero.Fs
	// SyncDirs syncs the partition directory on marker and backup
	// publication renames.
	SyncDirs bool
	// PollInterval between non-blocking checkpoint stage polls.
	PollInterval time.Duration
}

// Validate returns an error if the SetOptions are not well-formed.
func (o SetOptions) Validate() error {
	if len(o.Files) == 0 {
		return errors.New("expected at least one FileSpec")
	}
	var seen = make(map[string]struct{}, len(o.Files))
	for _, s := range o.Files {
		if s.Name == "" || s.Name != filepath.Base(s.Name) {
			return errors.Errorf("invalid file name %q", s.Name)
		}
		if _, ok := seen[s.Name]; ok {
			return errors.Errorf("duplicated file name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Set is the group of tiled files making up one store partition. Its files
// share one pool and one logical commit horizon: checkpoints run in
// lock-step across every file, and recovery on open rolls every file back
// to the partition's durable horizon.
type Set struct {
	dir   string
	fs    afero.Fs
	pool  *tiled.Pool
	files []*tiled.File
	sync  bool
	poll  time.Duration

	// horizon is the last fully completed checkpoint. pending is the horizon
	// of a checkpoint still in flight (zero if none), and marked is whether
	// its horizon marker has been persisted.
	horizon int64
	pending int64
	marked  bool
}

// Open opens the partition Set rooted at |dir|, creating files as needed,
// and recovers files left behind by an interrupted checkpoint: published
// backup logs at or above the marker horizon are replayed and consumed. A
// failed replay aborts the open.
func Open(dir string, opts SetOptions) (*Set, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	if err := opts.Fs.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	var pool, err = tiled.NewPool(opts.Pool)
	if err != nil {
		return nil, err
	}
	var s = &Set{
		dir:  dir,
		fs:   opts.Fs,
		pool: pool,
		sync: opts.SyncDirs,
		poll: opts.PollInterval,
	}
	s.horizon = readMarker(opts.Fs, filepath.Join(dir, MarkerName))

	for _, spec := range opts.Files {
		var f *tiled.File
		if f, err = tiled.Open(pool, filepath.Join(dir, spec.Name), tiled.FileOptions{
			Transactional:   spec.Transactional,
			InitialMapBytes: spec.InitialMapBytes,
			BackupFs:        opts.Fs,
			SyncBackupDir:   opts.SyncDirs,
		}); err != nil {
			_ = s.closeFiles()
			return nil, err
		}
		s.files = append(s.files, f)
	}
	// Roll files back to the durable horizon. Files recover independently,
	// each applying only its own published backup.
	var g errgroup.Group
	for _, f := range s.files {
		var f = f
		g.Go(func() error {
			var applied, err = f.Recover(s.horizon)
			if err != nil {
				return errors.WithMessagef(err, "recovering %s", f.Path())
			}
			if applied {
				recoveriesTotal.Inc()
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		_ = s.closeFiles()
		return nil, err
	}
	log.WithFields(log.Fields{"dir": dir, "files": len(s.files), "horizon": s.horizon}).
		Info("opened partition")
	return s, nil
}

// File returns the Set's file named |name|, or nil.
func (s *Set) File(name string) *tiled.File {
	for _, f := range s.files {
		if filepath.Base(f.Path()) == name {
			return f
		}
	}
	return nil
}

// Horizon returns the partition's durable commit horizon.
func (s *Set) Horizon() int64 { return s.horizon }

// Pool returns the Set's shared tile pool.
func (s *Set) Pool() *tiled.Pool { return s.pool }

// Checkpoint drives every file of the Set through one checkpoint, making
// all modifications since the last checkpoint durable and advancing the
// partition's horizon to |horizon|. Each stage runs on every file before
// any file proceeds to the next: a published backup must remain applicable
// for as long as any sibling file could still require recovery to the same
// horizon. The marker is persisted once all writes are durable, so a crash
// on either side of it recovers consistently: before, backups roll every
// file back to the old horizon; after, they are stale and discarded.
//
// A failed Checkpoint leaves every stage cursor where it stopped. Until the
// marker has been persisted, the same horizon must be retried: each file
// froze its page set when its backup finished, so a later horizon cannot
// cover writes made since. Once the marker is durable a retry, or the next
// Checkpoint at a later horizon, completes the remaining backup removal.
func (s *Set) Checkpoint(ctx context.Context, horizon int64, hardSync bool) error {
	if horizon <= s.horizon {
		return errors.Errorf("horizon %d must advance past %d", horizon, s.horizon)
	}
	if s.pending != 0 && horizon != s.pending {
		if !s.marked {
			return errors.Errorf("checkpoint at horizon %d must complete before %d may begin",
				s.pending, horizon)
		}
		// The prior checkpoint stopped after its marker was persisted: its
		// writes are durable and its backups stale. Finish removing them,
		// then begin the new generation.
		if err := s.finish(); err != nil {
			return err
		}
		if horizon <= s.horizon {
			return errors.Errorf("horizon %d must advance past %d", horizon, s.horizon)
		}
	}
	s.pending = horizon

	// Backups are stamped with the horizon their pre-images restore: the
	// partition's current durable point.
	for _, f := range s.files {
		if _, err := f.FinishBackup(s.horizon, hardSync); err != nil {
			return errors.WithMessagef(err, "finishing backup of %s", f.Path())
		}
	}
	var err = s.driveAll(ctx, "backup sync", func(f *tiled.File) (tiled.StageResult, error) {
		return f.SyncBackup(false)
	})
	if err != nil {
		return err
	}
	for _, f := range s.files {
		if _, err = f.StartWrites(); err != nil {
			return errors.WithMessagef(err, "starting writes of %s", f.Path())
		}
	}
	err = s.driveAll(ctx, "write sync", func(f *tiled.File) (tiled.StageResult, error) {
		return f.FinishWrites(false)
	})
	if err != nil {
		return err
	}
	if !s.marked {
		if err = writeMarker(s.fs, filepath.Join(s.dir, MarkerName), horizon, s.sync); err != nil {
			return errors.WithMessage(err, "persisting horizon marker")
		}
		s.marked = true
	}
	return s.finish()
}

// finish removes every file's published backup and acknowledges the pending
// horizon. It runs only once that horizon's marker is durable: until then,
// published backups are the partition's sole rollback path.
func (s *Set) finish() error {
	for _, f := range s.files {
		if _, err := f.RemoveBackup(); err != nil {
			return errors.WithMessagef(err, "removing backup of %s", f.Path())
		}
	}
	s.horizon, s.pending, s.marked = s.pending, 0, false
	checkpointsTotal.Inc()
	log.WithFields(log.Fields{"dir": s.dir, "horizon": s.horizon}).Info("checkpoint complete")
	return nil
}

// driveAll polls |fn| across all files until none reports StageMore,
// overlapping the files' asynchronous syncs.
func (s *Set) driveAll(ctx context.Context, op string, fn func(*tiled.File) (tiled.StageResult, error)) error {
	for {
		var more bool
		for _, f := range s.files {
			switch r, err := fn(f); {
			case err != nil:
				return errors.WithMessagef(err, "%s of %s", op, f.Path())
			case r == tiled.StageMore:
				more = true
			}
		}
		if !more {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// FileStats describes one file of the Set.
type FileStats struct {
	Path          string
	Size          int64
	DirtyTiles    int
	Checkpointing bool
}

// SetStats is a point-in-time snapshot of the Set.
type SetStats struct {
	Horizon int64
	Pool    tiled.PoolStats
	Files   []FileStats
}

// Stats returns a snapshot of the Set and its pool.
func (s *Set) Stats() SetStats {
	var st = SetStats{Horizon: s.horizon, Pool: s.pool.Stats()}
	for _, f := range s.files {
		st.Files = append(st.Files, FileStats{
			Path:          f.Path(),
			Size:          f.Size(),
			DirtyTiles:    f.DirtyTiles(),
			Checkpointing: f.Checkpointing(),
		})
	}
	return st
}

// Close closes every file of the Set. Uncommitted modifications are
// discarded: drive a Checkpoint first to retain them.
func (s *Set) Close() error {
	return s.closeFiles()
}

func (s *Set) closeFiles() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			log.WithFields(log.Fields{"err": err, "path": f.Path()}).
				Warn("failed to close partition file")
			if first == nil {
				first = err
			}
		}
	}
	s.files = nil
	return first
}
