package tiled

import (
	"container/list"
	"os"

	"go.plinth.dev/core/async"
	"go.plinth.dev/core/tiled/backup"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoEntry is returned by Get for a range beyond the end of the file.
	ErrNoEntry = errors.New("no such entry")
	// ErrFileBroken is returned by every operation on a File which suffered
	// a fatal I/O error on its main file.
	ErrFileBroken = errors.New("file is broken")
	// ErrCheckpointInProgress is returned by operations which require that
	// no checkpoint is in flight.
	ErrCheckpointInProgress = errors.New("checkpoint in progress")
)

// FileOptions configures an open File.
type FileOptions struct {
	// Transactional enables pre-image capture ahead of page writes, making
	// checkpoints of this file crash-consistent via its backup log.
	Transactional bool
	// InitialMapBytes overrides the pool's default bulk-mapping floor.
	InitialMapBytes int64
	// BackupFs is the filesystem holding backup log files. It defaults to
	// the OS filesystem. The main file is always an OS file, as it is
	// memory-mapped.
	BackupFs afero.Fs
	// SyncBackupDir additionally syncs the containing directory when a
	// backup log is published.
	SyncBackupDir bool
}

// File provides pinned byte-range access into one large, growing,
// memory-mapped file, and drives that file through crash-consistent
// checkpoints of its accumulated modifications. A File is single-mutator:
// calls on one File must be externally serialized.
type File struct {
	pool *Pool
	fd   *os.File
	path string

	// physicalSize is the file's size, kept a whole multiple of the tile
	// size via ftruncate.
	physicalSize int64
	// bulk maps the file's low-offset region in one mapping. Tiles under
	// bulkLen borrow slices of it rather than mapping individually.
	bulk    []byte
	bulkLen int64

	tiles     []*Tile
	dirty     list.List
	scheduled list.List

	transactional bool
	backupLog     *backup.Log
	// backupDeferred records an eager pre-image capture failure: the
	// active backup was discarded, and must be rebuilt from the dirty set
	// before the next checkpoint can flush.
	backupDeferred bool

	stage     checkpointStage
	horizon   int64
	writeSync *async.Sync

	bulkRefs int
	broken   bool
}

// Open opens or creates the tiled file at |path| against |pool|.
func Open(pool *Pool, path string, opts FileOptions) (*File, error) {
	if opts.BackupFs == nil {
		opts.BackupFs = afero.NewOsFs()
	}
	if opts.InitialMapBytes == 0 {
		opts.InitialMapBytes = pool.opts.InitialMapBytes
	}
	var fd, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "stat of %s", path)
	}
	var f = &File{
		pool:          pool,
		fd:            fd,
		path:          path,
		transactional: opts.Transactional,
	}
	if f.physicalSize = roundTile(fi.Size(), pool.opts.TileSize); f.physicalSize != fi.Size() {
		log.WithFields(log.Fields{"path": path, "size": fi.Size(), "rounded": f.physicalSize}).
			Warn("padding file to a whole tile")
		if err = unix.Ftruncate(int(fd.Fd()), f.physicalSize); err != nil {
			_ = fd.Close()
			return nil, errors.Wrapf(err, "padding %s", path)
		}
	}
	f.bulkLen = roundTile(max(opts.InitialMapBytes, f.physicalSize), pool.opts.TileSize)
	if f.bulk, err = pool.mapBulk(f, f.bulkLen); err != nil {
		_ = fd.Close()
		return nil, err
	}
	f.backupLog = backup.NewLog(opts.BackupFs, path, opts.SyncBackupDir)
	f.backupLog.Enable(opts.Transactional)

	log.WithFields(log.Fields{
		"path":          path,
		"size":          f.physicalSize,
		"bulk":          f.bulkLen,
		"transactional": opts.Transactional,
	}).Debug("opened tiled file")
	return f, nil
}

// Path returns the file's path.
func (f *File) Path() string { return f.path }

// Size returns the file's physical size.
func (f *File) Size() int64 { return f.physicalSize }

// DirtyTiles returns the number of tiles holding uncommitted pages.
func (f *File) DirtyTiles() int { return f.dirty.Len() }

// Checkpointing returns whether a checkpoint of the file is in flight.
func (f *File) Checkpointing() bool { return f.stage != stageDone }

// Ref pins the bytes returned alongside it. It must be released with Free
// exactly once.
type Ref struct {
	tile      *Tile
	bulkBytes int64
}

// Get returns the bytes of [offsetS, offsetE), pinned by the returned Ref.
// The range must lie within one tile. If |write| is set the bytes may be
// mutated until the Ref is released; on a transactional file the mutation is
// first captured for crash-consistent checkpointing.
func (f *File) Get(offsetS, offsetE int64, write bool) ([]byte, Ref, error) {
	if f.broken {
		return nil, Ref{}, ErrFileBroken
	}
	var ts = f.pool.opts.TileSize
	if offsetS < 0 || offsetE <= offsetS || offsetS/ts != (offsetE-1)/ts {
		log.WithFields(log.Fields{"path": f.path, "offsetS": offsetS, "offsetE": offsetE}).
			Panic("byte range is invalid or crosses a tile boundary")
	}
	if offsetE > f.physicalSize {
		return nil, Ref{}, errors.WithMessagef(ErrNoEntry,
			"range [%d, %d) beyond the end of %s", offsetS, offsetE, f.path)
	}
	var index = offsetS / ts

	// Fast path: a read (or any access of a non-transactional file) under
	// the bulk mapping, where no tile exists, serves the bulk slice with
	// byte-count bookkeeping only.
	if offsetE <= f.bulkLen && (!write || !f.transactional) &&
		(index >= int64(len(f.tiles)) || f.tiles[index] == nil) {
		f.pool.bulkPin(offsetE - offsetS)
		f.bulkRefs++
		return f.bulk[offsetS:offsetE:offsetE], Ref{bulkBytes: offsetE - offsetS}, nil
	}

	var t, err = f.pool.pin(f, index)
	if err != nil {
		return nil, Ref{}, err
	}
	if write && f.transactional && f.backupLog.Enabled() {
		f.modifyStart(t, offsetS, offsetE)
	}
	var s, e = offsetS - index*ts, offsetE - index*ts
	return t.memory[s:e:e], Ref{tile: t}, nil
}

// Alloc is Get with write access, first growing the physical file to cover
// |offsetE|, rounded up to a whole tile.
func (f *File) Alloc(offsetS, offsetE int64) ([]byte, Ref, error) {
	if f.broken {
		return nil, Ref{}, ErrFileBroken
	}
	if offsetE > f.physicalSize {
		var grown = roundTile(offsetE, f.pool.opts.TileSize)
		if err := unix.Ftruncate(int(f.fd.Fd()), grown); err != nil {
			return nil, Ref{}, errors.Wrapf(err, "growing %s to %d", f.path, grown)
		}
		f.physicalSize = grown
	}
	return f.Get(offsetS, offsetE, true)
}

// Free releases a Ref obtained from Get or Alloc. The bytes returned with
// the Ref must not be touched after release.
func (f *File) Free(ref Ref) {
	if ref.tile != nil {
		f.pool.release(ref.tile)
	} else if ref.bulkBytes > 0 {
		f.pool.bulkUnpin(ref.bulkBytes)
		f.bulkRefs--
	}
}

// Peek returns the bytes of [offset, offset+length) only if they are already
// resident, without pinning; otherwise nil, and the caller falls back to
// Get. The slice is valid only until the next operation on the file.
func (f *File) Peek(offset, length int64) []byte {
	var ts = f.pool.opts.TileSize
	var offsetE = offset + length

	if f.broken || offset < 0 || length <= 0 ||
		offsetE > f.physicalSize || offset/ts != (offsetE-1)/ts {
		return nil
	}
	var index = offset / ts

	if index < int64(len(f.tiles)) && f.tiles[index] != nil {
		if t := f.tiles[index]; t.memory != nil {
			var s = offset - index*ts
			return t.memory[s : s+length : s+length]
		}
		return nil
	}
	if offsetE <= f.bulkLen {
		return f.bulk[offset:offsetE:offsetE]
	}
	return nil
}

// Stretch re-checks the file's size against the OS, growing the cache's view
// when another actor extended the file, and remapping a larger bulk region
// with headroom when the file outgrew it. The file must never shrink.
func (f *File) Stretch() error {
	if f.broken {
		return ErrFileBroken
	}
	var ts = f.pool.opts.TileSize

	var fi, err = f.fd.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat of %s", f.path)
	}
	if fi.Size() < f.physicalSize {
		log.WithFields(log.Fields{"path": f.path, "size": fi.Size(), "known": f.physicalSize}).
			Panic("file shrank beneath the cache")
	}
	var grown = roundTile(fi.Size(), ts)
	if grown != fi.Size() {
		if err = unix.Ftruncate(int(f.fd.Fd()), grown); err != nil {
			return errors.Wrapf(err, "padding %s", f.path)
		}
	}
	f.physicalSize = grown

	if f.physicalSize <= f.bulkLen {
		return nil
	}
	// Remap a larger bulk region with 10% headroom. Every slice borrowed
	// from the old mapping must be re-pointed, which outstanding
	// references would dangle.
	if f.bulkRefs != 0 {
		return errors.Errorf("%s has %d outstanding bulk references", f.path, f.bulkRefs)
	}
	for _, t := range f.tiles {
		if t != nil && !t.mapped && t.refCount != 0 {
			return errors.Errorf("%s tile %d is pinned against the bulk mapping", f.path, t.index)
		}
	}
	var bulkLen = roundTile(f.physicalSize+f.physicalSize/10, ts)
	bulk, err := f.pool.mapBulk(f, bulkLen)
	if err != nil {
		return err
	}
	for _, t := range f.tiles {
		if t == nil || t.mapped {
			continue
		}
		var s, e = t.index * ts, (t.index + 1) * ts
		if t.memoryDisk != nil {
			t.memoryDisk = bulk[s:e:e]
		} else {
			t.memory = bulk[s:e:e]
		}
	}
	f.pool.unmapBulk(f, f.bulk)
	f.bulk, f.bulkLen = bulk, bulkLen

	log.WithFields(log.Fields{"path": f.path, "size": f.physicalSize, "bulk": bulkLen}).
		Debug("stretched bulk mapping")
	return nil
}

// modifyStart prepares |t| for mutation of [offsetS, offsetE): it captures
// pre-images of pages not yet captured this generation, gives the tile a
// private working buffer on its first dirtying, and marks the pages dirty.
// A capture failure is remembered rather than surfaced; the caller's write
// proceeds, and the backup is rebuilt before the next checkpoint can flush.
func (f *File) modifyStart(t *Tile, offsetS, offsetE int64) {
	var ts, ps = f.pool.opts.TileSize, f.pool.opts.PageSize
	var base = t.index * ts
	var mask = pageMask((offsetS-base)/ps, (offsetE-1-base)/ps)

	if f.backupDeferred {
		if err := f.backupCatchUp(); err != nil {
			log.WithFields(log.Fields{"err": err, "path": f.path}).
				Warn("failed to catch up backup (will retry)")
		}
	}
	if capture := mask &^ t.dirtyBits; capture != 0 && !f.backupDeferred {
		if err := f.writeBackupPages(t, capture); err != nil {
			f.backupDeferred = true
			log.WithFields(log.Fields{"err": err, "path": f.path, "tile": t.index}).
				Warn("failed to capture pre-images (will retry)")
		}
	}
	t.privatize(ts)
	t.dirtyBits |= mask
	f.reconcile(t)
}

// writeBackupPages appends the pre-image of each page of |bits| to the
// backup log.
func (f *File) writeBackupPages(t *Tile, bits uint64) error {
	var ts, ps = f.pool.opts.TileSize, f.pool.opts.PageSize
	var base = t.index * ts

	for page := int64(0); page < ts/ps; page++ {
		if bits&(uint64(1)<<uint(page)) == 0 {
			continue
		}
		if err := f.backupLog.WritePage(base+page*ps, t.pageSource(page, ps)); err != nil {
			return err
		}
	}
	return nil
}

// backupCatchUp rebuilds the active backup from scratch after an eager
// capture failure discarded it. Pre-images of every dirty page are still
// recoverable, from the displaced live mapping or the in-flight snapshot,
// because write-back cannot begin until the backup is whole.
func (f *File) backupCatchUp() error {
	for _, ring := range []*list.List{&f.dirty, &f.scheduled} {
		for e := ring.Front(); e != nil; e = e.Next() {
			var t = e.Value.(*Tile)
			if err := f.writeBackupPages(t, t.dirtyBits); err != nil {
				return err
			}
		}
	}
	f.backupDeferred = false
	return nil
}

// reconcile re-chains |t| onto the ring whichList computes for it. The dirty
// and scheduled rings are file-local; the free ring belongs to the pool.
func (f *File) reconcile(t *Tile) {
	var want = t.whichList()
	if want == t.onRing {
		return
	}
	switch t.onRing {
	case ringDirty:
		f.dirty.Remove(t.elem)
		t.elem = nil
	case ringScheduled:
		f.scheduled.Remove(t.elem)
		t.elem = nil
	case ringFree:
		f.pool.freeRemove(t)
	}
	switch want {
	case ringDirty:
		t.elem = f.dirty.PushBack(t)
	case ringScheduled:
		t.elem = f.scheduled.PushBack(t)
	case ringFree:
		f.pool.freeAdd(t)
	}
	t.onRing = want
}

// DiscardDirty drops every uncommitted page, reverting tiles to their
// disk-backed memory and aborting the active backup. It refuses while a
// checkpoint is in flight, and while any dirty tile is pinned.
func (f *File) DiscardDirty() error {
	if f.broken {
		return ErrFileBroken
	}
	if f.stage != stageDone {
		return ErrCheckpointInProgress
	}
	for e := f.dirty.Front(); e != nil; e = e.Next() {
		if t := e.Value.(*Tile); t.refCount != 0 {
			return errors.Errorf("%s tile %d is pinned with dirty pages", f.path, t.index)
		}
	}
	var count int
	for e := f.dirty.Front(); e != nil; {
		var t = e.Value.(*Tile)
		e = e.Next()

		t.forceClean()
		f.reconcile(t)
		count++
	}
	f.backupLog.Abort()
	f.backupDeferred = false

	if count != 0 {
		log.WithFields(log.Fields{"path": f.path, "tiles": count}).
			Info("discarded dirty tiles")
	}
	return nil
}

// Recover applies the file's published backup, if one exists with a horizon
// at or above |horizon| (the store's known-durable horizon), rolling the
// file back to the backup's commit point. It returns whether a backup was
// applied.
func (f *File) Recover(horizon int64) (bool, error) {
	if f.broken {
		return false, ErrFileBroken
	}
	if f.stage != stageDone {
		return false, ErrCheckpointInProgress
	}
	f.backupLog.Enable(false)
	defer f.backupLog.Enable(f.transactional)

	return f.backupLog.ReadAndApply(horizon, f.applyPreImage, f.syncLive)
}

// applyPreImage writes recovered bytes through the regular tile path, split
// on tile boundaries, with pre-image capture disabled so they land in the
// live mapping.
func (f *File) applyPreImage(offset int64, data []byte) error {
	var ts = f.pool.opts.TileSize

	for len(data) > 0 {
		var n = ts - offset%ts
		if n > int64(len(data)) {
			n = int64(len(data))
		}
		var b, ref, err = f.Get(offset, offset+n, true)
		if err != nil {
			return err
		}
		copy(b, data[:n])
		f.Free(ref)

		offset += n
		data = data[n:]
	}
	return nil
}

func (f *File) syncLive() error {
	var err = async.Fdatasync(f.fd).Err()
	if err != nil {
		f.markBroken(err)
	}
	return err
}

// markBroken marks the file unusable after a fatal main-file I/O error.
// Further operations fail fast with ErrFileBroken.
func (f *File) markBroken(err error) {
	if !f.broken {
		log.WithFields(log.Fields{"err": err, "path": f.path}).
			Error("marking file broken")
		f.broken = true
	}
}

// Close unmaps and closes the file. A checkpoint in flight must first be
// driven to completion; uncommitted pages are discarded with a warning. It
// panics if any reference is still outstanding.
func (f *File) Close() error {
	if f.stage != stageDone && !f.broken {
		return ErrCheckpointInProgress
	}
	if f.writeSync != nil {
		// Join the stray fsync; its file descriptor is about to close.
		var _ = f.writeSync.Err()
		f.writeSync = nil
	}
	if n := f.dirty.Len() + f.scheduled.Len(); n != 0 {
		log.WithFields(log.Fields{"path": f.path, "tiles": n}).
			Warn("closing file with uncommitted tiles")
	}
	for _, ring := range []*list.List{&f.dirty, &f.scheduled} {
		for e := ring.Front(); e != nil; {
			var t = e.Value.(*Tile)
			e = e.Next()

			t.forceClean()
			f.reconcile(t)
		}
	}
	if f.bulkRefs != 0 {
		log.WithFields(log.Fields{"path": f.path, "refs": f.bulkRefs}).
			Panic("closing file with outstanding bulk references")
	}
	for _, t := range f.tiles {
		if t == nil {
			continue
		}
		if t.refCount != 0 {
			log.WithFields(log.Fields{"path": f.path, "tile": t.index}).
				Panic("closing file with pinned tiles")
		}
		f.pool.destroy(t)
	}
	f.tiles = nil
	f.backupLog.Abort()

	f.pool.unmapBulk(f, f.bulk)
	f.bulk = nil

	if err := f.fd.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", f.path)
	}
	return nil
}

func roundTile(n, tile int64) int64 {
	return (n + tile - 1) / tile * tile
}
