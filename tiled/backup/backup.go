package backup

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"go.plinth.dev/core/async"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// magic prefixes every backup file.
	magic = "ab1t"
	// headerLen is the fixed file header: magic plus a 5-byte big-endian
	// commit horizon.
	headerLen = len(magic) + horizonLen
	// horizonLen is the encoded width of a commit horizon.
	horizonLen = 5
	// HorizonIncomplete is the sentinel horizon written when a backup file is
	// created, and replaced only when the file is finished. A recovered file
	// still bearing the sentinel was never completed and must be ignored.
	HorizonIncomplete = int64(1)<<40 - 1
	// recordHeaderLen prefixes each record: an 8-byte big-endian file offset
	// followed by an 8-byte big-endian pre-image size.
	recordHeaderLen = 16
	// maxRecordLen bounds the size field of a decoded record. Larger values
	// indicate corruption rather than any plausible pre-image.
	maxRecordLen = 1 << 24

	publishedSuffix = ".cln"
	activeSuffix0   = "0.clx"
	activeSuffix1   = "1.clx"
)

// Log is a double-buffered shadow log of page pre-images for a single tiled
// file. Pre-images accumulate in an active file, which Finish demotes to the
// waiting slot for syncing and publication while a new active file may begin.
// Log is not safe for concurrent use; its owning file serializes access.
type Log struct {
	fs       afero.Fs
	basePath string
	enabled  bool
	syncDir  bool

	active      afero.File
	activePath  string
	activeBytes int64
	records     int64

	waiting        afero.File
	waitingPath    string
	waitingBytes   int64
	waitingRecords int64
	sync           *async.Sync

	published bool
	horizon   int64
}

// NewLog returns a Log whose files derive from |basePath|: pre-images
// accumulate in |basePath|0.clx or |basePath|1.clx, and finished logs publish
// as |basePath|.cln. If |syncDir| is set, Publish additionally syncs the
// containing directory so the rename itself is made durable.
func NewLog(fs afero.Fs, basePath string, syncDir bool) *Log {
	return &Log{
		fs:       fs,
		basePath: basePath,
		enabled:  true,
		syncDir:  syncDir,
	}
}

// Enable sets whether WritePage captures pre-images. Recovery disables the
// Log while it replays records through the regular page write path.
func (l *Log) Enable(on bool) { l.enabled = on }

// Enabled returns whether pre-images are being captured.
func (l *Log) Enabled() bool { return l.enabled }

// PublishedPath returns the path of the published backup file.
func (l *Log) PublishedPath() string { return l.basePath + publishedSuffix }

// WritePage appends a pre-image record of |data| at file offset |offset| to
// the active backup file, creating it if needed. On error the active file is
// discarded entirely; the caller may rebuild it later from pages whose
// durable pre-images are still held in memory.
func (l *Log) WritePage(offset int64, data []byte) error {
	if l.active == nil {
		if err := l.beginActive(); err != nil {
			return err
		}
	}
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(offset))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(data)))

	if _, err := l.active.Write(hdr[:]); err != nil {
		l.discardActive()
		return errors.Wrapf(err, "writing record header of %s", l.activePath)
	}
	if _, err := l.active.Write(data); err != nil {
		l.discardActive()
		return errors.Wrapf(err, "writing pre-image of %s", l.activePath)
	}
	l.activeBytes += int64(recordHeaderLen + len(data))
	l.records++
	writtenBytesTotal.Add(float64(len(data)))
	return nil
}

// HasActive returns whether an active backup file currently exists.
func (l *Log) HasActive() bool { return l.active != nil }

// Finish stamps |horizon| into the active file's header and demotes the file
// to the waiting slot, ready for SyncStart. It is a no-op if no active file
// exists (no pre-images were captured this generation). The waiting slot must
// be empty: the previous generation must have been published or aborted.
func (l *Log) Finish(horizon int64) error {
	if horizon < 0 || horizon >= HorizonIncomplete {
		log.WithField("horizon", horizon).Panic("invalid commit horizon")
	}
	if l.active == nil {
		return nil
	}
	if l.waiting != nil {
		log.WithFields(log.Fields{"active": l.activePath, "waiting": l.waitingPath}).
			Panic("backup finished while previous generation still waiting")
	}
	if _, err := l.active.WriteAt(EncodeHorizon(nil, horizon), int64(len(magic))); err != nil {
		l.discardActive()
		return errors.Wrapf(err, "stamping horizon of %s", l.activePath)
	}
	l.waiting, l.waitingPath = l.active, l.activePath
	l.waitingBytes, l.waitingRecords = l.activeBytes, l.records
	l.horizon = horizon
	l.active, l.activePath, l.activeBytes, l.records = nil, "", 0, 0
	return nil
}

// SyncStart begins an asynchronous fsync of the waiting file. It is a no-op
// if no waiting file exists, or if a sync is already in flight.
func (l *Log) SyncStart() {
	if l.waiting == nil || l.sync != nil {
		return
	}
	l.sync = async.Fsync(l.waiting)
}

// SyncFinish completes a sync begun by SyncStart. If |block| is false and the
// sync has not yet resolved, it returns |more| true and the caller should try
// again later. A sync error leaves the waiting file in place; the caller may
// retry with another SyncStart.
func (l *Log) SyncFinish(block bool) (more bool, err error) {
	if l.sync == nil {
		return false, nil
	}
	if !block && !l.sync.Resolved() {
		return true, nil
	}
	err = l.sync.Err()
	l.sync = nil

	if err != nil {
		return false, errors.Wrapf(err, "syncing %s", l.waitingPath)
	}
	return false, nil
}

// CloseAndCount closes the waiting file and returns the bytes written to it.
// A file holding no records protects nothing and is deleted rather than kept
// for publication.
func (l *Log) CloseAndCount() (int64, error) {
	if l.waiting == nil {
		return 0, nil
	}
	var bytes = l.waitingBytes
	var err = l.waiting.Close()
	l.waiting = nil

	if err != nil {
		return bytes, errors.Wrapf(err, "closing %s", l.waitingPath)
	}
	if l.waitingRecords == 0 {
		if err = l.fs.Remove(l.waitingPath); err != nil {
			return bytes, errors.Wrapf(err, "removing empty %s", l.waitingPath)
		}
		discardedTotal.Inc()
		l.waitingPath = ""
		return 0, nil
	}
	return bytes, nil
}

// Publish atomically renames the closed waiting file over the published name.
// It is a no-op if no waiting file remains (none existed, or CloseAndCount
// deleted an empty one).
func (l *Log) Publish() error {
	if l.waitingPath == "" {
		return nil
	}
	if l.waiting != nil {
		log.WithField("path", l.waitingPath).Panic("publishing a backup which was not closed")
	}
	if err := l.fs.Rename(l.waitingPath, l.PublishedPath()); err != nil {
		return errors.Wrapf(err, "publishing %s", l.waitingPath)
	}
	l.waitingPath = ""
	l.published = true
	publishedTotal.Inc()

	if l.syncDir {
		if err := l.syncParentDir(); err != nil {
			return err
		}
	}
	return nil
}

// Unpublish removes the published backup file. A missing file is not an
// error: the previous checkpoint may not have produced one, or it may have
// been consumed by recovery.
func (l *Log) Unpublish() error {
	var err = l.fs.Remove(l.PublishedPath())
	l.published = false

	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", l.PublishedPath())
	}
	return nil
}

// Abort discards all in-progress backup state: the active file, the waiting
// file, and any in-flight sync (which is detached rather than awaited).
// Cleanup is best-effort; failures are logged and suppressed.
func (l *Log) Abort() {
	l.discardActive()

	if l.sync != nil {
		// The helper owns the waiting file now, and closes it once the
		// stray fsync resolves.
		l.sync.Detach()
		l.sync, l.waiting = nil, nil
	} else if l.waiting != nil {
		if err := l.waiting.Close(); err != nil {
			log.WithFields(log.Fields{"err": err, "path": l.waitingPath}).
				Warn("failed to close aborted backup")
		}
		l.waiting = nil
	}
	if l.waitingPath != "" {
		if err := l.fs.Remove(l.waitingPath); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{"err": err, "path": l.waitingPath}).
				Warn("failed to remove aborted backup")
		}
		l.waitingPath = ""
	}
	l.waitingBytes, l.waitingRecords = 0, 0
}

// ReadAndApply replays the published backup file, if one exists and its
// stored horizon is at least |horizon| (the caller's known durable horizon).
// Each record is handed to |apply|; after a full replay |syncLive| is invoked
// to make the restored state durable, and only then is the consumed backup
// file deleted. A stale or incomplete backup is deleted without replay. A
// structurally corrupt backup is discarded with a warning, as if absent:
// recovery proceeds on whatever last-known-good state remains. Errors from
// |apply| or |syncLive| abort recovery and are returned.
func (l *Log) ReadAndApply(horizon int64, apply func(offset int64, data []byte) error, syncLive func() error) (applied bool, err error) {
	var path = l.PublishedPath()

	var f afero.File
	if f, err = l.fs.Open(path); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var hdr [headerLen]byte
	if _, err = io.ReadFull(f, hdr[:]); err != nil {
		return false, l.discardCorrupt(path, errors.Wrap(err, "reading header"))
	}
	if string(hdr[:len(magic)]) != magic {
		return false, l.discardCorrupt(path, errors.Errorf("bad magic %q", hdr[:len(magic)]))
	}
	var stored = DecodeHorizon(hdr[len(magic):])

	if stored == HorizonIncomplete || stored < horizon {
		log.WithFields(log.Fields{"path": path, "stored": stored, "horizon": horizon}).
			Info("ignoring stale backup")
		if err = l.fs.Remove(path); err != nil {
			return false, errors.Wrapf(err, "removing stale %s", path)
		}
		discardedTotal.Inc()
		return false, nil
	}

	var rec [recordHeaderLen]byte
	var recovered int64
	for {
		if _, err = io.ReadFull(f, rec[:]); err == io.EOF {
			break
		} else if err != nil {
			return false, l.discardCorrupt(path, errors.Wrap(err, "reading record header"))
		}
		var offset = int64(binary.BigEndian.Uint64(rec[0:8]))
		var size = int64(binary.BigEndian.Uint64(rec[8:16]))

		if offset < 0 || size <= 0 || size > maxRecordLen {
			return false, l.discardCorrupt(path,
				errors.Errorf("implausible record (offset %d, size %d)", offset, size))
		}
		var data = make([]byte, size)
		if _, err = io.ReadFull(f, data); err != nil {
			return false, l.discardCorrupt(path, errors.Wrap(err, "reading pre-image"))
		}
		if err = apply(offset, data); err != nil {
			return false, errors.Wrapf(err, "applying pre-image of %s at offset %d", path, offset)
		}
		recovered += size
	}
	if err = syncLive(); err != nil {
		return false, errors.Wrap(err, "syncing restored state")
	}
	// The backup is consumed only after the restored state is durable.
	// Failing to remove it is harmless: replaying an undo log is idempotent.
	if err = l.fs.Remove(path); err != nil {
		log.WithFields(log.Fields{"err": err, "path": path}).
			Warn("failed to remove consumed backup (will re-apply on next open)")
	}
	l.published = false
	recoveredBytesTotal.Add(float64(recovered))

	log.WithFields(log.Fields{"path": path, "horizon": stored, "bytes": recovered}).
		Info("restored pre-images from backup")
	return true, nil
}

func (l *Log) beginActive() error {
	var path = l.basePath + activeSuffix0
	if l.waitingPath == path {
		path = l.basePath + activeSuffix1
	}
	var f, err = l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	var hdr = EncodeHorizon([]byte(magic), HorizonIncomplete)

	if _, err = f.Write(hdr); err != nil {
		_ = f.Close()
		_ = l.fs.Remove(path)
		return errors.Wrapf(err, "writing header of %s", path)
	}
	l.active, l.activePath = f, path
	l.activeBytes, l.records = int64(headerLen), 0
	return nil
}

func (l *Log) discardActive() {
	if l.active == nil {
		return
	}
	if err := l.active.Close(); err != nil {
		log.WithFields(log.Fields{"err": err, "path": l.activePath}).
			Warn("failed to close discarded backup")
	}
	if err := l.fs.Remove(l.activePath); err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"err": err, "path": l.activePath}).
			Warn("failed to remove discarded backup")
	}
	l.active, l.activePath, l.activeBytes, l.records = nil, "", 0, 0
}

// discardCorrupt deletes a structurally corrupt published backup and logs the
// cause. It converts |cause| to success: the file is treated as absent.
func (l *Log) discardCorrupt(path string, cause error) error {
	log.WithFields(log.Fields{"err": cause, "path": path}).
		Warn("discarding corrupt backup")

	if err := l.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing corrupt %s", path)
	}
	discardedTotal.Inc()
	return nil
}

// Info summarizes the content of a backup file.
type Info struct {
	// Horizon stamped in the header: the commit point which replaying the
	// file restores.
	Horizon int64
	// Complete is false while the header still bears the incomplete
	// sentinel: the file was never finished and must not be replayed.
	Complete bool
	// Records is the number of pre-image records.
	Records int64
	// PreImageBytes is the total size of all pre-images.
	PreImageBytes int64
	// FileBytes is the size of the backup file itself.
	FileBytes int64
}

// Inspect reads the header and record stream of the backup file at |path|,
// without applying it.
func Inspect(fs afero.Fs, path string) (Info, error) {
	var info Info

	var f, err = fs.Open(path)
	if err != nil {
		return info, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil {
		info.FileBytes = fi.Size()
	}
	var hdr [headerLen]byte
	if _, err = io.ReadFull(f, hdr[:]); err != nil {
		return info, errors.Wrapf(err, "reading header of %s", path)
	}
	if string(hdr[:len(magic)]) != magic {
		return info, errors.Errorf("%s: bad magic %q", path, hdr[:len(magic)])
	}
	info.Horizon = DecodeHorizon(hdr[len(magic):])
	info.Complete = info.Horizon != HorizonIncomplete

	var rec [recordHeaderLen]byte
	var off = int64(headerLen)
	for {
		if _, err = io.ReadFull(f, rec[:]); err == io.EOF {
			if off > info.FileBytes {
				return info, errors.Errorf("%s: truncated final record", path)
			}
			return info, nil
		} else if err != nil {
			return info, errors.Wrapf(err, "reading record header of %s", path)
		}
		var size = int64(binary.BigEndian.Uint64(rec[8:16]))
		if size <= 0 || size > maxRecordLen {
			return info, errors.Errorf("%s: implausible record size %d", path, size)
		}
		if _, err = f.Seek(size, io.SeekCurrent); err != nil {
			return info, errors.Wrapf(err, "seeking %s", path)
		}
		off += recordHeaderLen + size
		info.Records++
		info.PreImageBytes += size
	}
}

func (l *Log) syncParentDir() error {
	var dir = filepath.Dir(l.PublishedPath())
	var f, err = l.fs.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "opening %s", dir)
	}
	defer f.Close()

	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", dir)
	}
	return nil
}

// EncodeHorizon appends the 5-byte big-endian encoding of |h| to |b|.
func EncodeHorizon(b []byte, h int64) []byte {
	return append(b, byte(h>>32), byte(h>>24), byte(h>>16), byte(h>>8), byte(h))
}

// DecodeHorizon returns the horizon encoded at the front of |b|.
func DecodeHorizon(b []byte) int64 {
	_ = b[horizonLen-1]
	return int64(b[0])<<32 | int64(b[1])<<24 | int64(b[2])<<16 |
		int64(b[3])<<8 | int64(b[4])
}
