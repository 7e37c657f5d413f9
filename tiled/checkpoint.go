package tiled

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.plinth.dev/core/async"
)

// StageResult reports the outcome of one checkpoint stage call.
type StageResult int

const (
	// StageMore indicates the stage did not complete: asynchronous work is
	// still outstanding, or the call failed and may be retried.
	StageMore StageResult = iota
	// StageDone indicates the stage completed with this call.
	StageDone
	// StageAlready indicates the stage had already completed, and no work
	// was performed.
	StageAlready
)

// String returns the StageResult's description.
func (r StageResult) String() string {
	switch r {
	case StageMore:
		return "more"
	case StageDone:
		return "done"
	case StageAlready:
		return "already"
	default:
		return "invalid"
	}
}

// checkpointStage is the File's resumable checkpoint cursor: the stage
// currently executing, or stageDone when no checkpoint is in flight. A
// failed stage leaves the cursor unchanged, so the next call resumes it.
type checkpointStage int8

const (
	stageDone checkpointStage = iota
	stageFinishBackup
	stageSyncBackup
	stageStartWrites1
	stageStartWrites2
	stageFinishWrites
	stageRemoveBackup
)

// String returns the stage's description.
func (s checkpointStage) String() string {
	switch s {
	case stageDone:
		return "Done"
	case stageFinishBackup:
		return "FinishBackup"
	case stageSyncBackup:
		return "SyncBackup"
	case stageStartWrites1:
		return "StartWrites1"
	case stageStartWrites2:
		return "StartWrites2"
	case stageFinishWrites:
		return "FinishWrites"
	case stageRemoveBackup:
		return "RemoveBackup"
	default:
		return "invalid"
	}
}

// mustStage panics unless the cursor is |expect|. Stages are strictly
// ordered; running them out of order is a driver bug.
func (f *File) mustStage(op string, expect checkpointStage) {
	if f.stage != expect {
		log.WithFields(log.Fields{"path": f.path, "stage": f.stage, "op": op}).
			Panic("checkpoint stage called out of order")
	}
}

// FinishBackup begins a checkpoint of the file at |horizon|: it ensures
// every dirty page's pre-image is in the backup log (catching up if an
// eager capture failed), stamps the log with the horizon, optionally starts
// its asynchronous fsync, and moves the dirty set to the scheduled,
// in-flight set. Subsequent writes land on a new generation. It returns
// StageAlready on a non-transactional file, and once the checkpoint has
// advanced past this stage.
func (f *File) FinishBackup(horizon int64, hardSync bool) (StageResult, error) {
	if f.broken {
		return StageMore, ErrFileBroken
	}
	if !f.transactional || !f.backupLog.Enabled() {
		return StageAlready, nil
	}
	switch f.stage {
	case stageDone, stageFinishBackup:
		// Enter, or resume after an earlier failure.
	default:
		return StageAlready, nil
	}
	if f.stage == stageDone && f.scheduled.Len() != 0 {
		log.WithFields(log.Fields{"path": f.path, "tiles": f.scheduled.Len()}).
			Panic("previous generation still scheduled")
	}
	f.stage = stageFinishBackup
	f.horizon = horizon

	if f.backupDeferred {
		if err := f.backupCatchUp(); err != nil {
			return StageMore, errors.WithMessage(err, "catching up backup")
		}
	}
	if err := f.backupLog.Finish(horizon); err != nil {
		// Finish discarded the active file; a retry rebuilds it.
		f.backupDeferred = true
		return StageMore, err
	}
	if hardSync {
		f.backupLog.SyncStart()
	}
	for e := f.dirty.Front(); e != nil; {
		var t = e.Value.(*Tile)
		e = e.Next()

		t.capture()
		f.reconcile(t)
	}
	f.stage = stageSyncBackup
	checkpointStagesTotal.WithLabelValues("finish_backup").Inc()
	return StageDone, nil
}

// SyncBackup makes the finished backup durable and publishes it: it joins
// the fsync started by FinishBackup, starting one first if hardSync was not
// set, then closes and counts the file and renames it to its published name.
// With |block| false it returns StageMore while the fsync is still running.
func (f *File) SyncBackup(block bool) (StageResult, error) {
	if f.broken {
		return StageMore, ErrFileBroken
	}
	if !f.transactional || !f.backupLog.Enabled() {
		return StageAlready, nil
	}
	switch f.stage {
	case stageSyncBackup:
		// Run below.
	case stageFinishBackup:
		f.mustStage("SyncBackup", stageSyncBackup)
	default:
		return StageAlready, nil
	}

	// No-op if FinishBackup already started the sync, or nothing waits.
	f.backupLog.SyncStart()

	if more, err := f.backupLog.SyncFinish(block); more {
		return StageMore, nil
	} else if err != nil {
		// Re-arm so that a retry waits on a fresh sync attempt.
		f.backupLog.SyncStart()
		return StageMore, err
	}
	var bytes, err = f.backupLog.CloseAndCount()
	if err != nil {
		return StageMore, err
	}
	if err = f.backupLog.Publish(); err != nil {
		return StageMore, err
	}
	if bytes != 0 {
		log.WithFields(log.Fields{"path": f.path, "horizon": f.horizon, "bytes": bytes}).
			Info("published backup")
	}
	f.stage = stageStartWrites1
	checkpointStagesTotal.WithLabelValues("sync_backup").Inc()
	return StageDone, nil
}

// StartWrites copies every scheduled page's captured bytes into the live
// mapping, then starts an asynchronous fsync of the file itself. The two
// steps hold distinct cursor positions so an interruption between them
// resumes correctly. On a non-transactional file this is the checkpoint's
// entry point.
func (f *File) StartWrites() (StageResult, error) {
	if f.broken {
		return StageMore, ErrFileBroken
	}
	switch f.stage {
	case stageDone:
		if f.transactional && f.backupLog.Enabled() {
			// The backup stages were skipped.
			f.mustStage("StartWrites", stageStartWrites1)
		}
		f.stage = stageStartWrites1
	case stageStartWrites1, stageStartWrites2:
		// Run, or resume after an earlier interruption.
	case stageFinishBackup, stageSyncBackup:
		f.mustStage("StartWrites", stageStartWrites1)
	default:
		return StageAlready, nil
	}
	if f.stage == stageStartWrites1 {
		for e := f.scheduled.Front(); e != nil; {
			var t = e.Value.(*Tile)
			e = e.Next()

			t.writeBack(f.pool.opts.PageSize)
			f.reconcile(t)
		}
		f.stage = stageStartWrites2
	}
	f.writeSync = async.Fdatasync(f.fd)
	f.stage = stageFinishWrites
	checkpointStagesTotal.WithLabelValues("start_writes").Inc()
	return StageDone, nil
}

// FinishWrites joins the fsync started by StartWrites. With |block| false it
// returns StageMore while the fsync is still running. An fsync failure of
// the main file is fatal: the file is marked broken.
func (f *File) FinishWrites(block bool) (StageResult, error) {
	if f.broken {
		return StageMore, ErrFileBroken
	}
	switch f.stage {
	case stageFinishWrites:
		// Run below.
	case stageFinishBackup, stageSyncBackup, stageStartWrites1, stageStartWrites2:
		f.mustStage("FinishWrites", stageFinishWrites)
	default:
		return StageAlready, nil
	}
	if !block && !f.writeSync.Resolved() {
		return StageMore, nil
	}
	if err := f.writeSync.Err(); err != nil {
		f.markBroken(err)
		return StageMore, errors.Wrapf(err, "syncing %s", f.path)
	}
	f.writeSync = nil

	if f.transactional && f.backupLog.Enabled() {
		f.stage = stageRemoveBackup
	} else {
		f.stage = stageDone
	}
	checkpointStagesTotal.WithLabelValues("finish_writes").Inc()
	return StageDone, nil
}

// RemoveBackup deletes the published backup, completing the checkpoint. It
// must run only once the enclosing store has made this horizon durable for
// every file: until then the published backup is the store's rollback path.
func (f *File) RemoveBackup() (StageResult, error) {
	if f.broken {
		return StageMore, ErrFileBroken
	}
	switch f.stage {
	case stageRemoveBackup:
		// Run below.
	case stageDone:
		return StageAlready, nil
	default:
		f.mustStage("RemoveBackup", stageRemoveBackup)
	}
	if err := f.backupLog.Unpublish(); err != nil {
		return StageMore, err
	}
	f.stage = stageDone
	checkpointStagesTotal.WithLabelValues("remove_backup").Inc()
	return StageDone, nil
}
