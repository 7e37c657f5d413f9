package partition

import (
	"io"
	"os"
	"path/filepath"

	"go.plinth.dev/core/tiled/backup"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// MarkerName is the horizon marker file kept in a partition directory.
const MarkerName = "horizon.mkr"

const markerMagic = "pl1m"

// ReadHorizon returns the durable horizon recorded in the partition
// directory's marker file, without opening the partition. A missing,
// truncated, or corrupt marker reads as horizon zero.
func ReadHorizon(fs afero.Fs, dir string) int64 {
	return readMarker(fs, filepath.Join(dir, MarkerName))
}

// readMarker returns the durable horizon recorded in the partition's marker
// file. A missing, truncated, or corrupt marker reads as horizon zero, with
// a warning: recovery then falls back on whichever published backups remain
// applicable.
func readMarker(fs afero.Fs, path string) int64 {
	var f, err = fs.Open(path)
	if os.IsNotExist(err) {
		return 0
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "path": path}).
			Warn("failed to open horizon marker")
		return 0
	}
	defer f.Close()

	var b [len(markerMagic) + 5]byte
	if _, err = io.ReadFull(f, b[:]); err != nil {
		log.WithFields(log.Fields{"err": err, "path": path}).
			Warn("discarding truncated horizon marker")
		return 0
	}
	if string(b[:len(markerMagic)]) != markerMagic {
		log.WithFields(log.Fields{"magic": string(b[:len(markerMagic)]), "path": path}).
			Warn("discarding corrupt horizon marker")
		return 0
	}
	return backup.DecodeHorizon(b[len(markerMagic):])
}

// writeMarker durably records |horizon|: it writes and syncs a temporary
// file, renames it over the marker, and optionally syncs the directory.
func writeMarker(fs afero.Fs, path string, horizon int64, syncDir bool) error {
	var tmp = path + ".next"

	var f, err = fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	if _, err = f.Write(backup.EncodeHorizon([]byte(markerMagic), horizon)); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "syncing %s", tmp)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp)
	}
	if err = fs.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming %s", tmp)
	}
	if syncDir {
		return syncParent(fs, path)
	}
	return nil
}

func syncParent(fs afero.Fs, path string) error {
	var dir = filepath.Dir(path)

	var d, err = fs.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "opening %s", dir)
	}
	defer d.Close()

	if err = d.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", dir)
	}
	return nil
}
