// Package backup implements the shadow log which makes tiled file mutation
// crash-consistent: an append-only file of (offset, pre-image) records for
// pages about to be overwritten, finished with a commit horizon and then
// published under a well-known name. Replaying a published log is an *undo*
// operation, restoring the exact file state at its horizon.
//
// A Log alternates between two active file slots so that a new generation of
// pre-images can accumulate while the previous generation is still being
// synced and published. At most one active and one waiting file exist at a
// time. Publication atomically renames the waiting file over the published
// name; un-publication (deleting the published file) is deferred until the
// enclosing store has made the corresponding checkpoint durable everywhere.
package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writtenBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_backup_written_bytes_total",
		Help: "Cumulative number of pre-image bytes appended to backup logs.",
	})
	recoveredBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_backup_recovered_bytes_total",
		Help: "Cumulative number of pre-image bytes restored from published backup logs.",
	})
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_backup_published_total",
		Help: "Cumulative number of backup log publications.",
	})
	discardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_backup_discarded_total",
		Help: "Cumulative number of backup logs discarded as stale, empty, or corrupt.",
	})
)
