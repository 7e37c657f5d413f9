// Package partition groups the tiled files of one store partition into a
// Set which shares a tile pool and a single logical commit horizon.
//
// The Set drives checkpoints in lock-step: each stage runs on every file
// before any file proceeds to the next, because a file's published backup
// must remain applicable for as long as any sibling could still require
// recovery to the same horizon. Between making all writes durable and
// deleting the backups, the Set persists the new horizon in a marker file;
// recovery on open reads the marker and replays whichever published backups
// are still applicable, rolling every file back to the partition's durable
// horizon.
package partition

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_partition_checkpoints_total",
		Help: "Cumulative number of completed partition checkpoints.",
	})
	recoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_partition_recoveries_total",
		Help: "Cumulative number of files rolled back from a published backup on open.",
	})
)
