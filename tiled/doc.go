// Package tiled implements a page cache over large memory-mapped files, and
// the backup/checkpoint protocol which makes batched mutation of those files
// crash-consistent.
//
// A Pool bounds the mapped memory of a set of Files. Callers address a File
// by byte range: Get pins the backing Tile and returns its bytes in place,
// and Alloc grows the file first. On a transactional File the first write of
// each page is preceded by a pre-image capture to the file's backup log, and
// an explicit five-stage checkpoint (FinishBackup, SyncBackup, StartWrites,
// FinishWrites, RemoveBackup) moves the accumulated dirty set to durable
// storage while a published backup preserves a rollback path to the prior
// horizon until the very last stage. Files sharing a Pool belong to one
// logical store: a driver runs each stage across every file before any file
// proceeds to the next (see package partition).
//
// Cache and checkpoint logic is single-mutator per File, matching the stores
// it serves. The Pool serializes its own cross-file bookkeeping internally,
// so distinct Files may be driven from distinct goroutines.
package tiled

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_tiled_cache_hits_total",
		Help: "Cumulative number of tile lookups served by a resident tile.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_tiled_cache_misses_total",
		Help: "Cumulative number of tile lookups requiring a mapping.",
	})
	mmapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_tiled_mmaps_total",
		Help: "Cumulative number of mappings performed.",
	})
	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plinth_tiled_evictions_total",
		Help: "Cumulative number of tiles evicted from the free ring.",
	})
	mappedBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plinth_tiled_mapped_bytes",
		Help: "Bytes of file memory currently mapped across all pools.",
	})
	pinnedBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plinth_tiled_pinned_bytes",
		Help: "Bytes of mapped memory currently pinned by outstanding references.",
	})
	checkpointStagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plinth_tiled_checkpoint_stages_total",
		Help: "Cumulative number of completed checkpoint stages, by stage.",
	}, []string{"stage"})
)
