package tiled

import "container/list"

// ringID identifies the ring a Tile is chained on.
type ringID int8

const (
	ringNone ringID = iota
	ringFree
	ringDirty
	ringScheduled
)

// Tile is one fixed-size cache unit covering one aligned slice of a File.
// Its bytes live in up to three buffers at once: the working memory seen by
// callers, the displaced live mapping which write-back targets, and a frozen
// snapshot while a checkpoint is in flight.
type Tile struct {
	file  *File
	index int64

	// memory is the tile's working bytes, valid for callers only while
	// pinned. It aliases the live mapping while the tile is clean.
	memory []byte
	// memoryDisk is non-nil iff the tile is dirty or scheduled: the live
	// mapping, displaced when a private copy was made for writing. It is
	// mutated only by checkpoint write-back.
	memoryDisk []byte
	// memoryScheduled is non-nil only while a checkpoint snapshot of this
	// tile is in flight.
	memoryScheduled []byte

	// dirtyBits and scheduledBits hold one bit per page of the tile. A
	// page's bit moves dirty -> scheduled -> cleared over a checkpoint;
	// both bits are set only when the page is re-dirtied while its prior
	// generation is still in flight.
	dirtyBits     uint64
	scheduledBits uint64

	refCount int

	// mapped marks an individually mapped tile, as opposed to one
	// borrowing a slice of its file's bulk mapping.
	mapped bool

	onRing ringID
	elem   *list.Element
}

// whichList returns the ring the tile must be chained on, as a pure function
// of its state. A tile is a member of at most one ring at any time.
func (t *Tile) whichList() ringID {
	switch {
	case t.scheduledBits != 0:
		return ringScheduled
	case t.dirtyBits != 0:
		return ringDirty
	case t.refCount == 0 && t.memory != nil:
		return ringFree
	default:
		return ringNone
	}
}

// pageSource returns the durable pre-image of |page|: the in-flight snapshot
// if the page is scheduled, else the displaced live mapping if the tile has
// one, else the working memory itself.
func (t *Tile) pageSource(page, pageSize int64) []byte {
	var s, e = page * pageSize, (page + 1) * pageSize
	if t.scheduledBits&(uint64(1)<<uint(page)) != 0 {
		return t.memoryScheduled[s:e]
	} else if t.memoryDisk != nil {
		return t.memoryDisk[s:e]
	}
	return t.memory[s:e]
}

// privatize gives the tile a private working buffer ahead of its first
// dirtying of a generation, displacing the live mapping into memoryDisk.
// Later dirtying of an already-private tile is a no-op.
func (t *Tile) privatize(tileSize int64) {
	if t.dirtyBits != 0 {
		return
	}
	var buf = make([]byte, tileSize)
	copy(buf, t.memory)

	if t.memoryDisk == nil {
		t.memoryDisk = t.memory
	}
	t.memory = buf
}

// capture moves the tile's dirty set into the scheduled (in-flight) set and
// freezes its working memory as the write-back snapshot. Future writes
// privatize again, landing on a new generation.
func (t *Tile) capture() {
	t.scheduledBits, t.dirtyBits = t.dirtyBits, 0
	t.memoryScheduled = t.memory
}

// writeBack copies each scheduled page of the snapshot into the live mapping
// and drops the snapshot. If no further dirtying occurred during capture the
// tile reverts fully to its disk-backed memory.
func (t *Tile) writeBack(pageSize int64) {
	var pages = int64(len(t.memoryScheduled)) / pageSize
	for page := int64(0); page < pages; page++ {
		if t.scheduledBits&(uint64(1)<<uint(page)) == 0 {
			continue
		}
		var s, e = page * pageSize, (page + 1) * pageSize
		copy(t.memoryDisk[s:e], t.memoryScheduled[s:e])
	}
	t.scheduledBits = 0

	if t.dirtyBits == 0 {
		t.memory = t.memoryDisk
		t.memoryDisk, t.memoryScheduled = nil, nil
	} else {
		t.memoryScheduled = nil
	}
}

// forceClean drops all dirty and scheduled state, restoring the tile's
// disk-backed memory. Used when uncommitted work is discarded.
func (t *Tile) forceClean() {
	t.dirtyBits, t.scheduledBits = 0, 0
	if t.memoryDisk != nil {
		t.memory = t.memoryDisk
		t.memoryDisk = nil
	}
	t.memoryScheduled = nil
}

// pageMask returns the bitmask of pages |first| through |last|, inclusive.
func pageMask(first, last int64) uint64 {
	var m = ^uint64(0) << uint(first)
	if last < 63 {
		m &= uint64(1)<<uint(last+1) - 1
	}
	return m
}
