package tiled

import (
	"sync"
	"unsafe"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Options configures a Pool.
type Options struct {
	// TileSize is the byte size of each cache tile, a multiple of PageSize.
	TileSize int64
	// PageSize is the granularity of dirty-page tracking within a tile.
	// At most 64 pages fit one tile. Individual tile mappings require that
	// TileSize is also a multiple of the OS page size.
	PageSize int64
	// MaxBytes bounds the pool's mapped memory. The bound is soft: pinned,
	// dirty, and scheduled tiles are never evicted, so the pool may exceed
	// it until references release.
	MaxBytes int64
	// InitialMapBytes is the default floor of a File's bulk mapping.
	InitialMapBytes int64
	// DebugMappings tracks every live mapping, catching double-unmaps and
	// leaks at the cost of a table entry per mapping.
	DebugMappings bool
}

// Pool option defaults.
const (
	DefaultTileSize        = 1 << 15
	DefaultPageSize        = 1 << 12
	DefaultMaxBytes        = 1 << 28
	DefaultInitialMapBytes = 1 << 26
)

func (o Options) withDefaults() Options {
	if o.TileSize == 0 {
		o.TileSize = DefaultTileSize
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.InitialMapBytes == 0 {
		o.InitialMapBytes = DefaultInitialMapBytes
	}
	return o
}

// Validate returns an error if the Options are not well-formed.
func (o Options) Validate() error {
	if o.PageSize <= 0 {
		return errors.Errorf("invalid PageSize (%d; expected > 0)", o.PageSize)
	} else if o.TileSize <= 0 || o.TileSize%o.PageSize != 0 {
		return errors.Errorf("invalid TileSize (%d; expected a positive multiple of PageSize %d)",
			o.TileSize, o.PageSize)
	} else if o.TileSize/o.PageSize > 64 {
		return errors.Errorf("invalid TileSize (%d; at most 64 pages of %d bytes fit a tile)",
			o.TileSize, o.PageSize)
	} else if o.MaxBytes < o.TileSize {
		return errors.Errorf("invalid MaxBytes (%d; expected >= TileSize %d)",
			o.MaxBytes, o.TileSize)
	} else if o.InitialMapBytes < o.TileSize {
		return errors.Errorf("invalid InitialMapBytes (%d; expected >= TileSize %d)",
			o.InitialMapBytes, o.TileSize)
	}
	return nil
}

// Pool is a shared budget of mapped tile memory across a set of Files of one
// store. It owns the free ring of released tiles, evicting oldest-released
// first when an individual mapping would exceed the budget.
type Pool struct {
	opts Options

	mu   sync.Mutex
	acct accounting
	free *simplelru.LRU
	// mappings tracks live mappings when DebugMappings is set.
	mappings map[uintptr]mapping

	hits, misses, maps, evictions int64
}

type mapping struct {
	path  string
	bytes int64
	tile  int64 // -1 for a bulk mapping.
}

// freeRingCapacity is effectively unbounded: evictions are driven by the
// byte budget, never by entry count.
const freeRingCapacity = 1 << 30

// NewPool returns a Pool with the given Options, which are validated after
// zero-valued fields take their defaults.
func NewPool(opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var ring, _ = simplelru.NewLRU(freeRingCapacity, nil)
	var p = &Pool{opts: opts, free: ring}

	if opts.DebugMappings {
		p.mappings = make(map[uintptr]mapping)
	}
	return p, nil
}

// PoolStats is a point-in-time snapshot of pool accounting.
type PoolStats struct {
	MappedBytes  int64
	PinnedBytes  int64
	BulkRefBytes int64
	FreeTiles    int

	Hits, Misses, Maps, Evictions int64
}

// Stats returns a snapshot of the pool's accounting and counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		MappedBytes:  p.acct.mappedBytes,
		PinnedBytes:  p.acct.pinnedBytes,
		BulkRefBytes: p.acct.bulkRefBytes,
		FreeTiles:    p.free.Len(),
		Hits:         p.hits,
		Misses:       p.misses,
		Maps:         p.maps,
		Evictions:    p.evictions,
	}
}

// VerifyNoMappings returns an error naming a live mapping, if any remains.
// It requires DebugMappings.
func (p *Pool) VerifyNoMappings() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mappings == nil {
		return errors.New("pool was not created with DebugMappings")
	}
	for _, m := range p.mappings {
		return errors.Errorf("leaked mapping of %s (tile %d, %d bytes)", m.path, m.tile, m.bytes)
	}
	return nil
}

// pin returns the file's tile at |index|, mapped and pinned. The caller must
// balance it with a release.
func (p *Pool) pin(f *File, index int64) (*Tile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var t = p.acquireLocked(f, index)
	if err := p.mapLocked(f, t); err != nil {
		if t.memory == nil && t.refCount == 0 {
			f.tiles[index] = nil
		}
		return nil, err
	}
	p.linkLocked(t)
	return t, nil
}

// release unpins |t|. On its last release a clean tile chains onto the free
// ring, eligible for eviction.
func (p *Pool) release(t *Tile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.refCount <= 0 {
		log.WithFields(log.Fields{"path": t.file.path, "tile": t.index}).
			Panic("released tile has no outstanding references")
	}
	if t.refCount--; t.refCount == 0 {
		p.acct.unpin(p.opts.TileSize)
		if t.whichList() == ringFree {
			p.free.Add(t, nil)
			t.onRing = ringFree
		}
	}
}

func (p *Pool) acquireLocked(f *File, index int64) *Tile {
	for int64(len(f.tiles)) <= index {
		f.tiles = append(f.tiles, nil)
	}
	if t := f.tiles[index]; t != nil {
		return t
	}
	var t = &Tile{file: f, index: index}
	f.tiles[index] = t
	return t
}

func (p *Pool) mapLocked(f *File, t *Tile) error {
	if t.memory != nil {
		p.hits++
		cacheHitsTotal.Inc()
		return nil
	}
	p.misses++
	cacheMissesTotal.Inc()

	var offset = t.index * p.opts.TileSize
	if offset+p.opts.TileSize <= f.bulkLen {
		t.memory = f.bulk[offset : offset+p.opts.TileSize : offset+p.opts.TileSize]
		return nil
	}
	// An individual mapping charges the budget. Evict released tiles,
	// oldest first, to make room; running dry is not an error, the budget
	// is simply exceeded until references release.
	for p.acct.mappedBytes+p.opts.TileSize > p.opts.MaxBytes {
		if !p.evictLocked() {
			break
		}
	}
	var b, err = unix.Mmap(int(f.fd.Fd()), offset, int(p.opts.TileSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "mapping tile %d of %s", t.index, f.path)
	}
	t.memory, t.mapped = b, true
	p.maps++
	mmapsTotal.Inc()
	p.acct.mapBytes(p.opts.TileSize)
	p.trackLocked(b, mapping{path: f.path, bytes: p.opts.TileSize, tile: t.index})
	return nil
}

func (p *Pool) linkLocked(t *Tile) {
	if t.refCount++; t.refCount == 1 {
		p.acct.pin(p.opts.TileSize)
		if t.onRing == ringFree {
			p.free.Remove(t)
			t.onRing = ringNone
		}
	}
}

func (p *Pool) evictLocked() bool {
	var k, _, ok = p.free.RemoveOldest()
	if !ok {
		return false
	}
	var t = k.(*Tile)
	t.onRing = ringNone
	p.destroyLocked(t)

	p.evictions++
	evictionsTotal.Inc()
	return true
}

// destroyLocked unmaps and forgets a clean, unpinned tile.
func (p *Pool) destroyLocked(t *Tile) {
	if t.refCount != 0 || t.dirtyBits != 0 || t.scheduledBits != 0 {
		log.WithFields(log.Fields{"path": t.file.path, "tile": t.index}).
			Panic("destroying a pinned or dirty tile")
	}
	if t.mapped {
		p.untrackLocked(t.memory)
		if err := unix.Munmap(t.memory); err != nil {
			log.WithFields(log.Fields{"err": err, "path": t.file.path, "tile": t.index}).
				Panic("failed to unmap tile")
		}
		p.acct.unmapBytes(p.opts.TileSize)
	}
	t.file.tiles[t.index] = nil
	t.memory, t.memoryDisk, t.memoryScheduled = nil, nil, nil
}

// destroy is destroyLocked for a tile possibly still on the free ring.
func (p *Pool) destroy(t *Tile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.onRing == ringFree {
		p.free.Remove(t)
		t.onRing = ringNone
	}
	p.destroyLocked(t)
}

func (p *Pool) freeAdd(t *Tile) {
	p.mu.Lock()
	p.free.Add(t, nil)
	p.mu.Unlock()
}

func (p *Pool) freeRemove(t *Tile) {
	p.mu.Lock()
	p.free.Remove(t)
	p.mu.Unlock()
}

// mapBulk maps |length| bytes of the file's low-offset region in one mapping.
func (p *Pool) mapBulk(f *File, length int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b, err = unix.Mmap(int(f.fd.Fd()), 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes of %s", length, f.path)
	}
	p.maps++
	mmapsTotal.Inc()
	p.acct.mapBytes(length)
	p.trackLocked(b, mapping{path: f.path, bytes: length, tile: -1})
	return b, nil
}

func (p *Pool) unmapBulk(f *File, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.untrackLocked(b)
	if err := unix.Munmap(b); err != nil {
		log.WithFields(log.Fields{"err": err, "path": f.path}).
			Panic("failed to unmap bulk region")
	}
	p.acct.unmapBytes(int64(len(b)))
}

func (p *Pool) bulkPin(n int64) {
	p.mu.Lock()
	p.acct.bulkRefBytes += n
	p.mu.Unlock()
}

func (p *Pool) bulkUnpin(n int64) {
	p.mu.Lock()
	if p.acct.bulkRefBytes -= n; p.acct.bulkRefBytes < 0 {
		log.WithField("bytes", p.acct.bulkRefBytes).
			Panic("bulk reference bytes went negative")
	}
	p.mu.Unlock()
}

func (p *Pool) trackLocked(b []byte, m mapping) {
	if p.mappings == nil {
		return
	}
	p.mappings[uintptr(unsafe.Pointer(&b[0]))] = m
}

func (p *Pool) untrackLocked(b []byte) {
	if p.mappings == nil {
		return
	}
	var k = uintptr(unsafe.Pointer(&b[0]))
	if _, ok := p.mappings[k]; !ok {
		log.WithField("addr", k).Panic("unmapping an unknown mapping")
	}
	delete(p.mappings, k)
}

// accounting tracks the pool's mapped and pinned bytes. Pinned bytes never
// exceed mapped bytes; bulk references are counted apart because they pin
// byte ranges rather than whole tiles.
type accounting struct {
	mappedBytes  int64
	pinnedBytes  int64
	bulkRefBytes int64
}

func (a *accounting) mapBytes(n int64) {
	a.mappedBytes += n
	mappedBytesGauge.Add(float64(n))
}

func (a *accounting) unmapBytes(n int64) {
	if a.mappedBytes -= n; a.mappedBytes < a.pinnedBytes {
		log.WithFields(log.Fields{"mapped": a.mappedBytes, "pinned": a.pinnedBytes}).
			Panic("pinned bytes exceed mapped bytes")
	}
	mappedBytesGauge.Sub(float64(n))
}

func (a *accounting) pin(n int64) {
	if a.pinnedBytes += n; a.pinnedBytes > a.mappedBytes {
		log.WithFields(log.Fields{"mapped": a.mappedBytes, "pinned": a.pinnedBytes}).
			Panic("pinned bytes exceed mapped bytes")
	}
	pinnedBytesGauge.Add(float64(n))
}

func (a *accounting) unpin(n int64) {
	if a.pinnedBytes -= n; a.pinnedBytes < 0 {
		log.WithField("pinned", a.pinnedBytes).Panic("pinned bytes went negative")
	}
	pinnedBytesGauge.Sub(float64(n))
}
