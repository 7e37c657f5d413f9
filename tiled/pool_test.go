package tiled

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsDefaultsAndValidationCases(t *testing.T) {
	var o = Options{}.withDefaults()
	require.NoError(t, o.Validate())
	require.Equal(t, int64(DefaultTileSize), o.TileSize)
	require.Equal(t, int64(DefaultPageSize), o.PageSize)
	require.Equal(t, int64(DefaultMaxBytes), o.MaxBytes)
	require.Equal(t, int64(DefaultInitialMapBytes), o.InitialMapBytes)

	o = Options{PageSize: -1}.withDefaults()
	require.EqualError(t, o.Validate(), "invalid PageSize (-1; expected > 0)")

	o = Options{TileSize: 1000, PageSize: 512}.withDefaults()
	require.EqualError(t, o.Validate(),
		"invalid TileSize (1000; expected a positive multiple of PageSize 512)")

	o = Options{TileSize: 1 << 20, PageSize: 512}.withDefaults()
	require.EqualError(t, o.Validate(),
		"invalid TileSize (1048576; at most 64 pages of 512 bytes fit a tile)")

	o = Options{TileSize: 1 << 12, PageSize: 1 << 9, MaxBytes: 100}.withDefaults()
	require.EqualError(t, o.Validate(), "invalid MaxBytes (100; expected >= TileSize 4096)")

	o = Options{TileSize: 1 << 12, PageSize: 1 << 9, InitialMapBytes: 100}.withDefaults()
	require.EqualError(t, o.Validate(), "invalid InitialMapBytes (100; expected >= TileSize 4096)")

	var _, err = NewPool(Options{PageSize: -1})
	require.Error(t, err)
}

func TestEvictionReclaimsOldestReleasedFirst(t *testing.T) {
	// Budget: the bulk mapping plus two individual tiles.
	var p, err = NewPool(Options{
		TileSize:        4096,
		PageSize:        512,
		MaxBytes:        3 * 4096,
		InitialMapBytes: 4096,
		DebugMappings:   true,
	})
	require.NoError(t, err)

	f, err := Open(p, filepath.Join(t.TempDir(), "data"), FileOptions{})
	require.NoError(t, err)

	var get = func(index int64) Ref {
		var offset = index * 4096
		var _, ref, err = f.Alloc(offset, offset+1)
		require.NoError(t, err)
		return ref
	}
	var r1, r2 = get(1), get(2)
	require.Equal(t, int64(3*4096), p.Stats().MappedBytes)
	require.Equal(t, int64(2*4096), p.Stats().PinnedBytes)

	f.Free(r1)
	f.Free(r2)
	require.Equal(t, 2, p.Stats().FreeTiles)
	require.Zero(t, p.Stats().PinnedBytes)

	// A third tile would exceed the budget: the oldest released is evicted.
	var r3 = get(3)
	require.Equal(t, int64(3*4096), p.Stats().MappedBytes)
	require.Equal(t, int64(1), p.Stats().Evictions)
	require.Nil(t, f.tiles[1])
	require.NotNil(t, f.tiles[2])
	f.Free(r3)

	// Re-pinning tile 1 misses and evicts tile 2 in turn.
	f.Free(get(1))
	require.Nil(t, f.tiles[2])
	require.Equal(t, int64(2), p.Stats().Evictions)

	// Pinning a resident tile is a hit.
	var hits = p.Stats().Hits
	f.Free(get(1))
	require.Equal(t, hits+1, p.Stats().Hits)

	require.NoError(t, f.Close())
	require.Zero(t, p.Stats().MappedBytes)
	require.NoError(t, p.VerifyNoMappings())
}

func TestPinsMayExceedBudgetUntilReleased(t *testing.T) {
	var p, err = NewPool(Options{
		TileSize:        4096,
		PageSize:        512,
		MaxBytes:        2 * 4096,
		InitialMapBytes: 4096,
	})
	require.NoError(t, err)

	f, err := Open(p, filepath.Join(t.TempDir(), "data"), FileOptions{})
	require.NoError(t, err)

	var refs []Ref
	for index := int64(1); index <= 3; index++ {
		var _, ref, err = f.Alloc(index*4096, index*4096+1)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	// Nothing was evictable, so the budget is exceeded rather than failing.
	require.Greater(t, p.Stats().MappedBytes, p.opts.MaxBytes)
	require.Zero(t, p.Stats().Evictions)

	for _, ref := range refs {
		f.Free(ref)
	}
	require.NoError(t, f.Close())
}

func TestReleaseWithoutPinPanics(t *testing.T) {
	var p, err = NewPool(Options{
		TileSize:        4096,
		PageSize:        512,
		MaxBytes:        1 << 20,
		InitialMapBytes: 4096,
	})
	require.NoError(t, err)

	f, err := Open(p, filepath.Join(t.TempDir(), "data"), FileOptions{})
	require.NoError(t, err)

	var _, ref, errGet = f.Alloc(4096, 4097)
	require.NoError(t, errGet)
	f.Free(ref)

	require.Panics(t, func() { f.Free(ref) })
	require.NoError(t, f.Close())
}

func TestVerifyNoMappingsReportsLeaks(t *testing.T) {
	var p, err = NewPool(Options{
		TileSize:        4096,
		PageSize:        512,
		MaxBytes:        1 << 20,
		InitialMapBytes: 4096,
		DebugMappings:   true,
	})
	require.NoError(t, err)

	f, err := Open(p, filepath.Join(t.TempDir(), "data"), FileOptions{})
	require.NoError(t, err)

	// The bulk mapping itself is live until the file closes.
	require.Regexp(t, "leaked mapping of .*", p.VerifyNoMappings())
	require.NoError(t, f.Close())
	require.NoError(t, p.VerifyNoMappings())

	var bare, _ = NewPool(Options{})
	require.EqualError(t, bare.VerifyNoMappings(), "pool was not created with DebugMappings")
}
