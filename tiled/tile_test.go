package tiled

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWhichListPrecedence(t *testing.T) {
	var cases = []struct {
		name string
		tile Tile
		want ringID
	}{
		{"scheduled wins over dirty", Tile{scheduledBits: 1, dirtyBits: 1, refCount: 2, memory: []byte{0}}, ringScheduled},
		{"dirty wins over free", Tile{dirtyBits: 2, memory: []byte{0}}, ringDirty},
		{"free when released and resident", Tile{memory: []byte{0}}, ringFree},
		{"none while pinned", Tile{refCount: 1, memory: []byte{0}}, ringNone},
		{"none while unmapped", Tile{}, ringNone},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.tile.whichList(), tc.name)
	}
}

func TestPageMaskCases(t *testing.T) {
	require.Equal(t, uint64(1), pageMask(0, 0))
	require.Equal(t, uint64(0b1110), pageMask(1, 3))
	require.Equal(t, uint64(0xffff00000000), pageMask(32, 47))
	require.Equal(t, uint64(1)<<63, pageMask(63, 63))
	require.Equal(t, ^uint64(0), pageMask(0, 63))
}

func TestPrivatizeDisplacesLiveMappingOnce(t *testing.T) {
	var disk = bytes.Repeat([]byte{'d'}, 64)
	var tile = Tile{memory: disk}

	tile.privatize(64)
	require.True(t, &tile.memoryDisk[0] == &disk[0])
	require.False(t, &tile.memory[0] == &disk[0])
	require.Equal(t, disk, tile.memory)

	// Case: further dirtying within the generation is a no-op.
	tile.dirtyBits = 1
	var p = &tile.memory[0]
	tile.privatize(64)
	require.True(t, &tile.memory[0] == p)
}

func TestPageSourcePrecedence(t *testing.T) {
	var tile = Tile{memory: bytes.Repeat([]byte{'m'}, 64)}

	// A clean tile's pre-image is its working memory.
	require.Equal(t, bytes.Repeat([]byte{'m'}, 16), tile.pageSource(1, 16))

	// A dirty tile's is the displaced live mapping.
	tile.memoryDisk = bytes.Repeat([]byte{'d'}, 64)
	require.Equal(t, bytes.Repeat([]byte{'d'}, 16), tile.pageSource(1, 16))

	// A scheduled page's is the frozen snapshot; other pages still read
	// from the mapping.
	tile.memoryScheduled = bytes.Repeat([]byte{'s'}, 64)
	tile.scheduledBits = pageMask(1, 1)
	require.Equal(t, bytes.Repeat([]byte{'s'}, 16), tile.pageSource(1, 16))
	require.Equal(t, bytes.Repeat([]byte{'d'}, 16), tile.pageSource(0, 16))
}

func TestCaptureAndWriteBackAcrossGenerations(t *testing.T) {
	var ps = int64(16)
	var disk = bytes.Repeat([]byte{'d'}, 64)
	var tile = Tile{memory: disk}

	// Generation one dirties pages 0 and 2.
	tile.privatize(64)
	tile.dirtyBits |= pageMask(0, 0) | pageMask(2, 2)
	copy(tile.memory[0:16], bytes.Repeat([]byte{'1'}, 16))
	copy(tile.memory[32:48], bytes.Repeat([]byte{'1'}, 16))

	tile.capture()
	require.Zero(t, tile.dirtyBits)
	require.Equal(t, pageMask(0, 0)|pageMask(2, 2), tile.scheduledBits)

	// Page 2 is re-dirtied while the checkpoint is in flight. Its pre-image
	// is the frozen snapshot, not the not-yet-written mapping.
	tile.privatize(64)
	tile.dirtyBits |= pageMask(2, 2)
	copy(tile.memory[32:48], bytes.Repeat([]byte{'2'}, 16))

	require.Equal(t, bytes.Repeat([]byte{'1'}, 16), tile.pageSource(2, ps))
	require.Equal(t, bytes.Repeat([]byte{'d'}, 16), tile.pageSource(1, ps))

	tile.writeBack(ps)
	require.Equal(t, bytes.Repeat([]byte{'1'}, 16), disk[0:16])
	require.Equal(t, bytes.Repeat([]byte{'d'}, 16), disk[16:32])
	require.Equal(t, bytes.Repeat([]byte{'1'}, 16), disk[32:48])

	// The tile remains dirty with its second generation.
	require.Equal(t, pageMask(2, 2), tile.dirtyBits)
	require.Zero(t, tile.scheduledBits)
	require.Nil(t, tile.memoryScheduled)
	require.NotNil(t, tile.memoryDisk)

	// A second checkpoint drains it fully, reverting to the mapping.
	tile.capture()
	tile.writeBack(ps)
	require.Equal(t, bytes.Repeat([]byte{'2'}, 16), disk[32:48])
	require.True(t, &tile.memory[0] == &disk[0])
	require.Nil(t, tile.memoryDisk)
	require.Equal(t, ringFree, tile.whichList())
}

func TestForceCleanRestoresDiskMemory(t *testing.T) {
	var disk = bytes.Repeat([]byte{'d'}, 64)
	var tile = Tile{memory: disk}

	tile.privatize(64)
	tile.dirtyBits = pageMask(0, 1)
	copy(tile.memory, bytes.Repeat([]byte{'x'}, 64))

	tile.forceClean()
	require.Zero(t, tile.dirtyBits)
	require.True(t, &tile.memory[0] == &disk[0])
	require.Nil(t, tile.memoryDisk)
	require.Equal(t, bytes.Repeat([]byte{'d'}, 64), tile.memory)
}
