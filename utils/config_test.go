package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var c SegstoreConfig
	err := c.Parse([]byte("root_directory: /tmp/segstore\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/segstore", c.RootDirectory)
	assert.Equal(t, uint32(4096), c.BlockSize)
	assert.Equal(t, uint64(64<<20), c.SegmentSize)
	assert.Equal(t, uint32(64), c.SegmentsPerDevice)
	assert.Equal(t, 4, c.IODepth)
	assert.Equal(t, 16, c.BatchCapacity)
	assert.Equal(t, uint64(1<<20), c.BatchFlushSize)
	assert.InDelta(t, 0.95, c.PreferredFullness, 1e-9)
	assert.Equal(t, uint64(1<<26), c.CircularSize)
}

func TestConfigOverrides(t *testing.T) {
	var c SegstoreConfig
	err := c.Parse([]byte(`
root_directory: /data
block_size: 512
segment_size: 1048576
io_depth: 8
batch_capacity: 32
preferred_fullness: 0.5
`))
	require.NoError(t, err)
	assert.Equal(t, uint32(512), c.BlockSize)
	assert.Equal(t, uint64(1048576), c.SegmentSize)
	assert.Equal(t, 8, c.IODepth)
	assert.Equal(t, 32, c.BatchCapacity)
	assert.InDelta(t, 0.5, c.PreferredFullness, 1e-9)
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{"missing root", "block_size: 4096\n"},
		{"block size not power of two", "root_directory: /data\nblock_size: 1000\n"},
		{"segment size unaligned", "root_directory: /data\nsegment_size: 4097\n"},
		{"zero io depth", "root_directory: /data\nio_depth: 0\n"},
		{"fullness out of range", "root_directory: /data\npreferred_fullness: 1.5\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var c SegstoreConfig
			assert.Error(t, c.Parse([]byte(tc.yml)))
		})
	}
}
