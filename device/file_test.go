package device

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabworks/segstore/journal/wal"
)

func TestFileDeviceReadWrite(t *testing.T) {
	d, err := NewFileDevice(filepath.Join(t.TempDir(), "dev.dat"), 3, 512, 8*512, 4)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, wal.DeviceID(3), d.ID())
	assert.Equal(t, uint32(512), d.BlockSize())
	assert.Equal(t, uint64(8*512), d.SegmentSize())
	assert.Equal(t, uint32(4), d.NumSegments())

	seg, err := d.OpenSegment(1)
	require.NoError(t, err)
	assert.Equal(t, wal.SegmentID{Device: 3, Local: 1}, seg.ID())
	payload := bytes.Repeat([]byte{0xaa}, 512)
	require.NoError(t, seg.Write(512, payload))

	buf := make([]byte, 512)
	require.NoError(t, d.ReadAt(1, 512, buf))
	assert.Equal(t, payload, buf)

	// Never-written space reads back as zeros.
	require.NoError(t, d.ReadAt(1, 1024, buf))
	assert.Equal(t, make([]byte, 512), buf)

	// Segments are isolated from each other.
	require.NoError(t, d.ReadAt(2, 512, buf))
	assert.Equal(t, make([]byte, 512), buf)
}

func TestFileDeviceBounds(t *testing.T) {
	d, err := NewFileDevice(filepath.Join(t.TempDir(), "dev.dat"), 0, 512, 4*512, 2)
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 512)
	assert.ErrorIs(t, d.ReadAt(2, 0, buf), wal.ErrOutOfRange)
	assert.ErrorIs(t, d.ReadAt(0, 4*512, buf), wal.ErrOutOfRange)

	_, err = d.OpenSegment(2)
	assert.ErrorIs(t, err, wal.ErrOutOfRange)

	seg, err := d.OpenSegment(0)
	require.NoError(t, err)
	assert.ErrorIs(t, seg.Write(4*512-256, buf), wal.ErrOutOfRange)

	_, err = NewFileDevice(filepath.Join(t.TempDir(), "bad.dat"), 0, 512, 1000, 2)
	assert.ErrorIs(t, err, wal.ErrInvalidArg)
}

func TestFileBlockDeviceReadWrite(t *testing.T) {
	d, err := NewFileBlockDevice(filepath.Join(t.TempDir(), "blk.dat"), 1, 512, 16*512)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, uint64(16*512), d.Size())
	payload := bytes.Repeat([]byte{0x5c}, 1024)
	require.NoError(t, d.WriteAt(2048, payload))

	buf := make([]byte, 1024)
	require.NoError(t, d.ReadAt(2048, buf))
	assert.Equal(t, payload, buf)

	assert.ErrorIs(t, d.ReadAt(16*512-512, make([]byte, 1024)), wal.ErrOutOfRange)
	assert.ErrorIs(t, d.WriteAt(16*512, []byte{1}), wal.ErrOutOfRange)

	_, err = NewFileBlockDevice(filepath.Join(t.TempDir(), "bad.dat"), 1, 512, 1000)
	assert.ErrorIs(t, err, wal.ErrInvalidArg)
}
