package device

import (
	"github.com/slabworks/segstore/journal/wal"
)

// Device is a segmented block device: a fixed number of fixed-size
// append-oriented segments, each addressed by a local segment id. The
// journal treats this as a trusted primitive.
type Device interface {
	ID() wal.DeviceID
	BlockSize() uint32
	SegmentSize() uint64
	NumSegments() uint32

	// ReadAt reads len(p) bytes from the given offset within a segment.
	// A read of never-written space returns zero bytes, which decoders
	// report as wal.ErrNoData.
	ReadAt(local uint32, off uint64, p []byte) error

	// OpenSegment opens one segment for writing.
	OpenSegment(local uint32) (Segment, error)

	Close() error
}

// Segment is one open, writable segment.
type Segment interface {
	ID() wal.SegmentID

	// Write writes p at the given offset within the segment and syncs.
	Write(off uint64, p []byte) error

	Close() error
}

// BlockDevice is a byte-addressable device without a segment abstraction,
// backing the circular bounded journal.
type BlockDevice interface {
	ID() wal.DeviceID
	BlockSize() uint32
	Size() uint64

	ReadAt(off uint64, p []byte) error
	WriteAt(off uint64, p []byte) error

	Close() error
}
