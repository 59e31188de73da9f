package device

import (
	goio "io"
	"os"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/io"
)

// FileDevice emulates a segmented block device on a single sparse file.
// Segment N occupies the byte range [N*segmentSize, (N+1)*segmentSize).
type FileDevice struct {
	id          wal.DeviceID
	blockSize   uint32
	segmentSize uint64
	numSegments uint32
	fp          *os.File
}

// NewFileDevice creates or opens the backing file and sizes it to hold
// numSegments segments.
func NewFileDevice(path string, id wal.DeviceID, blockSize uint32,
	segmentSize uint64, numSegments uint32,
) (*FileDevice, error) {
	if blockSize == 0 || segmentSize%uint64(blockSize) != 0 {
		return nil, errors.Wrapf(wal.ErrInvalidArg,
			"segment size %d not a multiple of block size %d", segmentSize, blockSize)
	}
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open device file %s", path)
	}
	size := int64(segmentSize) * int64(numSegments)
	if err := fp.Truncate(size); err != nil {
		fp.Close()
		return nil, errors.Wrapf(err, "cannot size device file %s to %d", path, size)
	}
	return &FileDevice{
		id:          id,
		blockSize:   blockSize,
		segmentSize: segmentSize,
		numSegments: numSegments,
		fp:          fp,
	}, nil
}

func (d *FileDevice) ID() wal.DeviceID    { return d.id }
func (d *FileDevice) BlockSize() uint32   { return d.blockSize }
func (d *FileDevice) SegmentSize() uint64 { return d.segmentSize }
func (d *FileDevice) NumSegments() uint32 { return d.numSegments }

func (d *FileDevice) ReadAt(local uint32, off uint64, p []byte) error {
	if local >= d.numSegments || off+uint64(len(p)) > d.segmentSize {
		return errors.Wrapf(wal.ErrOutOfRange,
			"read %s:%d~%d", wal.SegmentID{Device: d.id, Local: local}, off, len(p))
	}
	abs := int64(local)*int64(d.segmentSize) + int64(off)
	n, err := d.fp.ReadAt(p, abs)
	if err != nil && err != goio.EOF {
		return errors.Wrapf(err, "device %d read at %d", d.id, abs)
	}
	if n != len(p) {
		return wal.ShortReadError(io.GetCallerFileContext(0))
	}
	return nil
}

func (d *FileDevice) OpenSegment(local uint32) (Segment, error) {
	if local >= d.numSegments {
		return nil, errors.Wrapf(wal.ErrOutOfRange, "segment %d of %d", local, d.numSegments)
	}
	return &fileSegment{dev: d, local: local}, nil
}

func (d *FileDevice) Close() error {
	return d.fp.Close()
}

type fileSegment struct {
	dev   *FileDevice
	local uint32
}

func (s *fileSegment) ID() wal.SegmentID {
	return wal.SegmentID{Device: s.dev.id, Local: s.local}
}

func (s *fileSegment) Write(off uint64, p []byte) error {
	if off+uint64(len(p)) > s.dev.segmentSize {
		return errors.Wrapf(wal.ErrOutOfRange, "write %s:%d~%d", s.ID(), off, len(p))
	}
	abs := int64(s.local)*int64(s.dev.segmentSize) + int64(off)
	if _, err := s.dev.fp.WriteAt(p, abs); err != nil {
		return errors.Wrapf(err, "segment %s write at %d", s.ID(), off)
	}
	return s.dev.fp.Sync()
}

func (s *fileSegment) Close() error {
	return nil
}
