package device

import (
	goio "io"
	"os"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/io"
)

// FileBlockDevice emulates a raw byte-addressable block device on a file,
// backing the circular bounded journal.
type FileBlockDevice struct {
	id        wal.DeviceID
	blockSize uint32
	size      uint64
	fp        *os.File
}

func NewFileBlockDevice(path string, id wal.DeviceID, blockSize uint32, size uint64,
) (*FileBlockDevice, error) {
	if blockSize == 0 || size%uint64(blockSize) != 0 {
		return nil, errors.Wrapf(wal.ErrInvalidArg,
			"device size %d not a multiple of block size %d", size, blockSize)
	}
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open device file %s", path)
	}
	if err := fp.Truncate(int64(size)); err != nil {
		fp.Close()
		return nil, errors.Wrapf(err, "cannot size device file %s to %d", path, size)
	}
	return &FileBlockDevice{id: id, blockSize: blockSize, size: size, fp: fp}, nil
}

func (d *FileBlockDevice) ID() wal.DeviceID  { return d.id }
func (d *FileBlockDevice) BlockSize() uint32 { return d.blockSize }
func (d *FileBlockDevice) Size() uint64      { return d.size }

func (d *FileBlockDevice) ReadAt(off uint64, p []byte) error {
	if off+uint64(len(p)) > d.size {
		return errors.Wrapf(wal.ErrOutOfRange, "read %d~%d", off, len(p))
	}
	n, err := d.fp.ReadAt(p, int64(off))
	if err != nil && err != goio.EOF {
		return errors.Wrapf(err, "block device %d read at %d", d.id, off)
	}
	if n != len(p) {
		return wal.ShortReadError(io.GetCallerFileContext(0))
	}
	return nil
}

func (d *FileBlockDevice) WriteAt(off uint64, p []byte) error {
	if off+uint64(len(p)) > d.size {
		return errors.Wrapf(wal.ErrOutOfRange, "write %d~%d", off, len(p))
	}
	if _, err := d.fp.WriteAt(p, int64(off)); err != nil {
		return errors.Wrapf(err, "block device %d write at %d", d.id, off)
	}
	return d.fp.Sync()
}

func (d *FileBlockDevice) Close() error {
	return d.fp.Close()
}
