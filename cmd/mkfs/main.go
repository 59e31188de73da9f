// Package mkfs initializes a journal on a device file.
package mkfs

import (
	"math/rand"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/slabworks/segstore/device"
	"github.com/slabworks/segstore/journal"
	"github.com/slabworks/segstore/utils/log"
)

const (
	usage   = "mkfs"
	short   = "Initializes a journal on a device file"
	long    = "This command formats a file-backed device with an empty circular or segmented journal"
	example = "segstore mkfs --device journal.dat --mode circular --size 64M"
)

var (
	// Cmd is the mkfs command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		SuggestFor: []string{"format", "init"},
		Example:    example,
		RunE:       executeMkfs,
	}
	devicePath  string
	mode        string
	blockSize   uint32
	sizeStr     string
	segSizeStr  string
	numSegments uint32
)

func init() {
	Cmd.Flags().StringVarP(&devicePath, "device", "d", "", "path to the device file")
	Cmd.Flags().StringVarP(&mode, "mode", "m", "circular", "journal flavor: circular or segmented")
	Cmd.Flags().Uint32Var(&blockSize, "block-size", 4096, "device block size in bytes")
	Cmd.Flags().StringVar(&sizeStr, "size", "64M", "circular journal size, including the header block")
	Cmd.Flags().StringVar(&segSizeStr, "segment-size", "64M", "segment size for segmented mode")
	Cmd.Flags().Uint32Var(&numSegments, "segments", 64, "segment count for segmented mode")
	Cmd.MarkFlagRequired("device")
}

func executeMkfs(*cobra.Command, []string) error {
	switch mode {
	case "circular":
		return mkfsCircular()
	case "segmented":
		return mkfsSegmented()
	default:
		return errors.Errorf("unknown journal mode %q", mode)
	}
}

func mkfsCircular() error {
	size, err := bytefmt.ToBytes(sizeStr)
	if err != nil {
		return errors.Wrapf(err, "cannot parse size %q", sizeStr)
	}
	dev, err := device.NewFileBlockDevice(devicePath, 0, blockSize, size)
	if err != nil {
		return err
	}
	defer dev.Close()
	cbj := journal.NewCircularJournal(dev)
	if err := cbj.Mkfs(time.Now().UnixNano()); err != nil {
		return err
	}
	log.Info("initialized circular journal on %s, size %s",
		devicePath, bytefmt.ByteSize(size))
	return nil
}

func mkfsSegmented() error {
	segSize, err := bytefmt.ToBytes(segSizeStr)
	if err != nil {
		return errors.Wrapf(err, "cannot parse segment size %q", segSizeStr)
	}
	dev, err := device.NewFileDevice(devicePath, 0, blockSize, segSize, numSegments)
	if err != nil {
		return err
	}
	defer dev.Close()
	group := journal.NewDeviceGroup()
	if err := group.AddDevice(dev); err != nil {
		return err
	}
	sj := journal.NewSegmentedJournal(group, journal.SegmentedJournalConfig{
		IODepth:           4,
		BatchCapacity:     16,
		BatchFlushSize:    1 << 20,
		PreferredFullness: 0.95,
	}, rand.New(rand.NewSource(time.Now().UnixNano())))
	start, err := sj.OpenForMkfs()
	if err != nil {
		return err
	}
	if err := sj.Close(); err != nil {
		return err
	}
	log.Info("initialized segmented journal on %s, %d segments of %s, start %s",
		devicePath, numSegments, bytefmt.ByteSize(segSize), start)
	return nil
}
