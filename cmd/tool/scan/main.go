// Package scan implements the journal debugger.
package scan

import (
	"fmt"
	"os"
	"sort"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/slabworks/segstore/device"
	"github.com/slabworks/segstore/journal"
	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/log"
)

const (
	scanUsage     = "scan"
	scanShortDesc = "Scans a journal device and dumps every valid record group"
	scanLongDesc  = "This command replays a journal device read-only and prints each record group it finds"
)

var (
	// Cmd is the scan command.
	Cmd = &cobra.Command{
		Use:     scanUsage,
		Short:   scanShortDesc,
		Long:    scanLongDesc,
		Example: "segstore tool scan --device journal.dat --mode circular",
		RunE:    executeScan,
	}
	devicePath string
	mode       string
	blockSize  uint32
	segSizeStr string
)

func init() {
	Cmd.Flags().StringVarP(&devicePath, "device", "d", "", "path to the device file")
	Cmd.Flags().StringVarP(&mode, "mode", "m", "circular", "journal flavor: circular or segmented")
	Cmd.Flags().Uint32Var(&blockSize, "block-size", 4096, "device block size in bytes")
	Cmd.Flags().StringVar(&segSizeStr, "segment-size", "64M", "segment size for segmented mode")
	Cmd.MarkFlagRequired("device")
}

func executeScan(*cobra.Command, []string) error {
	log.SetLevel(log.INFO)
	info, err := os.Stat(devicePath)
	if err != nil {
		return errors.Wrapf(err, "cannot stat %s", devicePath)
	}
	switch mode {
	case "circular":
		return scanCircular(uint64(info.Size()))
	case "segmented":
		return scanSegmented(uint64(info.Size()))
	default:
		return errors.Errorf("unknown journal mode %q", mode)
	}
}

func printGroup(loc wal.RecordLocator, h journal.GroupHeader, _ []byte) error {
	fmt.Printf("%s records=%d meta=%s data=%s committed_to=%s\n",
		loc.WriteResult.StartSeq, h.NumRecords,
		bytefmt.ByteSize(uint64(h.MetaLen)), bytefmt.ByteSize(uint64(h.DataLen)),
		h.CommittedTo)
	return nil
}

func scanCircular(size uint64) error {
	dev, err := device.NewFileBlockDevice(devicePath, 0, blockSize, size)
	if err != nil {
		return err
	}
	defer dev.Close()
	cbj := journal.NewCircularJournal(dev)
	if err := cbj.OpenForMount(); err != nil {
		return err
	}
	h := cbj.ReadHeader()
	fmt.Printf("circular journal: size=%s dirty_tail=%s alloc_tail=%s\n",
		bytefmt.ByteSize(h.Size), h.DirtyTail, h.AllocTail)
	groups := 0
	if err := cbj.Replay(func(loc wal.RecordLocator, h journal.GroupHeader, md []byte) error {
		groups++
		return printGroup(loc, h, md)
	}); err != nil {
		return err
	}
	fmt.Printf("%d record groups, %s used of %s\n",
		groups, bytefmt.ByteSize(cbj.UsedSize()), bytefmt.ByteSize(cbj.TotalSize()))
	return nil
}

func scanSegmented(fileSize uint64) error {
	segSize, err := bytefmt.ToBytes(segSizeStr)
	if err != nil {
		return errors.Wrapf(err, "cannot parse segment size %q", segSizeStr)
	}
	numSegments := uint32(fileSize / segSize)
	if numSegments == 0 {
		return errors.Errorf("device %s smaller than one segment", devicePath)
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
	entries, err := group.FindJournalSegmentHeaders()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].Header.Seq < entries[b].Header.Seq
	})
	fmt.Printf("%d journal segments\n", len(entries))
	groups := 0
	total := uint64(0)
	for _, e := range entries {
		fmt.Printf("segment %s seq=%d nonce=%d dirty_tail=%s alloc_tail=%s\n",
			e.ID, e.Header.Seq, e.Header.Nonce, e.Header.DirtyTail, e.Header.AllocTail)
		cursor := journal.NewScanCursor(wal.JournalSeq{
			Seq: e.Header.Seq,
			At:  wal.Address{Segment: e.ID},
		})
		for !cursor.IsComplete() {
			used, err := group.ScanValidRecords(cursor, e.Header.Nonce, segSize,
				func(loc wal.RecordLocator, h journal.GroupHeader, md []byte) error {
					groups++
					return printGroup(loc, h, md)
				})
			total += used
			if err != nil {
				return err
			}
		}
	}
	fmt.Printf("%d record groups, %s scanned\n", groups, bytefmt.ByteSize(total))
	return nil
}
