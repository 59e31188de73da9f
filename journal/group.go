package journal

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/device"
	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/log"
)

// FoundRecordHandler is invoked once per valid record group discovered
// during a scan, in journal order.
type FoundRecordHandler func(loc wal.RecordLocator, header GroupHeader, md []byte) error

// DeviceGroup provides uniform addressing, validated reads and the replay
// scan protocol across an arbitrary number of devices. Devices are shared
// read-only here; write cursors belong to the allocators that opened them.
type DeviceGroup struct {
	order []device.Device
	byID  map[wal.DeviceID]device.Device
}

func NewDeviceGroup() *DeviceGroup {
	return &DeviceGroup{byID: map[wal.DeviceID]device.Device{}}
}

// AddDevice registers a device. All devices in a group must share one
// block size.
func (g *DeviceGroup) AddDevice(d device.Device) error {
	if _, ok := g.byID[d.ID()]; ok {
		return errors.Wrapf(wal.ErrInvalidArg, "duplicate device %d", d.ID())
	}
	if len(g.order) > 0 && d.BlockSize() != g.order[0].BlockSize() {
		return errors.Wrapf(wal.ErrInvalidArg,
			"device %d block size %d differs from group block size %d",
			d.ID(), d.BlockSize(), g.order[0].BlockSize())
	}
	g.order = append(g.order, d)
	g.byID[d.ID()] = d
	return nil
}

// Device looks up a registered device. An unknown id is a programming
// error.
func (g *DeviceGroup) Device(id wal.DeviceID) device.Device {
	d, ok := g.byID[id]
	if !ok {
		panic(fmt.Sprintf("DeviceGroup: unknown device %d", id))
	}
	return d
}

func (g *DeviceGroup) BlockSize() uint32 {
	if len(g.order) == 0 {
		panic("DeviceGroup: no devices")
	}
	return g.order[0].BlockSize()
}

func (g *DeviceGroup) SegmentSize() uint64 {
	if len(g.order) == 0 {
		panic("DeviceGroup: no devices")
	}
	return g.order[0].SegmentSize()
}

// RoundedHeaderLen is the block-aligned space reserved for the segment
// header.
func (g *DeviceGroup) RoundedHeaderLen() uint64 {
	return uint64(g.BlockSize())
}

// RoundedTailLen is the block-aligned space reserved for the segment tail.
func (g *DeviceGroup) RoundedTailLen() uint64 {
	return uint64(g.BlockSize())
}

// ReadSegmentHeader reads and decodes block 0 of a segment. A decode
// failure is wal.ErrNoData: "this is not a valid journal segment".
func (g *DeviceGroup) ReadSegmentHeader(id wal.SegmentID) (SegmentHeader, error) {
	d := g.Device(id.Device)
	buf := make([]byte, g.RoundedHeaderLen())
	if err := d.ReadAt(id.Local, 0, buf); err != nil {
		return SegmentHeader{}, err
	}
	h, err := DecodeSegmentHeader(buf)
	if err != nil {
		return SegmentHeader{}, wal.ErrNoData
	}
	if h.ID != id {
		// Stale header from a reused slot on a differently laid out
		// device.
		return SegmentHeader{}, wal.ErrNoData
	}
	return h, nil
}

// ReadSegmentTail reads and decodes the final block of a segment. A
// decode failure is wal.ErrNoData: "the tail was never written".
func (g *DeviceGroup) ReadSegmentTail(id wal.SegmentID) (SegmentTail, error) {
	d := g.Device(id.Device)
	buf := make([]byte, g.RoundedTailLen())
	if err := d.ReadAt(id.Local, d.SegmentSize()-g.RoundedTailLen(), buf); err != nil {
		return SegmentTail{}, err
	}
	t, err := DecodeSegmentTail(buf)
	if err != nil {
		return SegmentTail{}, wal.ErrNoData
	}
	return t, nil
}

// SegmentHeaderEntry pairs a discovered journal segment with its id.
type SegmentHeaderEntry struct {
	ID     wal.SegmentID
	Header SegmentHeader
}

// FindJournalSegmentHeaders enumerates every segment on every device and
// returns those whose header marks them as journal segments. Device order
// is insertion order, segments ascend by local id. Per-segment decode
// failures are skipped; any other I/O error aborts the enumeration.
func (g *DeviceGroup) FindJournalSegmentHeaders() ([]SegmentHeaderEntry, error) {
	var found []SegmentHeaderEntry
	for _, d := range g.order {
		log.Debug("scanning device %d with %d segments", d.ID(), d.NumSegments())
		for local := uint32(0); local < d.NumSegments(); local++ {
			id := wal.SegmentID{Device: d.ID(), Local: local}
			h, err := g.ReadSegmentHeader(id)
			if errors.Is(err, wal.ErrNoData) {
				continue
			}
			if err != nil {
				return nil, errors.Wrapf(err, "enumerating segment %s", id)
			}
			if h.Type == wal.SegmentTypeJournal {
				found = append(found, SegmentHeaderEntry{ID: id, Header: h})
			}
		}
	}
	return found, nil
}

// discoveredGroup is one record group whose metadata validated but whose
// records have not yet been delivered to the handler.
type discoveredGroup struct {
	offset wal.Address
	header GroupHeader
	meta   []byte
}

// ScanCursor tracks replay progress through one journal stream.
type ScanCursor struct {
	// Seq is the read position: discovery continues at Seq.At.
	Seq wal.JournalSeq
	// LastCommitted is the most recently observed committed-to
	// watermark; pending groups at or before it are safe to deliver.
	LastCommitted wal.JournalSeq

	pending              []discoveredGroup
	lastValidHeaderFound bool
}

func NewScanCursor(start wal.JournalSeq) *ScanCursor {
	return &ScanCursor{Seq: start, LastCommitted: wal.NullJournalSeq}
}

func (c *ScanCursor) IsComplete() bool {
	return c.lastValidHeaderFound && len(c.pending) == 0
}

func (c *ScanCursor) PendingGroups() int {
	return len(c.pending)
}

// addGroup records a discovered group and advances the read position past
// it. A group's committed_to can only reference positions strictly before
// the group itself, which is why discovery must run one group ahead of
// delivery.
func (c *ScanCursor) addGroup(h GroupHeader, md []byte) {
	c.pending = append(c.pending, discoveredGroup{
		offset: c.Seq.At,
		header: h,
		meta:   md,
	})
	if !h.CommittedTo.IsNull() {
		if !c.LastCommitted.IsNull() && h.CommittedTo.Before(c.LastCommitted) {
			panic(fmt.Sprintf("scan: committed_to went backwards: %s < %s",
				h.CommittedTo, c.LastCommitted))
		}
		c.LastCommitted = h.CommittedTo
	}
	c.Seq.At = c.Seq.At.AddOffset(uint64(h.MetaLen) + uint64(h.DataLen))
}

func (c *ScanCursor) String() string {
	return fmt.Sprintf("cursor(%s, pending=%d, committed=%s, headerEnd=%v)",
		c.Seq, len(c.pending), c.LastCommitted, c.lastValidHeaderFound)
}

// ScanValidRecords discovers and delivers valid record groups starting at
// the cursor's position, invoking handler once per group in journal
// order. Validation is two-phase: metadata first, then the data region,
// so a torn tail write is detected without the data being
// self-describing. A validation failure of either phase marks the end of
// the log; it is the expected shape of a crash-interrupted write, not an
// error. The scan stops once the cursor completes or the consumed bytes
// reach budget, so an arbitrarily long log can be scanned incrementally.
// Returns the budget consumed.
func (g *DeviceGroup) ScanValidRecords(cursor *ScanCursor, nonce uint32,
	budget uint64, handler FoundRecordHandler,
) (uint64, error) {
	if cursor.Seq.At.Offset == 0 {
		log.Info("start to scan segment %s", cursor.Seq.At.Segment)
		cursor.Seq.At.Offset = g.RoundedHeaderLen()
	}
	log.Debug("scanning from %s, budget=%d", cursor, budget)
	budgetUsed := uint64(0)
	for {
		if !cursor.lastValidHeaderFound {
			h, md, err := g.readValidateMetadata(cursor.Seq.At, nonce)
			if err != nil {
				if !errors.Is(err, wal.ErrNoData) {
					return budgetUsed, err
				}
				cursor.lastValidHeaderFound = true
				if cursor.IsComplete() {
					log.Info("scan complete at %s, invalid record group metadata", cursor)
				} else {
					log.Debug("found invalid record group metadata at %s, %d pending groups",
						cursor.Seq, len(cursor.pending))
				}
			} else {
				log.Debug("found valid group at %s, mdlen=%d dlen=%d",
					cursor.Seq, h.MetaLen, h.DataLen)
				cursor.addGroup(h, md)
			}
			// Deliver every pending group covered by the committed-to
			// watermark. An empty pending queue here is only possible
			// for an empty segment: the most recently read group must
			// always fall after LastCommitted.
			for len(cursor.pending) > 0 {
				next := cursor.pending[0]
				nextSeq := wal.JournalSeq{Seq: cursor.Seq.Seq, At: next.offset}
				if cursor.LastCommitted.IsNull() || nextSeq.After(cursor.LastCommitted) {
					break
				}
				if err := g.consumeNext(cursor, handler, &budgetUsed); err != nil {
					return budgetUsed, err
				}
				if cursor.lastValidHeaderFound && len(cursor.pending) == 0 {
					break
				}
			}
		} else {
			if len(cursor.pending) == 0 {
				break
			}
			if err := g.consumeNext(cursor, handler, &budgetUsed); err != nil {
				return budgetUsed, err
			}
		}
		if cursor.IsComplete() || budgetUsed >= budget {
			log.Debug("scan finished at %s, budget_used=%d, budget=%d",
				cursor, budgetUsed, budget)
			break
		}
	}
	return budgetUsed, nil
}

// readValidateMetadata reads and validates the metadata region of the
// group at start. The region spans an initial fixed-size block plus a
// remainder read when it is longer than one block.
func (g *DeviceGroup) readValidateMetadata(start wal.Address, nonce uint32,
) (GroupHeader, []byte, error) {
	d := g.Device(start.Segment.Device)
	blockSize := uint64(d.BlockSize())
	segmentSize := d.SegmentSize()
	if start.Offset+blockSize > segmentSize {
		log.Debug("group header block %s~%d beyond segment size %d",
			start, blockSize, segmentSize)
		return GroupHeader{}, nil, wal.ErrNoData
	}
	first := make([]byte, blockSize)
	if err := d.ReadAt(start.Segment.Local, start.Offset, first); err != nil {
		return GroupHeader{}, nil, err
	}
	h, err := DecodeGroupHeader(first)
	if err != nil {
		return GroupHeader{}, nil, wal.ErrNoData
	}
	if uint64(h.MetaLen) < blockSize ||
		uint64(h.MetaLen)%blockSize != 0 ||
		uint64(h.DataLen)%blockSize != 0 ||
		(!h.CommittedTo.IsNull() && h.CommittedTo.At.Offset%blockSize != 0) ||
		start.Offset+uint64(h.MetaLen)+uint64(h.DataLen) > segmentSize {
		log.Error("invalid record group header at %s", start)
		return GroupHeader{}, nil, errors.Wrapf(wal.ErrNoData,
			"inconsistent group header at %s", start)
	}
	md := first
	if uint64(h.MetaLen) > blockSize {
		rest := make([]byte, uint64(h.MetaLen)-blockSize)
		if err := d.ReadAt(start.Segment.Local, start.Offset+blockSize, rest); err != nil {
			return GroupHeader{}, nil, err
		}
		md = append(md, rest...)
	}
	vh, err := ValidateGroupMetadata(md, nonce)
	if err != nil {
		return GroupHeader{}, nil, wal.ErrNoData
	}
	return vh, md, nil
}

// readValidateData reads the data region of a discovered group and checks
// it against the checksum recorded in the header.
func (g *DeviceGroup) readValidateData(base wal.Address, h GroupHeader) (bool, error) {
	d := g.Device(base.Segment.Device)
	data := make([]byte, h.DataLen)
	if err := d.ReadAt(base.Segment.Local, base.Offset+uint64(h.MetaLen), data); err != nil {
		return false, err
	}
	return ValidateGroupData(h, data), nil
}

// consumeNext validates the front pending group's data region and, if
// valid, delivers it to the handler. An invalid data region marks
// discovery complete: the tail write was torn.
func (g *DeviceGroup) consumeNext(cursor *ScanCursor, handler FoundRecordHandler,
	budgetUsed *uint64,
) error {
	next := cursor.pending[0]
	valid, err := g.readValidateData(next.offset, next.header)
	if err != nil {
		return err
	}
	if !valid {
		log.Info("scan complete at %s, invalid record group data at %s",
			cursor, next.offset)
		cursor.pending = nil
		cursor.lastValidHeaderFound = true
		return nil
	}
	totalLen := uint64(next.header.MetaLen) + uint64(next.header.DataLen)
	*budgetUsed += totalLen
	loc := wal.RecordLocator{
		RecordBase: next.offset.AddOffset(uint64(next.header.MetaLen)),
		WriteResult: wal.WriteResult{
			StartSeq: wal.JournalSeq{Seq: cursor.Seq.Seq, At: next.offset},
			Length:   totalLen,
		},
	}
	log.Debug("processing group at %s, budget_used=%d", loc, *budgetUsed)
	if err := handler(loc, next.header, next.meta); err != nil {
		return err
	}
	cursor.pending = cursor.pending[1:]
	if cursor.IsComplete() {
		log.Info("scan complete at %s, no more record groups", cursor)
	}
	return nil
}
