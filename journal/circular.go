package journal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/device"
	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/log"
)

// CircularJournal appends record groups into a fixed byte range on one
// block device, wrapping back to the start when the end is reached. The
// persistent header in the device's leading block carries the tails; the
// head is reconstructed by replay. A submission that would overwrite
// records the tails still protect is refused with wal.ErrJournalFull.
//
// Every group records its own start sequence as the committed-to value,
// which is how replay tells live records from stale bytes surviving a
// previous wrap. The wrap count takes the place of a segment sequence.
type CircularJournal struct {
	dev device.BlockDevice

	mu        sync.Mutex
	header    CircularHeader
	writtenTo wal.JournalSeq
	opened    bool
}

// circularNonce tags record groups in the circular journal. Liveness is
// decided by the committed-to check, not the nonce.
const circularNonce uint32 = 0

func NewCircularJournal(dev device.BlockDevice) *CircularJournal {
	return &CircularJournal{dev: dev}
}

func (j *CircularJournal) pseudoSegment() wal.SegmentID {
	return wal.SegmentID{Device: j.dev.ID(), Local: 0}
}

// StartAddr is the first writable byte, just past the header block.
func (j *CircularJournal) StartAddr() uint64 {
	return uint64(j.dev.BlockSize())
}

// JournalEnd is one past the last writable byte.
func (j *CircularJournal) JournalEnd() uint64 {
	return j.StartAddr() + j.header.Size
}

func (j *CircularJournal) TotalSize() uint64 { return j.header.Size }

// Mkfs initializes the device with an empty journal.
func (j *CircularJournal) Mkfs(instanceID int64) error {
	size := j.dev.Size()
	bs := j.dev.BlockSize()
	if size < uint64(bs)*4 {
		return errors.Wrapf(wal.ErrInvalidArg,
			"device of %d bytes too small for a circular journal", size)
	}
	tail := wal.JournalSeq{
		Seq: 0,
		At:  wal.Address{Segment: j.pseudoSegment(), Offset: uint64(bs)},
	}
	j.header = CircularHeader{
		InstanceID: instanceID,
		BlockSize:  bs,
		Size:       size - uint64(bs),
		DirtyTail:  tail,
		AllocTail:  tail,
		DeviceID:   j.dev.ID(),
	}
	log.Info("mkfs circular journal: size=%d, block_size=%d, instance=%d",
		j.header.Size, bs, instanceID)
	return j.WriteHeader()
}

// OpenForMount loads and validates the persistent header. Replay must
// run before submissions to reconstruct the head.
func (j *CircularJournal) OpenForMount() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	h, err := j.readHeaderLocked()
	if err != nil {
		return err
	}
	if h.BlockSize != j.dev.BlockSize() ||
		h.Size != j.dev.Size()-uint64(j.dev.BlockSize()) ||
		h.DeviceID != j.dev.ID() {
		return wal.ReplayError{
			Msg:  "circular journal header does not match device geometry",
			Cont: false,
		}
	}
	j.header = h
	log.Info("mount circular journal: size=%d, dirty_tail=%s, alloc_tail=%s",
		h.Size, h.DirtyTail, h.AllocTail)
	return nil
}

func (j *CircularJournal) readHeaderLocked() (CircularHeader, error) {
	buf := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadAt(0, buf); err != nil {
		return CircularHeader{}, err
	}
	h, err := DecodeCircularHeader(buf)
	if err != nil {
		return CircularHeader{}, wal.ReplayError{
			Msg:  "no valid circular journal header",
			Cont: false,
		}
	}
	return h, nil
}

// ReadHeader returns the in-memory copy of the persistent header.
func (j *CircularJournal) ReadHeader() CircularHeader {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header
}

// WriteHeader persists the header into the leading block.
func (j *CircularJournal) WriteHeader() error {
	buf := EncodeCircularHeader(j.header, j.dev.BlockSize())
	return j.dev.WriteAt(0, buf)
}

// journalTail is the older of the two tails; nothing before it may be
// overwritten.
func (j *CircularJournal) journalTailLocked() wal.JournalSeq {
	if j.header.AllocTail.Before(j.header.DirtyTail) {
		return j.header.AllocTail
	}
	return j.header.DirtyTail
}

func (j *CircularJournal) usedLocked() uint64 {
	tail := j.journalTailLocked()
	wt := j.writtenTo.At.Offset
	if wt == tail.At.Offset {
		// Equal offsets are ambiguous: the head either never left the
		// tail or wrapped all the way around onto it. The wrap sequence
		// tells the two apart.
		if j.writtenTo.Seq > tail.Seq {
			return j.header.Size
		}
		return 0
	}
	if wt > tail.At.Offset {
		return wt - tail.At.Offset
	}
	return wt + j.header.Size - tail.At.Offset
}

func (j *CircularJournal) UsedSize() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.usedLocked()
}

func (j *CircularJournal) AvailableSize() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header.Size - j.usedLocked()
}

func (j *CircularJournal) WrittenTo() wal.JournalSeq {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writtenTo
}

// UpdateJournalTail advances the tails and rewrites the header in place.
// Tails never regress.
func (j *CircularJournal) UpdateJournalTail(dirty, alloc wal.JournalSeq) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if dirty.IsNull() || alloc.IsNull() {
		return errors.Wrap(wal.ErrInvalidArg, "null journal tail")
	}
	if dirty.Before(j.header.DirtyTail) || alloc.Before(j.header.AllocTail) {
		return errors.Wrapf(wal.ErrInvalidArg,
			"journal tail regression: dirty %s -> %s, alloc %s -> %s",
			j.header.DirtyTail, dirty, j.header.AllocTail, alloc)
	}
	j.header.DirtyTail = dirty
	j.header.AllocTail = alloc
	return j.WriteHeader()
}

// SubmitRecord encodes one record into its own group and writes it at
// the head, wrapping to the start when the group does not fit before the
// journal end. The space skipped by a wrap stays accounted as used until
// the tail itself wraps.
func (j *CircularJournal) SubmitRecord(r wal.Record) (wal.RecordLocator, error) {
	j.mu.Lock()
	if !j.opened {
		j.mu.Unlock()
		return wal.RecordLocator{}, errors.Wrap(wal.ErrInvalidArg,
			"submit before replay")
	}
	size := SizeOfRecords([]wal.Record{r}, j.dev.BlockSize())
	length := size.EncodedLen()
	if length > j.header.Size {
		j.mu.Unlock()
		return wal.RecordLocator{}, errors.Wrapf(wal.ErrOutOfRange,
			"record group of %d bytes exceeds journal size %d", length, j.header.Size)
	}
	needed := length
	rolls := j.writtenTo.At.Offset+length > j.JournalEnd()
	if rolls {
		needed += j.JournalEnd() - j.writtenTo.At.Offset
	}
	if needed > j.header.Size-j.usedLocked() {
		j.mu.Unlock()
		return wal.RecordLocator{}, errors.Wrapf(wal.ErrJournalFull,
			"need %d bytes, %d available", needed, j.header.Size-j.usedLocked())
	}
	if rolls {
		log.Debug("circular journal rolls to start, seq %d -> %d",
			j.writtenTo.Seq, j.writtenTo.Seq+1)
		j.writtenTo.Seq++
		j.writtenTo.At.Offset = j.StartAddr()
	}
	start := j.writtenTo
	j.writtenTo.At.Offset += length
	j.mu.Unlock()

	buf, _ := SubmitPendingFast(r, j.dev.BlockSize(), start, circularNonce)
	if err := j.dev.WriteAt(start.At.Offset, buf); err != nil {
		return wal.RecordLocator{}, err
	}
	return wal.RecordLocator{
		RecordBase: start.At.AddOffset(size.MetaLen()),
		WriteResult: wal.WriteResult{
			StartSeq: start,
			Length:   length,
		},
	}, nil
}

// Replay walks the journal from the tail, delivering every live record
// group in order, and reconstructs the head. A group is live when its
// metadata and data validate and its recorded committed-to equals its
// own position; stale bytes from a previous wrap fail that equality. At
// most one wrap can separate tail from head, so replay rolls to the
// start at most once.
func (j *CircularJournal) Replay(handler FoundRecordHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	tail := j.journalTailLocked()
	if tail.IsNull() {
		return wal.ReplayError{Msg: "journal tail is null", Cont: false}
	}
	if tail.At.Offset < j.StartAddr() || tail.At.Offset >= j.JournalEnd() {
		return wal.ReplayError{Msg: "journal tail out of bounds", Cont: false}
	}
	cursor := tail
	rolled := false
	delivered := false
	scanned := uint64(0)
	for scanned < j.header.Size {
		if cursor.At.Offset+uint64(j.dev.BlockSize()) > j.JournalEnd() {
			if rolled {
				break
			}
			rolled = true
			cursor.Seq++
			cursor.At.Offset = j.StartAddr()
			continue
		}
		h, md, err := j.readGroupLocked(cursor)
		if err != nil {
			if !errors.Is(err, wal.ErrNoData) {
				return err
			}
			// Invalid metadata or a stale committed-to: either the head,
			// or the garbage left behind where the writer wrapped.
			if !delivered {
				// Nothing live at the tail: the journal is empty.
				cursor = tail
				break
			}
			if rolled {
				break
			}
			rolled = true
			cursor.Seq++
			cursor.At.Offset = j.StartAddr()
			continue
		}
		data := make([]byte, h.DataLen)
		if err := j.dev.ReadAt(cursor.At.Offset+uint64(h.MetaLen), data); err != nil {
			return err
		}
		if !ValidateGroupData(h, data) {
			// Torn head write.
			log.Info("replay complete at %s, invalid record group data", cursor)
			break
		}
		length := uint64(h.MetaLen) + uint64(h.DataLen)
		loc := wal.RecordLocator{
			RecordBase: cursor.At.AddOffset(uint64(h.MetaLen)),
			WriteResult: wal.WriteResult{
				StartSeq: cursor,
				Length:   length,
			},
		}
		if err := handler(loc, h, md); err != nil {
			return err
		}
		cursor.At.Offset += length
		scanned += length
		delivered = true
	}
	j.writtenTo = cursor
	j.opened = true
	log.Info("replay complete, written_to=%s, used=%d", j.writtenTo, j.usedLocked())
	return nil
}

// readGroupLocked reads and validates one group's metadata region at the
// cursor, including the committed-to equality that proves liveness.
func (j *CircularJournal) readGroupLocked(cursor wal.JournalSeq) (GroupHeader, []byte, error) {
	bs := uint64(j.dev.BlockSize())
	first := make([]byte, bs)
	if err := j.dev.ReadAt(cursor.At.Offset, first); err != nil {
		return GroupHeader{}, nil, err
	}
	h, err := DecodeGroupHeader(first)
	if err != nil {
		return GroupHeader{}, nil, wal.ErrNoData
	}
	if uint64(h.MetaLen) < bs || uint64(h.MetaLen)%bs != 0 || uint64(h.DataLen)%bs != 0 ||
		cursor.At.Offset+uint64(h.MetaLen)+uint64(h.DataLen) > j.JournalEnd() {
		return GroupHeader{}, nil, wal.ErrNoData
	}
	md := first
	if uint64(h.MetaLen) > bs {
		rest := make([]byte, uint64(h.MetaLen)-bs)
		if err := j.dev.ReadAt(cursor.At.Offset+bs, rest); err != nil {
			return GroupHeader{}, nil, err
		}
		md = append(md, rest...)
	}
	vh, err := ValidateGroupMetadata(md, circularNonce)
	if err != nil {
		return GroupHeader{}, nil, wal.ErrNoData
	}
	if vh.CommittedTo != cursor {
		return GroupHeader{}, nil, wal.ErrNoData
	}
	return vh, md, nil
}

// Close persists the header one last time.
func (j *CircularJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opened = false
	return j.WriteHeader()
}
