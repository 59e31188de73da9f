package journal

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/device"
	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/log"
)

// JournalTrimmer supplies the tail watermarks persisted into segment
// headers and learns the journal head as it advances. Space cleaning
// lives behind this interface.
type JournalTrimmer interface {
	DirtyTail() wal.JournalSeq
	AllocTail() wal.JournalSeq
	SetJournalHead(seq wal.JournalSeq)
	UpdateJournalTails(dirty, alloc wal.JournalSeq)
}

// SegmentProvider hands out free segments and takes closed ones back.
type SegmentProvider interface {
	AllocateSegment(seq uint64, t wal.SegmentType) (wal.SegmentID, error)
	CloseSegment(id wal.SegmentID)
}

// SegmentSeqAllocator issues strictly increasing segment sequence
// numbers, shared by every allocator of one journal stream.
type SegmentSeqAllocator struct {
	mu   sync.Mutex
	next uint64
}

func (a *SegmentSeqAllocator) NextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	seq := a.next
	a.next++
	return seq
}

// SetNext raises the next sequence to at least n. Used after replay so
// new segments sort after every recovered one.
func (a *SegmentSeqAllocator) SetNext(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.next {
		a.next = n
	}
}

// SegmentAllocator owns the write cursor of one journal stream: it opens
// segments, appends encoded record groups and rolls to a fresh segment
// when the current one fills. Write ranges are reserved under the lock
// in submission order, but the device writes themselves run outside it
// and may complete out of order.
type SegmentAllocator struct {
	trimmer  JournalTrimmer // may be nil until mount wires one in
	provider SegmentProvider
	group    *DeviceGroup
	seqAlloc *SegmentSeqAllocator
	rng      *rand.Rand

	mu        sync.Mutex
	current   device.Segment
	seq       uint64
	nonce     uint32
	writtenTo uint64
}

func NewSegmentAllocator(trimmer JournalTrimmer, provider SegmentProvider,
	group *DeviceGroup, seqAlloc *SegmentSeqAllocator, rng *rand.Rand,
) *SegmentAllocator {
	return &SegmentAllocator{
		trimmer:  trimmer,
		provider: provider,
		group:    group,
		seqAlloc: seqAlloc,
		rng:      rng,
	}
}

// SetTrimmer wires the trimmer in after replay has reconstructed it.
func (a *SegmentAllocator) SetTrimmer(t JournalTrimmer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trimmer = t
}

func (a *SegmentAllocator) CanWrite() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

func (a *SegmentAllocator) Nonce() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// MaxWriteLength is the largest record group one segment can hold, net
// of the header and tail blocks.
func (a *SegmentAllocator) MaxWriteLength() uint64 {
	return a.group.SegmentSize() -
		a.group.RoundedHeaderLen() - a.group.RoundedTailLen()
}

// NeedsRoll reports whether a write of the given length would overrun
// the space reserved for the segment tail.
func (a *SegmentAllocator) NeedsRoll(length uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needsRollLocked(length)
}

func (a *SegmentAllocator) needsRollLocked(length uint64) bool {
	return length+a.writtenTo > a.group.SegmentSize()-a.group.RoundedTailLen()
}

// Open allocates and initializes the first segment of the stream,
// returning the sequence of its first writable byte.
func (a *SegmentAllocator) Open(isMkfs bool) (wal.JournalSeq, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		panic("SegmentAllocator: already open")
	}
	return a.doOpenLocked(isMkfs)
}

func (a *SegmentAllocator) doOpenLocked(isMkfs bool) (wal.JournalSeq, error) {
	seq := a.seqAlloc.NextSeq()
	id, err := a.provider.AllocateSegment(seq, wal.SegmentTypeJournal)
	if err != nil {
		return wal.NullJournalSeq, errors.Wrap(err, "cannot allocate journal segment")
	}
	nonce := a.rng.Uint32()
	dirtyTail := wal.NullJournalSeq
	allocTail := wal.NullJournalSeq
	if !isMkfs {
		if a.trimmer == nil {
			panic("SegmentAllocator: open without trimmer")
		}
		dirtyTail = a.trimmer.DirtyTail()
		allocTail = a.trimmer.AllocTail()
		if dirtyTail.IsNull() || allocTail.IsNull() {
			panic("SegmentAllocator: open with null journal tails")
		}
	}
	header := SegmentHeader{
		Type:      wal.SegmentTypeJournal,
		Seq:       seq,
		ID:        id,
		Nonce:     nonce,
		DirtyTail: dirtyTail,
		AllocTail: allocTail,
	}
	log.Debug("opening segment %s, seq=%d, nonce=%d", id, seq, nonce)

	seg, err := a.group.Device(id.Device).OpenSegment(id.Local)
	if err != nil {
		return wal.NullJournalSeq, errors.Wrapf(err, "cannot open segment %s", id)
	}
	buf := EncodeSegmentHeader(header, a.group.BlockSize())
	if err := seg.Write(0, buf); err != nil {
		seg.Close()
		return wal.NullJournalSeq, errors.Wrapf(err, "cannot write header of %s", id)
	}
	a.current = seg
	a.seq = seq
	a.nonce = nonce
	a.writtenTo = a.group.RoundedHeaderLen()
	return a.writeSeqLocked(), nil
}

func (a *SegmentAllocator) writeSeqLocked() wal.JournalSeq {
	return wal.JournalSeq{
		Seq: a.seq,
		At: wal.Address{
			Segment: a.current.ID(),
			Offset:  a.writtenTo,
		},
	}
}

// ReservedWrite is a claimed byte range in the current segment. The
// device write itself runs outside the allocator lock and may complete
// out of order with other reservations.
type ReservedWrite struct {
	seg    device.Segment
	start  wal.JournalSeq
	length uint64
}

func (w ReservedWrite) Start() wal.JournalSeq { return w.start }

func (w ReservedWrite) Perform(buf []byte) (wal.WriteResult, error) {
	if uint64(len(buf)) != w.length {
		panic("ReservedWrite: buffer does not match reservation")
	}
	if err := w.seg.Write(w.start.At.Offset, buf); err != nil {
		return wal.WriteResult{}, err
	}
	return wal.WriteResult{StartSeq: w.start, Length: w.length}, nil
}

// Reserve claims the next length bytes of the current segment. Callers
// reserve in submission order so positions in the log match submission
// order even when the device writes land out of order.
func (a *SegmentAllocator) Reserve(length uint64) (ReservedWrite, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ReservedWrite{}, errors.Wrap(wal.ErrInvalidArg, "allocator not open")
	}
	if a.needsRollLocked(length) {
		return ReservedWrite{}, errors.Wrapf(wal.ErrOutOfRange,
			"write of %d needs roll", length)
	}
	w := ReservedWrite{seg: a.current, start: a.writeSeqLocked(), length: length}
	a.writtenTo += length
	return w, nil
}

// Write reserves and performs one append synchronously.
func (a *SegmentAllocator) Write(buf []byte) (wal.WriteResult, error) {
	w, err := a.Reserve(uint64(len(buf)))
	if err != nil {
		return wal.WriteResult{}, err
	}
	return w.Perform(buf)
}

// Roll closes the current segment and opens a fresh one.
func (a *SegmentAllocator) Roll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		panic("SegmentAllocator: roll while closed")
	}
	if err := a.closeSegmentLocked(); err != nil {
		return err
	}
	_, err := a.doOpenLocked(false)
	return err
}

// Close seals the current segment, if any, and stops the allocator.
func (a *SegmentAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	return a.closeSegmentLocked()
}

// closeSegmentLocked writes the segment tail into the reserved final
// block, closes the segment and returns it to the provider.
func (a *SegmentAllocator) closeSegmentLocked() error {
	seg := a.current
	id := seg.ID()
	tail := SegmentTail{
		Type:  wal.SegmentTypeJournal,
		Seq:   a.seq,
		ID:    id,
		Nonce: a.nonce,
	}
	log.Debug("closing segment %s, written_to=%d", id, a.writtenTo)
	buf := EncodeSegmentTail(tail, a.group.BlockSize())
	tailOff := a.group.SegmentSize() - a.group.RoundedTailLen()
	if err := seg.Write(tailOff, buf); err != nil {
		return errors.Wrapf(err, "cannot write tail of %s", id)
	}
	if err := seg.Close(); err != nil {
		return errors.Wrapf(err, "cannot close segment %s", id)
	}
	a.current = nil
	a.writtenTo = 0
	a.provider.CloseSegment(id)
	return nil
}
