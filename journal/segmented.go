package journal

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/log"
)

// LinearSegmentProvider hands out the lowest free segment across the
// group's devices, in device insertion order. A real cleaner would sit
// behind SegmentProvider instead; this one backs tests and the CLI.
type LinearSegmentProvider struct {
	mu    sync.Mutex
	group *DeviceGroup
	inUse map[wal.SegmentID]uint64
}

func NewLinearSegmentProvider(group *DeviceGroup) *LinearSegmentProvider {
	return &LinearSegmentProvider{group: group, inUse: map[wal.SegmentID]uint64{}}
}

func (p *LinearSegmentProvider) AllocateSegment(seq uint64, t wal.SegmentType,
) (wal.SegmentID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.group.order {
		for local := uint32(0); local < d.NumSegments(); local++ {
			id := wal.SegmentID{Device: d.ID(), Local: local}
			if _, ok := p.inUse[id]; !ok {
				p.inUse[id] = seq
				return id, nil
			}
		}
	}
	return wal.SegmentID{}, errors.Wrapf(wal.ErrOutOfRange,
		"no free segment for seq %d", seq)
}

func (p *LinearSegmentProvider) CloseSegment(id wal.SegmentID) {
	// Closed segments keep their space until released by trimming.
}

// MarkAllocated records a segment discovered during replay as in use.
func (p *LinearSegmentProvider) MarkAllocated(id wal.SegmentID, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse[id] = seq
}

// Release frees a segment whose records the trimmer no longer needs.
func (p *LinearSegmentProvider) Release(id wal.SegmentID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, id)
}

// segmentsBefore lists allocated segments whose sequence sits strictly
// below seq. Every group in such a segment is older than any position
// with that sequence.
func (p *LinearSegmentProvider) segmentsBefore(seq uint64) []wal.SegmentID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []wal.SegmentID
	for id, s := range p.inUse {
		if s < seq {
			ids = append(ids, id)
		}
	}
	return ids
}

// TailTrimmer is an in-memory JournalTrimmer. It tracks the tails and
// head without driving any cleaning of its own.
type TailTrimmer struct {
	mu    sync.Mutex
	dirty wal.JournalSeq
	alloc wal.JournalSeq
	head  wal.JournalSeq
}

func NewTailTrimmer() *TailTrimmer {
	return &TailTrimmer{
		dirty: wal.NullJournalSeq,
		alloc: wal.NullJournalSeq,
		head:  wal.NullJournalSeq,
	}
}

func (t *TailTrimmer) DirtyTail() wal.JournalSeq {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *TailTrimmer) AllocTail() wal.JournalSeq {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc
}

func (t *TailTrimmer) JournalHead() wal.JournalSeq {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// SetJournalHead advances the head. Out-of-order completions may report
// stale positions; those are ignored.
func (t *TailTrimmer) SetJournalHead(seq wal.JournalSeq) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.head.IsNull() || seq.After(t.head) {
		t.head = seq
	}
}

func (t *TailTrimmer) UpdateJournalTails(dirty, alloc wal.JournalSeq) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty.IsNull() && dirty.Before(t.dirty) {
		panic("TailTrimmer: dirty tail went backwards")
	}
	if !t.alloc.IsNull() && alloc.Before(t.alloc) {
		panic("TailTrimmer: alloc tail went backwards")
	}
	t.dirty = dirty
	t.alloc = alloc
}

// SegmentedJournalConfig carries the submitter tunables.
type SegmentedJournalConfig struct {
	IODepth           int
	BatchCapacity     int
	BatchFlushSize    uint64
	PreferredFullness float64
}

// SegmentedJournal ties the allocator, submitter and scan protocol into
// the mount/mkfs lifecycle of one segmented journal stream.
type SegmentedJournal struct {
	group     *DeviceGroup
	provider  *LinearSegmentProvider
	trimmer   *TailTrimmer
	seqAlloc  *SegmentSeqAllocator
	allocator *SegmentAllocator
	submitter *RecordSubmitter
}

func NewSegmentedJournal(group *DeviceGroup, cfg SegmentedJournalConfig,
	rng *rand.Rand,
) *SegmentedJournal {
	provider := NewLinearSegmentProvider(group)
	trimmer := NewTailTrimmer()
	seqAlloc := &SegmentSeqAllocator{}
	allocator := NewSegmentAllocator(trimmer, provider, group, seqAlloc, rng)
	return &SegmentedJournal{
		group:     group,
		provider:  provider,
		trimmer:   trimmer,
		seqAlloc:  seqAlloc,
		allocator: allocator,
		submitter: NewRecordSubmitter(cfg.IODepth, cfg.BatchCapacity,
			cfg.BatchFlushSize, cfg.PreferredFullness, allocator),
	}
}

func (j *SegmentedJournal) Trimmer() *TailTrimmer            { return j.trimmer }
func (j *SegmentedJournal) Provider() *LinearSegmentProvider { return j.provider }

// OpenForMkfs initializes the first segment of a fresh journal.
func (j *SegmentedJournal) OpenForMkfs() (wal.JournalSeq, error) {
	start, err := j.submitter.Open(true)
	if err != nil {
		return wal.NullJournalSeq, err
	}
	j.trimmer.UpdateJournalTails(start, start)
	j.trimmer.SetJournalHead(start)
	return start, nil
}

// OpenForMount replays every live record into handler and resumes the
// stream on a fresh segment.
func (j *SegmentedJournal) OpenForMount(handler FoundRecordHandler) (wal.JournalSeq, error) {
	if err := j.replay(handler); err != nil {
		return wal.NullJournalSeq, err
	}
	return j.submitter.Open(false)
}

func (j *SegmentedJournal) replay(handler FoundRecordHandler) error {
	entries, err := j.group.FindJournalSegmentHeaders()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return wal.ReplayError{Msg: "no journal segments found", Cont: false}
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].Header.Seq < entries[b].Header.Seq
	})
	for _, e := range entries {
		j.provider.MarkAllocated(e.ID, e.Header.Seq)
	}
	newest := entries[len(entries)-1]
	dirty := newest.Header.DirtyTail
	alloc := newest.Header.AllocTail
	if dirty.IsNull() {
		// Only an mkfs-fresh journal carries null tails.
		dirty = wal.JournalSeq{
			Seq: entries[0].Header.Seq,
			At:  wal.Address{Segment: entries[0].ID},
		}
	}
	if alloc.IsNull() {
		alloc = dirty
	}
	from := dirty
	if alloc.Before(from) {
		from = alloc
	}
	log.Info("replaying %d journal segments from %s", len(entries), from)

	head := from
	wrapped := func(loc wal.RecordLocator, h GroupHeader, md []byte) error {
		end := loc.WriteResult.StartSeq
		end.At.Offset += loc.WriteResult.Length
		if end.After(head) {
			head = end
		}
		return handler(loc, h, md)
	}
	for _, e := range entries {
		if e.Header.Seq < from.Seq {
			continue
		}
		start := wal.JournalSeq{Seq: e.Header.Seq, At: wal.Address{Segment: e.ID}}
		if e.Header.Seq == from.Seq {
			start.At.Offset = from.At.Offset
		}
		cursor := NewScanCursor(start)
		budget := j.group.SegmentSize()
		for !cursor.IsComplete() {
			if _, err := j.group.ScanValidRecords(cursor, e.Header.Nonce,
				budget, wrapped); err != nil {
				return errors.Wrapf(err, "replaying segment %s", e.ID)
			}
		}
	}
	j.seqAlloc.SetNext(newest.Header.Seq + 1)
	j.trimmer.UpdateJournalTails(dirty, alloc)
	j.trimmer.SetJournalHead(head)
	return nil
}

// Submit appends one record durably and reports where it landed.
func (j *SegmentedJournal) Submit(r wal.Record) (wal.RecordLocator, error) {
	loc, err := j.submitter.Submit(r)
	if err != nil {
		return wal.RecordLocator{}, err
	}
	end := loc.WriteResult.StartSeq
	end.At.Offset += loc.WriteResult.Length
	j.trimmer.SetJournalHead(end)
	return loc, nil
}

// UpdateJournalTails advances the trim watermarks and releases journal
// segments every record of which now falls before the tail, making
// their slots reusable for future rolls.
func (j *SegmentedJournal) UpdateJournalTails(dirty, alloc wal.JournalSeq) {
	j.trimmer.UpdateJournalTails(dirty, alloc)
	tail := dirty
	if alloc.Before(tail) {
		tail = alloc
	}
	for _, id := range j.provider.segmentsBefore(tail.Seq) {
		log.Debug("releasing trimmed segment %s", id)
		j.provider.Release(id)
	}
}

func (j *SegmentedJournal) RollSegment() error {
	return j.submitter.RollSegment()
}

func (j *SegmentedJournal) CommittedTo() wal.JournalSeq {
	return j.submitter.CommittedTo()
}

func (j *SegmentedJournal) Stats() SubmitterStats {
	return j.submitter.Stats()
}

func (j *SegmentedJournal) Close() error {
	return j.submitter.Close()
}
