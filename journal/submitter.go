package journal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/log"
)

// SubmitterStats counts submitter activity since Open.
type SubmitterStats struct {
	RecordsSubmitted uint64
	GroupsWritten    uint64
	BytesWritten     uint64
	SegmentRolls     uint64
}

// RecordSubmitter coordinates concurrent record submissions into one
// segmented journal stream: it batches records into groups, bounds the
// number of in-flight group writes by the io depth, rolls segments when
// they fill, and maintains the committed-to watermark that replay uses
// to decide which groups are safe to deliver.
//
// The watermark only advances over the contiguous prefix of completed
// writes, in reservation order, so a group never claims durability for
// records the device has not acknowledged.
type RecordSubmitter struct {
	ioDepth           int
	batchCapacity     int
	flushSize         uint64
	preferredFullness float64
	allocator         *SegmentAllocator

	mu          sync.Mutex
	cond        *sync.Cond
	current     *RecordBatch
	freeBatches []*RecordBatch
	inflight    []*inflightWrite
	outstanding int
	rolling     bool
	committedTo wal.JournalSeq
	ioErr       error
	closed      bool
	stats       SubmitterStats
}

// inflightWrite tracks one reserved group write until the contiguous
// completed prefix catches up to it.
type inflightWrite struct {
	start wal.JournalSeq
	done  bool
}

func NewRecordSubmitter(ioDepth, batchCapacity int, flushSize uint64,
	preferredFullness float64, allocator *SegmentAllocator,
) *RecordSubmitter {
	if ioDepth <= 0 || batchCapacity <= 0 {
		panic("RecordSubmitter: io depth and batch capacity must be positive")
	}
	s := &RecordSubmitter{
		ioDepth:           ioDepth,
		batchCapacity:     batchCapacity,
		flushSize:         flushSize,
		preferredFullness: preferredFullness,
		allocator:         allocator,
		committedTo:       wal.NullJournalSeq,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < ioDepth+1; i++ {
		b := &RecordBatch{}
		b.Init(batchCapacity, allocator.group.BlockSize())
		s.freeBatches = append(s.freeBatches, b)
	}
	return s
}

// Open readies the stream for submissions and returns the sequence of
// the first writable byte.
func (s *RecordSubmitter) Open(isMkfs bool) (wal.JournalSeq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, err := s.allocator.Open(isMkfs)
	if err != nil {
		return wal.NullJournalSeq, err
	}
	s.committedTo = start
	s.current = s.popFreeBatchLocked()
	log.Info("submitter open at %s, io_depth=%d, batch_capacity=%d",
		start, s.ioDepth, s.batchCapacity)
	return start, nil
}

func (s *RecordSubmitter) CommittedTo() wal.JournalSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedTo
}

func (s *RecordSubmitter) Stats() SubmitterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// IsAvailable reports whether a submission would proceed without
// blocking.
func (s *RecordSubmitter) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableLocked()
}

func (s *RecordSubmitter) availableLocked() bool {
	return !s.rolling && s.outstanding < s.ioDepth && s.ioErr == nil && !s.closed
}

// WaitAvailable blocks until a submission would proceed without
// blocking, or the submitter fails.
func (s *RecordSubmitter) WaitAvailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.availableLocked() {
		if s.ioErr != nil {
			return s.ioErr
		}
		if s.closed {
			return errors.Wrap(wal.ErrInvalidArg, "submitter closed")
		}
		s.cond.Wait()
	}
	return nil
}

// Submit queues one record for durable appending and blocks until its
// group write completes, returning where the record landed. Concurrent
// submissions are batched into shared groups; sequence order matches
// arrival order under the submitter's lock.
func (s *RecordSubmitter) Submit(r wal.Record) (wal.RecordLocator, error) {
	single := SizeOfRecords([]wal.Record{r}, s.allocator.group.BlockSize())
	if single.EncodedLen() > s.allocator.MaxWriteLength() {
		return wal.RecordLocator{}, errors.Wrapf(wal.ErrOutOfRange,
			"record of %d bytes exceeds max write length %d",
			single.EncodedLen(), s.allocator.MaxWriteLength())
	}

	s.mu.Lock()
	for {
		if s.ioErr != nil {
			err := s.ioErr
			s.mu.Unlock()
			return wal.RecordLocator{}, err
		}
		if s.closed {
			s.mu.Unlock()
			return wal.RecordLocator{}, errors.Wrap(wal.ErrInvalidArg, "submitter closed")
		}
		if s.rolling || s.outstanding >= s.ioDepth {
			s.cond.Wait()
			continue
		}
		newSize, atCapacity := s.current.EvaluateSubmit(r.Size())
		if s.allocator.NeedsRoll(newSize.EncodedLen()) {
			s.startRollLocked()
			continue
		}
		wait := s.current.AddPending(r)
		s.stats.RecordsSubmitted++
		if atCapacity ||
			newSize.Fullness(s.flushSize) >= s.preferredFullness ||
			s.outstanding == 0 {
			s.flushCurrentBatchLocked()
		}
		s.mu.Unlock()
		return wait()
	}
}

// RollSegment forces the stream onto a fresh segment.
func (s *RecordSubmitter) RollSegment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.rolling && s.outstanding >= s.ioDepth && s.ioErr == nil {
		s.cond.Wait()
	}
	if s.ioErr != nil {
		return s.ioErr
	}
	s.startRollLocked()
	for s.rolling && s.ioErr == nil {
		s.cond.Wait()
	}
	return s.ioErr
}

// startRollLocked flushes whatever is pending and schedules a roll once
// every outstanding write has drained. Groups must not straddle the
// roll, so submissions stall until the new segment's header is down.
func (s *RecordSubmitter) startRollLocked() {
	if s.rolling {
		return
	}
	s.rolling = true
	if s.current != nil && s.current.IsPending() {
		s.flushCurrentBatchLocked()
	}
	if s.outstanding == 0 {
		s.performRollLocked()
	}
}

func (s *RecordSubmitter) performRollLocked() {
	if err := s.allocator.Roll(); err != nil {
		log.Error("segment roll failed: %v", err)
		s.ioErr = err
	}
	s.stats.SegmentRolls++
	s.rolling = false
	s.cond.Broadcast()
}

// flushCurrentBatchLocked seals the current batch, reserves its range in
// the segment and performs the device write on its own goroutine.
func (s *RecordSubmitter) flushCurrentBatchLocked() {
	batch := s.current
	s.current = s.popFreeBatchLocked()

	buf := batch.EncodeBatch(s.committedTo, s.allocator.Nonce())
	reserved, err := s.allocator.Reserve(uint64(len(buf)))
	if err != nil {
		// NeedsRoll was checked before every AddPending, so a failed
		// reservation is a real fault.
		batch.SetResult(nil, err)
		s.returnBatchLocked(batch)
		s.ioErr = err
		s.cond.Broadcast()
		return
	}
	entry := &inflightWrite{start: reserved.Start()}
	s.inflight = append(s.inflight, entry)
	s.outstanding++
	s.stats.GroupsWritten++
	s.stats.BytesWritten += uint64(len(buf))

	go func() {
		res, werr := reserved.Perform(buf)
		s.mu.Lock()
		if werr != nil {
			// Leaving the entry unfinished pins the watermark before
			// the failed range.
			batch.SetResult(nil, werr)
		} else {
			entry.done = true
			s.advanceCommittedLocked()
			batch.SetResult(&res, nil)
		}
		s.returnBatchLocked(batch)
		s.decrementIOLocked(werr)
		s.mu.Unlock()
	}()
}

// advanceCommittedLocked moves the watermark to the start of the last
// write in the contiguous completed prefix of reservations.
func (s *RecordSubmitter) advanceCommittedLocked() {
	var last *inflightWrite
	for len(s.inflight) > 0 && s.inflight[0].done {
		last = s.inflight[0]
		s.inflight = s.inflight[1:]
	}
	if last == nil {
		return
	}
	if !s.committedTo.IsNull() && last.start.Before(s.committedTo) {
		panic("RecordSubmitter: committed-to watermark went backwards")
	}
	s.committedTo = last.start
}

func (s *RecordSubmitter) decrementIOLocked(err error) {
	s.outstanding--
	if err != nil && s.ioErr == nil {
		s.ioErr = err
	}
	if s.rolling {
		if s.outstanding == 0 && s.ioErr == nil {
			s.performRollLocked()
		}
	} else if s.ioErr == nil && s.current != nil && s.current.IsPending() {
		s.flushCurrentBatchLocked()
	}
	s.cond.Broadcast()
}

func (s *RecordSubmitter) popFreeBatchLocked() *RecordBatch {
	if len(s.freeBatches) == 0 {
		// Pool is sized at ioDepth+1 and a batch only leaves it while
		// an IO slot is held.
		panic("RecordSubmitter: batch pool exhausted")
	}
	b := s.freeBatches[len(s.freeBatches)-1]
	s.freeBatches = s.freeBatches[:len(s.freeBatches)-1]
	return b
}

func (s *RecordSubmitter) returnBatchLocked(b *RecordBatch) {
	b.Init(s.batchCapacity, s.allocator.group.BlockSize())
	s.freeBatches = append(s.freeBatches, b)
}

// Close flushes pending records, waits for every outstanding write and
// seals the current segment.
func (s *RecordSubmitter) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	for s.current != nil && s.current.IsPending() {
		if !s.rolling && s.outstanding < s.ioDepth {
			s.flushCurrentBatchLocked()
			break
		}
		s.cond.Wait()
	}
	for s.outstanding > 0 {
		s.cond.Wait()
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if err := s.allocator.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioErr
}
