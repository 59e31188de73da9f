package journal

import (
	"github.com/slabworks/segstore/journal/wal"
)

type batchState int

const (
	// No records yet.
	batchStateEmpty batchState = iota
	// Accumulating records, not yet encoded.
	batchStatePending
	// Encoded and handed to the device, waiting for the write.
	batchStateSubmitting
)

// promiseResult is what every waiter of one batch receives: the group's
// write result plus the encoded metadata length needed to locate each
// record's data within the group.
type promiseResult struct {
	result wal.WriteResult
	mdLen  uint64
}

// ioPromise is a single-assignment broadcast cell. SetResult closes done
// exactly once; any number of waiters block on done.
type ioPromise struct {
	done   chan struct{}
	result *promiseResult
	err    error
}

func newIOPromise() *ioPromise {
	return &ioPromise{done: make(chan struct{})}
}

// RecordBatch coalesces pending records into one record group so a burst
// of small submissions costs one device write. All mutations happen
// under the owning submitter's lock; only the wait closures returned by
// AddPending run concurrently.
type RecordBatch struct {
	state     batchState
	blockSize uint32
	capacity  int

	records []wal.Record
	size    GroupSize
	promise *ioPromise
}

func (b *RecordBatch) Init(capacity int, blockSize uint32) {
	b.state = batchStateEmpty
	b.blockSize = blockSize
	b.capacity = capacity
	b.records = nil
	b.size = NewGroupSize(blockSize)
	b.promise = newIOPromise()
}

func (b *RecordBatch) IsEmpty() bool      { return b.state == batchStateEmpty }
func (b *RecordBatch) IsPending() bool    { return b.state == batchStatePending }
func (b *RecordBatch) IsSubmitting() bool { return b.state == batchStateSubmitting }

func (b *RecordBatch) NumRecords() int { return len(b.records) }

// SubmitSize is the group size if the batch were encoded now.
func (b *RecordBatch) SubmitSize() GroupSize { return b.size }

// EvaluateSubmit is the group size once one more record of the given
// size joins, and whether the batch would then be at capacity.
func (b *RecordBatch) EvaluateSubmit(rs wal.RecordSize) (GroupSize, bool) {
	after := b.size.AfterAdding(rs)
	return after, len(b.records)+1 >= b.capacity
}

// AddPending queues a record and returns a wait closure that blocks
// until the batch's group write completes and resolves this record's
// location within it. Only the first record of a group reports the
// physical write length, so summing lengths over records equals the
// bytes actually written.
func (b *RecordBatch) AddPending(r wal.Record) func() (wal.RecordLocator, error) {
	if b.state == batchStateSubmitting {
		panic("RecordBatch: add to submitting batch")
	}
	b.state = batchStatePending
	first := len(b.records) == 0
	dataOffset := b.size.RawDataLen
	b.size = b.size.AfterAdding(r.Size())
	b.records = append(b.records, r)
	p := b.promise
	return func() (wal.RecordLocator, error) {
		<-p.done
		if p.err != nil {
			return wal.RecordLocator{}, p.err
		}
		loc := wal.RecordLocator{
			RecordBase: p.result.result.StartSeq.At.AddOffset(p.result.mdLen + dataOffset),
			WriteResult: wal.WriteResult{
				StartSeq: p.result.result.StartSeq,
			},
		}
		if first {
			loc.WriteResult.Length = p.result.result.Length
		}
		return loc, nil
	}
}

// EncodeBatch seals the batch and serializes its records into one
// physical write unit.
func (b *RecordBatch) EncodeBatch(committedTo wal.JournalSeq, nonce uint32) []byte {
	if b.state != batchStatePending {
		panic("RecordBatch: encode without pending records")
	}
	b.state = batchStateSubmitting
	buf, _ := EncodeGroup(b.records, b.blockSize, committedTo, nonce)
	return buf
}

// SetResult resolves every waiter of the batch. Exactly one of res and
// err is set.
func (b *RecordBatch) SetResult(res *wal.WriteResult, err error) {
	if b.state != batchStateSubmitting {
		panic("RecordBatch: result without submission")
	}
	p := b.promise
	if err != nil {
		p.err = err
	} else {
		p.result = &promiseResult{result: *res, mdLen: b.size.MetaLen()}
	}
	close(p.done)
}

// SubmitPendingFast encodes a single record directly, bypassing batch
// bookkeeping. The circular journal uses it since every submission there
// is its own group.
func SubmitPendingFast(r wal.Record, blockSize uint32,
	committedTo wal.JournalSeq, nonce uint32,
) ([]byte, GroupSize) {
	return EncodeGroup([]wal.Record{r}, blockSize, committedTo, nonce)
}
