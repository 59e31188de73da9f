package journal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabworks/segstore/device"
	"github.com/slabworks/segstore/journal/wal"
)

func newTestDevice(t *testing.T, id wal.DeviceID, blockSize uint32,
	segmentSize uint64, numSegments uint32,
) *device.FileDevice {
	t.Helper()
	d, err := device.NewFileDevice(filepath.Join(t.TempDir(), "dev.dat"),
		id, blockSize, segmentSize, numSegments)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestGroup(t *testing.T, devs ...device.Device) *DeviceGroup {
	t.Helper()
	g := NewDeviceGroup()
	for _, d := range devs {
		require.NoError(t, g.AddDevice(d))
	}
	return g
}

// writeTestSegmentHeader initializes a journal segment directly so scan
// tests control every byte.
func writeTestSegmentHeader(t *testing.T, d *device.FileDevice, local uint32,
	seq uint64, nonce uint32,
) wal.SegmentID {
	t.Helper()
	id := wal.SegmentID{Device: d.ID(), Local: local}
	h := SegmentHeader{
		Type:      wal.SegmentTypeJournal,
		Seq:       seq,
		ID:        id,
		Nonce:     nonce,
		DirtyTail: testSeq(seq, local, uint64(d.BlockSize())),
		AllocTail: testSeq(seq, local, uint64(d.BlockSize())),
	}
	seg, err := d.OpenSegment(local)
	require.NoError(t, err)
	require.NoError(t, seg.Write(0, EncodeSegmentHeader(h, d.BlockSize())))
	return id
}

func writeTestGroup(t *testing.T, d *device.FileDevice, id wal.SegmentID,
	offset uint64, records []wal.Record, committedTo wal.JournalSeq, nonce uint32,
) uint64 {
	t.Helper()
	buf, size := EncodeGroup(records, d.BlockSize(), committedTo, nonce)
	seg, err := d.OpenSegment(id.Local)
	require.NoError(t, err)
	require.NoError(t, seg.Write(offset, buf))
	return size.EncodedLen()
}

type foundGroup struct {
	loc  wal.RecordLocator
	meta []string
}

func collectGroups(sink *[]foundGroup) FoundRecordHandler {
	return func(loc wal.RecordLocator, h GroupHeader, md []byte) error {
		records, err := SplitRecords(h, md, make([]byte, h.DataLen))
		if err != nil {
			return err
		}
		fg := foundGroup{loc: loc}
		for _, r := range records {
			fg.meta = append(fg.meta, string(r.Meta))
		}
		*sink = append(*sink, fg)
		return nil
	}
}

func TestReadSegmentHeaderAndTail(t *testing.T) {
	d := newTestDevice(t, 1, 512, 32*512, 4)
	g := newTestGroup(t, d)

	id := writeTestSegmentHeader(t, d, 2, 7, 99)
	h, err := g.ReadSegmentHeader(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h.Seq)
	assert.Equal(t, uint32(99), h.Nonce)

	// Uninitialized segments read as no data.
	_, err = g.ReadSegmentHeader(wal.SegmentID{Device: 1, Local: 0})
	assert.ErrorIs(t, err, wal.ErrNoData)
	_, err = g.ReadSegmentTail(id)
	assert.ErrorIs(t, err, wal.ErrNoData)

	seg, err := d.OpenSegment(2)
	require.NoError(t, err)
	tail := SegmentTail{Type: wal.SegmentTypeJournal, Seq: 7, ID: id, Nonce: 99}
	require.NoError(t, seg.Write(32*512-512, EncodeSegmentTail(tail, 512)))
	decoded, err := g.ReadSegmentTail(id)
	require.NoError(t, err)
	assert.Equal(t, tail, decoded)
}

func TestFindJournalSegmentHeaders(t *testing.T) {
	d := newTestDevice(t, 1, 512, 32*512, 8)
	g := newTestGroup(t, d)

	writeTestSegmentHeader(t, d, 1, 10, 1)
	writeTestSegmentHeader(t, d, 4, 12, 2)

	// An out-of-line segment must not be reported.
	oolID := wal.SegmentID{Device: 1, Local: 6}
	ool := SegmentHeader{
		Type: wal.SegmentTypeOOL, Seq: 13, ID: oolID, Nonce: 3,
		DirtyTail: wal.NullJournalSeq, AllocTail: wal.NullJournalSeq,
	}
	seg, err := d.OpenSegment(6)
	require.NoError(t, err)
	require.NoError(t, seg.Write(0, EncodeSegmentHeader(ool, 512)))

	entries, err := g.FindJournalSegmentHeaders()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(1), entries[0].ID.Local)
	assert.Equal(t, uint64(10), entries[0].Header.Seq)
	assert.Equal(t, uint32(4), entries[1].ID.Local)
	assert.Equal(t, uint64(12), entries[1].Header.Seq)
}

func TestScanDeliversGroupsInOrder(t *testing.T) {
	d := newTestDevice(t, 1, 512, 64*512, 2)
	g := newTestGroup(t, d)
	const nonce = 42
	id := writeTestSegmentHeader(t, d, 0, 5, nonce)

	startA := testSeq(5, 0, 512)
	lenA := writeTestGroup(t, d, id, 512, []wal.Record{
		{Meta: []byte("alpha"), Data: bytes.Repeat([]byte{1}, 600)},
	}, startA, nonce)
	startB := testSeq(5, 0, 512+lenA)
	lenB := writeTestGroup(t, d, id, startB.At.Offset, []wal.Record{
		{Meta: []byte("beta"), Data: bytes.Repeat([]byte{2}, 100)},
	}, startA, nonce)

	var found []foundGroup
	cursor := NewScanCursor(wal.JournalSeq{Seq: 5, At: wal.Address{Segment: id}})
	for !cursor.IsComplete() {
		_, err := g.ScanValidRecords(cursor, nonce, 64*512, collectGroups(&found))
		require.NoError(t, err)
	}
	require.Len(t, found, 2)
	assert.Equal(t, startA, found[0].loc.WriteResult.StartSeq)
	assert.Equal(t, lenA, found[0].loc.WriteResult.Length)
	assert.Equal(t, []string{"alpha"}, found[0].meta)
	assert.Equal(t, startB, found[1].loc.WriteResult.StartSeq)
	assert.Equal(t, lenB, found[1].loc.WriteResult.Length)
	assert.Equal(t, []string{"beta"}, found[1].meta)
}

func TestScanResumesAcrossBudget(t *testing.T) {
	d := newTestDevice(t, 1, 512, 64*512, 2)
	g := newTestGroup(t, d)
	const nonce = 9
	id := writeTestSegmentHeader(t, d, 0, 2, nonce)

	startA := testSeq(2, 0, 512)
	lenA := writeTestGroup(t, d, id, 512, []wal.Record{
		{Meta: []byte("a"), Data: bytes.Repeat([]byte{1}, 600)},
	}, startA, nonce)
	startB := testSeq(2, 0, 512+lenA)
	lenB := writeTestGroup(t, d, id, startB.At.Offset, []wal.Record{
		{Meta: []byte("b")},
	}, startA, nonce)

	var found []foundGroup
	cursor := NewScanCursor(wal.JournalSeq{Seq: 2, At: wal.Address{Segment: id}})

	// The first call exhausts its budget after one group.
	used, err := g.ScanValidRecords(cursor, nonce, lenA, collectGroups(&found))
	require.NoError(t, err)
	assert.Equal(t, lenA, used)
	assert.False(t, cursor.IsComplete())
	require.Len(t, found, 1)
	assert.Equal(t, []string{"a"}, found[0].meta)

	// The second call picks up where the first stopped.
	used, err = g.ScanValidRecords(cursor, nonce, 64*512, collectGroups(&found))
	require.NoError(t, err)
	assert.Equal(t, lenB, used)
	assert.True(t, cursor.IsComplete())
	require.Len(t, found, 2)
	assert.Equal(t, []string{"b"}, found[1].meta)
}

func TestScanFirstGroupNullWatermark(t *testing.T) {
	d := newTestDevice(t, 1, 512, 64*512, 2)
	g := newTestGroup(t, d)
	const nonce = 11
	id := writeTestSegmentHeader(t, d, 0, 4, nonce)

	// The first group of a fresh stream has nothing committed before it,
	// so its watermark is null; the second group's watermark names the
	// first group's own start.
	startA := testSeq(4, 0, 512)
	lenA := writeTestGroup(t, d, id, 512, []wal.Record{
		{Meta: []byte("first"), Data: bytes.Repeat([]byte{1}, 600)},
	}, wal.NullJournalSeq, nonce)
	startB := testSeq(4, 0, 512+lenA)
	lenB := writeTestGroup(t, d, id, startB.At.Offset, []wal.Record{
		{Meta: []byte("second")},
	}, startA, nonce)

	var found []foundGroup
	cursor := NewScanCursor(wal.JournalSeq{Seq: 4, At: wal.Address{Segment: id}})

	// A null watermark holds the first group back until the second
	// group's watermark covers it; the budget then stops the scan with
	// the second group still pending.
	used, err := g.ScanValidRecords(cursor, nonce, lenA, collectGroups(&found))
	require.NoError(t, err)
	assert.Equal(t, lenA, used)
	assert.False(t, cursor.IsComplete())
	assert.Equal(t, 1, cursor.PendingGroups())
	require.Len(t, found, 1)
	assert.Equal(t, startA, found[0].loc.WriteResult.StartSeq)
	assert.Equal(t, []string{"first"}, found[0].meta)

	// End of log: the held-back second group is delivered on resume.
	used, err = g.ScanValidRecords(cursor, nonce, 64*512, collectGroups(&found))
	require.NoError(t, err)
	assert.Equal(t, lenB, used)
	assert.True(t, cursor.IsComplete())
	require.Len(t, found, 2)
	assert.Equal(t, startB, found[1].loc.WriteResult.StartSeq)
	assert.Equal(t, []string{"second"}, found[1].meta)
}

func TestScanStopsAtTornData(t *testing.T) {
	d := newTestDevice(t, 1, 512, 64*512, 2)
	g := newTestGroup(t, d)
	const nonce = 4
	id := writeTestSegmentHeader(t, d, 0, 1, nonce)

	startA := testSeq(1, 0, 512)
	lenA := writeTestGroup(t, d, id, 512, []wal.Record{
		{Meta: []byte("safe"), Data: bytes.Repeat([]byte{1}, 400)},
	}, startA, nonce)
	startB := testSeq(1, 0, 512+lenA)
	writeTestGroup(t, d, id, startB.At.Offset, []wal.Record{
		{Meta: []byte("torn"), Data: bytes.Repeat([]byte{2}, 400)},
	}, startA, nonce)

	// Tear the second group's data region, as a crash mid-write would.
	seg, err := d.OpenSegment(0)
	require.NoError(t, err)
	require.NoError(t, seg.Write(startB.At.Offset+512, bytes.Repeat([]byte{0xee}, 512)))

	scan := func() []foundGroup {
		var found []foundGroup
		cursor := NewScanCursor(wal.JournalSeq{Seq: 1, At: wal.Address{Segment: id}})
		for !cursor.IsComplete() {
			_, err := g.ScanValidRecords(cursor, nonce, 64*512, collectGroups(&found))
			require.NoError(t, err)
		}
		return found
	}

	found := scan()
	require.Len(t, found, 1)
	assert.Equal(t, []string{"safe"}, found[0].meta)

	// Scanning again yields the identical result.
	again := scan()
	require.Equal(t, found, again)
}

func TestScanPanicsOnWatermarkRegression(t *testing.T) {
	d := newTestDevice(t, 1, 512, 64*512, 2)
	g := newTestGroup(t, d)
	const nonce = 6
	id := writeTestSegmentHeader(t, d, 0, 3, nonce)

	startA := testSeq(3, 0, 512)
	lenA := writeTestGroup(t, d, id, 512, []wal.Record{
		{Meta: []byte("x")},
	}, startA, nonce)
	// The second group claims a committed-to before the first one's.
	writeTestGroup(t, d, id, 512+lenA, []wal.Record{
		{Meta: []byte("y")},
	}, testSeq(3, 0, 0), nonce)

	var found []foundGroup
	cursor := NewScanCursor(wal.JournalSeq{Seq: 3, At: wal.Address{Segment: id}})
	assert.Panics(t, func() {
		for !cursor.IsComplete() {
			_, _ = g.ScanValidRecords(cursor, nonce, 64*512, collectGroups(&found))
		}
	})
}
