package journal

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabworks/segstore/device"
	"github.com/slabworks/segstore/journal/wal"
)

func openSegmentedFixture(t *testing.T, path string, segmentSize uint64,
) *SegmentedJournal {
	t.Helper()
	d, err := device.NewFileDevice(path, 1, 512, segmentSize, 16)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	g := newTestGroup(t, d)
	return NewSegmentedJournal(g, SegmentedJournalConfig{
		IODepth:           2,
		BatchCapacity:     4,
		BatchFlushSize:    2048,
		PreferredFullness: 0.9,
	}, rand.New(rand.NewSource(7)))
}

func TestSubmitterSequentialOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	sj := openSegmentedFixture(t, path, 64*512)
	_, err := sj.OpenForMkfs()
	require.NoError(t, err)

	var locs []wal.RecordLocator
	for i := 0; i < 10; i++ {
		loc, err := sj.Submit(wal.Record{
			Meta: []byte(fmt.Sprintf("rec-%02d", i)),
			Data: bytes.Repeat([]byte{byte(i)}, 64),
		})
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	for i := 1; i < len(locs); i++ {
		assert.True(t, locs[i-1].WriteResult.StartSeq.Before(locs[i].WriteResult.StartSeq),
			"submission %d not after %d", i, i-1)
	}

	stats := sj.Stats()
	assert.Equal(t, uint64(10), stats.RecordsSubmitted)
	assert.NotZero(t, stats.GroupsWritten)
	assert.NotZero(t, stats.BytesWritten)
	require.NoError(t, sj.Close())

	// Everything submitted must come back on mount, in order.
	sj2 := openSegmentedFixture(t, path, 64*512)
	var found []foundGroup
	_, err = sj2.OpenForMount(collectGroups(&found))
	require.NoError(t, err)
	var metas []string
	for _, fg := range found {
		metas = append(metas, fg.meta...)
	}
	require.Len(t, metas, 10)
	for i, m := range metas {
		assert.Equal(t, fmt.Sprintf("rec-%02d", i), m)
	}
	require.NoError(t, sj2.Close())
}

func TestSubmitterConcurrentSubmissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	sj := openSegmentedFixture(t, path, 256*512)
	_, err := sj.OpenForMkfs()
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sj.Submit(wal.Record{
				Meta: []byte(fmt.Sprintf("worker-%02d", i)),
				Data: bytes.Repeat([]byte{byte(i)}, 200),
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, uint64(workers), sj.Stats().RecordsSubmitted)
	require.NoError(t, sj.Close())

	sj2 := openSegmentedFixture(t, path, 256*512)
	var found []foundGroup
	_, err = sj2.OpenForMount(collectGroups(&found))
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, fg := range found {
		for _, m := range fg.meta {
			assert.False(t, seen[m], "duplicate record %s", m)
			seen[m] = true
		}
	}
	assert.Len(t, seen, workers)
	require.NoError(t, sj2.Close())
}

func TestSubmitterRollsWhenSegmentFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	// 4096-byte segments hold 3072 writable bytes: two 1536-byte groups.
	sj := openSegmentedFixture(t, path, 8*512)
	_, err := sj.OpenForMkfs()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := sj.Submit(wal.Record{
			Meta: []byte(fmt.Sprintf("roll-%d", i)),
			Data: bytes.Repeat([]byte{byte(i)}, 1024),
		})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(2), sj.Stats().SegmentRolls)
	require.NoError(t, sj.Close())

	sj2 := openSegmentedFixture(t, path, 8*512)
	var found []foundGroup
	_, err = sj2.OpenForMount(collectGroups(&found))
	require.NoError(t, err)
	var metas []string
	for _, fg := range found {
		metas = append(metas, fg.meta...)
	}
	require.Len(t, metas, 5)
	for i, m := range metas {
		assert.Equal(t, fmt.Sprintf("roll-%d", i), m)
	}
	require.NoError(t, sj2.Close())
}

func TestSubmitterRejectsOversizedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	sj := openSegmentedFixture(t, path, 8*512)
	_, err := sj.OpenForMkfs()
	require.NoError(t, err)
	defer sj.Close()

	_, err = sj.Submit(wal.Record{Data: make([]byte, 8*512)})
	assert.ErrorIs(t, err, wal.ErrOutOfRange)
}

func TestSubmitterCommittedToWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	sj := openSegmentedFixture(t, path, 256*512)
	start, err := sj.OpenForMkfs()
	require.NoError(t, err)
	assert.Equal(t, start, sj.CommittedTo())

	// Sequential submissions complete one at a time, so the watermark
	// lands on each group's start and never moves backwards.
	prev := start
	for i := 0; i < 8; i++ {
		loc, err := sj.Submit(wal.Record{
			Meta: []byte(fmt.Sprintf("wm-%d", i)),
			Data: bytes.Repeat([]byte{byte(i)}, 64),
		})
		require.NoError(t, err)
		committed := sj.CommittedTo()
		assert.Equal(t, loc.WriteResult.StartSeq, committed)
		assert.False(t, committed.Before(prev), "watermark regressed at %d", i)
		prev = committed
	}

	// After a concurrent burst drains, the watermark sits on the start
	// of the newest group.
	const workers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	newest := prev
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loc, err := sj.Submit(wal.Record{
				Meta: []byte(fmt.Sprintf("burst-%02d", i)),
				Data: bytes.Repeat([]byte{byte(i)}, 128),
			})
			assert.NoError(t, err)
			mu.Lock()
			if newest.Before(loc.WriteResult.StartSeq) {
				newest = loc.WriteResult.StartSeq
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, newest, sj.CommittedTo())
	require.NoError(t, sj.Close())
}

func TestSegmentTrimReleasesSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	d, err := device.NewFileDevice(path, 1, 512, 8*512, 3)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	sj := NewSegmentedJournal(newTestGroup(t, d), SegmentedJournalConfig{
		IODepth:           2,
		BatchCapacity:     4,
		BatchFlushSize:    2048,
		PreferredFullness: 0.9,
	}, rand.New(rand.NewSource(3)))
	_, err = sj.OpenForMkfs()
	require.NoError(t, err)

	submit := func(i int) wal.RecordLocator {
		loc, err := sj.Submit(wal.Record{
			Meta: []byte(fmt.Sprintf("trim-%d", i)),
			Data: bytes.Repeat([]byte{byte(i)}, 64),
		})
		require.NoError(t, err)
		return loc
	}
	submit(0)
	require.NoError(t, sj.RollSegment())
	keep := submit(1)
	require.NoError(t, sj.RollSegment())

	// All three segments are occupied; trimming past the first one frees
	// its slot, so the next roll can reuse it.
	sj.UpdateJournalTails(keep.WriteResult.StartSeq, keep.WriteResult.StartSeq)
	assert.Equal(t, keep.WriteResult.StartSeq, sj.Trimmer().DirtyTail())
	require.NoError(t, sj.RollSegment())
	last := submit(2)
	assert.Equal(t, uint32(0), last.WriteResult.StartSeq.At.Segment.Local)
	require.NoError(t, sj.Close())

	// Remount replays only what survives the trim, oldest first.
	sj2 := NewSegmentedJournal(newTestGroup(t, d), SegmentedJournalConfig{
		IODepth:           2,
		BatchCapacity:     4,
		BatchFlushSize:    2048,
		PreferredFullness: 0.9,
	}, rand.New(rand.NewSource(4)))
	var found []foundGroup
	_, err = sj2.OpenForMount(collectGroups(&found))
	require.NoError(t, err)
	var metas []string
	for _, fg := range found {
		metas = append(metas, fg.meta...)
	}
	assert.Equal(t, []string{"trim-1", "trim-2"}, metas)
	require.NoError(t, sj2.Close())
}

func TestSubmitterWaitAvailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.dat")
	sj := openSegmentedFixture(t, path, 64*512)
	_, err := sj.OpenForMkfs()
	require.NoError(t, err)
	defer sj.Close()

	assert.True(t, sj.submitter.IsAvailable())
	require.NoError(t, sj.submitter.WaitAvailable())

	require.NoError(t, sj.RollSegment())
	assert.Equal(t, uint64(1), sj.Stats().SegmentRolls)
}
