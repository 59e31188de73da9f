package wal

import (
	"fmt"
)

// DeviceID identifies one physical or virtual block device in a device
// group.
type DeviceID uint16

// SegmentID addresses one fixed-size segment on a device.
type SegmentID struct {
	Device DeviceID
	Local  uint32
}

func (s SegmentID) String() string {
	return fmt.Sprintf("D%d_S%d", s.Device, s.Local)
}

type SegmentType int8

const (
	SegmentTypeNull SegmentType = iota
	SegmentTypeJournal
	SegmentTypeOOL
)

func (t SegmentType) String() string {
	switch t {
	case SegmentTypeJournal:
		return "JOURNAL"
	case SegmentTypeOOL:
		return "OOL"
	default:
		return "NULL"
	}
}

// Address is a physical position: a segment plus a byte offset within it.
// The circular journal uses the owning device's pseudo-segment zero and an
// absolute byte offset.
type Address struct {
	Segment SegmentID
	Offset  uint64
}

func (a Address) AddOffset(n uint64) Address {
	a.Offset += n
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Segment, a.Offset)
}

// NullSeqNum marks "no sequence".
const NullSeqNum = ^uint64(0)

// JournalSeq is a logical position in the log: the owning segment's
// sequence number (or wrap count for the circular journal) plus the
// physical address. Totally ordered by (Seq, At.Offset).
type JournalSeq struct {
	Seq uint64
	At  Address
}

var NullJournalSeq = JournalSeq{Seq: NullSeqNum}

func (j JournalSeq) IsNull() bool {
	return j.Seq == NullSeqNum
}

// Cmp returns -1, 0 or +1. Both sequences must be non-null.
func (j JournalSeq) Cmp(o JournalSeq) int {
	switch {
	case j.Seq < o.Seq:
		return -1
	case j.Seq > o.Seq:
		return 1
	case j.At.Offset < o.At.Offset:
		return -1
	case j.At.Offset > o.At.Offset:
		return 1
	default:
		return 0
	}
}

func (j JournalSeq) Before(o JournalSeq) bool { return j.Cmp(o) < 0 }
func (j JournalSeq) After(o JournalSeq) bool  { return j.Cmp(o) > 0 }

func (j JournalSeq) String() string {
	if j.IsNull() {
		return "SEQ_NULL"
	}
	return fmt.Sprintf("%d@%s", j.Seq, j.At)
}

// RecordSize is the declared size of a record before encoding.
type RecordSize struct {
	MetaLen uint64
	DataLen uint64
}

// Record is one logical unit of mutation supplied by a producer. The
// journal treats both byte regions as opaque; ownership of the bytes
// transfers to the journal on submission.
type Record struct {
	Meta []byte
	Data []byte
}

func (r Record) Size() RecordSize {
	return RecordSize{
		MetaLen: uint64(len(r.Meta)),
		DataLen: uint64(len(r.Data)),
	}
}

// WriteResult is the outcome of one successful physical write.
type WriteResult struct {
	StartSeq JournalSeq
	Length   uint64
}

// RecordLocator points at one record inside a written record group.
// RecordBase is the start of the group's data region plus the record's
// data offset within it.
type RecordLocator struct {
	RecordBase  Address
	WriteResult WriteResult
}

func (l RecordLocator) String() string {
	return fmt.Sprintf("record at %s (group %s~%d)",
		l.RecordBase, l.WriteResult.StartSeq, l.WriteResult.Length)
}
