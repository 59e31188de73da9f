package journal

import (
	"bytes"
	"crypto/md5"

	"github.com/pkg/errors"

	"github.com/slabworks/segstore/journal/wal"
	"github.com/slabworks/segstore/utils/io"
)

/*
	On-device layout. All integers are little-endian and every structure
	is block-size aligned.

	Record group:
	+--------------------------------------------------------------+
	| group header | descriptors | record metadata... | pad | data |
	+--------------------------------------------------------------+
	^------------------- MetaLen (aligned) -----------------^
	The metadata checksum covers the full MetaLen region with its own
	field zeroed; the data checksum covers the full DataLen region.
*/

const (
	groupMagic    uint32 = 0x53475247 // "GRGS"
	segmentMagic  uint32 = 0x53475345 // "ESGS"
	circularMagic uint64 = 0x53474a5242434a4c // "LJCBRJGS"
	formatVersion uint16 = 1

	checksumLen = md5.Size

	// JournalSeq: Seq + device + local + offset.
	seqLen = 8 + 2 + 4 + 8

	// magic, version, numRecords, metaLen, dataLen, nonce,
	// committedTo, dataChecksum, metaChecksum.
	groupHeaderLen = 4 + 2 + 2 + 4 + 4 + 4 + seqLen + checksumLen + checksumLen

	groupDataChecksumOff = groupHeaderLen - 2*checksumLen
	groupMetaChecksumOff = groupHeaderLen - checksumLen

	// metaLen, dataLen per record.
	recordDescLen = 4 + 4

	// magic, version, type, seq, segment id, nonce, dirty tail,
	// alloc tail, checksum.
	segmentHeaderLen = 4 + 2 + 1 + 8 + 6 + 4 + seqLen + seqLen + checksumLen
	segmentTailLen   = 4 + 2 + 1 + 8 + 6 + 4 + checksumLen

	// magic, version, instance id, block size, size, dirty tail,
	// alloc tail, device id, checksum.
	circularHeaderLen = 8 + 2 + 8 + 4 + 8 + seqLen + seqLen + 2 + checksumLen
)

func alignUp(n uint64, blockSize uint32) uint64 {
	bs := uint64(blockSize)
	return (n + bs - 1) / bs * bs
}

func serializeSeq(buf []byte, seq wal.JournalSeq) []byte {
	buf, _ = io.Serialize(buf, seq.Seq)
	buf, _ = io.Serialize(buf, uint16(seq.At.Segment.Device))
	buf, _ = io.Serialize(buf, seq.At.Segment.Local)
	buf, _ = io.Serialize(buf, seq.At.Offset)
	return buf
}

func deserializeSeq(b []byte) wal.JournalSeq {
	return wal.JournalSeq{
		Seq: io.ToUint64(b[0:8]),
		At: wal.Address{
			Segment: wal.SegmentID{
				Device: wal.DeviceID(io.ToUint16(b[8:10])),
				Local:  io.ToUint32(b[10:14]),
			},
			Offset: io.ToUint64(b[14:22]),
		},
	}
}

// GroupHeader is the decoded on-device record group header.
type GroupHeader struct {
	NumRecords   uint16
	MetaLen      uint32
	DataLen      uint32
	Nonce        uint32
	CommittedTo  wal.JournalSeq
	DataChecksum [checksumLen]byte
	MetaChecksum [checksumLen]byte
}

// GroupSize accumulates the encoded size of a record group as records are
// added, before the group is actually encoded.
type GroupSize struct {
	RawMetaLen uint64 // header + descriptors + record metadata, unpadded
	RawDataLen uint64 // concatenated record data, unpadded
	BlockSize  uint32
}

func NewGroupSize(blockSize uint32) GroupSize {
	return GroupSize{BlockSize: blockSize}
}

func (s GroupSize) IsEmpty() bool { return s.RawMetaLen == 0 }

// MetaLen is the block-aligned metadata region length.
func (s GroupSize) MetaLen() uint64 {
	if s.IsEmpty() {
		return 0
	}
	return alignUp(s.RawMetaLen, s.BlockSize)
}

// DataLen is the block-aligned data region length.
func (s GroupSize) DataLen() uint64 {
	return alignUp(s.RawDataLen, s.BlockSize)
}

func (s GroupSize) EncodedLen() uint64 {
	return s.MetaLen() + s.DataLen()
}

// Fullness relates the encoded length to the flush-size knob.
func (s GroupSize) Fullness(flushSize uint64) float64 {
	if flushSize == 0 {
		return 1
	}
	return float64(s.EncodedLen()) / float64(flushSize)
}

// AfterAdding is the group size once one more record of the given size is
// included.
func (s GroupSize) AfterAdding(rs wal.RecordSize) GroupSize {
	if s.IsEmpty() {
		s.RawMetaLen = groupHeaderLen
	}
	s.RawMetaLen += recordDescLen + rs.MetaLen
	s.RawDataLen += rs.DataLen
	return s
}

// SizeOfRecords computes the group size for a full record set.
func SizeOfRecords(records []wal.Record, blockSize uint32) GroupSize {
	s := NewGroupSize(blockSize)
	for _, r := range records {
		s = s.AfterAdding(r.Size())
	}
	return s
}

// EncodeGroup serializes 1..N records into one physical write unit.
// committedTo must never point forward of the group's own location.
func EncodeGroup(records []wal.Record, blockSize uint32,
	committedTo wal.JournalSeq, nonce uint32,
) ([]byte, GroupSize) {
	if len(records) == 0 {
		panic("EncodeGroup: empty record set")
	}
	size := SizeOfRecords(records, blockSize)
	mdLen := size.MetaLen()
	dLen := size.DataLen()
	buf := make([]byte, mdLen+dLen)

	// Data region first so its checksum can go into the header.
	cursor := mdLen
	for _, r := range records {
		copy(buf[cursor:], r.Data)
		cursor += uint64(len(r.Data))
	}
	dataChecksum := md5.Sum(buf[mdLen : mdLen+dLen])

	hdr := buf[:0]
	hdr, _ = io.Serialize(hdr, groupMagic)
	hdr, _ = io.Serialize(hdr, formatVersion)
	hdr, _ = io.Serialize(hdr, uint16(len(records)))
	hdr, _ = io.Serialize(hdr, uint32(mdLen))
	hdr, _ = io.Serialize(hdr, uint32(dLen))
	hdr, _ = io.Serialize(hdr, nonce)
	hdr = serializeSeq(hdr, committedTo)
	hdr, _ = io.Serialize(hdr, dataChecksum[:])
	hdr, _ = io.Serialize(hdr, make([]byte, checksumLen)) // metadata checksum, patched below
	for _, r := range records {
		hdr, _ = io.Serialize(hdr, uint32(len(r.Meta)))
		hdr, _ = io.Serialize(hdr, uint32(len(r.Data)))
	}
	for _, r := range records {
		hdr, _ = io.Serialize(hdr, r.Meta)
	}

	metaChecksum := md5.Sum(buf[:mdLen])
	copy(buf[groupMetaChecksumOff:groupMetaChecksumOff+checksumLen], metaChecksum[:])
	return buf, size
}

// DecodeGroupHeader decodes without validation; use ValidateGroupMetadata
// before trusting the result.
func DecodeGroupHeader(b []byte) (GroupHeader, error) {
	if len(b) < groupHeaderLen {
		return GroupHeader{}, wal.ShortReadError("DecodeGroupHeader")
	}
	if io.ToUint32(b[0:4]) != groupMagic || io.ToUint16(b[4:6]) != formatVersion {
		return GroupHeader{}, wal.ErrNoData
	}
	h := GroupHeader{
		NumRecords:  io.ToUint16(b[6:8]),
		MetaLen:     io.ToUint32(b[8:12]),
		DataLen:     io.ToUint32(b[12:16]),
		Nonce:       io.ToUint32(b[16:20]),
		CommittedTo: deserializeSeq(b[20 : 20+seqLen]),
	}
	copy(h.DataChecksum[:], b[groupDataChecksumOff:groupDataChecksumOff+checksumLen])
	copy(h.MetaChecksum[:], b[groupMetaChecksumOff:groupMetaChecksumOff+checksumLen])
	return h, nil
}

// ValidateGroupMetadata verifies the full metadata region of a group
// against the checksum and nonce recorded in its header. A failure means
// "not a valid record group here", reported as wal.ErrNoData.
func ValidateGroupMetadata(md []byte, nonce uint32) (GroupHeader, error) {
	h, err := DecodeGroupHeader(md)
	if err != nil {
		return GroupHeader{}, err
	}
	if h.Nonce != nonce || h.NumRecords == 0 ||
		uint64(len(md)) != uint64(h.MetaLen) ||
		groupHeaderLen+uint64(h.NumRecords)*recordDescLen > uint64(h.MetaLen) {
		return GroupHeader{}, wal.ErrNoData
	}
	scratch := make([]byte, len(md))
	copy(scratch, md)
	for i := groupMetaChecksumOff; i < groupMetaChecksumOff+checksumLen; i++ {
		scratch[i] = 0
	}
	sum := md5.Sum(scratch)
	if !bytes.Equal(sum[:], h.MetaChecksum[:]) {
		return GroupHeader{}, wal.ErrNoData
	}
	return h, nil
}

// ValidateGroupData verifies the data region against the checksum in the
// header.
func ValidateGroupData(h GroupHeader, data []byte) bool {
	if uint64(len(data)) != uint64(h.DataLen) {
		return false
	}
	sum := md5.Sum(data)
	return bytes.Equal(sum[:], h.DataChecksum[:])
}

// SplitRecords splits a validated metadata and data region back into the
// individual records of the group.
func SplitRecords(h GroupHeader, md, data []byte) ([]wal.Record, error) {
	if uint64(len(md)) < uint64(h.MetaLen) || uint64(len(data)) < uint64(h.DataLen) {
		return nil, wal.ShortReadError("SplitRecords")
	}
	descs := md[groupHeaderLen:]
	metaCursor := groupHeaderLen + uint64(h.NumRecords)*recordDescLen
	dataCursor := uint64(0)
	records := make([]wal.Record, h.NumRecords)
	for i := 0; i < int(h.NumRecords); i++ {
		mLen := uint64(io.ToUint32(descs[i*recordDescLen : i*recordDescLen+4]))
		dLen := uint64(io.ToUint32(descs[i*recordDescLen+4 : i*recordDescLen+8]))
		if metaCursor+mLen > uint64(h.MetaLen) || dataCursor+dLen > uint64(h.DataLen) {
			return nil, errors.Wrap(wal.ErrNoData, "record descriptor out of range")
		}
		records[i] = wal.Record{
			Meta: md[metaCursor : metaCursor+mLen],
			Data: data[dataCursor : dataCursor+dLen],
		}
		metaCursor += mLen
		dataCursor += dLen
	}
	return records, nil
}

// SegmentHeader occupies block 0 of every initialized segment.
type SegmentHeader struct {
	Type      wal.SegmentType
	Seq       uint64
	ID        wal.SegmentID
	Nonce     uint32
	DirtyTail wal.JournalSeq
	AllocTail wal.JournalSeq
}

// SegmentTail occupies the final block of a closed segment.
type SegmentTail struct {
	Type  wal.SegmentType
	Seq   uint64
	ID    wal.SegmentID
	Nonce uint32
}

func serializeSegmentCommon(buf []byte, typ wal.SegmentType, seq uint64,
	id wal.SegmentID, nonce uint32, magic uint32,
) []byte {
	buf, _ = io.Serialize(buf, magic)
	buf, _ = io.Serialize(buf, formatVersion)
	buf, _ = io.Serialize(buf, int8(typ))
	buf, _ = io.Serialize(buf, seq)
	buf, _ = io.Serialize(buf, uint16(id.Device))
	buf, _ = io.Serialize(buf, id.Local)
	buf, _ = io.Serialize(buf, nonce)
	return buf
}

// EncodeSegmentHeader serializes the header into one zero-padded block,
// checksummed over the whole block.
func EncodeSegmentHeader(h SegmentHeader, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	b := serializeSegmentCommon(buf[:0], h.Type, h.Seq, h.ID, h.Nonce, segmentMagic)
	b = serializeSeq(b, h.DirtyTail)
	b = serializeSeq(b, h.AllocTail)
	checksumAt := len(b)
	sum := md5.Sum(buf)
	copy(buf[checksumAt:checksumAt+checksumLen], sum[:])
	return buf
}

func DecodeSegmentHeader(b []byte) (SegmentHeader, error) {
	if len(b) < segmentHeaderLen {
		return SegmentHeader{}, wal.ShortReadError("DecodeSegmentHeader")
	}
	if io.ToUint32(b[0:4]) != segmentMagic || io.ToUint16(b[4:6]) != formatVersion {
		return SegmentHeader{}, wal.ErrNoData
	}
	if !verifyBlockChecksum(b, segmentHeaderLen-checksumLen) {
		return SegmentHeader{}, wal.ErrNoData
	}
	h := SegmentHeader{
		Type: wal.SegmentType(io.ToInt8(b[6:7])),
		Seq:  io.ToUint64(b[7:15]),
		ID: wal.SegmentID{
			Device: wal.DeviceID(io.ToUint16(b[15:17])),
			Local:  io.ToUint32(b[17:21]),
		},
		Nonce:     io.ToUint32(b[21:25]),
		DirtyTail: deserializeSeq(b[25 : 25+seqLen]),
		AllocTail: deserializeSeq(b[25+seqLen : 25+2*seqLen]),
	}
	return h, nil
}

// EncodeSegmentTail serializes the tail into one zero-padded block.
func EncodeSegmentTail(t SegmentTail, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	b := serializeSegmentCommon(buf[:0], t.Type, t.Seq, t.ID, t.Nonce, segmentMagic)
	checksumAt := len(b)
	sum := md5.Sum(buf)
	copy(buf[checksumAt:checksumAt+checksumLen], sum[:])
	return buf
}

func DecodeSegmentTail(b []byte) (SegmentTail, error) {
	if len(b) < segmentTailLen {
		return SegmentTail{}, wal.ShortReadError("DecodeSegmentTail")
	}
	if io.ToUint32(b[0:4]) != segmentMagic || io.ToUint16(b[4:6]) != formatVersion {
		return SegmentTail{}, wal.ErrNoData
	}
	if !verifyBlockChecksum(b, segmentTailLen-checksumLen) {
		return SegmentTail{}, wal.ErrNoData
	}
	return SegmentTail{
		Type: wal.SegmentType(io.ToInt8(b[6:7])),
		Seq:  io.ToUint64(b[7:15]),
		ID: wal.SegmentID{
			Device: wal.DeviceID(io.ToUint16(b[15:17])),
			Local:  io.ToUint32(b[17:21]),
		},
		Nonce: io.ToUint32(b[21:25]),
	}, nil
}

// CircularHeader is the persistent descriptor of the circular journal,
// stored in the device's leading block and rewritten in place on every
// tail advance.
type CircularHeader struct {
	InstanceID int64
	BlockSize  uint32
	Size       uint64 // usable record area, excluding the header block
	DirtyTail  wal.JournalSeq
	AllocTail  wal.JournalSeq
	DeviceID   wal.DeviceID
}

func EncodeCircularHeader(h CircularHeader, blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	b := buf[:0]
	b, _ = io.Serialize(b, circularMagic)
	b, _ = io.Serialize(b, formatVersion)
	b, _ = io.Serialize(b, h.InstanceID)
	b, _ = io.Serialize(b, h.BlockSize)
	b, _ = io.Serialize(b, h.Size)
	b = serializeSeq(b, h.DirtyTail)
	b = serializeSeq(b, h.AllocTail)
	b, _ = io.Serialize(b, uint16(h.DeviceID))
	checksumAt := len(b)
	sum := md5.Sum(buf)
	copy(buf[checksumAt:checksumAt+checksumLen], sum[:])
	return buf
}

func DecodeCircularHeader(b []byte) (CircularHeader, error) {
	if len(b) < circularHeaderLen {
		return CircularHeader{}, wal.ShortReadError("DecodeCircularHeader")
	}
	if io.ToUint64(b[0:8]) != circularMagic || io.ToUint16(b[8:10]) != formatVersion {
		return CircularHeader{}, wal.ErrNoData
	}
	if !verifyBlockChecksum(b, circularHeaderLen-checksumLen) {
		return CircularHeader{}, wal.ErrNoData
	}
	cursor := 10
	h := CircularHeader{}
	h.InstanceID = io.ToInt64(b[cursor : cursor+8])
	cursor += 8
	h.BlockSize = io.ToUint32(b[cursor : cursor+4])
	cursor += 4
	h.Size = io.ToUint64(b[cursor : cursor+8])
	cursor += 8
	h.DirtyTail = deserializeSeq(b[cursor : cursor+seqLen])
	cursor += seqLen
	h.AllocTail = deserializeSeq(b[cursor : cursor+seqLen])
	cursor += seqLen
	h.DeviceID = wal.DeviceID(io.ToUint16(b[cursor : cursor+2]))
	return h, nil
}

// verifyBlockChecksum recomputes the md5 of a block whose checksum field
// starts at checksumAt, with that field zeroed.
func verifyBlockChecksum(b []byte, checksumAt int) bool {
	var recorded [checksumLen]byte
	copy(recorded[:], b[checksumAt:checksumAt+checksumLen])
	scratch := make([]byte, len(b))
	copy(scratch, b)
	for i := checksumAt; i < checksumAt+checksumLen; i++ {
		scratch[i] = 0
	}
	sum := md5.Sum(scratch)
	return bytes.Equal(sum[:], recorded[:])
}
