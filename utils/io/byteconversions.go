package io

import (
	"encoding/binary"
)

// Fixed-width little-endian decoders for on-device structures.
// Every on-device integer in segstore is little-endian.

func ToUint8(b []byte) uint8 {
	return b[0]
}

func ToInt8(b []byte) int8 {
	return int8(b[0])
}

func ToUint16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func ToInt16(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

func ToUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func ToInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func ToUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func ToInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}
