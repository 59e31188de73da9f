package io

import (
	"encoding/binary"
	"fmt"
)

// Serialize appends the byte representation of various primitive types to
// the specified buffer and returns it. Useful for building on-device
// structures in place.
func Serialize(buffer []byte, datum interface{}) ([]byte, error) {
	if buffer == nil {
		buffer = make([]byte, 0)
	}
	switch v := datum.(type) {
	case []byte:
		return append(buffer, v...), nil
	case string:
		return append(buffer, v...), nil
	case uint8:
		return append(buffer, v), nil
	case int8:
		return append(buffer, byte(v)), nil
	case uint16:
		return binary.LittleEndian.AppendUint16(buffer, v), nil
	case int16:
		return binary.LittleEndian.AppendUint16(buffer, uint16(v)), nil
	case uint32:
		return binary.LittleEndian.AppendUint32(buffer, v), nil
	case int32:
		return binary.LittleEndian.AppendUint32(buffer, uint32(v)), nil
	case uint64:
		return binary.LittleEndian.AppendUint64(buffer, v), nil
	case int64:
		return binary.LittleEndian.AppendUint64(buffer, uint64(v)), nil
	default:
		return buffer, fmt.Errorf("Serialize: type %T is not serializable", datum)
	}
}
