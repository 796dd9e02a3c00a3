package mifare

import "encoding/binary"

// Value blocks hold a signed 32-bit counter with built-in redundancy: the
// little-endian value, its bitwise complement, the value again, then the
// block address stored twice as plain/inverted byte pairs.

// EncodeValueBlock lays out the full 16-byte value-block payload for value
// and address.
func EncodeValueBlock(value int32, address byte) []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(value))
	binary.LittleEndian.PutUint32(b[4:8], ^uint32(value))
	binary.LittleEndian.PutUint32(b[8:12], uint32(value))
	b[12] = address
	b[13] = ^address
	b[14] = address
	b[15] = ^address
	return b
}

// DecodeValue reads the leading value copy of a value block. The redundancy
// fields are not cross-checked on read; the encode path always produces the
// fully redundant layout.
func DecodeValue(block []byte) int32 {
	return int32(binary.LittleEndian.Uint32(block[0:4]))
}
