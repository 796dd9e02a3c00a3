package mifare

import "encoding/binary"

// BlockSize is the fixed Mifare Classic block payload size in bytes.
const BlockSize = 16

// KeySize is the Mifare Classic key length in bytes.
const KeySize = 6

// KeySlot selects the reader key register a key is loaded into and which key
// the reader authenticates with.
type KeySlot byte

const (
	KeyA KeySlot = 0x60
	KeyB KeySlot = 0x61
)

// ValueOp is the direction of a value-block arithmetic command.
type ValueOp byte

const (
	Decrement ValueOp = 0xC0
	Increment ValueOp = 0xC1
)

// Default PC/SC pseudo-APDU bytes for contactless storage cards.
const (
	cmdClass      = 0xFF
	insGetUID     = 0xCA
	insLoadKey    = 0x82
	insReadBlock  = 0xB0
	insWriteBlock = 0xD6
	insValueBlock = 0xF0
)

// CommandSet builds the wire frame for each logical card operation. Readers
// with non-standard pseudo-APDU variants supply their own implementation;
// everything else uses PCSCCommands.
type CommandSet interface {
	GetUID() []byte
	LoadKey(slot KeySlot, key []byte) []byte
	ReadBlock(block int) []byte
	WriteBlock(block int, data []byte) []byte
	ValueBlock(op ValueOp, block int, value int32) []byte
}

// PCSCCommands is the default PC/SC contactless command set.
type PCSCCommands struct{}

func (PCSCCommands) GetUID() []byte {
	return []byte{cmdClass, insGetUID, 0x00, 0x00, 0x00}
}

func (PCSCCommands) LoadKey(slot KeySlot, key []byte) []byte {
	cmd := []byte{cmdClass, insLoadKey, 0x00, byte(slot), byte(len(key))}
	return append(cmd, key...)
}

func (PCSCCommands) ReadBlock(block int) []byte {
	return []byte{cmdClass, insReadBlock, 0x00, byte(block), BlockSize}
}

func (PCSCCommands) WriteBlock(block int, data []byte) []byte {
	cmd := []byte{cmdClass, insWriteBlock, 0x00, byte(block), byte(len(data))}
	return append(cmd, data...)
}

// ValueBlock wraps an increment or decrement in the value-block operation
// frame: the command byte and block byte followed by the little-endian value.
func (PCSCCommands) ValueBlock(op ValueOp, block int, value int32) []byte {
	payload := make([]byte, 6)
	payload[0] = byte(op)
	payload[1] = byte(block)
	binary.LittleEndian.PutUint32(payload[2:], uint32(value))
	cmd := []byte{cmdClass, insValueBlock, 0x00, byte(block), byte(len(payload))}
	return append(cmd, payload...)
}
