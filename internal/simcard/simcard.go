// Package simcard provides an in-memory Mifare Classic card and PC/SC
// context for tests. The card answers the contactless pseudo-APDU set with
// real block storage, key checking and value-block arithmetic, so the
// packages above the transport can be exercised without a reader attached.
package simcard

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/openmifare/mcrw-agent/internal/mifare"
	"github.com/openmifare/mcrw-agent/internal/reader"
)

// ATRs captured from an ACR122U with real cards on it.
const (
	ATR1K = "3b8f8001804f0ca000000306030001000000006a"
	ATR4K = "3b8f8001804f0ca0000003060300020000000069"
)

// Card simulates a Mifare Classic card behind the PC/SC pseudo-APDU set.
// It implements both mifare.Transport and reader.SmartCard.
type Card struct {
	mu           sync.Mutex
	atr          []byte
	uid          []byte
	blocks       map[int][]byte
	loadedKeys   map[byte][]byte
	requiredSlot byte
	requiredKey  []byte
	status       map[int]uint16
	transmits    int
	disconnected bool
}

// New1K creates a simulated Mifare Classic 1K card with zeroed blocks.
func New1K() *Card {
	return newCard(ATR1K)
}

// New4K creates a simulated Mifare Classic 4K card with zeroed blocks.
func New4K() *Card {
	return newCard(ATR4K)
}

func newCard(atr string) *Card {
	return &Card{
		atr:        mustHex(atr),
		uid:        mustHex("932bae0e"),
		blocks:     make(map[int][]byte),
		loadedKeys: make(map[byte][]byte),
		status:     make(map[int]uint16),
	}
}

// WithUID sets the UID returned by the GET UID command.
func (c *Card) WithUID(uid []byte) *Card {
	c.uid = append([]byte(nil), uid...)
	return c
}

// WithBlock preloads a block's 16-byte payload.
func (c *Card) WithBlock(block int, data []byte) *Card {
	stored := make([]byte, mifare.BlockSize)
	copy(stored, data)
	c.blocks[block] = stored
	return c
}

// WithRequiredKey makes every block command fail with status 0x6982 unless
// the matching key has been loaded into the given slot first.
func (c *Card) WithRequiredKey(slot mifare.KeySlot, key []byte) *Card {
	c.requiredSlot = byte(slot)
	c.requiredKey = append([]byte(nil), key...)
	return c
}

// WithStatus forces the given status word on every read, write and value
// command targeting block.
func (c *Card) WithStatus(block int, status uint16) *Card {
	c.status[block] = status
	return c
}

// TransmitCount reports how many frames reached the card.
func (c *Card) TransmitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transmits
}

// BlockData returns a copy of a block's current payload.
func (c *Card) BlockData(block int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, mifare.BlockSize)
	copy(data, c.blocks[block])
	return data
}

func (c *Card) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil, errors.New("card disconnected")
	}
	c.transmits++

	if len(cmd) < 5 || cmd[0] != 0xFF {
		return status(0x6A81), nil
	}

	switch cmd[1] {
	case 0xCA:
		return append(append([]byte(nil), c.uid...), 0x90, 0x00), nil
	case 0x82:
		key := cmd[5:]
		c.loadedKeys[cmd[3]] = append([]byte(nil), key...)
		return status(0x9000), nil
	case 0xB0:
		return c.readBlock(int(cmd[3])), nil
	case 0xD6:
		return c.writeBlock(int(cmd[3]), cmd[5:]), nil
	case 0xF0:
		return c.valueBlock(int(cmd[3]), cmd[5:]), nil
	default:
		return status(0x6A81), nil
	}
}

func (c *Card) readBlock(block int) []byte {
	if code := c.blockStatus(block); code != 0x9000 {
		return status(code)
	}
	data := make([]byte, mifare.BlockSize)
	copy(data, c.blocks[block])
	return append(data, 0x90, 0x00)
}

func (c *Card) writeBlock(block int, data []byte) []byte {
	if code := c.blockStatus(block); code != 0x9000 {
		return status(code)
	}
	stored := make([]byte, mifare.BlockSize)
	copy(stored, data)
	c.blocks[block] = stored
	return status(0x9000)
}

func (c *Card) valueBlock(block int, payload []byte) []byte {
	if code := c.blockStatus(block); code != 0x9000 {
		return status(code)
	}
	if len(payload) != 6 {
		return status(0x6A80)
	}

	current := c.blocks[block]
	if current == nil {
		current = make([]byte, mifare.BlockSize)
	}
	value := mifare.DecodeValue(current)
	delta := int32(binary.LittleEndian.Uint32(payload[2:6]))
	switch payload[0] {
	case byte(mifare.Increment):
		value += delta
	case byte(mifare.Decrement):
		value -= delta
	default:
		return status(0x6A80)
	}

	c.blocks[block] = mifare.EncodeValueBlock(value, byte(block))
	return status(0x9000)
}

// blockStatus resolves the status word a block command gets: a forced
// override wins, then the key check, then success.
func (c *Card) blockStatus(block int) uint16 {
	if code, ok := c.status[block]; ok {
		return code
	}
	if c.requiredKey != nil {
		loaded := c.loadedKeys[c.requiredSlot]
		if !equalBytes(loaded, c.requiredKey) {
			return 0x6982
		}
	}
	return 0x9000
}

func (c *Card) Status() (reader.SmartCardStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return reader.SmartCardStatus{
		Reader:         "Simulated Reader",
		State:          0,
		ActiveProtocol: 1,
		Atr:            append([]byte(nil), c.atr...),
	}, nil
}

func (c *Card) Disconnect(disposition uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func status(code uint16) []byte {
	return []byte{byte(code >> 8), byte(code)}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
