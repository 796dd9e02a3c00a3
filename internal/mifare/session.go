package mifare

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Transport exchanges one command frame for one response frame with the
// card. The channel is half-duplex and stateful (authentication depends on
// the sequence of prior commands), so callers must not interleave commands.
type Transport interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Session is an open channel to a connected Mifare Classic card plus the
// profile derived from its ATR. A Session performs no locking and no
// retries; it is meant for one caller at a time, and every failure is
// surfaced immediately.
type Session struct {
	transport Transport
	commands  CommandSet
	profile   Profile
}

// NewSession derives the card profile from atr and wraps transport with the
// default PC/SC command set.
func NewSession(transport Transport, atr []byte) (*Session, error) {
	return NewSessionWithCommands(transport, atr, PCSCCommands{})
}

// NewSessionWithCommands is NewSession for readers that need a non-standard
// command set.
func NewSessionWithCommands(transport Transport, atr []byte, commands CommandSet) (*Session, error) {
	profile, err := DetectProfile(atr)
	if err != nil {
		return nil, err
	}
	return &Session{transport: transport, commands: commands, profile: profile}, nil
}

// Profile returns the card profile established when the session was opened.
func (s *Session) Profile() Profile {
	return s.profile
}

// transmit sends one frame and classifies the trailing status word: 0x9000
// is success and yields the payload, anything else becomes a *StatusError.
func (s *Session) transmit(cmd []byte) ([]byte, error) {
	rsp, err := s.transport.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	if len(rsp) < 2 {
		return nil, fmt.Errorf("short response: %d bytes", len(rsp))
	}
	status := uint16(rsp[len(rsp)-2])<<8 | uint16(rsp[len(rsp)-1])
	if status != 0x9000 {
		return nil, newStatusError(status)
	}
	return rsp[:len(rsp)-2], nil
}

func (s *Session) checkBlock(block int) error {
	if block < 0 || block >= s.profile.Blocks {
		return fmt.Errorf("%w: %d", ErrBlockRange, block)
	}
	return nil
}

func (s *Session) checkSector(sector int) error {
	if sector < 0 || sector >= s.profile.Sectors {
		return fmt.Errorf("%w: %d", ErrSectorRange, sector)
	}
	return nil
}

// UID returns the card UID payload.
func (s *Session) UID() ([]byte, error) {
	return s.transmit(s.commands.GetUID())
}

// UIDHexString returns the card UID as uppercase hex.
func (s *Session) UIDHexString() (string, error) {
	uid, err := s.UID()
	if err != nil {
		return "", err
	}
	return encodeHexString(uid), nil
}

// LoadKey loads a 6-byte authentication key into the reader's register for
// slot. It must precede any access to a sector secured by that key; the
// reader authenticates with the loaded key on the following block commands.
// A new LoadKey supersedes the previous key for the slot.
func (s *Session) LoadKey(slot KeySlot, key []byte) error {
	if slot != KeyA && slot != KeyB {
		return fmt.Errorf("%w: slot 0x%02X", ErrInvalidKey, byte(slot))
	}
	if len(key) != KeySize {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	_, err := s.transmit(s.commands.LoadKey(slot, key))
	return err
}

// LoadKeyHexString is LoadKey with a 12-hex-character key.
func (s *Session) LoadKeyHexString(slot KeySlot, key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return s.LoadKey(slot, raw)
}

// readBlock is the guarded raw read. Sector trailers are only readable when
// sectorTrailer is set, which only the trailer actions do.
func (s *Session) readBlock(block int, sectorTrailer bool) ([]byte, error) {
	if err := s.checkBlock(block); err != nil {
		return nil, err
	}
	if !sectorTrailer && IsSectorTrailer(block) {
		return nil, fmt.Errorf("%w: must be read with the read-sector-trailer action", ErrSectorTrailer)
	}
	return s.transmit(s.commands.ReadBlock(block))
}

// ReadBlock returns the 16-byte payload of a data block.
func (s *Session) ReadBlock(block int) ([]byte, error) {
	return s.readBlock(block, false)
}

// ReadBlockHexString returns a data block as uppercase hex.
func (s *Session) ReadBlockHexString(block int) (string, error) {
	data, err := s.ReadBlock(block)
	if err != nil {
		return "", err
	}
	return encodeHexString(data), nil
}

// ReadBlockString returns a data block reinterpreted as UTF-8 text.
func (s *Session) ReadBlockString(block int) (string, error) {
	data, err := s.ReadBlock(block)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// writeBlock is the guarded raw write. Payloads must be exactly one block.
func (s *Session) writeBlock(block int, data []byte, sectorTrailer bool) error {
	if err := s.checkBlock(block); err != nil {
		return err
	}
	if !sectorTrailer && IsSectorTrailer(block) {
		return fmt.Errorf("%w: must be written with the write-sector-trailer action", ErrSectorTrailer)
	}
	if len(data) != BlockSize {
		return fmt.Errorf("%w: %d", ErrDataLength, len(data))
	}
	_, err := s.transmit(s.commands.WriteBlock(block, data))
	return err
}

// WriteBlock writes exactly 16 bytes to a data block.
func (s *Session) WriteBlock(block int, data []byte) error {
	return s.writeBlock(block, data, false)
}

// WriteBlockHexString writes a data block given as 32 hex characters.
func (s *Session) WriteBlockHexString(block int, data string) error {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataEncoding, err)
	}
	return s.WriteBlock(block, raw)
}

// WriteBlockString writes UTF-8 text to a data block, zero-padded to the
// block size. Text longer than one block is rejected.
func (s *Session) WriteBlockString(block int, data string) error {
	raw := []byte(data)
	if len(raw) > BlockSize {
		return fmt.Errorf("%w: string is %d bytes", ErrDataLength, len(raw))
	}
	padded := make([]byte, BlockSize)
	copy(padded, raw)
	return s.WriteBlock(block, padded)
}

// ClearBlock writes an all-zero payload to a data block.
func (s *Session) ClearBlock(block int) error {
	return s.WriteBlock(block, make([]byte, BlockSize))
}

// ReadValueBlock decodes the block's leading little-endian signed 32-bit
// value copy.
func (s *Session) ReadValueBlock(block int) (int32, error) {
	data, err := s.ReadBlock(block)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: %d", ErrDataLength, len(data))
	}
	return DecodeValue(data), nil
}

// IncrementValueBlock adds value to the block's stored counter. Per Mifare
// semantics value is a magnitude; the direction is carried by the command,
// and the raw integer is passed through unasserted.
func (s *Session) IncrementValueBlock(block int, value int32) error {
	return s.valueBlockCommand(Increment, block, value)
}

// DecrementValueBlock subtracts value from the block's stored counter.
func (s *Session) DecrementValueBlock(block int, value int32) error {
	return s.valueBlockCommand(Decrement, block, value)
}

func (s *Session) valueBlockCommand(op ValueOp, block int, value int32) error {
	if err := s.checkBlock(block); err != nil {
		return err
	}
	_, err := s.transmit(s.commands.ValueBlock(op, block, value))
	return err
}

// FormatValueBlock writes the canonical zero-valued value-block payload:
// value 0, complement 0xFFFFFFFF, address byte 0x00 with complement 0xFF.
func (s *Session) FormatValueBlock(block int) error {
	return s.WriteBlock(block, EncodeValueBlock(0, 0x00))
}

// ReadSector reads all data blocks of a sector in block order into one
// buffer. The trailer block is never included.
func (s *Session) ReadSector(sector int) ([]byte, error) {
	if err := s.checkSector(sector); err != nil {
		return nil, err
	}
	sec := NewSector(sector)
	blocks := make([]byte, 0, sec.DataBlocks()*BlockSize)
	for x := 0; x < sec.DataBlocks(); x++ {
		block, err := s.ReadBlock(sec.StartBlock + x)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block...)
	}
	return blocks, nil
}

// ReadSectorHexString returns a sector's data blocks as uppercase hex.
func (s *Session) ReadSectorHexString(sector int) (string, error) {
	data, err := s.ReadSector(sector)
	if err != nil {
		return "", err
	}
	return encodeHexString(data), nil
}

// ReadSectorString returns a sector's data blocks reinterpreted as UTF-8.
func (s *Session) ReadSectorString(sector int) (string, error) {
	data, err := s.ReadSector(sector)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteSector writes data across the sector's data blocks in block order,
// right-padding with zero bytes up to the sector's data capacity. Data
// longer than the capacity is rejected, shorter data is accepted and
// zero-filled.
func (s *Session) WriteSector(sector int, data []byte) error {
	if err := s.checkSector(sector); err != nil {
		return err
	}
	sec := NewSector(sector)
	capacity := sec.DataBlocks() * BlockSize
	if len(data) > capacity {
		return fmt.Errorf("%w: %d", ErrDataLength, len(data))
	}
	padded := make([]byte, capacity)
	copy(padded, data)
	for x := 0; x < sec.DataBlocks(); x++ {
		start := x * BlockSize
		if err := s.WriteBlock(sec.StartBlock+x, padded[start:start+BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// WriteSectorHexString writes hex-encoded data across a sector.
func (s *Session) WriteSectorHexString(sector int, data string) error {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataEncoding, err)
	}
	return s.WriteSector(sector, raw)
}

// WriteSectorString writes UTF-8 text across a sector.
func (s *Session) WriteSectorString(sector int, data string) error {
	return s.WriteSector(sector, []byte(data))
}

// ClearSector writes all-zero payloads to every data block of a sector.
func (s *Session) ClearSector(sector int) error {
	if err := s.checkSector(sector); err != nil {
		return err
	}
	sec := NewSector(sector)
	for x := 0; x < sec.DataBlocks(); x++ {
		if err := s.ClearBlock(sec.StartBlock + x); err != nil {
			return err
		}
	}
	return nil
}

// ReadSectorTrailer reads the sector's trailer block. This and
// WriteSectorTrailer are the only sanctioned ways to touch a trailer.
func (s *Session) ReadSectorTrailer(sector int) ([]byte, error) {
	if err := s.checkSector(sector); err != nil {
		return nil, err
	}
	return s.readBlock(NewSector(sector).TrailerBlock(), true)
}

// ReadSectorTrailerHexString returns the trailer block as uppercase hex.
func (s *Session) ReadSectorTrailerHexString(sector int) (string, error) {
	data, err := s.ReadSectorTrailer(sector)
	if err != nil {
		return "", err
	}
	return encodeHexString(data), nil
}

// WriteSectorTrailer writes the sector's trailer block. The trailer holds
// key and access-control material; writing a bad access layout can brick
// the sector, so no padding or convenience encoding is applied here.
func (s *Session) WriteSectorTrailer(sector int, data []byte) error {
	if err := s.checkSector(sector); err != nil {
		return err
	}
	return s.writeBlock(NewSector(sector).TrailerBlock(), data, true)
}

// WriteSectorTrailerHexString writes the trailer block given as hex.
func (s *Session) WriteSectorTrailerHexString(sector int, data string) error {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataEncoding, err)
	}
	return s.WriteSectorTrailer(sector, raw)
}

// ReadSectorInfo renders a per-block diagnostic report for a sector,
// trailer included. Block 0 of sector 0 and the trailer get fixed
// annotations, data blocks get their bytes rendered as text. A failing
// block renders its error inline; the report itself never fails once the
// sector index is valid, so one broken sector cannot hide the rest of the
// card.
func (s *Session) ReadSectorInfo(sector int) (string, error) {
	if err := s.checkSector(sector); err != nil {
		return "", err
	}

	sec := NewSector(sector)
	digits := len(strconv.Itoa(s.profile.Blocks))

	var b strings.Builder
	fmt.Fprintf(&b, "Sector %d:\n", sec.Number)

	for x := 0; x < sec.Blocks; x++ {
		fmt.Fprintf(&b, "%*d: ", digits, sec.StartBlock+x)

		block, err := s.readBlock(sec.StartBlock+x, true)
		if err != nil {
			fmt.Fprintf(&b, "Error: %s\n", err.Error())
			continue
		}

		b.WriteString(encodeHexString(block))
		switch {
		case sec.StartBlock == 0 && x == 0:
			b.WriteString(" - <UID - Manufacturer Data>")
		case x == sec.Blocks-1:
			b.WriteString(" - <Sector Trailer>")
		default:
			b.WriteString(" - " + printableString(block))
		}
		b.WriteString("\n")
	}

	return b.String(), nil
}

// ReadCardInfo renders the whole-card report: ATR, type, UID and every
// sector's info report.
func (s *Session) ReadCardInfo() (string, error) {
	uid, err := s.UIDHexString()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Card ATR: %s\n", s.profile.ATR)
	fmt.Fprintf(&b, "Card Type: %s\n", s.profile.Name)
	fmt.Fprintf(&b, "Card UID: %s\n", uid)
	b.WriteString("Card Data:\n")

	for sector := 0; sector < s.profile.Sectors; sector++ {
		info, err := s.ReadSectorInfo(sector)
		if err != nil {
			return "", err
		}
		b.WriteString(info)
		b.WriteString("\n")
	}

	return b.String(), nil
}

func encodeHexString(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// printableString replaces every byte outside printable ASCII with a single
// space, for the sector-info text column.
func printableString(data []byte) string {
	out := make([]byte, len(data))
	for i, c := range data {
		if c >= 0x20 && c <= 0x7E {
			out[i] = c
		} else {
			out[i] = ' '
		}
	}
	return string(out)
}
