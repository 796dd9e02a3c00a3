package mifare

// Sector describes the physical block range of a logical sector. Mifare
// Classic uses 4-block sectors for the first 32 sectors and 16-block sectors
// from sector 32 on (4K cards only).
type Sector struct {
	Number     int
	StartBlock int
	Blocks     int
}

// NewSector resolves a sector index to its block range. Any non-negative
// index yields a result; validity against the connected card's sector count
// is checked by the Session operations.
func NewSector(number int) Sector {
	if number < 32 {
		return Sector{Number: number, StartBlock: number * 4, Blocks: 4}
	}
	return Sector{Number: number, StartBlock: 128 + (number-32)*16, Blocks: 16}
}

// DataBlocks is the number of user-data blocks in the sector. The last block
// of every sector is the trailer, never user data.
func (s Sector) DataBlocks() int {
	return s.Blocks - 1
}

// TrailerBlock is the absolute block index of the sector trailer.
func (s Sector) TrailerBlock() int {
	return s.StartBlock + s.Blocks - 1
}

// IsSectorTrailer reports whether block is the trailer of its containing
// sector. A block's role is derived purely from its position.
func IsSectorTrailer(block int) bool {
	if block < 128 {
		return (block+1)%4 == 0
	}
	return (block+1)%16 == 0
}
