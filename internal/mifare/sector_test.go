package mifare

import "testing"

func TestNewSectorLayout(t *testing.T) {
	tests := []struct {
		name       string
		sector     int
		startBlock int
		blocks     int
		trailer    int
	}{
		{"first sector", 0, 0, 4, 3},
		{"last small sector", 31, 124, 4, 127},
		{"first large sector", 32, 128, 16, 143},
		{"last 4K sector", 39, 240, 16, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sec := NewSector(tt.sector)
			if sec.StartBlock != tt.startBlock {
				t.Errorf("StartBlock = %d, want %d", sec.StartBlock, tt.startBlock)
			}
			if sec.Blocks != tt.blocks {
				t.Errorf("Blocks = %d, want %d", sec.Blocks, tt.blocks)
			}
			if sec.TrailerBlock() != tt.trailer {
				t.Errorf("TrailerBlock() = %d, want %d", sec.TrailerBlock(), tt.trailer)
			}
			if sec.DataBlocks() != tt.blocks-1 {
				t.Errorf("DataBlocks() = %d, want %d", sec.DataBlocks(), tt.blocks-1)
			}
		})
	}
}

func TestSectorsAreContiguous(t *testing.T) {
	next := 0
	for n := 0; n < 40; n++ {
		sec := NewSector(n)
		if sec.StartBlock != next {
			t.Fatalf("sector %d starts at block %d, want %d", n, sec.StartBlock, next)
		}
		next = sec.StartBlock + sec.Blocks
	}
	if next != 256 {
		t.Fatalf("40 sectors cover %d blocks, want 256", next)
	}
}

func TestIsSectorTrailer(t *testing.T) {
	// Collect the trailer positions from the sector layout and cross-check
	// the positional predicate against them for every 4K block.
	trailers := make(map[int]bool)
	for n := 0; n < 40; n++ {
		trailers[NewSector(n).TrailerBlock()] = true
	}

	for block := 0; block < 256; block++ {
		if got := IsSectorTrailer(block); got != trailers[block] {
			t.Errorf("IsSectorTrailer(%d) = %v, want %v", block, got, trailers[block])
		}
	}
}
