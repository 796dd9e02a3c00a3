package mifare

import (
	"encoding/hex"
	"errors"
	"testing"
)

func TestDetectProfile(t *testing.T) {
	tests := []struct {
		name    string
		atr     string
		blocks  int
		sectors int
		card    string
	}{
		{
			name:    "Mifare Classic 1K",
			atr:     "3b8f8001804f0ca000000306030001000000006a",
			blocks:  64,
			sectors: 16,
			card:    "Mifare Classic 1K",
		},
		{
			name:    "Mifare Classic 4K",
			atr:     "3b8f8001804f0ca0000003060300020000000069",
			blocks:  256,
			sectors: 40,
			card:    "Mifare Classic 4K",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atr, _ := hex.DecodeString(tt.atr)
			p, err := DetectProfile(atr)
			if err != nil {
				t.Fatalf("DetectProfile() returned error: %v", err)
			}
			if p.Blocks != tt.blocks {
				t.Errorf("Blocks = %d, want %d", p.Blocks, tt.blocks)
			}
			if p.Sectors != tt.sectors {
				t.Errorf("Sectors = %d, want %d", p.Sectors, tt.sectors)
			}
			if p.Name != tt.card {
				t.Errorf("Name = %q, want %q", p.Name, tt.card)
			}
		})
	}
}

func TestDetectProfileUnsupported(t *testing.T) {
	// NTAG-style ATR carries card-name code 0003.
	atr, _ := hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")
	_, err := DetectProfile(atr)
	if !errors.Is(err, ErrUnsupportedCard) {
		t.Errorf("err = %v, want ErrUnsupportedCard", err)
	}
}

func TestDetectProfileShortATR(t *testing.T) {
	atr, _ := hex.DecodeString("3b8f8001804f0ca00000")
	_, err := DetectProfile(atr)
	if !errors.Is(err, ErrUnknownCard) {
		t.Errorf("err = %v, want ErrUnknownCard", err)
	}
}
