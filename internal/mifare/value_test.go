package mifare

import (
	"encoding/hex"
	"math"
	"testing"
)

func TestEncodeValueBlockLayout(t *testing.T) {
	block := EncodeValueBlock(1, 0x04)

	if len(block) != BlockSize {
		t.Fatalf("len = %d, want %d", len(block), BlockSize)
	}

	want, _ := hex.DecodeString("01000000feffffff0100000004fb04fb")
	if hex.EncodeToString(block) != hex.EncodeToString(want) {
		t.Errorf("block = %x, want %x", block, want)
	}
}

func TestEncodeValueBlockZero(t *testing.T) {
	// The canonical format payload: value 0, complement all-ones, address
	// byte 0x00 with complement 0xFF.
	block := EncodeValueBlock(0, 0x00)
	want := "00000000ffffffff0000000000ff00ff"
	if got := hex.EncodeToString(block); got != want {
		t.Errorf("block = %s, want %s", got, want)
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 42, -1000, math.MaxInt32, math.MinInt32}
	for _, v := range values {
		if got := DecodeValue(EncodeValueBlock(v, 0x08)); got != v {
			t.Errorf("DecodeValue(EncodeValueBlock(%d)) = %d", v, got)
		}
	}
}
