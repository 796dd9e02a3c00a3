package mifare

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Profile describes a connected card's capacity, derived once from its ATR
// when the session is opened. It bounds every block and sector index used by
// the session operations.
type Profile struct {
	Blocks  int    `json:"blocks"`
	Sectors int    `json:"sectors"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	ATR     string `json:"atr"`
}

// DetectProfile derives the card profile from the raw ATR bytes. The
// two-byte card-name code sits at offset 26..30 of the hex-encoded ATR.
func DetectProfile(atr []byte) (Profile, error) {
	encoded := strings.ToUpper(hex.EncodeToString(atr))
	if len(encoded) < 30 {
		return Profile{}, fmt.Errorf("%w: ATR %q", ErrUnknownCard, encoded)
	}

	p := Profile{Type: encoded[26:30], ATR: encoded}

	switch p.Type {
	case "0001":
		p.Blocks, p.Sectors, p.Name = 64, 16, "Mifare Classic 1K"
	case "0002":
		p.Blocks, p.Sectors, p.Name = 256, 40, "Mifare Classic 4K"
	default:
		return Profile{}, fmt.Errorf("%w: %s", ErrUnsupportedCard, p.Type)
	}

	return p, nil
}
