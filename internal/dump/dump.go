// Package dump reads whole cards into a portable image and writes them
// back. Images are CBOR-encoded so a dump taken on one machine restores
// byte-identically on another.
package dump

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/openmifare/mcrw-agent/internal/mifare"
)

// CBOR encoding/decoding modes
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// Image is a full card dump: identity plus every sector's data blocks and
// trailer.
type Image struct {
	UID     string        `cbor:"uid"`
	Type    string        `cbor:"type"`
	Name    string        `cbor:"name"`
	Sectors []SectorImage `cbor:"sectors"`
}

// SectorImage holds one sector's data blocks concatenated in block order,
// with the trailer kept separate.
type SectorImage struct {
	Number  int    `cbor:"number"`
	Data    []byte `cbor:"data"`
	Trailer []byte `cbor:"trailer"`
}

// Read dumps every sector of the connected card. The whole card must be
// readable with the loaded key; the first unreadable block aborts the dump.
func Read(session *mifare.Session) (*Image, error) {
	profile := session.Profile()

	uid, err := session.UIDHexString()
	if err != nil {
		return nil, fmt.Errorf("read uid: %w", err)
	}

	img := &Image{
		UID:     uid,
		Type:    profile.Type,
		Name:    profile.Name,
		Sectors: make([]SectorImage, 0, profile.Sectors),
	}

	for sector := 0; sector < profile.Sectors; sector++ {
		data, err := session.ReadSector(sector)
		if err != nil {
			return nil, fmt.Errorf("read sector %d: %w", sector, err)
		}
		trailer, err := session.ReadSectorTrailer(sector)
		if err != nil {
			return nil, fmt.Errorf("read sector %d trailer: %w", sector, err)
		}
		img.Sectors = append(img.Sectors, SectorImage{
			Number:  sector,
			Data:    data,
			Trailer: trailer,
		})
	}

	return img, nil
}

// Restore writes an image's data blocks back to the connected card. Sector 0
// is skipped: its first block is the read-only manufacturer block. Trailers
// are never restored; key and access-bit changes stay an explicit per-sector
// operation.
func Restore(session *mifare.Session, img *Image) error {
	profile := session.Profile()
	if img.Type != profile.Type {
		return fmt.Errorf("image is for card type %s, connected card is %s", img.Type, profile.Type)
	}

	for _, sec := range img.Sectors {
		if sec.Number == 0 {
			continue
		}
		if err := session.WriteSector(sec.Number, sec.Data); err != nil {
			return fmt.Errorf("restore sector %d: %w", sec.Number, err)
		}
	}

	return nil
}

// Marshal encodes an image to its CBOR form.
func Marshal(img *Image) ([]byte, error) {
	return encMode.Marshal(img)
}

// Unmarshal decodes a CBOR image.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := decMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decode card image: %w", err)
	}
	return &img, nil
}

// WriteFile writes an image to path. Dumps can hold secrets, so the file is
// only readable by the owner.
func WriteFile(img *Image, path string) error {
	data, err := Marshal(img)
	if err != nil {
		return fmt.Errorf("encode card image: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ReadFile reads an image from path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
