package dump

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/openmifare/mcrw-agent/internal/mifare"
	"github.com/openmifare/mcrw-agent/internal/simcard"
)

func newSession(t *testing.T, card *simcard.Card) *mifare.Session {
	t.Helper()
	status, err := card.Status()
	if err != nil {
		t.Fatalf("Status() returned error: %v", err)
	}
	session, err := mifare.NewSession(card, status.Atr)
	if err != nil {
		t.Fatalf("NewSession() returned error: %v", err)
	}
	return session
}

func TestReadCapturesAllSectors(t *testing.T) {
	card := simcard.New1K().
		WithUID([]byte{0x93, 0x2B, 0xAE, 0x0E}).
		WithBlock(4, []byte("sector one data!")).
		WithBlock(7, bytes.Repeat([]byte{0xFF}, 16))
	session := newSession(t, card)

	img, err := Read(session)
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}

	if img.UID != "932BAE0E" {
		t.Errorf("UID = %q, want %q", img.UID, "932BAE0E")
	}
	if img.Name != "Mifare Classic 1K" {
		t.Errorf("Name = %q", img.Name)
	}
	if len(img.Sectors) != 16 {
		t.Fatalf("got %d sectors, want 16", len(img.Sectors))
	}

	sec1 := img.Sectors[1]
	if len(sec1.Data) != 48 {
		t.Errorf("sector 1 data is %d bytes, want 48", len(sec1.Data))
	}
	if !bytes.HasPrefix(sec1.Data, []byte("sector one data!")) {
		t.Errorf("sector 1 data = %x", sec1.Data)
	}
	if !bytes.Equal(sec1.Trailer, bytes.Repeat([]byte{0xFF}, 16)) {
		t.Errorf("sector 1 trailer = %x", sec1.Trailer)
	}
}

func TestReadStopsOnUnreadableBlock(t *testing.T) {
	card := simcard.New1K().WithStatus(8, 0x6982)
	session := newSession(t, card)

	if _, err := Read(session); err == nil {
		t.Fatal("Read() should fail when a block is unreadable")
	}
}

func TestRestoreSkipsSectorZeroAndTrailers(t *testing.T) {
	source := simcard.New1K().
		WithBlock(1, []byte("manufacturer sec")).
		WithBlock(4, []byte("user data here!!"))
	img, err := Read(newSession(t, source))
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}

	target := simcard.New1K().
		WithBlock(1, []byte("original block 1")).
		WithBlock(7, bytes.Repeat([]byte{0xDD}, 16))
	if err := Restore(newSession(t, target), img); err != nil {
		t.Fatalf("Restore() returned error: %v", err)
	}

	if !bytes.Equal(target.BlockData(4), []byte("user data here!!")) {
		t.Errorf("block 4 = %x", target.BlockData(4))
	}
	// Sector 0 keeps the target's original content.
	if !bytes.Equal(target.BlockData(1), []byte("original block 1")) {
		t.Errorf("block 1 = %x", target.BlockData(1))
	}
	// Trailers are untouched.
	if !bytes.Equal(target.BlockData(7), bytes.Repeat([]byte{0xDD}, 16)) {
		t.Errorf("block 7 = %x", target.BlockData(7))
	}
}

func TestRestoreRejectsTypeMismatch(t *testing.T) {
	img, err := Read(newSession(t, simcard.New1K()))
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}

	if err := Restore(newSession(t, simcard.New4K()), img); err == nil {
		t.Fatal("Restore() should reject an image from a different card type")
	}
}

func TestImageFileRoundTrip(t *testing.T) {
	card := simcard.New1K().WithBlock(5, []byte("round trip block"))
	img, err := Read(newSession(t, card))
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "card.mcd")
	if err := WriteFile(img, path); err != nil {
		t.Fatalf("WriteFile() returned error: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() returned error: %v", err)
	}

	if got.UID != img.UID || got.Type != img.Type {
		t.Errorf("identity mismatch: %+v vs %+v", got, img)
	}
	if len(got.Sectors) != len(img.Sectors) {
		t.Fatalf("got %d sectors, want %d", len(got.Sectors), len(img.Sectors))
	}
	if !bytes.Equal(got.Sectors[1].Data, img.Sectors[1].Data) {
		t.Errorf("sector 1 data mismatch")
	}
}
