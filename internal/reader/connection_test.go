package reader_test

import (
	"strings"
	"testing"

	"github.com/openmifare/mcrw-agent/internal/reader"
	"github.com/openmifare/mcrw-agent/internal/simcard"
)

const testReader = "Simulated Reader 00 00"

func TestOpenAndClose(t *testing.T) {
	card := simcard.New1K()
	factory := simcard.Factory{Ctx: simcard.NewContext().WithCard(testReader, card)}

	conn, err := reader.Open(factory, testReader)
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	if conn.Card == nil {
		t.Fatal("connection has no card")
	}
	if len(conn.ATR) == 0 {
		t.Error("connection has no ATR")
	}

	conn.Close()

	if _, err := conn.Card.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00}); err == nil {
		t.Error("card should refuse transmit after Close")
	}
}

func TestOpenWaitsForCard(t *testing.T) {
	ctx := simcard.NewContext().WithCard(testReader, simcard.New1K())

	conn, err := reader.Open(simcard.Factory{Ctx: ctx}, testReader)
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	defer conn.Close()

	if got := ctx.WaitCount(); got != 1 {
		t.Errorf("WaitForCard called %d times, want 1", got)
	}
}

func TestOpenNoCard(t *testing.T) {
	factory := simcard.Factory{Ctx: simcard.NewContext()}

	_, err := reader.Open(factory, testReader)
	if err == nil {
		t.Fatal("Open() should fail with no card on the reader")
	}
	if !strings.Contains(err.Error(), "wait for card") {
		t.Errorf("err = %v, want the card wait to fail", err)
	}
}

func TestList(t *testing.T) {
	ctx := simcard.NewContext().WithReaders([]string{"Reader A", "Reader B"})
	readers, err := reader.List(simcard.Factory{Ctx: ctx})
	if err != nil {
		t.Fatalf("List() returned error: %v", err)
	}
	if len(readers) != 2 {
		t.Fatalf("got %d readers, want 2", len(readers))
	}
	if readers[0].Name != "Reader A" || readers[0].Index != 0 {
		t.Errorf("readers[0] = %+v", readers[0])
	}
	if readers[1].Name != "Reader B" || readers[1].Index != 1 {
		t.Errorf("readers[1] = %+v", readers[1])
	}
}
