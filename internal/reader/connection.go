package reader

import (
	"fmt"
)

// Connection is an established PC/SC context plus a connected card. It owns
// both and releases them together on Close.
type Connection struct {
	Card SmartCard
	ATR  []byte

	ctx SmartCardContext
}

// Open establishes a context, blocks until a card is present on the named
// reader, connects to it and captures its ATR. The caller must Close the
// connection when done.
func Open(factory ContextFactory, readerName string) (*Connection, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, err
	}

	if err := ctx.WaitForCard(readerName); err != nil {
		ctx.Release()
		return nil, fmt.Errorf("failed to wait for card: %w", err)
	}

	card, err := ctx.Connect(readerName, ShareShared, ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("failed to connect to card: %w", err)
	}

	status, err := card.Status()
	if err != nil {
		card.Disconnect(LeaveCard)
		ctx.Release()
		return nil, fmt.Errorf("failed to get card status: %w", err)
	}

	return &Connection{Card: card, ATR: status.Atr, ctx: ctx}, nil
}

// Close disconnects the card and releases the context. The card is left in
// its current state for other PC/SC clients.
func (c *Connection) Close() {
	if c.Card != nil {
		c.Card.Disconnect(LeaveCard)
	}
	if c.ctx != nil {
		c.ctx.Release()
	}
}

// List enumerates the attached readers in PC/SC order.
func List(factory ContextFactory) ([]Reader, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, err
	}
	defer ctx.Release()

	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}

	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		readers = append(readers, Reader{Name: name, Index: i})
	}
	return readers, nil
}
