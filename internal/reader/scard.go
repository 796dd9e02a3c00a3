package reader

import (
	"fmt"

	"github.com/ebfe/scard"
)

// DefaultContextFactory is the production factory backed by the system
// PC/SC daemon.
type DefaultContextFactory struct{}

func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

// WaitForCard blocks until a card is present on the named reader.
func (c *scardContext) WaitForCard(reader string) error {
	rs := []scard.ReaderState{
		{
			Reader:       reader,
			CurrentState: scard.StateUnaware,
		},
	}

	if err := c.ctx.GetStatusChange(rs, -1); err != nil {
		return fmt.Errorf("failed to get status change: %w", err)
	}

	if rs[0].EventState&scard.StatePresent == 0 {
		return fmt.Errorf("no card detected")
	}

	return nil
}

func (c *scardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &scardCard{card: card}, nil
}

func (c *scardContext) Release() error {
	return c.ctx.Release()
}

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *scardCard) Status() (SmartCardStatus, error) {
	status, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         status.Reader,
		State:          uint32(status.State),
		ActiveProtocol: uint32(status.ActiveProtocol),
		Atr:            status.Atr,
	}, nil
}

func (c *scardCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// PC/SC parameter values used for every card connection. Shared mode keeps
// other PC/SC clients usable while the agent holds a card.
const (
	ShareShared = uint32(scard.ShareShared)
	ProtocolAny = uint32(scard.ProtocolAny)
	LeaveCard   = uint32(scard.LeaveCard)
)
