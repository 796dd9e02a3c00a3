package simcard

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/openmifare/mcrw-agent/internal/reader"
)

// Context is an in-memory PC/SC context implementing
// reader.SmartCardContext: a list of reader names and the card sitting on
// each. Connecting to a reader with no card fails like an empty real one.
type Context struct {
	mu      sync.Mutex
	readers []string
	cards   map[string]*Card
	waits   int
	err     error
}

// NewContext creates a context with a single simulated reader.
func NewContext() *Context {
	return &Context{
		readers: []string{"Simulated Reader 00 00"},
		cards:   make(map[string]*Card),
	}
}

// WithReaders replaces the reader list.
func (c *Context) WithReaders(readers []string) *Context {
	c.readers = readers
	return c
}

// WithCard places a card on the named reader.
func (c *Context) WithCard(readerName string, card *Card) *Context {
	c.cards[readerName] = card
	return c
}

// WithError makes every context operation fail with msg.
func (c *Context) WithError(msg string) *Context {
	c.err = errors.New(msg)
	return c
}

func (c *Context) ListReaders() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.readers, nil
}

// WaitForCard returns immediately: with a card present it reports success,
// without one it fails instead of blocking the test forever.
func (c *Context) WaitForCard(readerName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits++
	if c.err != nil {
		return c.err
	}
	if _, ok := c.cards[readerName]; !ok {
		return errors.New("no card detected")
	}
	return nil
}

// WaitCount reports how many times WaitForCard was called.
func (c *Context) WaitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

func (c *Context) Connect(readerName string, shareMode uint32, protocol uint32) (reader.SmartCard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	card, ok := c.cards[readerName]
	if !ok {
		return nil, errors.New("no card present")
	}
	card.mu.Lock()
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (c *Context) Release() error {
	return nil
}

// Factory implements reader.ContextFactory around a fixed Context, for
// injecting a simulated reader setup into code that establishes its own
// PC/SC context per operation.
type Factory struct {
	Ctx *Context
}

func (f Factory) EstablishContext() (reader.SmartCardContext, error) {
	return f.Ctx, nil
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
