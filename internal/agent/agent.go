// Package agent executes logical card operations against a named reader.
// It is the shared core behind the CLI actions and the HTTP/WebSocket API:
// each call establishes a PC/SC context, connects to the card, authenticates
// and runs exactly one operation.
package agent

import (
	"errors"
	"fmt"

	"github.com/openmifare/mcrw-agent/internal/logging"
	"github.com/openmifare/mcrw-agent/internal/mifare"
	"github.com/openmifare/mcrw-agent/internal/reader"
)

// ErrUnknownOp is returned for an operation name outside the action surface.
var ErrUnknownOp = errors.New("unknown operation")

// Request is one logical card operation.
type Request struct {
	Op      string `json:"op"`
	KeyType string `json:"keyType"`
	Key     string `json:"key"`
	Block   int    `json:"block"`
	Sector  int    `json:"sector"`
	Data    string `json:"data,omitempty"`
	Value   int32  `json:"value,omitempty"`
}

// Result carries whichever outputs the operation produced. Write-style
// operations produce none.
type Result struct {
	Hex      string `json:"hex,omitempty"`
	Text     string `json:"text,omitempty"`
	Value    int32  `json:"value,omitempty"`
	HasValue bool   `json:"hasValue,omitempty"`
	Report   string `json:"report,omitempty"`
}

// ParseKeySlot maps the CLI/API key selector to a reader key register.
func ParseKeySlot(keyType string) (mifare.KeySlot, error) {
	switch keyType {
	case "a", "A":
		return mifare.KeyA, nil
	case "b", "B":
		return mifare.KeyB, nil
	default:
		return 0, fmt.Errorf("%w: key type must be a or b, got %q", mifare.ErrInvalidKey, keyType)
	}
}

// WithSession connects to the card on the named reader, loads the key and
// hands the authenticated session to fn. The connection is torn down when fn
// returns.
func WithSession(factory reader.ContextFactory, readerName, keyType, key string, fn func(*mifare.Session) error) error {
	slot, err := ParseKeySlot(keyType)
	if err != nil {
		return err
	}

	conn, err := reader.Open(factory, readerName)
	if err != nil {
		return err
	}
	defer conn.Close()

	session, err := mifare.NewSession(conn.Card, conn.ATR)
	if err != nil {
		return err
	}
	if err := session.LoadKeyHexString(slot, key); err != nil {
		return err
	}

	return fn(session)
}

// Execute runs one operation against the card on the named reader.
func Execute(factory reader.ContextFactory, readerName string, req Request) (*Result, error) {
	result := &Result{}

	err := WithSession(factory, readerName, req.KeyType, req.Key, func(session *mifare.Session) error {
		return dispatch(session, req, result)
	})
	if err != nil {
		logging.Debug(logging.CatCard, "Operation failed", map[string]any{
			"op":     req.Op,
			"reader": readerName,
			"error":  err.Error(),
		})
		return nil, err
	}

	logging.Info(logging.CatCard, "Operation completed", map[string]any{
		"op":     req.Op,
		"reader": readerName,
	})
	return result, nil
}

func dispatch(session *mifare.Session, req Request, result *Result) error {
	switch req.Op {
	case "read-block":
		hex, err := session.ReadBlockHexString(req.Block)
		result.Hex = hex
		return err
	case "read-block-string":
		text, err := session.ReadBlockString(req.Block)
		result.Text = text
		return err
	case "write-block":
		return session.WriteBlockHexString(req.Block, req.Data)
	case "write-block-string":
		return session.WriteBlockString(req.Block, req.Data)
	case "clear-block":
		return session.ClearBlock(req.Block)
	case "read-value-block":
		value, err := session.ReadValueBlock(req.Block)
		result.Value = value
		result.HasValue = err == nil
		return err
	case "format-value-block":
		return session.FormatValueBlock(req.Block)
	case "increment-value-block":
		return session.IncrementValueBlock(req.Block, req.Value)
	case "decrement-value-block":
		return session.DecrementValueBlock(req.Block, req.Value)
	case "read-sector":
		hex, err := session.ReadSectorHexString(req.Sector)
		result.Hex = hex
		return err
	case "read-sector-string":
		text, err := session.ReadSectorString(req.Sector)
		result.Text = text
		return err
	case "read-sector-info":
		report, err := session.ReadSectorInfo(req.Sector)
		result.Report = report
		return err
	case "write-sector":
		return session.WriteSectorHexString(req.Sector, req.Data)
	case "write-sector-string":
		return session.WriteSectorString(req.Sector, req.Data)
	case "clear-sector":
		return session.ClearSector(req.Sector)
	case "read-sector-trailer":
		hex, err := session.ReadSectorTrailerHexString(req.Sector)
		result.Hex = hex
		return err
	case "write-sector-trailer":
		return session.WriteSectorTrailerHexString(req.Sector, req.Data)
	case "read-card-info":
		report, err := session.ReadCardInfo()
		result.Report = report
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
	}
}

// BlockOps lists the operations addressed by block index. Everything else
// on the action surface is addressed by sector.
var BlockOps = map[string]bool{
	"read-block":            true,
	"read-block-string":     true,
	"write-block":           true,
	"write-block-string":    true,
	"clear-block":           true,
	"read-value-block":      true,
	"format-value-block":    true,
	"increment-value-block": true,
	"decrement-value-block": true,
}

// KnownOp reports whether op is on the action surface.
func KnownOp(op string) bool {
	if BlockOps[op] {
		return true
	}
	switch op {
	case "read-sector", "read-sector-string", "read-sector-info",
		"write-sector", "write-sector-string", "clear-sector",
		"read-sector-trailer", "write-sector-trailer", "read-card-info":
		return true
	}
	return false
}

// ReadUID connects to the card on the named reader and returns its UID as
// uppercase hex. No authentication is needed for the UID.
func ReadUID(factory reader.ContextFactory, readerName string) (string, error) {
	conn, err := reader.Open(factory, readerName)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	session, err := mifare.NewSession(conn.Card, conn.ATR)
	if err != nil {
		return "", err
	}
	return session.UIDHexString()
}

// ListReaders enumerates the attached readers.
func ListReaders(factory reader.ContextFactory) ([]reader.Reader, error) {
	return reader.List(factory)
}

// ResolveReader picks the reader at index from the attached list.
func ResolveReader(factory reader.ContextFactory, index int) (reader.Reader, error) {
	readers, err := ListReaders(factory)
	if err != nil {
		return reader.Reader{}, err
	}
	if index < 0 || index >= len(readers) {
		return reader.Reader{}, fmt.Errorf("reader index %d out of range (%d attached)", index, len(readers))
	}
	return readers[index], nil
}
