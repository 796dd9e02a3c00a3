package mifare

import (
	"errors"
	"fmt"
)

// Usage errors surfaced before any command reaches the card.
var (
	ErrUnknownCard     = errors.New("unknown card type")
	ErrUnsupportedCard = errors.New("unsupported card type")
	ErrSectorTrailer   = errors.New("sector trailer")
	ErrDataLength      = errors.New("invalid data length")
	ErrDataEncoding    = errors.New("invalid hex data")
	ErrInvalidKey      = errors.New("invalid key")
	ErrBlockRange      = errors.New("block out of range")
	ErrSectorRange     = errors.New("sector out of range")
)

// StatusError is a non-success APDU status word returned by the card or
// reader. Commands either succeed with status 0x9000 or fail with one of
// these; there is no partial state.
type StatusError struct {
	Code    uint16
	Message string
}

func (e *StatusError) Error() string {
	return e.Message
}

// newStatusError maps a status word to its reported message. 0x6982 gets a
// specific label (key not loaded, authentication failed or protected block);
// every other code is reported as its hexadecimal value.
func newStatusError(code uint16) *StatusError {
	switch code {
	case 0x6982:
		return &StatusError{Code: code, Message: "0x6982 - security status not satisfied"}
	default:
		return &StatusError{Code: code, Message: fmt.Sprintf("0x%x", code)}
	}
}
