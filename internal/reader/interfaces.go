package reader

// SmartCardContext represents a PC/SC context for listing readers and
// connecting to cards.
type SmartCardContext interface {
	ListReaders() ([]string, error)
	WaitForCard(reader string) error
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands.
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(disposition uint32) error
}

// SmartCardStatus represents the status of a connected smart card.
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol uint32
	Atr            []byte
}

// ContextFactory creates SmartCardContext instances.
// This allows for dependency injection and mocking in tests.
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// Reader is an attached smart card reader. Index is its position in the
// PC/SC reader list and is how clients address a reader.
type Reader struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}
