package storage

import "github.com/eddiefleurent/ibkr_bridge/internal/broker"

// Interface persists the highest request id issued per client id.
//
// Implementations must be safe for concurrent use. The connection records
// the last issued id when it closes and reads the mark when it has to pick
// a fallback seed.
type Interface interface {
	HighWater(clientID int64) int64
	Record(clientID, lastID int64) error

	// Data persistence
	Save() error
	Load() error
}

// NewStorage creates the JSON-file implementation at filepath, or an
// in-memory store when filepath is empty.
func NewStorage(filepath string) (Interface, error) {
	if filepath == "" {
		return NewMemoryStorage(), nil
	}
	return NewJSONStorage(filepath)
}

var (
	_ Interface      = (*JSONStorage)(nil)
	_ Interface      = (*MemoryStorage)(nil)
	_ broker.IDStore = Interface(nil)
)
