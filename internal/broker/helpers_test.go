package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/mock"
)

// eventLog is an Observer recording every event it receives.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) find(sev Severity, msg string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Severity == sev && e.Message == msg {
			return e, true
		}
	}
	return Event{}, false
}

func (l *eventLog) has(sev Severity, msg string) bool {
	_, ok := l.find(sev, msg)
	return ok
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Connection = ConnectionConfig{
		JoinTimeout:    time.Second,
		MarketDataType: gateway.MarketDataDelayed,
	}
	return cfg
}

func newTestBridge(g *mock.Gateway, observer Observer) *Bridge {
	return New(g, observer, testConfig())
}

// connectedBridge returns a bridge with a completed handshake against g.
func connectedBridge(t *testing.T, g *mock.Gateway, observer Observer) *Bridge {
	t.Helper()
	b := newTestBridge(g, observer)
	require.NoError(t, b.Connect(context.Background(), "127.0.0.1", 7497, 1, time.Second))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

// silent answers a request with nothing.
func silent(mock.Request, mock.Emit) {}
