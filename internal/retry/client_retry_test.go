package retry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ibkr_bridge/internal/broker"
)

// --- Test helpers ---

type fakeConnector struct {
	mu        sync.Mutex
	calls     int
	connected bool

	// connectErrs are returned by successive Connect calls; once exhausted
	// Connect succeeds.
	connectErrs []error
}

func (f *fakeConnector) Connect(_ context.Context, _ string, _ int, _ int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	f.connected = true
	return nil
}

func (f *fakeConnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConnector) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

var fastConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Millisecond,
	MaxBackoff:     3 * time.Millisecond,
	Timeout:        time.Second,
}

// makeClient builds a Client with a buffer-backed logger.
func makeClient(t *testing.T, conn Connector, cfg Config) (*Client, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return NewClient(conn, l, cfg), &buf
}

func refused() error {
	return &broker.ConnectError{Code: broker.CodeConnectFail, Message: "connection refused"}
}

// --- Tests ---

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	c := NewClient(&fakeConnector{}, nil, Config{MaxRetries: -1})

	if c.logger != logrus.StandardLogger() {
		t.Fatalf("expected the standard logger when none is given")
	}
	if c.config != DefaultConfig {
		t.Fatalf("config sanitized: got %+v want %+v", c.config, DefaultConfig)
	}

	c2 := NewClient(&fakeConnector{}, nil, Config{InitialBackoff: time.Minute, MaxBackoff: time.Second})
	if c2.config.MaxBackoff != time.Minute {
		t.Fatalf("MaxBackoff raised to InitialBackoff: got %v", c2.config.MaxBackoff)
	}
}

func TestSchedule_GrowsAndCaps(t *testing.T) {
	c, _ := makeClient(t, &fakeConnector{}, Config{
		MaxRetries:     5,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        time.Second,
	})
	s := c.schedule()

	first := s.NextBackOff()
	if first < 3*time.Millisecond || first > 5*time.Millisecond {
		t.Fatalf("first backoff outside jitter window: %v", first)
	}
	for i := 0; i < 10; i++ {
		// randomization of 25% around the 10ms cap
		if next := s.NextBackOff(); next > 12500*time.Microsecond {
			t.Fatalf("backoff %v exceeds the jittered cap", next)
		}
	}
}

func TestConnectWithRetry_SucceedsFirstAttempt(t *testing.T) {
	conn := &fakeConnector{}
	c, buf := makeClient(t, conn, fastConfig)

	if err := c.ConnectWithRetry(context.Background(), "127.0.0.1", 7497, 1, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.callCount() != 1 {
		t.Fatalf("expected 1 connect call, got %d", conn.callCount())
	}
	if strings.Contains(buf.String(), "retrying") {
		t.Fatalf("no retry expected, got log: %s", buf.String())
	}
}

func TestConnectWithRetry_RetriesConnectErrors(t *testing.T) {
	conn := &fakeConnector{connectErrs: []error{refused(), broker.ErrTimeout}}
	c, buf := makeClient(t, conn, fastConfig)

	if err := c.ConnectWithRetry(context.Background(), "127.0.0.1", 7497, 1, time.Second); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if conn.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", conn.callCount())
	}
	out := buf.String()
	if !strings.Contains(out, `msg="transient failure, retrying"`) || !strings.Contains(out, "op=connect") {
		t.Fatalf("expected retry log lines, got: %s", out)
	}
	if !strings.Contains(out, `msg="operation succeeded after retry" attempt=3`) {
		t.Fatalf("expected success log, got: %s", out)
	}
}

func TestConnectWithRetry_Exhausted(t *testing.T) {
	conn := &fakeConnector{connectErrs: []error{refused(), refused(), refused(), refused()}}
	cfg := fastConfig
	cfg.MaxRetries = 2
	c, _ := makeClient(t, conn, cfg)

	err := c.ConnectWithRetry(context.Background(), "127.0.0.1", 7497, 1, time.Second)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	var connErr *broker.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError in chain, got: %v", err)
	}
	if !strings.Contains(err.Error(), "connect failed after 3 attempts") {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", conn.callCount())
	}
	if conn.IsConnected() {
		t.Fatalf("connector should still be disconnected")
	}
}

func TestConnectWithRetry_FailFastOnInvalidArgument(t *testing.T) {
	conn := &fakeConnector{connectErrs: []error{broker.ErrInvalidArgument}}
	c, _ := makeClient(t, conn, fastConfig)

	err := c.ConnectWithRetry(context.Background(), "127.0.0.1", 7497, 1, 0)
	if !errors.Is(err, broker.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got: %v", err)
	}
	if conn.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", conn.callCount())
	}
}

func TestConnectWithRetry_ContextCanceled(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := makeClient(t, conn, fastConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.ConnectWithRetry(ctx, "127.0.0.1", 7497, 1, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got: %v", err)
	}
	if conn.callCount() != 0 {
		t.Fatalf("expected 0 connect calls, got %d", conn.callCount())
	}
}

func TestConnectWithRetry_GivesUpDuringBackoff(t *testing.T) {
	conn := &fakeConnector{connectErrs: []error{refused(), refused()}}
	c, _ := makeClient(t, conn, Config{
		MaxRetries:     10,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Timeout:        20 * time.Millisecond,
	})

	err := c.ConnectWithRetry(context.Background(), "127.0.0.1", 7497, 1, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the retry budget to expire, got: %v", err)
	}
	if !strings.Contains(err.Error(), "gave up during backoff") {
		t.Fatalf("unexpected error: %v", err)
	}
	var connErr *broker.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected the last attempt's error in chain, got: %v", err)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	conn := &fakeConnector{connected: true}
	c, _ := makeClient(t, conn, fastConfig)

	calls := 0
	got, err := Do(context.Background(), c, "contract details", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &broker.TimeoutError{Op: "reqContractDetails", ReqID: int64(calls), After: time.Millisecond}
		}
		return "AAPL", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "AAPL" || calls != 3 {
		t.Fatalf("got %q after %d calls", got, calls)
	}
}

func TestDo_FailFastOnDefinitiveError(t *testing.T) {
	conn := &fakeConnector{connected: true}
	c, _ := makeClient(t, conn, fastConfig)

	cases := []struct {
		name string
		err  error
	}{
		{"no security definition", &broker.APIError{ReqID: 1, Code: broker.CodeNoSecurityDefinition, Message: "No security definition"}},
		{"invalid argument", broker.ErrInvalidArgument},
		{"qualification", &broker.QualificationError{Symbol: "SPY", Attempts: 4}},
		{"order outcome unknown", &broker.OrderTimeoutError{OrderID: 9, After: time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			_, err := Do(context.Background(), c, "op", func(context.Context) (int, error) {
				calls++
				return 0, tc.err
			})
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v in chain, got: %v", tc.err, err)
			}
			if calls != 1 {
				t.Fatalf("expected 1 call, got %d", calls)
			}
		})
	}
}

func TestDo_ReconnectsAfterDrop(t *testing.T) {
	conn := &fakeConnector{}
	c, buf := makeClient(t, conn, fastConfig)
	if err := c.ConnectWithRetry(context.Background(), "127.0.0.1", 7497, 1, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	calls := 0
	got, err := Do(context.Background(), c, "positions", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			conn.drop()
			return 0, broker.ErrConnectionClosed
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d", got)
	}
	if conn.callCount() != 2 {
		t.Fatalf("expected the initial connect plus one reconnect, got %d", conn.callCount())
	}
	if !strings.Contains(buf.String(), `msg="reconnecting to gateway"`) {
		t.Fatalf("expected reconnect log, got: %s", buf.String())
	}
}

func TestDo_NotConnectedWithoutTarget(t *testing.T) {
	conn := &fakeConnector{}
	cfg := fastConfig
	cfg.MaxRetries = 1
	c, _ := makeClient(t, conn, cfg)

	calls := 0
	_, err := Do(context.Background(), c, "account summary", func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	if !errors.Is(err, broker.ErrNotConnected) {
		t.Fatalf("expected not connected, got: %v", err)
	}
	if calls != 0 || conn.callCount() != 0 {
		t.Fatalf("nothing should run without a connection: fn=%d connect=%d", calls, conn.callCount())
	}
}
