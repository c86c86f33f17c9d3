package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// ConnectionConfig configures the connection lifecycle
type ConnectionConfig struct {
	JoinTimeout    time.Duration // bounded wait for the receiver to exit on disconnect
	PacingInterval time.Duration // minimum spacing of outbound messages, 0 disables pacing
	MarketDataType int           // requested after the handshake, 0 skips the request
}

// DefaultConnectionConfig matches the gateway's documented message pacing and
// requests delayed market data.
var DefaultConnectionConfig = ConnectionConfig{
	JoinTimeout:    5 * time.Second,
	PacingInterval: 50 * time.Millisecond,
	MarketDataType: gateway.MarketDataDelayed,
}

// IDStore persists the highest request id issued per client id so that a
// restarted process without a gateway seed does not reuse ids.
type IDStore interface {
	HighWater(clientID int64) int64
	Record(clientID, lastID int64) error
}

// ConnectionStatus is a point-in-time view of the connection
type ConnectionStatus struct {
	State       models.ConnectionState  `json:"state"`
	Connected   bool                    `json:"connected"`
	ClientID    int64                   `json:"client_id"`
	NextValidID int64                   `json:"next_valid_id"`
	Pending     int                     `json:"pending_requests"`
	LastError   *models.ConnectionError `json:"last_error,omitempty"`
	Since       time.Time               `json:"since"`
}

// Connection owns the gateway client, its receiver goroutine and the
// correlator of the connection's request-id space.
type Connection struct {
	client  gateway.Client
	corr    *Correlator
	disp    *Dispatcher
	state   *models.ConnectionStateMachine
	log     emitter
	metrics *bridgeMetrics
	config  ConnectionConfig
	limiter *rate.Limiter
	ids     IDStore
	now     func() time.Time

	lifecycle sync.Mutex // serializes Connect and Disconnect

	mu           sync.Mutex
	handshake    chan error
	receiverDone chan struct{}
}

var _ session = (*Connection)(nil)

// NewConnection creates a disconnected Connection around client.
func NewConnection(client gateway.Client, observer Observer, config ...ConnectionConfig) *Connection {
	if client == nil {
		panic("broker: gateway client cannot be nil")
	}
	cfg := DefaultConnectionConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultConnectionConfig.JoinTimeout
	}

	metrics := newMetrics(nil)
	corr := NewCorrelator()
	disp := NewDispatcher(corr, observer)
	disp.metrics = metrics

	c := &Connection{
		client:  client,
		corr:    corr,
		disp:    disp,
		state:   models.NewConnectionStateMachine(),
		log:     newEmitter(observer, "connection"),
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
	if cfg.PacingInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.PacingInterval), 1)
	}
	disp.session = c
	return c
}

// WithIDStore attaches a persisted id high-water mark used to harden the
// fallback id seed.
func (c *Connection) WithIDStore(store IDStore) *Connection {
	c.ids = store
	return c
}

// Correlator returns the request correlator of the connection
func (c *Connection) Correlator() *Correlator { return c.corr }

// Dispatcher returns the callback receiver bound to the gateway client
func (c *Connection) Dispatcher() *Dispatcher { return c.disp }

// State returns the current connection state
func (c *Connection) State() models.ConnectionState { return c.state.GetCurrentState() }

// Status returns a snapshot of the connection for health reporting
func (c *Connection) Status() ConnectionStatus {
	return ConnectionStatus{
		State:       c.state.GetCurrentState(),
		Connected:   c.IsConnected(),
		ClientID:    c.state.GetClientID(),
		NextValidID: c.state.GetNextValidID(),
		Pending:     c.corr.Pending(),
		LastError:   c.state.GetLastError(),
		Since:       c.state.GetTransitionTime(),
	}
}

// IsConnected is true only between a completed handshake and the next close
// signal, and only while the receiver goroutine is alive.
func (c *Connection) IsConnected() bool {
	return c.state.GetCurrentState() == models.StateEstablished &&
		c.receiverAlive() &&
		c.client.IsConnected()
}

func (c *Connection) receiverAlive() bool {
	c.mu.Lock()
	done := c.receiverDone
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Connect opens the connection and blocks until the gateway completes the
// handshake, reports an error, or timeout elapses. On failure the socket is
// torn down and the connection is left disconnected.
func (c *Connection) Connect(ctx context.Context, host string, port int, clientID int64, timeout time.Duration) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.IsConnected() {
		c.log.info("connect called while already connected", "client_id", c.state.GetClientID())
		return nil
	}
	if st := c.state.GetCurrentState(); st != models.StateDisconnected {
		return fmt.Errorf("connect: connection is %s", st)
	}
	if timeout <= 0 {
		return invalidArgument("connect timeout must be > 0")
	}

	if err := c.state.Transition(models.StateConnecting, models.CondConnect); err != nil {
		return err
	}
	c.state.SetClientID(clientID)
	hs := make(chan error, 1)
	c.mu.Lock()
	c.handshake = hs
	c.mu.Unlock()

	c.log.info("connecting to gateway", "host", host, "port", port, "client_id", clientID)
	if err := c.client.Connect(host, port, clientID, c.disp); err != nil {
		c.state.RecordError(CodeConnectFail, err.Error())
		_ = c.state.Transition(models.StateDisconnected, models.CondSocketFailed)
		c.log.error("socket connect failed", "host", host, "port", port, "error", err.Error())
		return &ConnectError{Code: CodeConnectFail, Message: err.Error()}
	}
	if err := c.state.Transition(models.StateAwaitingHandshake, models.CondSocketAccepted); err != nil {
		return err
	}
	done := c.startReceiver()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var failure error
	select {
	case err := <-hs:
		failure = err
	case <-timer.C:
		failure = fmt.Errorf("%w: no handshake from gateway within %v", ErrTimeout, timeout)
	case <-ctx.Done():
		failure = ctx.Err()
	case <-done:
		failure = &ConnectError{Code: -1, Message: "receiver exited before handshake"}
	}

	if failure != nil {
		if !c.state.TransitionIf(models.StateAwaitingHandshake, models.StateClosing, models.CondHandshakeFailed) &&
			c.state.GetCurrentState() == models.StateEstablished {
			// handshake completed while the failure was being observed
			failure = nil
		}
	}
	if failure != nil {
		c.log.error("connection attempt failed", "client_id", clientID, "error", failure.Error())
		if c.state.GetCurrentState() == models.StateClosing {
			c.teardown(context.WithoutCancel(ctx))
		}
		return failure
	}

	c.log.info("connected to gateway", "client_id", clientID, "next_valid_id", c.state.GetNextValidID())
	if c.config.MarketDataType > 0 {
		err := c.send(ctx, "reqMarketDataType", func() error {
			return c.client.ReqMarketDataType(c.config.MarketDataType)
		})
		if err != nil {
			c.log.warn("market data type request failed", "market_data_type", c.config.MarketDataType, "error", err.Error())
		}
	}
	return nil
}

// startReceiver starts the receive loop goroutine unless one is running.
func (c *Connection) startReceiver() <-chan struct{} {
	c.mu.Lock()
	if running := c.receiverDone; running != nil {
		select {
		case <-running:
		default:
			c.mu.Unlock()
			c.log.warn("receiver already running, not starting another")
			return running
		}
	}
	done := make(chan struct{})
	c.receiverDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer c.handleClosed()
		defer func() {
			if r := recover(); r != nil {
				c.log.error("receiver panicked", "panic", fmt.Sprint(r))
			}
		}()
		if err := c.client.Run(); err != nil {
			c.log.warn("receive loop ended with error", "error", err.Error())
			return
		}
		c.log.info("receive loop ended")
	}()
	return done
}

func (c *Connection) signalHandshake(err error) {
	c.mu.Lock()
	hs := c.handshake
	c.mu.Unlock()
	if hs == nil {
		return
	}
	select {
	case hs <- err:
	default:
	}
}

// Disconnect closes the socket, waits a bounded time for the receiver to
// exit and fails every pending request with ErrConnectionClosed.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.state.GetCurrentState() {
	case models.StateDisconnected:
		return nil
	case models.StateEstablished:
		if err := c.state.Transition(models.StateClosing, models.CondDisconnect); err != nil {
			return err
		}
	}
	c.log.info("disconnecting from gateway", "client_id", c.state.GetClientID())
	c.teardown(ctx)
	return nil
}

// teardown closes the socket and fails pending requests regardless of
// whether the receiver exits in time.
func (c *Connection) teardown(ctx context.Context) {
	c.client.Disconnect()

	c.mu.Lock()
	done := c.receiverDone
	c.mu.Unlock()
	if done != nil {
		join := time.NewTimer(c.config.JoinTimeout)
		select {
		case <-done:
		case <-join.C:
			c.log.warn("receiver did not exit in time", "join_timeout", c.config.JoinTimeout.String())
		case <-ctx.Done():
			c.log.warn("disconnect context ended before receiver exited", "error", ctx.Err().Error())
		}
		join.Stop()
	}

	c.failPending()
	c.state.TransitionIf(models.StateClosing, models.StateDisconnected, models.CondClosed)
}

// handleClosed runs when the gateway closes the socket or the receiver
// exits. It is idempotent.
func (c *Connection) handleClosed() {
	if c.state.TransitionIf(models.StateAwaitingHandshake, models.StateClosing, models.CondReceiverExited) {
		c.signalHandshake(&ConnectError{Code: -1, Message: "connection closed during handshake"})
	} else if c.state.TransitionIf(models.StateEstablished, models.StateClosing, models.CondReceiverExited) {
		c.log.warn("connection lost", "client_id", c.state.GetClientID())
	}
	c.failPending()
	c.state.TransitionIf(models.StateClosing, models.StateDisconnected, models.CondClosed)
}

func (c *Connection) failPending() {
	n := c.corr.CancelAll(ErrConnectionClosed)
	c.metrics.recordCancelled(n)
	if n > 0 {
		c.log.warn("failed pending requests on close", "count", n)
	}
	c.recordHighWater()
}

func (c *Connection) recordHighWater() {
	if c.ids == nil {
		return
	}
	last := c.corr.LastIssued()
	if last <= 0 {
		return
	}
	if err := c.ids.Record(c.state.GetClientID(), last); err != nil {
		c.log.warn("could not persist request id high-water mark", "error", err.Error())
	}
}

// fallbackSeed derives an id seed from the wall clock. It is best effort:
// two processes seeding in the same millisecond modulo 1e6 collide. A
// persisted high-water mark, when available, keeps the seed above every id
// this client id has issued before.
func (c *Connection) fallbackSeed(clientID int64) int64 {
	seed := c.now().UnixMilli() % 1_000_000
	if seed <= 0 {
		seed = 1
	}
	if c.ids != nil {
		if hw := c.ids.HighWater(clientID); hw+1 > seed {
			seed = hw + 1
		}
	}
	return seed
}

func (c *Connection) onConnectAck() {
	c.log.debug("socket handshake acknowledged")
}

// onNextValidID runs on the receiver goroutine. It is the only path into
// StateEstablished.
func (c *Connection) onNextValidID(id int64) {
	if c.state.GetCurrentState() != models.StateAwaitingHandshake {
		c.log.debug("next valid id outside handshake ignored", "next_valid_id", id)
		return
	}
	seed := id
	if seed <= 0 {
		seed = c.fallbackSeed(c.state.GetClientID())
		c.log.warn("gateway sent no usable id seed, using time-derived seed (best effort)",
			"next_valid_id", id, "seed", seed)
	}
	c.state.SetNextValidID(id)
	c.corr.Seed(seed)
	c.corr.Open()
	if !c.state.TransitionIf(models.StateAwaitingHandshake, models.StateEstablished, models.CondHandshakeComplete) {
		return
	}
	c.signalHandshake(nil)
}

func (c *Connection) onConnectError(code int, message string) bool {
	c.state.RecordError(code, message)
	switch c.state.GetCurrentState() {
	case models.StateConnecting, models.StateAwaitingHandshake:
		c.signalHandshake(&ConnectError{Code: code, Message: message})
		return true
	}
	return false
}

func (c *Connection) onConnectionClosed() {
	c.handleClosed()
}

// send paces and issues one outbound gateway call.
func (c *Connection) send(ctx context.Context, op string, call func() error) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pacing %s: %w", op, err)
		}
	}
	if err := call(); err != nil {
		if !c.client.IsConnected() {
			return fmt.Errorf("sending %s: %w", op, errors.Join(ErrNotConnected, err))
		}
		return fmt.Errorf("sending %s: %w", op, err)
	}
	return nil
}
