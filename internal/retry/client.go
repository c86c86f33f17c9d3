// Package retry reconnects to the gateway and retries idempotent reads on
// transient failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ibkr_bridge/internal/broker"
)

// Config bounds the retry schedule
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // overall budget of one retried operation
}

// DefaultConfig retries three times starting at one second
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Connector is the part of the bridge the retry client drives
type Connector interface {
	Connect(ctx context.Context, host string, port int, clientID int64, timeout time.Duration) error
	IsConnected() bool
}

type target struct {
	host     string
	port     int
	clientID int64
	timeout  time.Duration
}

// Client retries connection attempts and read operations
type Client struct {
	connector Connector
	logger    *logrus.Logger
	config    Config

	mu   sync.Mutex
	last *target
}

// NewClient creates a retry client over connector. A nil logger uses the
// logrus standard logger.
func NewClient(connector Connector, logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		connector: connector,
		logger:    logger,
		config:    cfg,
	}
}

// ConnectWithRetry connects to host:port, retrying failed attempts until the
// retry budget is spent or ctx is done. Invalid arguments are not retried.
func (c *Client) ConnectWithRetry(ctx context.Context, host string, port int, clientID int64, timeout time.Duration) error {
	t := &target{host: host, port: port, clientID: clientID, timeout: timeout}
	err := c.run(ctx, "connect", connectRetryable, func(ctx context.Context) error {
		return c.connector.Connect(ctx, t.host, t.port, t.clientID, t.timeout)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.last = t
	c.mu.Unlock()
	return nil
}

// Do runs fn, retrying transient failures. When the connection was lost and
// a previous ConnectWithRetry succeeded, the client reconnects before the
// next attempt. Order placement must never go through Do: a timed-out order
// may already be live.
func Do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.run(ctx, op, readRetryable, func(ctx context.Context) error {
		if err := c.ensureConnected(ctx); err != nil {
			return err
		}
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Client) run(ctx context.Context, op string, retryable func(error) bool, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	schedule := c.schedule()
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s gave up after %v: %w", op, c.config.Timeout, errors.Join(err, lastErr))
		}

		err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1}).Info("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.config.MaxRetries {
			break
		}

		wait := schedule.NextBackOff()
		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"of":      c.config.MaxRetries + 1,
			"backoff": wait,
			"error":   err,
		}).Warn("transient failure, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-opCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
			}
			return fmt.Errorf("%s gave up during backoff: %w", op, errors.Join(opCtx.Err(), lastErr))
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialBackoff
	b.MaxInterval = c.config.MaxBackoff
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.25
	b.Reset()
	return b
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.connector.IsConnected() {
		return nil
	}
	c.mu.Lock()
	t := c.last
	c.mu.Unlock()
	if t == nil {
		return broker.ErrNotConnected
	}

	c.logger.WithFields(logrus.Fields{"host": t.host, "port": t.port, "client_id": t.clientID}).Info("reconnecting to gateway")
	return c.connector.Connect(ctx, t.host, t.port, t.clientID, t.timeout)
}

func connectRetryable(err error) bool {
	if errors.Is(err, broker.ErrInvalidArgument) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	var connErr *broker.ConnectError
	return errors.As(err, &connErr) || broker.IsTransient(err)
}

func readRetryable(err error) bool {
	if errors.Is(err, broker.ErrOrderOutcomeUnknown) {
		return false
	}
	var connErr *broker.ConnectError
	return broker.IsTransient(err) || errors.As(err, &connErr)
}
