package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/eddiefleurent/ibkr_bridge/internal/api"
	"github.com/eddiefleurent/ibkr_bridge/internal/broker"
	"github.com/eddiefleurent/ibkr_bridge/internal/config"
	"github.com/eddiefleurent/ibkr_bridge/internal/gateway"
	"github.com/eddiefleurent/ibkr_bridge/internal/mock"
	"github.com/eddiefleurent/ibkr_bridge/internal/retry"
	"github.com/eddiefleurent/ibkr_bridge/internal/storage"
)

const (
	watchInterval   = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// App holds the running components
type App struct {
	config *config.Config
	logger *logrus.Logger
	bridge *broker.Bridge
	broker broker.Broker
	retry  *retry.Client
	store  storage.Interface
	server *api.Server
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialise bridge")
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.WithError(err).Fatal("bridge stopped with error")
	}
	logger.Info("bridge stopped")
}

func newLogger(env config.EnvironmentConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(level)

	switch env.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// NewApp wires the bridge, its id store and the HTTP API from cfg.
func NewApp(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	store, err := storage.NewStorage(cfg.Gateway.IDStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening id store: %w", err)
	}

	client, err := newGatewayClient(cfg, store)
	if err != nil {
		return nil, err
	}

	bridge := broker.New(client, broker.NewLogrusObserver(logger), cfg.BridgeConfig()).WithIDStore(store)

	var b broker.Broker = bridge
	if cfg.CircuitBreaker.Enabled {
		b = broker.NewCircuitBreakerBrokerWithSettings(bridge, broker.NewLogrusObserver(logger), cfg.CircuitBreakerSettings())
	}

	app := &App{
		config: cfg,
		logger: logger,
		bridge: bridge,
		broker: b,
		retry:  retry.NewClient(bridge, logger, cfg.RetryConfig()),
		store:  store,
	}
	if cfg.Server.Enabled {
		app.server = api.NewServer(api.Config{Port: cfg.Server.Port, AuthToken: cfg.Server.AuthToken}, b, logger)
	}
	return app, nil
}

// newGatewayClient builds the transport named by gateway.transport
func newGatewayClient(cfg *config.Config, store storage.Interface) (gateway.Client, error) {
	switch cfg.Gateway.Transport {
	case "sim":
		catalogue := mock.NewDataProvider().Catalogue(cfg.Gateway.SimSymbols...)
		// a real gateway remembers the next valid id per client across sessions
		return mock.NewGateway(catalogue, mock.Options{
			NextValidID: store.HighWater(cfg.Gateway.ClientID) + 1,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported gateway transport %q", cfg.Gateway.Transport)
	}
}

// Run connects, serves until ctx is done and then shuts down.
func (a *App) Run(ctx context.Context) error {
	gw := a.config.Gateway
	a.logger.WithFields(logrus.Fields{
		"transport": gw.Transport,
		"host":      gw.Host,
		"port":      gw.Port,
		"client_id": gw.ClientID,
	}).Info("starting gateway bridge")

	if err := a.retry.ConnectWithRetry(ctx, gw.Host, gw.Port, gw.ClientID, a.config.ConnectTimeout()); err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	a.verifyAccount(ctx)

	var lifecycle conc.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lifecycle.Go(func() { a.watchConnection(runCtx) })

	serverErr := make(chan error, 1)
	if a.server != nil {
		lifecycle.Go(func() {
			if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, stopping bridge")
	case runErr = <-serverErr:
		a.logger.WithError(runErr).Error("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("api server shutdown failed")
		}
	}
	cancel()
	lifecycle.Wait()

	if err := a.bridge.Disconnect(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("disconnect failed")
	}
	if err := a.store.Save(); err != nil {
		a.logger.WithError(err).Warn("saving id store failed")
	}
	return runErr
}

// verifyAccount logs the account's net liquidation value. Failure is not fatal.
func (a *App) verifyAccount(ctx context.Context) {
	summary, err := retry.Do(ctx, a.retry, "account summary", func(ctx context.Context) (map[string]string, error) {
		return a.broker.GetAccountSummary(ctx, broker.DefaultAccountTags, 0)
	})
	if err != nil {
		a.logger.WithError(err).Warn("could not read account summary")
		return
	}
	a.logger.WithField("net_liquidation", summary["NetLiquidation"]).Info("connected to gateway")
}

// watchConnection reconnects after the gateway drops the connection
func (a *App) watchConnection(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	gw := a.config.Gateway
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.bridge.IsConnected() {
				continue
			}
			a.logger.Warn("gateway connection lost, reconnecting")
			if err := a.retry.ConnectWithRetry(ctx, gw.Host, gw.Port, gw.ClientID, a.config.ConnectTimeout()); err != nil {
				a.logger.WithError(err).Error("reconnect failed")
			}
		}
	}
}
