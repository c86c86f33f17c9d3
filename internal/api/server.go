// Package api serves the bridge over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/ibkr_bridge/internal/broker"
	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

const maxBodyBytes = 1 << 20

type Server struct {
	router    *chi.Mux
	server    *http.Server
	broker    broker.Broker
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

// OrderRequest is the body of POST /api/orders
type OrderRequest struct {
	Contract models.Contract `json:"contract"`
	Order    models.Order    `json:"order"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error          string `json:"error"`
	Code           int    `json:"code,omitempty"` // gateway error code
	OutcomeUnknown bool   `json:"outcome_unknown,omitempty"`
	OrderRef       string `json:"order_ref,omitempty"`
}

type PriceResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type QualifyResponse struct {
	Contract models.Contract `json:"contract"`
}

func NewServer(cfg Config, b broker.Broker, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		broker:    b,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/contracts/{symbol}", s.handleContracts)
		r.Get("/price/{symbol}", s.handlePrice)
		r.Get("/history/{symbol}", s.handleHistory)
		r.Get("/account", s.handleAccount)
		r.Get("/positions", s.handlePositions)
		r.Get("/options/{symbol}/expirations", s.handleExpirations)
		r.Get("/options/{symbol}/strikes", s.handleStrikes)
		r.Post("/options/qualify", s.handleQualify)
		r.Post("/orders", s.handlePlaceOrder)
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			s.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(started),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithField("port", s.port).Info("starting api server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	connected := s.broker.IsConnected()
	if !connected {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"connected": connected,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.broker.Status())
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contract := models.StockContract(chi.URLParam(r, "symbol"), q.Get("exchange"), q.Get("currency"))
	details, err := s.broker.RequestContractDetails(r.Context(), contract, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	price, err := s.broker.CurrentStockPrice(r.Context(), symbol, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PriceResponse{Symbol: symbol, Price: price})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	useRTH := true
	if v := q.Get("use_rth"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: use_rth must be a boolean", broker.ErrInvalidArgument))
			return
		}
		useRTH = parsed
	}
	req := models.HistoricalRequest{
		Contract:   models.StockContract(chi.URLParam(r, "symbol"), q.Get("exchange"), q.Get("currency")),
		EndTime:    q.Get("end"),
		Duration:   q.Get("duration"),
		BarSize:    q.Get("bar_size"),
		WhatToShow: q.Get("what_to_show"),
		UseRTH:     useRTH,
	}
	bars, err := s.broker.RequestHistoricalBars(r.Context(), req, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bars)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := s.broker.GetAccountSummary(r.Context(), r.URL.Query().Get("tags"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.GetPositions(r.Context(), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func optionQuery(r *http.Request) models.OptionParamsQuery {
	return models.OptionParamsQuery{
		Symbol:  chi.URLParam(r, "symbol"),
		SecType: models.SecType(strings.ToUpper(r.URL.Query().Get("sec_type"))),
	}
}

func (s *Server) handleExpirations(w http.ResponseWriter, r *http.Request) {
	expirations, err := s.broker.ListOptionExpirations(r.Context(), optionQuery(r), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if expirations == nil {
		expirations = []string{}
	}
	s.writeJSON(w, http.StatusOK, expirations)
}

func (s *Server) handleStrikes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	strikes, err := s.broker.ListOptionStrikes(r.Context(), optionQuery(r), q.Get("expiration"), q.Get("exchange"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if strikes == nil {
		strikes = []float64{}
	}
	s.writeJSON(w, http.StatusOK, strikes)
}

func (s *Server) handleQualify(w http.ResponseWriter, r *http.Request) {
	var spec models.OptionSpec
	if err := s.decode(w, r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	contract, err := s.broker.QualifyOption(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, QualifyResponse{Contract: contract})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	// An order outlives the HTTP request: once sent it is awaited to its own deadline.
	result, err := s.broker.PlaceOrder(context.WithoutCancel(r.Context()), req.Contract, req.Order, 0)
	if err != nil {
		status, body := classify(err)
		body.OrderRef = result.OrderRef
		s.logFailure(r, status, err)
		s.writeJSON(w, status, body)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding request body: %v", broker.ErrInvalidArgument, err)
	}
	return nil
}

// classify maps a bridge error onto an HTTP status and response body
func classify(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		body.Code = apiErr.Code
	}

	switch {
	case errors.Is(err, broker.ErrOrderOutcomeUnknown):
		body.OutcomeUnknown = true
		return http.StatusGatewayTimeout, body
	case errors.Is(err, broker.ErrInvalidArgument):
		return http.StatusBadRequest, body
	case errors.Is(err, broker.ErrNotConnected),
		errors.Is(err, broker.ErrConnectionClosed),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, broker.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, broker.ErrQualificationFailed),
		errors.Is(err, broker.ErrUnderlyingNotFound),
		errors.Is(err, broker.ErrNoMarketData),
		broker.IsAPIErrorCode(err, broker.CodeNoSecurityDefinition):
		return http.StatusNotFound, body
	case errors.Is(err, broker.ErrPositionsBusy):
		return http.StatusConflict, body
	case apiErr != nil:
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	s.logFailure(r, status, err)
	s.writeJSON(w, status, body)
}

func (s *Server) logFailure(r *http.Request, status int, err error) {
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Warn("request failed")
		return
	}
	entry.Debug("request rejected")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
