package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when an operation is attempted while the
	// connection is not established.
	ErrNotConnected = errors.New("not connected to gateway")
	// ErrTimeout is the class of every request deadline expiry.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionClosed fails every pending request when the connection closes.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidArgument marks a malformed request descriptor.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrQualificationFailed is the class of QualificationError.
	ErrQualificationFailed = errors.New("could not qualify contract")
	// ErrUnderlyingNotFound is returned when an underlying lookup has no match.
	ErrUnderlyingNotFound = errors.New("underlying contract not found")
	// ErrOrderOutcomeUnknown marks an order whose submission may have reached
	// the gateway but was never confirmed.
	ErrOrderOutcomeUnknown = errors.New("order outcome unknown")
	// ErrDuplicateRequest is returned when registering an id that is still live.
	ErrDuplicateRequest = errors.New("request id already pending")
	// ErrPositionsBusy is returned when the position slot is already in use.
	ErrPositionsBusy = errors.New("position request already in progress")
	// ErrNoMarketData is returned when a snapshot carries no usable price.
	ErrNoMarketData = errors.New("no usable market data")
)

// Gateway error codes with special meaning to the bridge.
const (
	CodeNoSecurityDefinition = 200
	CodeConnectFail          = 502
	CodeNotConnected         = 504
)

// IgnorableErrorCodes are informational notices (delayed-data and market
// data farm connectivity) that never fail a pending request.
var IgnorableErrorCodes = map[int]struct{}{
	10167: {}, // market data not subscribed, delayed data displayed
	2104:  {}, // market data farm connection is OK
	2106:  {}, // HMDS data farm connection is OK
	2108:  {}, // market data farm connection is inactive but available
	2158:  {}, // sec-def data farm connection is OK
}

// IsIgnorableCode reports whether code is on the informational allow-list
func IsIgnorableCode(code int) bool {
	_, ok := IgnorableErrorCodes[code]
	return ok
}

// APIError is a fatal error reported by the gateway for a request id
type APIError struct {
	ReqID                   int64
	Code                    int
	Message                 string
	AdvancedOrderRejectJSON string
}

func (e *APIError) Error() string {
	if e.AdvancedOrderRejectJSON != "" {
		return fmt.Sprintf("gateway error %d for request %d: %s (%s)",
			e.Code, e.ReqID, e.Message, e.AdvancedOrderRejectJSON)
	}
	return fmt.Sprintf("gateway error %d for request %d: %s", e.Code, e.ReqID, e.Message)
}

// IsAPIErrorCode reports whether err is an APIError carrying code
func IsAPIErrorCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// TimeoutError is returned when a request's slot is not resolved in time
type TimeoutError struct {
	Op    string
	ReqID int64
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (request %d) timed out after %v", e.Op, e.ReqID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// OrderTimeoutError is returned when an order was sent but no resolving
// status arrived before the deadline. The order may be live at the gateway.
type OrderTimeoutError struct {
	OrderID int64
	After   time.Duration
}

func (e *OrderTimeoutError) Error() string {
	return fmt.Sprintf("order %d: no confirmation after %v, order may have reached the gateway", e.OrderID, e.After)
}

func (e *OrderTimeoutError) Unwrap() []error {
	return []error{ErrTimeout, ErrOrderOutcomeUnknown}
}

// QualificationError is returned when every qualification attempt failed
type QualificationError struct {
	Symbol     string
	Expiration string
	Strike     float64
	Right      string
	Exchange   string
	Attempts   int
}

func (e *QualificationError) Error() string {
	return fmt.Sprintf("could not qualify option %s %s %g %s (preferred exchange %q) after %d attempts",
		e.Symbol, e.Expiration, e.Strike, e.Right, e.Exchange, e.Attempts)
}

func (e *QualificationError) Unwrap() error { return ErrQualificationFailed }

// ConnectError describes why a connection attempt failed
type ConnectError struct {
	Code    int
	Message string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed (code %d): %s", e.Code, e.Message)
}

// IsTransient reports whether err may succeed if the operation is retried
// after reconnecting or waiting.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrNotConnected)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
