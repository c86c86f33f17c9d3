package broker

import (
	"context"
	"sync"
	"time"

	"github.com/eddiefleurent/ibkr_bridge/internal/models"
)

// RequestKind selects how a pending request accumulates inbound events
type RequestKind int

const (
	KindHistoricalBars RequestKind = iota + 1
	KindContractDetails
	KindMarketSnapshot
	KindOptionParams
	KindAccountSummary
	KindPositions
	KindOrderSubmission
)

func (k RequestKind) String() string {
	switch k {
	case KindHistoricalBars:
		return "historical_bars"
	case KindContractDetails:
		return "contract_details"
	case KindMarketSnapshot:
		return "market_snapshot"
	case KindOptionParams:
		return "option_params"
	case KindAccountSummary:
		return "account_summary"
	case KindPositions:
		return "positions"
	case KindOrderSubmission:
		return "order_submission"
	default:
		return "unknown"
	}
}

type outcome struct {
	value any
	err   error
}

// Slot is the result slot of one pending request. It is resolved exactly
// once; the outcome is buffered so resolution never blocks the resolver.
type Slot struct {
	id       int64
	kind     RequestKind
	created  time.Time
	done     chan outcome
	resolved bool // guarded by Correlator.mu
}

// ID returns the request id the slot is registered under
func (s *Slot) ID() int64 { return s.id }

// Kind returns the accumulation kind of the slot
func (s *Slot) Kind() RequestKind { return s.kind }

// accumulator is the kind-specific partial-result buffer of a request.
type accumulator interface {
	value() any
}

type listBuffer[T any] struct {
	items []T
}

func (b *listBuffer[T]) value() any {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

type mapBuffer[V any] struct {
	entries map[string]V
}

func (b *mapBuffer[V]) value() any {
	out := make(map[string]V, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

func newAccumulator(kind RequestKind) accumulator {
	switch kind {
	case KindHistoricalBars:
		return &listBuffer[models.Bar]{}
	case KindContractDetails:
		return &listBuffer[models.ContractDetails]{}
	case KindOptionParams:
		return &listBuffer[models.OptionParams]{}
	case KindPositions:
		return &listBuffer[models.Position]{}
	case KindMarketSnapshot:
		return &mapBuffer[any]{entries: make(map[string]any)}
	case KindAccountSummary:
		return &mapBuffer[string]{entries: make(map[string]string)}
	default:
		return nil
	}
}

type pendingRequest struct {
	slot *Slot
	buf  accumulator
}

// Correlator maps request ids to pending result slots and owns the id
// sequence of one connection. It is safe for concurrent use.
type Correlator struct {
	mu        sync.Mutex
	nextID    int64
	pending   map[int64]*pendingRequest
	positions *pendingRequest
	open      bool
}

// NewCorrelator creates a closed correlator; Open must be called once the
// connection is established before requests can be registered.
func NewCorrelator() *Correlator {
	return &Correlator{
		nextID:  1,
		pending: make(map[int64]*pendingRequest),
	}
}

// Open allows registration of new requests
func (c *Correlator) Open() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
}

// IsOpen reports whether new requests may be registered
func (c *Correlator) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Seed sets the next id to be issued. Non-positive seeds are ignored.
func (c *Correlator) Seed(id int64) {
	if id <= 0 {
		return
	}
	c.mu.Lock()
	c.nextID = id
	c.mu.Unlock()
}

// NextID returns a fresh request id
func (c *Correlator) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// LastIssued returns the most recently issued id, or 0 if none was issued
// since the last seed.
func (c *Correlator) LastIssued() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID - 1
}

// Register creates the slot for id
func (c *Correlator) Register(id int64, kind RequestKind) (*Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrNotConnected
	}
	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateRequest
	}
	slot := newSlot(id, kind)
	c.pending[id] = &pendingRequest{slot: slot, buf: newAccumulator(kind)}
	return slot, nil
}

func newSlot(id int64, kind RequestKind) *Slot {
	return &Slot{id: id, kind: kind, created: time.Now(), done: make(chan outcome, 1)}
}

// Unregister removes id from the table. Events arriving for it afterwards
// are dropped.
func (c *Correlator) Unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// settle resolves s with o. Must be called with c.mu held.
func (c *Correlator) settle(s *Slot, o outcome) bool {
	if s.resolved {
		return false
	}
	s.resolved = true
	s.done <- o
	return true
}

// Resolve completes id with value. It reports false if id is unknown or
// already resolved.
func (c *Correlator) Resolve(id int64, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	return c.settle(p.slot, outcome{value: value})
}

// Fail completes id with err. It reports false if id is unknown or already
// resolved.
func (c *Correlator) Fail(id int64, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	return c.settle(p.slot, outcome{err: err})
}

// Abandon fails s directly, whether or not it is still in the table. It is
// used when the request for s could not be issued.
func (c *Correlator) Abandon(s *Slot, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settle(s, outcome{err: err})
}

// Complete resolves id with its accumulated buffer
func (c *Correlator) Complete(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.buf == nil {
		return false
	}
	return c.settle(p.slot, outcome{value: p.buf.value()})
}

// Has reports whether id has a live, unresolved slot
func (c *Correlator) Has(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	return ok && !p.slot.resolved
}

// KindOf returns the kind of a live, unresolved slot
func (c *Correlator) KindOf(id int64) (RequestKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.slot.resolved {
		return 0, false
	}
	return p.slot.kind, true
}

// Pending returns the number of registered slots
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	if c.positions != nil {
		n++
	}
	return n
}

// CancelAll fails every live slot with err, clears the table and closes the
// correlator to new registrations. It returns the number of slots failed.
func (c *Correlator) CancelAll(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, p := range c.pending {
		if c.settle(p.slot, outcome{err: err}) {
			n++
		}
		delete(c.pending, id)
	}
	if c.positions != nil {
		if c.settle(c.positions.slot, outcome{err: err}) {
			n++
		}
		c.positions = nil
	}
	c.open = false
	return n
}

// Await blocks until s resolves or ctx ends. When ctx ends first, s is
// failed with expired(ctx err); if s was resolved concurrently that outcome
// is returned instead.
func (c *Correlator) Await(ctx context.Context, s *Slot, expired func(error) error) (any, error) {
	select {
	case o := <-s.done:
		return o.value, o.err
	case <-ctx.Done():
	}

	select {
	case o := <-s.done:
		return o.value, o.err
	default:
	}

	// expired may call out to observers, so it runs without c.mu held
	err := expired(ctx.Err())
	c.mu.Lock()
	c.settle(s, outcome{err: err})
	c.mu.Unlock()

	o := <-s.done
	return o.value, o.err
}

// appendItem adds item to the list buffer of id. It reports false when the
// slot is unknown, resolved, or of a different shape.
func appendItem[T any](c *Correlator, id int64, item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.slot.resolved {
		return false
	}
	buf, ok := p.buf.(*listBuffer[T])
	if !ok {
		return false
	}
	buf.items = append(buf.items, item)
	return true
}

// setEntry writes key in the map buffer of id, replacing any earlier value.
func setEntry[V any](c *Correlator, id int64, key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.slot.resolved {
		return false
	}
	buf, ok := p.buf.(*mapBuffer[V])
	if !ok {
		return false
	}
	buf.entries[key] = value
	return true
}

// BeginPositions claims the dedicated position slot. Only one position
// request may be in flight at a time.
func (c *Correlator) BeginPositions() (*Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrNotConnected
	}
	if c.positions != nil {
		return nil, ErrPositionsBusy
	}
	slot := newSlot(0, KindPositions)
	c.positions = &pendingRequest{slot: slot, buf: newAccumulator(KindPositions)}
	return slot, nil
}

// AppendPosition adds a row to the active position slot
func (c *Correlator) AppendPosition(p models.Position) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.positions == nil || c.positions.slot.resolved {
		return false
	}
	buf := c.positions.buf.(*listBuffer[models.Position])
	buf.items = append(buf.items, p)
	return true
}

// CompletePositions resolves the position slot with the accumulated rows
func (c *Correlator) CompletePositions() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.positions == nil {
		return false
	}
	return c.settle(c.positions.slot, outcome{value: c.positions.buf.value()})
}

// EndPositions releases the position slot if s still owns it
func (c *Correlator) EndPositions(s *Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.positions != nil && c.positions.slot == s {
		c.positions = nil
	}
}
