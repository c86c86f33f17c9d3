package models

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState represents the lifecycle state of the gateway connection
type ConnectionState string

const (
	StateDisconnected      ConnectionState = "disconnected"
	StateConnecting        ConnectionState = "connecting"
	StateAwaitingHandshake ConnectionState = "awaiting_handshake"
	StateEstablished       ConnectionState = "established"
	StateClosing           ConnectionState = "closing"
)

// Transition conditions
const (
	CondConnect           = "connect"
	CondSocketAccepted    = "socket_accepted"
	CondSocketFailed      = "socket_failed"
	CondHandshakeComplete = "handshake_complete"
	CondHandshakeFailed   = "handshake_failed"
	CondDisconnect        = "disconnect"
	CondReceiverExited    = "receiver_exited"
	CondClosed            = "closed"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        ConnectionState
	To          ConnectionState
	Condition   string
	Description string
}

// ValidTransitions lists every permitted connection state change.
var ValidTransitions = []StateTransition{
	{StateDisconnected, StateConnecting, CondConnect, "Connect requested"},
	{StateConnecting, StateAwaitingHandshake, CondSocketAccepted, "Socket accepted, waiting for next valid id"},
	{StateConnecting, StateDisconnected, CondSocketFailed, "Socket could not be opened"},
	{StateAwaitingHandshake, StateEstablished, CondHandshakeComplete, "Next valid id received"},
	{StateAwaitingHandshake, StateClosing, CondHandshakeFailed, "Handshake error or timeout, forcing disconnect"},
	{StateAwaitingHandshake, StateClosing, CondReceiverExited, "Receiver exited before handshake"},
	{StateEstablished, StateClosing, CondDisconnect, "Disconnect requested"},
	{StateEstablished, StateClosing, CondReceiverExited, "Receiver exited or gateway closed the connection"},
	{StateClosing, StateDisconnected, CondClosed, "Socket closed and pending requests failed"},
}

// ConnectionError is the last error recorded against the connection
type ConnectionError struct {
	Code    int
	Message string
}

// ConnectionStateMachine tracks connection state transitions. It is safe for
// concurrent use.
type ConnectionStateMachine struct {
	mu              sync.RWMutex
	transitionTime  time.Time
	transitionCount map[ConnectionState]int
	lastError       *ConnectionError
	currentState    ConnectionState
	previousState   ConnectionState
	clientID        int64
	nextValidID     int64
}

// NewConnectionStateMachine creates a state machine in StateDisconnected
func NewConnectionStateMachine() *ConnectionStateMachine {
	return &ConnectionStateMachine{
		currentState:    StateDisconnected,
		previousState:   StateDisconnected,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[ConnectionState]int),
	}
}

// GetCurrentState returns the current state
func (sm *ConnectionStateMachine) GetCurrentState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *ConnectionStateMachine) GetPreviousState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.previousState
}

// IsValidTransition checks if a transition is valid from the current state
func (sm *ConnectionStateMachine) IsValidTransition(to ConnectionState, condition string) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.validate(to, condition)
}

func (sm *ConnectionStateMachine) validate(to ConnectionState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *ConnectionStateMachine) Transition(to ConnectionState, condition string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.validate(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++

	if to == StateConnecting {
		sm.lastError = nil
		sm.nextValidID = 0
	}
	return nil
}

// TransitionIf performs the transition only when the machine is currently in
// from. It reports whether the transition happened.
func (sm *ConnectionStateMachine) TransitionIf(from, to ConnectionState, condition string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.currentState != from || sm.validate(to, condition) != nil {
		return false
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return true
}

// GetTransitionCount returns how many times a state has been entered
func (sm *ConnectionStateMachine) GetTransitionCount(state ConnectionState) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitionCount[state]
}

// GetTransitionTime returns when the current state was entered
func (sm *ConnectionStateMachine) GetTransitionTime() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitionTime
}

// SetClientID records the client id of the current connection attempt
func (sm *ConnectionStateMachine) SetClientID(id int64) {
	sm.mu.Lock()
	sm.clientID = id
	sm.mu.Unlock()
}

// GetClientID returns the client id of the current connection
func (sm *ConnectionStateMachine) GetClientID() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.clientID
}

// SetNextValidID records the id seed delivered by the handshake
func (sm *ConnectionStateMachine) SetNextValidID(id int64) {
	sm.mu.Lock()
	sm.nextValidID = id
	sm.mu.Unlock()
}

// GetNextValidID returns the id seed delivered by the handshake, or 0
func (sm *ConnectionStateMachine) GetNextValidID() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.nextValidID
}

// RecordError stores the connection's last error
func (sm *ConnectionStateMachine) RecordError(code int, message string) {
	sm.mu.Lock()
	sm.lastError = &ConnectionError{Code: code, Message: message}
	sm.mu.Unlock()
}

// GetLastError returns a copy of the last recorded error, or nil
func (sm *ConnectionStateMachine) GetLastError() *ConnectionError {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.lastError == nil {
		return nil
	}
	e := *sm.lastError
	return &e
}

// GetStateDescription returns a human-readable description of the current state
func (sm *ConnectionStateMachine) GetStateDescription() string {
	switch sm.GetCurrentState() {
	case StateDisconnected:
		return "Not connected to the gateway"
	case StateConnecting:
		return "Opening socket to the gateway"
	case StateAwaitingHandshake:
		return "Socket open, waiting for the gateway handshake"
	case StateEstablished:
		return "Connected, requests may be issued"
	case StateClosing:
		return "Closing connection and failing pending requests"
	default:
		return "Unknown state"
	}
}
