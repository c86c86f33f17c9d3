package broker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Severity of a status event
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one structured status message emitted by a bridge component.
type Event struct {
	Time      time.Time
	Component string
	Severity  Severity
	Message   string
	Fields    map[string]any
}

// Observer receives status events. Implementations must be safe for
// concurrent use; events are emitted from both caller goroutines and the
// receiver goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// Observe calls f(e)
func (f ObserverFunc) Observe(e Event) { f(e) }

// MultiObserver fans an event out to several observers
type MultiObserver []Observer

// Observe forwards e to every non-nil observer
func (m MultiObserver) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// LogrusObserver writes status events to a logrus logger
type LogrusObserver struct {
	logger *logrus.Logger
}

// NewLogrusObserver creates an observer backed by logger, or by the logrus
// standard logger when logger is nil.
func NewLogrusObserver(logger *logrus.Logger) *LogrusObserver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusObserver{logger: logger}
}

// Observe logs e at the level matching its severity
func (o *LogrusObserver) Observe(e Event) {
	entry := o.logger.WithField("component", e.Component)
	if len(e.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(e.Fields))
	}
	if !e.Time.IsZero() {
		entry = entry.WithTime(e.Time)
	}
	switch e.Severity {
	case SeverityDebug:
		entry.Debug(e.Message)
	case SeverityWarning:
		entry.Warn(e.Message)
	case SeverityError:
		entry.Error(e.Message)
	default:
		entry.Info(e.Message)
	}
}

// emitter stamps events for one component and shields callers from a
// misbehaving observer.
type emitter struct {
	observer  Observer
	component string
}

func newEmitter(observer Observer, component string) emitter {
	return emitter{observer: observer, component: component}
}

func (em emitter) emit(sev Severity, msg string, kv ...any) {
	if em.observer == nil {
		return
	}
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("component", em.component).Errorf("status observer panicked: %v", r)
		}
	}()
	em.observer.Observe(Event{
		Time:      time.Now().UTC(),
		Component: em.component,
		Severity:  sev,
		Message:   msg,
		Fields:    fields,
	})
}

func (em emitter) debug(msg string, kv ...any) { em.emit(SeverityDebug, msg, kv...) }
func (em emitter) info(msg string, kv ...any)  { em.emit(SeverityInfo, msg, kv...) }
func (em emitter) warn(msg string, kv ...any)  { em.emit(SeverityWarning, msg, kv...) }
func (em emitter) error(msg string, kv ...any) { em.emit(SeverityError, msg, kv...) }
