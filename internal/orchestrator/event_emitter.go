package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/ShayCichocki/ensemble/internal/logging"
)

// EventEmitter delivers coordinator events over a buffered channel. Emit
// never blocks the coordinator: when the buffer is full the event is
// dropped and counted.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	logger       *logging.Logger
	closeOnce    sync.Once
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logging.NopLogger(),
	}
}

// SetLogger sets where dropped events are reported.
func (e *EventEmitter) SetLogger(l *logging.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Emit sends an event, dropping it if the buffer is full.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
	default:
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // every 10th drop
			e.logger.Warn("event channel full, dropped event", "dropped", count, "type", string(event.Type))
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events. It is closed when the run
// that owns the emitter finishes.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Safe to call more than once.
func (e *EventEmitter) Close() {
	e.closeOnce.Do(func() { close(e.events) })
}
