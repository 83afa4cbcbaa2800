package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of agent event.
type EventKind string

const (
	EventRunStart              EventKind = "run_start"
	EventCycleStart            EventKind = "cycle_start"
	EventInvalidResponse       EventKind = "invalid_response"
	EventActionExecuted        EventKind = "action_executed"
	EventObservationSummarized EventKind = "observation_summarized"
	EventCheckpoint            EventKind = "checkpoint"
	EventLogUpdated            EventKind = "log_updated"
	EventLoopDetection         EventKind = "loop_detection"
	EventWarning               EventKind = "warning"
	EventFinished              EventKind = "finished"
)

// AgentEvent is a typed event emitted by the agent loop.
type AgentEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Cycle     int            `json:"cycle"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host application via a channel.
type EventEmitter struct {
	runID  string
	ch     chan AgentEvent
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(runID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		runID: runID,
		ch:    make(chan AgentEvent, bufferSize),
	}
}

// Emit sends an event to the channel. If the emitter is closed, the event
// is silently dropped.
func (e *EventEmitter) Emit(kind EventKind, cycle int, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := AgentEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		RunID:     e.runID,
		Cycle:     cycle,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		// Channel full; drop event to avoid blocking the agent loop.
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan AgentEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
