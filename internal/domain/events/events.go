// Package events defines the single vocabulary every API engine and the
// retrieval driver report progress through, plus the bus that fans the
// events out to subscribers.
package events

import (
	"sync"
	"time"
)

// EventType is one entry of the common progress vocabulary.
type EventType string

// Engine and retrieval progress events.
const (
	OperationStarted  EventType = "OperationStarted"
	Open              EventType = "Open"
	UploadStart       EventType = "UploadStart"
	UploadComplete    EventType = "UploadComplete"
	InProgress        EventType = "InProgress"
	JobComplete       EventType = "JobComplete"
	ProcessError      EventType = "ProcessError"
	FailedOrAborted   EventType = "FailedOrAborted"
	OperationFinished EventType = "OperationFinished"

	// RetrievedRows is emitted by the retrieval driver every N records.
	RetrievedRows EventType = "RetrievedRows"

	// OrderResolved announces the chosen query, execution and delete
	// sequences after the task graph is built.
	OrderResolved EventType = "OrderResolved"
)

// Event is one progress report.
type Event struct {
	Type      EventType
	Object    string
	Operation string
	Engine    string
	JobID     string
	BatchID   string

	// Side distinguishes source from target retrieval progress.
	Side string

	Processed int
	Failed    int
	RowsSoFar int
	Message   string
	Timestamp time.Time
}

// Handler consumes events; returning is the only contract, handlers must
// not block the pipeline.
type Handler func(Event)

// Bus is a minimal publish-subscribe fanout. Publishing without
// subscribers is free.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to all handlers in subscription order.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
