package runner

import (
	"context"
	"sync"
)

// Handler receives runner events during execution.
type Handler interface {
	// Event is called for each event as it occurs.
	Event(ctx context.Context, event Event, tally *Tally) error

	// Err is called for non-test errors (worker stderr, infrastructure issues).
	Err(text string) error
}

// Summarizer is implemented by handlers that render a final summary.
type Summarizer interface {
	Summary(tally *Tally) error
}

// MultiHandler fans out events to multiple handlers.
type MultiHandler struct {
	handlers []Handler
}

// NewMultiHandler creates a handler that dispatches to multiple handlers.
// Nil handlers are skipped.
func NewMultiHandler(handlers ...Handler) *MultiHandler {
	m := &MultiHandler{}

	for _, h := range handlers {
		if h != nil {
			m.handlers = append(m.handlers, h)
		}
	}

	return m
}

// Event dispatches to all handlers, stopping on first error.
func (m *MultiHandler) Event(ctx context.Context, event Event, tally *Tally) error {
	for _, h := range m.handlers {
		err := h.Event(ctx, event, tally)
		if err != nil {
			return err
		}
	}

	return nil
}

// Err dispatches to all handlers.
func (m *MultiHandler) Err(text string) error {
	for _, h := range m.handlers {
		err := h.Err(text)
		if err != nil {
			return err
		}
	}

	return nil
}

// TallyHandler updates the Tally from events.
type TallyHandler struct{}

// NewTallyHandler creates a handler that accumulates outcomes.
func NewTallyHandler() *TallyHandler {
	return &TallyHandler{}
}

// Event updates the tally.
func (h *TallyHandler) Event(_ context.Context, event Event, tally *Tally) error {
	tally.Add(event)

	return nil
}

// Err is a no-op for TallyHandler.
func (h *TallyHandler) Err(_ string) error {
	return nil
}

// StopOnFailHandler stops execution when max failures is reached.
type StopOnFailHandler struct {
	maxFails int
}

// NewStopOnFailHandler creates a handler that stops after n failures.
func NewStopOnFailHandler(maxFails int) *StopOnFailHandler {
	return &StopOnFailHandler{maxFails: maxFails}
}

// Event checks if we've hit max failures.
func (h *StopOnFailHandler) Event(_ context.Context, event Event, tally *Tally) error {
	if h.maxFails <= 0 {
		return nil
	}

	if event.Action == ActionIterationEnd || event.Action == ActionTestEnd {
		if tally.Failures() >= h.maxFails {
			return ErrMaxFailures
		}
	}

	return nil
}

// Err is a no-op.
func (h *StopOnFailHandler) Err(_ string) error {
	return nil
}

// SyncHandler serializes calls to a handler shared by concurrent lanes.
type SyncHandler struct {
	mu sync.Mutex
	h  Handler
}

// NewSyncHandler wraps h.
func NewSyncHandler(h Handler) *SyncHandler {
	return &SyncHandler{h: h}
}

// Event forwards under the lock.
func (s *SyncHandler) Event(ctx context.Context, event Event, tally *Tally) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.h.Event(ctx, event, tally)
}

// Err forwards under the lock.
func (s *SyncHandler) Err(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.h.Err(text)
}
