// Package sync reconciles the local store with the remote authority: pull
// remote changes, then push the outbox.
package sync

import (
	"context"
	"time"
)

// CoordinatorInterface defines the operations triggers and the CLI rely on.
// This interface allows for mocking in tests.
type CoordinatorInterface interface {
	// PerformSync runs one pull-then-push pass. A call that overlaps a
	// running pass returns a skipped Result and no error.
	PerformSync(ctx context.Context) (*Result, error)

	// SetEventHandler sets the handler receiving pass progress events.
	SetEventHandler(handler EventHandler)

	// Status returns the current coordinator status.
	Status() Status

	// LastSync returns the end time of the last successful pass.
	LastSync() *time.Time

	// PendingChanges returns the number of outbox entries awaiting push.
	PendingChanges(ctx context.Context) (int, error)

	// LastError returns the error of the last pass, nil after a success.
	LastError() error
}

var _ CoordinatorInterface = (*Coordinator)(nil)

// EventType names a point of progress within a pass.
type EventType string

const (
	EventStarted       EventType = "started"
	EventPullSkipped   EventType = "pull_skipped"
	EventPullCompleted EventType = "pull_completed"
	EventEntryPushed   EventType = "entry_pushed"
	EventEntryRetried  EventType = "entry_retried"
	EventEntryFailed   EventType = "entry_failed"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
)

// Event is a progress notification emitted during a pass.
type Event struct {
	Type     EventType
	EntryKey string
	Message  string
	Time     time.Time
}

// EventHandler receives events synchronously on the pass goroutine.
type EventHandler interface {
	OnSyncEvent(event Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(Event)

// OnSyncEvent implements EventHandler.
func (f EventHandlerFunc) OnSyncEvent(event Event) {
	f(event)
}
