// Package remote speaks the sync protocol of the remote authority: pull the
// records changed since a checkpoint, push one outbox entry at a time.
package remote

import (
	"context"
	"time"

	"github.com/kimhsiao/screensync/internal/models"
)

// HTTP routes of the authority.
const (
	PullPath   = "/v1/sync/pull"
	PushPath   = "/v1/sync/push"
	HealthPath = "/healthz"
)

// PullRequest asks for every record changed after LastSyncTime.
type PullRequest struct {
	LastSyncTime time.Time `json:"lastSyncTime"`
}

// PullResponse carries the remote records changed since the checkpoint.
type PullResponse struct {
	Children         []*models.ChildRecord     `json:"children"`
	ScreeningResults []*models.ScreeningResult `json:"screening_results"`
}

// PushResponse acknowledges one pushed outbox entry.
type PushResponse struct {
	Ack bool `json:"ack"`
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Authority is the remote side of synchronization. Implementations report
// transient transport problems as CONNECTIVITY_ERROR and explicit rejections
// as PROTOCOL_ERROR.
type Authority interface {
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
	Push(ctx context.Context, entry *models.OutboxEntry) error
	Health(ctx context.Context) error
}
