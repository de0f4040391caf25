// Package conflict decides which side wins when a pulled record collides
// with an unsynced local edit.
package conflict

import (
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
)

// Side identifies which copy of a record survives a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Built-in strategy names.
const (
	StrategyLatest = "latest"
	StrategyLocal  = "local"
	StrategyRemote = "remote"
)

// DefaultStrategy is used when no strategy is configured.
const DefaultStrategy = StrategyLatest

// Strategy picks the winning side of a conflict.
type Strategy func(c *Conflict) Side

var (
	registryMu sync.RWMutex
	registry   = map[string]Strategy{
		StrategyLatest: latestWins,
		StrategyLocal:  func(*Conflict) Side { return SideLocal },
		StrategyRemote: func(*Conflict) Side { return SideRemote },
	}
)

// Register makes a strategy available by name, replacing any previous one.
func Register(name string, s Strategy) error {
	if name == "" || s == nil {
		return apperrors.New(apperrors.ErrValidation, "strategy name and function are required")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = s
	return nil
}

// Strategies returns the registered strategy names, sorted.
func Strategies() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Strategy, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// latestWins keeps the copy with the greater modification time. Ties keep local.
func latestWins(c *Conflict) Side {
	if c.RemoteTimestamp.After(c.LocalTimestamp) {
		return SideRemote
	}
	return SideLocal
}

// Conflict represents a pulled record that collides with an unsynced local one.
type Conflict struct {
	EntityType      models.EntityType
	Key             string
	Local           models.Versioned
	Remote          models.Versioned
	LocalTimestamp  time.Time
	RemoteTimestamp time.Time
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner   Side
	Strategy string
	Conflict *Conflict
}

// RemoteWins reports whether the remote copy should replace the local one.
func (r *ResolveResult) RemoteWins() bool {
	return r.Winner == SideRemote
}

// Resolver applies one named strategy.
type Resolver struct {
	name     string
	strategy Strategy
}

// NewResolver creates a Resolver for the named strategy. An empty name
// selects DefaultStrategy; an unknown name is an error, never a fallback.
func NewResolver(name string) (*Resolver, error) {
	if name == "" {
		name = DefaultStrategy
	}
	s, ok := lookup(name)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrConflictStrategy, "unknown conflict strategy %q", name)
	}
	return &Resolver{name: name, strategy: s}, nil
}

// Strategy returns the configured strategy name.
func (r *Resolver) Strategy() string {
	return r.name
}

// DetectConflict reports a conflict when a local copy exists and carries
// edits that have not been synced yet.
func (r *Resolver) DetectConflict(entityType models.EntityType, key string, local, remote models.Versioned, localSynced bool) (*Conflict, bool) {
	if local == nil || remote == nil || localSynced {
		return nil, false
	}

	c := &Conflict{
		EntityType:      entityType,
		Key:             key,
		Local:           local,
		Remote:          remote,
		LocalTimestamp:  local.LastModified(),
		RemoteTimestamp: remote.LastModified(),
	}

	logging.Debug("Concurrent edit conflict detected",
		map[string]interface{}{
			"entity_type":      entityType,
			"key":              key,
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
		})

	return c, true
}

// Resolve resolves a conflict using the configured strategy.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}

	winner := r.strategy(c)
	if winner != SideLocal && winner != SideRemote {
		return nil, ErrConflictUnresolved
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"entity_type":      c.EntityType,
			"key":              c.Key,
			"strategy":         r.name,
			"winner_side":      winner,
			"local_timestamp":  c.LocalTimestamp,
			"remote_timestamp": c.RemoteTimestamp,
		})

	return &ResolveResult{Winner: winner, Strategy: r.name, Conflict: c}, nil
}

// Errors
var (
	ErrInvalidConflict    = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrConflictUnresolved = &ConflictError{Message: "conflict could not be resolved"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
