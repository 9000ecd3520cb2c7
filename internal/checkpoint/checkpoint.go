// Package checkpoint records the mutations made on behalf of one command so
// they can be committed as history or undone in reverse order.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

var (
	// ErrTargetBusy is returned by Begin when the target already has an
	// active session.
	ErrTargetBusy = errors.New("checkpoint: target has an active session")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("checkpoint: session not found")
	// ErrSessionClosed is returned when logging into, committing or rolling
	// back a session that is no longer active.
	ErrSessionClosed = errors.New("checkpoint: session is not active")
	// ErrSessionInUse is returned by Revert for a session that a running
	// command of this process still owns.
	ErrSessionInUse = errors.New("checkpoint: session is owned by a running command")
)

// Kind is the mutation recorded by an Operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Originator tags.
const (
	OriginLLM  = "llm"
	OriginAPI  = "api"
	OriginMCP  = "mcp"
	OriginSeed = "seed"
)

// Operation is one logged mutation. Before holds the full prior row for
// updates and deletes and is empty for inserts.
type Operation struct {
	Seq        int               `json:"seq"`
	Kind       Kind              `json:"kind"`
	EntityType models.EntityType `json:"entityType"`
	PrimaryKey int64             `json:"primaryKey"`
	Before     json.RawMessage   `json:"before,omitempty"`
}

func (op Operation) validate() error {
	switch op.EntityType {
	case models.EntityCase, models.EntityField, models.EntityView:
	default:
		return fmt.Errorf("checkpoint: untracked entity type %q", op.EntityType)
	}
	switch op.Kind {
	case KindInsert:
	case KindUpdate, KindDelete:
		if len(op.Before) == 0 {
			return fmt.Errorf("checkpoint: %s of %s %d has no before-snapshot", op.Kind, op.EntityType, op.PrimaryKey)
		}
	default:
		return fmt.Errorf("checkpoint: unknown operation kind %q", op.Kind)
	}
	if op.PrimaryKey == 0 {
		return fmt.Errorf("checkpoint: %s of %s has no primary key", op.Kind, op.EntityType)
	}
	return nil
}

// Insert describes the creation of a row.
func Insert(entity models.EntityType, id int64) Operation {
	return Operation{Kind: KindInsert, EntityType: entity, PrimaryKey: id}
}

// Update describes an update of a row whose prior state was before.
func Update(entity models.EntityType, id int64, before any) (Operation, error) {
	return withSnapshot(KindUpdate, entity, id, before)
}

// Delete describes the deletion of a row whose prior state was before.
func Delete(entity models.EntityType, id int64, before any) (Operation, error) {
	return withSnapshot(KindDelete, entity, id, before)
}

func withSnapshot(kind Kind, entity models.EntityType, id int64, before any) (Operation, error) {
	b, err := json.Marshal(before)
	if err != nil {
		return Operation{}, fmt.Errorf("checkpoint: encoding %s snapshot: %w", entity, err)
	}
	return Operation{Kind: kind, EntityType: entity, PrimaryKey: id, Before: b}, nil
}

// Session is a ledger of operations tied to one originating command.
type Session struct {
	ID          string      `json:"id"`
	TargetID    int64       `json:"targetId"`
	Description string      `json:"description"`
	Origin      string      `json:"origin"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
	Operations  []Operation `json:"operations"`
}

// Store persists sessions and their operations.
type Store interface {
	// CreateSession stores a new active session. It returns ErrTargetBusy
	// when a non-zero target already has an active session.
	CreateSession(ctx context.Context, s *Session) error
	AppendOperation(ctx context.Context, sessionID string, op Operation) error
	// GetSession returns the session with operations ordered by Seq.
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns the sessions of a target, newest first.
	ListSessions(ctx context.Context, targetID int64) ([]*Session, error)
	ActiveSessions(ctx context.Context) ([]*Session, error)
	SetStatus(ctx context.Context, id string, status Status, finishedAt time.Time) error
	// SetTarget moves an active session opened for target 0 onto targetID.
	// It returns ErrTargetBusy when targetID already has an active session.
	SetTarget(ctx context.Context, id string, targetID int64) error
}

// Restorer undoes operations against the persistence layer.
type Restorer interface {
	Restore(ctx context.Context, entity models.EntityType, snapshot json.RawMessage) error
	Remove(ctx context.Context, entity models.EntityType, id int64) error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Logger is the logging surface used by the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
