package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/ember/internal/model"
)

// ErrNotFound is returned when a VM or image row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNameTaken is returned when CreateVM is called with a name already used
// by another non-deleted VM (§3 invariant 3).
var ErrNameTaken = errors.New("vm name already in use")

// ErrInvalidTransition is returned when UpdateFields would move status to a
// value ValidTransition rejects.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrConflict is returned when a delete is attempted on a running VM.
var ErrConflict = errors.New("vm is running")

// Store is the single source of truth for VM and Image records (C1, §4.1).
// The lifecycle service never mutates a field without the store also
// writing updated_at.
type Store interface {
	CreateVM(ctx context.Context, v *model.VM) error
	GetVM(ctx context.Context, id string) (*model.VM, error)
	ListVMs(ctx context.Context) ([]*model.VM, error)
	ListByStatus(ctx context.Context, status string) ([]*model.VM, error)
	// UpdateFields atomically applies patch to the row in a single
	// statement, always refreshing updated_at. Returns ErrNotFound if the
	// row doesn't exist, ErrInvalidTransition if patch.Status is set and
	// the transition is not legal from the row's current status.
	UpdateFields(ctx context.Context, id string, patch model.VMPatch) error
	// ConditionalUpdate applies patch only if the row's status equals
	// wantStatus and its updated_at is older than olderThan. Used by
	// watchdogs so they never contend with the per-id lifecycle mutex
	// (§4.8). Returns the number of rows updated (0 or 1).
	ConditionalUpdate(ctx context.Context, id, wantStatus string, olderThan time.Time, patch model.VMPatch) (int64, error)
	DeleteVM(ctx context.Context, id string) error

	CreateImage(ctx context.Context, img *model.Image) error
	GetImage(ctx context.Context, id string) (*model.Image, error)
	ListImages(ctx context.Context) ([]*model.Image, error)

	Close() error
}
