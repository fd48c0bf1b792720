// Package changestore persists Changes: the projection the Receive
// Pipeline and Review Surface read and write as pushes land, patch sets
// accumulate, and votes are cast. A Store implementation owns the
// durability story; every caller in this module talks to the [Store]
// interface, never to a concrete backend.
package changestore

import (
	"context"
	"errors"

	"github.com/gitreview/gitreviewd/internal/change"
)

// ErrNotFound is returned when a lookup finds no matching Change.
var ErrNotFound = errors.New("changestore: change not found")

// ErrKeyExists is returned by CreateChange when a Change with the same
// project and key already exists: callers should load it with GetChange
// and persist a new patch set with UpdateChange instead of creating a
// duplicate.
var ErrKeyExists = errors.New("changestore: change key already exists for project")

// Store is the persistence interface the Change Engine uses to create
// Changes, add patch sets to them, record votes, and answer the queries
// the Review Surface and Upload Pipeline need.
//
// Implementations must assign Change.ID on CreateChange and must treat
// (ProjectName, Key) as a unique constraint.
type Store interface {
	// CreateChange persists a brand new Change, assigning it an ID.
	// It returns ErrKeyExists if a Change with the same project and key
	// is already on record.
	CreateChange(ctx context.Context, c *change.Change) error

	// GetChange looks up a Change by project and Change-Id. It returns
	// ErrNotFound if no such Change exists.
	GetChange(ctx context.Context, project, key string) (*change.Change, error)

	// GetChangeByID looks up a Change by its numeric ID.
	GetChangeByID(ctx context.Context, id int64) (*change.Change, error)

	// UpdateChange persists the full current state of a Change that was
	// previously created with CreateChange: its patch sets, approvals,
	// status, and metadata. It returns ErrNotFound if the Change's ID is
	// unknown to the store.
	UpdateChange(ctx context.Context, c *change.Change) error

	// ListOpenChanges returns every NEW Change targeting the given
	// project and destination branch, ordered oldest first. destBranch
	// may be empty to match every branch in the project.
	ListOpenChanges(ctx context.Context, project, destBranch string) ([]*change.Change, error)

	// ListChangesByOwner returns every Change owned by the given
	// account across all projects, most recently updated first.
	ListChangesByOwner(ctx context.Context, ownerAccountID int64) ([]*change.Change, error)

	// Close releases any resources held by the store.
	Close() error
}
