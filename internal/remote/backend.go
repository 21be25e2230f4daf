// Package remote talks to the authoritative shape store. Backend is the raw
// persistence service; Adapter layers board scoping, actor metadata, soft
// delete mapping, batching and failure classification on top of it.
package remote

import (
	"context"

	"github.com/jun/gophboard/internal/model"
)

// MaxBatch is the largest number of writes a backend accepts in one atomic batch.
const MaxBatch = 500

// Backend is the remote persistence service. Timestamps it assigns are epoch
// milliseconds and increase monotonically per document.
type Backend interface {
	// CreateShape writes shape in a per-document transaction. A missing
	// document is created with creator metadata; an existing one is updated
	// only when the transaction's server time is greater than its updatedAt.
	CreateShape(ctx context.Context, boardID string, shape model.Shape, actor model.Actor) (model.Shape, error)

	// UpdateShape writes only the set fields of patch plus updater metadata
	// and returns the new updatedAt.
	UpdateShape(ctx context.Context, boardID, shapeID string, patch model.ShapePatch, actor model.Actor) (int64, error)

	// DeleteShape marks the document deleted and returns the new updatedAt.
	DeleteShape(ctx context.Context, boardID, shapeID string, actor model.Actor) (int64, error)

	// GetShape returns a document, deleted or not.
	GetShape(ctx context.Context, boardID, shapeID string) (model.Shape, error)

	// ListShapes returns every document of the board, deleted ones included.
	ListShapes(ctx context.Context, boardID string) ([]model.Shape, error)

	// BatchCreate atomically creates up to MaxBatch shapes.
	BatchCreate(ctx context.Context, boardID string, shapes []model.Shape, actor model.Actor) ([]model.Shape, error)

	// BatchUpdate atomically applies up to MaxBatch patches and returns the
	// updatedAt they share.
	BatchUpdate(ctx context.Context, boardID string, updates []model.ShapeUpdate, actor model.Actor) (int64, error)

	// Watch streams document changes of a board to onChange, one at a time
	// and in commit order. Every existing document is delivered first as
	// added, then onReady runs. The stream ends when ctx is done or stop is
	// called.
	Watch(ctx context.Context, boardID string, onChange func(model.ShapeChange), onReady func()) (stop func(), err error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
