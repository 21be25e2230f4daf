package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/sony/gobreaker"

	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
)

// Options tunes an Adapter.
type Options struct {
	BatchLimit         int
	BreakerTimeout     time.Duration
	BreakerMaxFailures uint32
	Metrics            *metrics.Metrics
}

// Adapter issues the writes of one actor on one board.
type Adapter struct {
	backend    Backend
	boardID    string
	actor      model.Actor
	batchLimit int
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
}

// BatchUpdateResult reports how far a chunked batch update got.
type BatchUpdateResult struct {
	Applied   int
	UpdatedAt int64
}

// NewAdapter creates an adapter. Zero options take defaults.
func NewAdapter(backend Backend, boardID string, actor model.Actor, opts Options) *Adapter {
	if opts.BatchLimit <= 0 || opts.BatchLimit > MaxBatch {
		opts.BatchLimit = MaxBatch
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 10 * time.Second
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}

	maxFailures := opts.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote:" + boardID,
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			glog.Warningf("circuit breaker %s: %s -> %s", name, from, to)
		},
		// Only transient failures count against the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})

	return &Adapter{
		backend:    backend,
		boardID:    boardID,
		actor:      actor,
		batchLimit: opts.BatchLimit,
		breaker:    breaker,
		metrics:    opts.Metrics,
	}
}

// BoardID returns the board the adapter writes to.
func (a *Adapter) BoardID() string { return a.boardID }

// Actor returns the identity stamped on every write.
func (a *Adapter) Actor() model.Actor { return a.actor }

func (a *Adapter) write(op string, fn func() error) error {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	outcome := "ok"
	switch {
	case err == nil:
	case IsRetryable(err):
		outcome = "retryable"
	default:
		outcome = "rejected"
	}
	a.metrics.RemoteWrites.WithLabelValues(op, outcome).Inc()
	if err != nil {
		glog.V(1).Infof("remote %s on %s: %v", op, a.boardID, err)
	}
	return err
}

// Create writes a new shape, or refreshes it when a retried create finds it
// already there. It returns the server view of the shape.
func (a *Adapter) Create(ctx context.Context, shape model.Shape) (model.Shape, error) {
	if err := a.actor.Validate(); err != nil {
		return model.Shape{}, err
	}
	if err := shape.Validate(); err != nil {
		return model.Shape{}, err
	}
	shape.BoardID = a.boardID

	var out model.Shape
	err := a.write("create", func() error {
		var err error
		out, err = a.backend.CreateShape(ctx, a.boardID, shape, a.actor)
		return err
	})
	return out, err
}

// Update writes the set fields of patch and returns the server updatedAt.
func (a *Adapter) Update(ctx context.Context, shapeID string, patch model.ShapePatch) (int64, error) {
	if err := a.actor.Validate(); err != nil {
		return 0, err
	}
	if shapeID == "" {
		return 0, fmt.Errorf("%w: shape id is required", model.ErrInvalid)
	}
	if patch.Empty() {
		return 0, fmt.Errorf("%w: empty update for %s", model.ErrInvalid, shapeID)
	}

	var updatedAt int64
	err := a.write("update", func() error {
		var err error
		updatedAt, err = a.backend.UpdateShape(ctx, a.boardID, shapeID, patch, a.actor)
		return err
	})
	return updatedAt, err
}

// Delete soft-deletes a shape and returns the server updatedAt.
func (a *Adapter) Delete(ctx context.Context, shapeID string) (int64, error) {
	if err := a.actor.Validate(); err != nil {
		return 0, err
	}
	if shapeID == "" {
		return 0, fmt.Errorf("%w: shape id is required", model.ErrInvalid)
	}

	var updatedAt int64
	err := a.write("delete", func() error {
		var err error
		updatedAt, err = a.backend.DeleteShape(ctx, a.boardID, shapeID, a.actor)
		return err
	})
	return updatedAt, err
}

// Get fetches one shape. Soft-deleted shapes are returned with Deleted set.
func (a *Adapter) Get(ctx context.Context, shapeID string) (model.Shape, error) {
	return a.backend.GetShape(ctx, a.boardID, shapeID)
}

// GetAll returns the live shapes of the board.
func (a *Adapter) GetAll(ctx context.Context) ([]model.Shape, error) {
	all, err := a.backend.ListShapes(ctx, a.boardID)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, s := range all {
		if !s.Deleted {
			live = append(live, s)
		}
	}
	return live, nil
}

// Subscribe streams changes of the board. Deleted documents arrive as
// removed events whatever their underlying change. onReady runs once, after
// the initial snapshot, even when the board is empty. The returned func
// unsubscribes and may be called more than once.
func (a *Adapter) Subscribe(ctx context.Context, onChange func(model.ShapeChange), onReady func()) (func(), error) {
	var once sync.Once
	stop, err := a.backend.Watch(ctx, a.boardID,
		func(c model.ShapeChange) {
			if c.Shape.Deleted {
				c.Type = model.ChangeRemoved
			}
			onChange(c)
		},
		func() {
			once.Do(func() {
				if onReady != nil {
					onReady()
				}
			})
		},
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to board %s: %w", a.boardID, err)
	}
	return sync.OnceFunc(stop), nil
}

// BatchCreate creates shapes in atomic chunks of at most the batch limit. A
// single shape goes through Create. On failure it returns the shapes written
// by the chunks that succeeded; they are always a prefix of shapes.
func (a *Adapter) BatchCreate(ctx context.Context, shapes []model.Shape) ([]model.Shape, error) {
	if err := a.actor.Validate(); err != nil {
		return nil, err
	}
	shapes = append([]model.Shape(nil), shapes...)
	for i := range shapes {
		if err := shapes[i].Validate(); err != nil {
			return nil, err
		}
		shapes[i].BoardID = a.boardID
	}
	switch len(shapes) {
	case 0:
		return nil, nil
	case 1:
		s, err := a.Create(ctx, shapes[0])
		if err != nil {
			return nil, err
		}
		return []model.Shape{s}, nil
	}

	created := make([]model.Shape, 0, len(shapes))
	for start := 0; start < len(shapes); start += a.batchLimit {
		end := min(start+a.batchLimit, len(shapes))
		chunk := shapes[start:end]
		err := a.write("batch_create", func() error {
			out, err := a.backend.BatchCreate(ctx, a.boardID, chunk, a.actor)
			if err != nil {
				return err
			}
			created = append(created, out...)
			return nil
		})
		if err != nil {
			return created, fmt.Errorf("batch create chunk %d-%d: %w", start, end, err)
		}
	}
	return created, nil
}

// BatchUpdate applies patches in atomic chunks of at most the batch limit. A
// single update goes through Update. Applied counts the leading updates that
// were written before a failure.
func (a *Adapter) BatchUpdate(ctx context.Context, updates []model.ShapeUpdate) (BatchUpdateResult, error) {
	if err := a.actor.Validate(); err != nil {
		return BatchUpdateResult{}, err
	}
	for _, u := range updates {
		if u.ID == "" || u.Patch.Empty() {
			return BatchUpdateResult{}, fmt.Errorf("%w: batch update entry needs an id and fields", model.ErrInvalid)
		}
	}
	switch len(updates) {
	case 0:
		return BatchUpdateResult{}, nil
	case 1:
		ts, err := a.Update(ctx, updates[0].ID, updates[0].Patch)
		if err != nil {
			return BatchUpdateResult{}, err
		}
		return BatchUpdateResult{Applied: 1, UpdatedAt: ts}, nil
	}

	var res BatchUpdateResult
	for start := 0; start < len(updates); start += a.batchLimit {
		end := min(start+a.batchLimit, len(updates))
		chunk := updates[start:end]
		err := a.write("batch_update", func() error {
			ts, err := a.backend.BatchUpdate(ctx, a.boardID, chunk, a.actor)
			if err != nil {
				return err
			}
			res.Applied += len(chunk)
			res.UpdatedAt = ts
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("batch update chunk %d-%d: %w", start, end, err)
		}
	}
	return res, nil
}

// Ping checks the backend without going through the breaker.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.backend.Ping(ctx)
}
