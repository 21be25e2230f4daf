package board

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/remote"
	"github.com/jun/gophboard/internal/state"
)

// write is the remote half of a mutation. It returns the operations still
// unwritten when it fails; they go to the queue if the failure is transient.
type write func(ctx context.Context) (unwritten []model.Operation, err error)

// commit settles w in the lane of key. rollback undoes the local change of
// the unwritten operations after a permanent failure.
func (s *Session) commit(key string, res Result, ops []model.Operation, w write, rollback func(unwritten []model.Operation)) *Commit {
	c := newCommit()
	s.lanes.submit(key, func() {
		c.finish(s.settle(res, ops, w, rollback))
	})
	return c
}

func (s *Session) settle(res Result, ops []model.Operation, w write, rollback func([]model.Operation)) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	// While anything is queued, later writes queue behind it so replay keeps
	// the order they were made in.
	if !s.monitor.Online() || s.queue.HasPending(ctx) {
		return s.divert(ctx, res, ops)
	}

	unwritten, err := w(ctx)
	switch {
	case err == nil:
		return res, nil
	case remote.IsRetryable(err):
		if remote.CodeOf(err) == remote.CodeUnavailable || errors.Is(err, remote.ErrOffline) {
			s.monitor.Set(false)
		}
		glog.V(1).Infof("board %s: write deferred: %v", s.boardID, err)
		return s.divert(ctx, res, unwritten)
	default:
		glog.Warningf("board %s: write rejected: %v", s.boardID, err)
		if rollback != nil {
			rollback(unwritten)
		}
		return res, err
	}
}

func (s *Session) divert(ctx context.Context, res Result, ops []model.Operation) (Result, error) {
	for _, op := range ops {
		if err := s.queue.Enqueue(ctx, op); err != nil {
			return res, fmt.Errorf("failed to queue %s: %w", op.Type, err)
		}
	}
	res.Queued = true
	if s.monitor.Online() {
		s.kickFlush()
	}
	return res, nil
}

func (s *Session) stamp() int64 {
	return s.now().UnixMilli()
}

// AddShape creates a shape. An empty id is filled in.
func (s *Session) AddShape(shape model.Shape) (*Commit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	shape, err := s.prepare(shape)
	if err != nil {
		return nil, err
	}
	op, err := model.NewOperation(s.boardID, model.OpCreateShape, model.CreatePayload{Shape: shape})
	if err != nil {
		return nil, err
	}

	s.state.Dispatch(state.AddShape{Shape: shape})

	ops := []model.Operation{op}
	return s.commit(shape.ID, Result{ID: shape.ID}, ops, func(ctx context.Context) ([]model.Operation, error) {
		created, err := s.remote.Create(ctx, shape)
		if err != nil {
			return ops, err
		}
		s.state.Dispatch(state.Confirm{ID: shape.ID, UpdatedAt: created.UpdatedAt})
		return nil, nil
	}, func([]model.Operation) {
		s.state.Dispatch(state.DeleteShape{ID: shape.ID})
	}), nil
}

func (s *Session) prepare(shape model.Shape) (model.Shape, error) {
	if shape.ID == "" {
		shape.ID = uuid.NewString()
	}
	if err := shape.Validate(); err != nil {
		return shape, err
	}
	if _, exists := s.state.Shape(shape.ID); exists {
		return shape, fmt.Errorf("%w: shape %s already exists", model.ErrInvalid, shape.ID)
	}
	now := s.stamp()
	shape.BoardID = s.boardID
	shape.CreatedBy, shape.CreatedByName = s.actor.UID, s.actor.Name
	shape.UpdatedBy, shape.UpdatedByName = s.actor.UID, s.actor.Name
	shape.CreatedAt, shape.UpdatedAt = now, now
	shape.Deleted, shape.DeletedAt = false, 0
	return shape, nil
}

// AddShapes creates shapes in atomic batches.
func (s *Session) AddShapes(shapes []model.Shape) (*Commit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(shapes) == 0 {
		return nil, fmt.Errorf("%w: no shapes to add", model.ErrInvalid)
	}
	prepared := make([]model.Shape, 0, len(shapes))
	ops := make([]model.Operation, 0, len(shapes))
	ids := make([]string, 0, len(shapes))
	seen := make(map[string]bool, len(shapes))
	for _, sh := range shapes {
		sh, err := s.prepare(sh)
		if err != nil {
			return nil, err
		}
		if seen[sh.ID] {
			return nil, fmt.Errorf("%w: duplicate shape %s", model.ErrInvalid, sh.ID)
		}
		seen[sh.ID] = true
		op, err := model.NewOperation(s.boardID, model.OpCreateShape, model.CreatePayload{Shape: sh})
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, sh)
		ops = append(ops, op)
		ids = append(ids, sh.ID)
	}

	for _, sh := range prepared {
		s.state.Dispatch(state.AddShape{Shape: sh})
	}

	return s.commit(batchLane, Result{IDs: ids}, ops, func(ctx context.Context) ([]model.Operation, error) {
		created, err := s.remote.BatchCreate(ctx, prepared)
		for _, c := range created {
			s.state.Dispatch(state.Confirm{ID: c.ID, UpdatedAt: c.UpdatedAt})
		}
		if err != nil {
			return ops[len(created):], err
		}
		return nil, nil
	}, func(unwritten []model.Operation) {
		for _, op := range unwritten {
			var p model.CreatePayload
			if op.Decode(&p) == nil {
				s.state.Dispatch(state.DeleteShape{ID: p.Shape.ID})
			}
		}
	}), nil
}

// UpdateShape writes a partial update.
func (s *Session) UpdateShape(id string, patch model.ShapePatch) (*Commit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty update for %s", model.ErrInvalid, id)
	}
	prev, ok := s.state.Shape(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShape, id)
	}
	op, err := model.NewOperation(s.boardID, model.OpUpdateShape, model.UpdatePayload{ShapeID: id, Patch: patch})
	if err != nil {
		return nil, err
	}

	s.state.Dispatch(state.UpdateShape{ID: id, Patch: patch, UpdatedAt: s.stamp()})

	return s.commit(id, Result{ID: id}, []model.Operation{op}, s.updateWrite(id, patch, op), func([]model.Operation) {
		s.state.Dispatch(state.RestoreShape{Shape: prev})
	}), nil
}

func (s *Session) updateWrite(id string, patch model.ShapePatch, op model.Operation) write {
	return func(ctx context.Context) ([]model.Operation, error) {
		ts, err := s.remote.Update(ctx, id, patch)
		if err != nil {
			return []model.Operation{op}, err
		}
		s.state.Dispatch(state.Confirm{ID: id, UpdatedAt: ts})
		if !s.edits.Pending(id) {
			s.forgetBuffered(ctx, id)
		}
		return nil, nil
	}
}

// UpdateShapeText replaces the content of a text shape.
func (s *Session) UpdateShapeText(id, text string) (*Commit, error) {
	sh, ok := s.state.Shape(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShape, id)
	}
	if sh.Type != model.ShapeText {
		return nil, fmt.Errorf("%w: shape %s is a %s, not text", model.ErrInvalid, id, sh.Type)
	}
	return s.UpdateShape(id, model.ShapePatch{Text: model.String(text)})
}

// EditShape applies a live edit locally, buffers the resulting snapshot and
// writes the accumulated fields at most once per edit interval.
func (s *Session) EditShape(id string, patch model.ShapePatch) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if patch.Empty() {
		return fmt.Errorf("%w: empty edit for %s", model.ErrInvalid, id)
	}
	if !s.state.Dispatch(state.UpdateShape{ID: id, Patch: patch, UpdatedAt: s.stamp()}) {
		return fmt.Errorf("%w: %s", ErrUnknownShape, id)
	}
	if snap, ok := s.state.Shape(id); ok {
		s.buffer.Set(context.Background(), id, snap)
		s.mu.Lock()
		s.buffered[id] = true
		s.mu.Unlock()
	}

	s.editMu.Lock()
	s.editAcc[id] = s.editAcc[id].Merge(patch)
	s.editMu.Unlock()
	s.edits.Call(id, struct{}{})
	return nil
}

// flushEdit commits the fields accumulated for a shape since its last flush.
func (s *Session) flushEdit(id string, _ struct{}) {
	s.editMu.Lock()
	patch, ok := s.editAcc[id]
	delete(s.editAcc, id)
	s.editMu.Unlock()
	if !ok || patch.Empty() {
		return
	}
	op, err := model.NewOperation(s.boardID, model.OpUpdateShape, model.UpdatePayload{ShapeID: id, Patch: patch})
	if err != nil {
		glog.Errorf("board %s: %v", s.boardID, err)
		return
	}
	s.commit(id, Result{ID: id}, []model.Operation{op}, s.updateWrite(id, patch, op), func([]model.Operation) {
		s.resync(context.Background(), id)
	})
}

func (s *Session) dropEdits(id string) {
	s.edits.Cancel(id)
	s.editMu.Lock()
	delete(s.editAcc, id)
	s.editMu.Unlock()
}

// DeleteShape soft-deletes a shape.
func (s *Session) DeleteShape(id string) (*Commit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	prev, ok := s.state.Shape(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShape, id)
	}
	op, err := model.NewOperation(s.boardID, model.OpDeleteShape, model.DeletePayload{ShapeID: id})
	if err != nil {
		return nil, err
	}

	s.dropEdits(id)
	s.state.Dispatch(state.DeleteShape{ID: id})
	s.forgetBuffered(context.Background(), id)

	ops := []model.Operation{op}
	return s.commit(id, Result{ID: id}, ops, func(ctx context.Context) ([]model.Operation, error) {
		if _, err := s.remote.Delete(ctx, id); err != nil {
			return ops, err
		}
		return nil, nil
	}, func([]model.Operation) {
		s.state.Dispatch(state.RestoreShape{Shape: prev})
	}), nil
}

// ZIndexUpdate moves one shape in the stacking order.
type ZIndexUpdate struct {
	ID     string `json:"id"`
	ZIndex int    `json:"zIndex"`
}

// BatchUpdateZIndex reorders shapes in atomic batches.
func (s *Session) BatchUpdateZIndex(updates []ZIndexUpdate) (*Commit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no z-index updates", model.ErrInvalid)
	}
	prev := make(map[string]model.Shape, len(updates))
	batch := make([]model.ShapeUpdate, 0, len(updates))
	ops := make([]model.Operation, 0, len(updates))
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		sh, ok := s.state.Shape(u.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownShape, u.ID)
		}
		if _, dup := prev[u.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate shape %s", model.ErrInvalid, u.ID)
		}
		prev[u.ID] = sh
		patch := model.ShapePatch{ZIndex: model.Int(u.ZIndex)}
		op, err := model.NewOperation(s.boardID, model.OpUpdateShape, model.UpdatePayload{ShapeID: u.ID, Patch: patch})
		if err != nil {
			return nil, err
		}
		batch = append(batch, model.ShapeUpdate{ID: u.ID, Patch: patch})
		ops = append(ops, op)
		ids = append(ids, u.ID)
	}

	now := s.stamp()
	for _, u := range batch {
		s.state.Dispatch(state.UpdateShape{ID: u.ID, Patch: u.Patch, UpdatedAt: now})
	}

	return s.commit(batchLane, Result{IDs: ids}, ops, func(ctx context.Context) ([]model.Operation, error) {
		res, err := s.remote.BatchUpdate(ctx, batch)
		for _, u := range batch[:res.Applied] {
			s.state.Dispatch(state.Confirm{ID: u.ID, UpdatedAt: res.UpdatedAt})
		}
		if err != nil {
			return ops[res.Applied:], err
		}
		return nil, nil
	}, func(unwritten []model.Operation) {
		for _, op := range unwritten {
			var p model.UpdatePayload
			if op.Decode(&p) == nil {
				s.state.Dispatch(state.RestoreShape{Shape: prev[p.ShapeID]})
			}
		}
	}), nil
}

// resync replaces the local copy of a shape with the remote one.
func (s *Session) resync(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	sh, err := s.remote.Get(ctx, id)
	switch {
	case err == nil && !sh.Deleted:
		s.state.Dispatch(state.RestoreShape{Shape: sh})
	case err == nil, errors.Is(err, remote.ErrNotFound):
		s.state.Dispatch(state.DeleteShape{ID: id})
	default:
		glog.Warningf("board %s: resync %s: %v", s.boardID, id, err)
	}
}

func (s *Session) forgetBuffered(ctx context.Context, id string) {
	s.mu.Lock()
	had := s.buffered[id]
	delete(s.buffered, id)
	s.mu.Unlock()
	if had {
		s.buffer.Delete(ctx, id)
	}
}
