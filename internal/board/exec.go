package board

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/queue"
	"github.com/jun/gophboard/internal/remote"
	"github.com/jun/gophboard/internal/state"
)

// Execute replays one queued operation. It is called by the queue flush.
func (s *Session) Execute(ctx context.Context, op model.Operation) error {
	switch op.Type {
	case model.OpCreateShape:
		var p model.CreatePayload
		if err := op.Decode(&p); err != nil {
			return err
		}
		created, err := s.remote.Create(ctx, p.Shape)
		if err != nil {
			return err
		}
		s.state.Dispatch(state.Confirm{ID: created.ID, UpdatedAt: created.UpdatedAt})
		return nil

	case model.OpUpdateShape:
		var p model.UpdatePayload
		if err := op.Decode(&p); err != nil {
			return err
		}
		ts, err := s.remote.Update(ctx, p.ShapeID, p.Patch)
		if err != nil {
			return err
		}
		s.state.Dispatch(state.UpdateShape{ID: p.ShapeID, Patch: p.Patch, UpdatedAt: ts})
		if !s.edits.Pending(p.ShapeID) {
			s.forgetBuffered(ctx, p.ShapeID)
		}
		return nil

	case model.OpDeleteShape:
		var p model.DeletePayload
		if err := op.Decode(&p); err != nil {
			return err
		}
		if _, err := s.remote.Delete(ctx, p.ShapeID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		s.state.Dispatch(state.DeleteShape{ID: p.ShapeID})
		return nil

	case model.OpUpdateCursor:
		var p model.CursorPayload
		if err := op.Decode(&p); err != nil {
			return err
		}
		c := p.Cursor
		return s.presence.PublishCursor(ctx, c.UID, op.BoardID, c.X, c.Y, c.Scale, c.Name, c.Color)

	case model.OpUpdatePresence:
		var p model.PresencePayload
		if err := op.Decode(&p); err != nil {
			return err
		}
		if p.Online {
			return s.presence.SetOnline(ctx, op.BoardID, p.User)
		}
		return s.presence.SetOffline(ctx, op.BoardID, p.User.UID)
	}
	return fmt.Errorf("%w: %s", queue.ErrUnknownOperation, op.Type)
}

// onDropped brings shapes touched by a dropped operation back to their remote
// version before telling the application.
func (s *Session) onDropped(op model.Operation, err error) {
	glog.Errorf("board %s: dropped %s %s after %d attempts: %v", s.boardID, op.Type, op.ID, op.Attempts, err)

	ctx := context.Background()
	switch op.Type {
	case model.OpCreateShape:
		var p model.CreatePayload
		if op.Decode(&p) == nil {
			s.resync(ctx, p.Shape.ID)
		}
	case model.OpUpdateShape:
		var p model.UpdatePayload
		if op.Decode(&p) == nil {
			s.resync(ctx, p.ShapeID)
		}
	case model.OpDeleteShape:
		var p model.DeletePayload
		if op.Decode(&p) == nil {
			s.resync(ctx, p.ShapeID)
		}
	}

	if s.opts.OnDropped != nil {
		s.opts.OnDropped(op, err)
	}
}

// enqueueLive queues a cursor or presence write under a fixed id, so a newer
// value replaces an older one still waiting.
func (s *Session) enqueueLive(ctx context.Context, id string, typ model.OperationType, payload any) {
	op, err := model.NewOperation(s.boardID, typ, payload)
	if err != nil {
		glog.Errorf("board %s: %v", s.boardID, err)
		return
	}
	op.ID = id
	if err := s.queue.Enqueue(ctx, op); err != nil {
		glog.Warningf("board %s: queue %s: %v", s.boardID, typ, err)
		return
	}
	if s.monitor.Online() {
		s.kickFlush()
	}
}

func (s *Session) queueCursor(boardID string, c model.Cursor, err error) {
	if boardID != s.boardID || !remote.IsRetryable(err) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	s.enqueueLive(ctx, "cursor:"+c.UID, model.OpUpdateCursor, model.CursorPayload{Cursor: c})
}
