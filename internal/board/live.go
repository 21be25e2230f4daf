package board

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/state"
)

// MoveDrag moves a shape locally and shows the position to other users. No
// persistent write happens until EndDrag.
func (s *Session) MoveDrag(ctx context.Context, id string, x, y float64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.state.Dispatch(state.UpdateShape{ID: id, Patch: model.ShapePatch{X: model.Float(x), Y: model.Float(y)}}) {
		return fmt.Errorf("%w: %s", ErrUnknownShape, id)
	}
	return s.drag.PublishDragPosition(ctx, s.boardID, id, x, y, s.actor.UID)
}

// EndDrag withdraws the drag preview and writes the final position.
func (s *Session) EndDrag(ctx context.Context, id string, x, y float64) (*Commit, error) {
	if err := s.drag.ClearDragPosition(ctx, s.boardID, id); err != nil {
		glog.Warningf("board %s: %v", s.boardID, err)
	}
	return s.UpdateShape(id, model.ShapePatch{X: model.Float(x), Y: model.Float(y)})
}

// MoveTransform applies a resize or rotation locally and shows it to other
// users.
func (s *Session) MoveTransform(ctx context.Context, id string, x, y, scaleX, scaleY, rotation float64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	patch := model.ShapePatch{X: model.Float(x), Y: model.Float(y), Rotation: model.Float(rotation)}
	if !s.state.Dispatch(state.UpdateShape{ID: id, Patch: patch}) {
		return fmt.Errorf("%w: %s", ErrUnknownShape, id)
	}
	return s.drag.PublishTransform(ctx, s.boardID, id, x, y, scaleX, scaleY, rotation, s.actor.UID)
}

// EndTransform withdraws the transform preview and writes the final geometry.
func (s *Session) EndTransform(ctx context.Context, id string, patch model.ShapePatch) (*Commit, error) {
	if err := s.drag.ClearTransform(ctx, s.boardID, id); err != nil {
		glog.Warningf("board %s: %v", s.boardID, err)
	}
	return s.UpdateShape(id, patch)
}

// PublishCursor shares the pointer position, throttled.
func (s *Session) PublishCursor(x, y, scale float64) {
	if s.checkOpen() != nil {
		return
	}
	s.cursor.Publish(s.actor.UID, s.boardID, x, y, scale, s.actor.Name, s.opts.Color)
}

// SubscribeCursors delivers the cursors of the other users.
func (s *Session) SubscribeCursors(ctx context.Context, onUpdate func([]model.Cursor)) (func(), error) {
	return s.presence.SubscribeCursors(ctx, s.boardID, s.actor.UID, onUpdate, s.logLiveError)
}

// SubscribePresence delivers the online users, this one included.
func (s *Session) SubscribePresence(ctx context.Context, onUpdate func([]model.OnlineUser)) (func(), error) {
	return s.presence.SubscribePresence(ctx, s.boardID, onUpdate, s.logLiveError)
}

// SubscribeDrags delivers the drags of the other users.
func (s *Session) SubscribeDrags(ctx context.Context, onUpdate func([]model.DragUpdate)) (func(), error) {
	return s.drag.SubscribeToDragUpdates(ctx, s.boardID, s.actor.UID, onUpdate)
}

// SubscribeTransforms delivers the transforms of the other users.
func (s *Session) SubscribeTransforms(ctx context.Context, onUpdate func([]model.TransformUpdate)) (func(), error) {
	return s.drag.SubscribeToTransformUpdates(ctx, s.boardID, s.actor.UID, onUpdate)
}

func (s *Session) logLiveError(err error) {
	glog.Warningf("board %s: live channel: %v", s.boardID, err)
}
