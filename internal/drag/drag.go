// Package drag broadcasts in-progress moves and transforms of shapes. Values
// are keyed by shape id and live only on the ephemeral service; the final
// value is persisted by the caller when the gesture ends.
package drag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/realtime"
)

const (
	channelEdits      = "activeEdits"
	channelTransforms = "activeTransforms"
)

// Broadcaster publishes drag and transform previews of one client.
type Broadcaster struct {
	store   realtime.Store
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	armed map[string]func()
}

// New creates a Broadcaster. A nil m disables metrics.
func New(store realtime.Store, m *metrics.Metrics) *Broadcaster {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Broadcaster{store: store, metrics: m, now: time.Now, armed: make(map[string]func())}
}

// nodePath addresses boards/<board>/<channel>[/<shape>].
func nodePath(boardID, channel string, shapeID ...string) (string, error) {
	return realtime.Join(append([]string{"boards", boardID, channel}, shapeID...)...)
}

func (b *Broadcaster) publish(ctx context.Context, boardID, channel, shapeID string, v any) error {
	if err := model.ValidateID(shapeID); err != nil {
		return err
	}
	p, err := nodePath(boardID, channel, shapeID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", channel, err)
	}
	if err := b.store.Set(ctx, p, raw); err != nil {
		return fmt.Errorf("failed to publish %s: %w", channel, err)
	}
	b.metrics.Broadcasts.WithLabelValues(channel).Inc()
	b.arm(ctx, p)
	return nil
}

// arm registers disconnect removal once per node.
func (b *Broadcaster) arm(ctx context.Context, p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.armed[p]; ok {
		return
	}
	cancel, err := b.store.OnDisconnectRemove(ctx, p)
	if err != nil {
		glog.Warningf("drag: arm disconnect cleanup of %s: %v", p, err)
		return
	}
	b.armed[p] = cancel
}

func (b *Broadcaster) clear(ctx context.Context, boardID, channel, shapeID string) error {
	p, err := nodePath(boardID, channel, shapeID)
	if err != nil {
		return err
	}
	return b.remove(ctx, p)
}

func (b *Broadcaster) remove(ctx context.Context, p string) error {
	b.mu.Lock()
	cancel, ok := b.armed[p]
	delete(b.armed, p)
	b.mu.Unlock()
	if ok {
		cancel()
	}
	if err := b.store.Remove(ctx, p); err != nil {
		return fmt.Errorf("failed to clear %s: %w", p, err)
	}
	return nil
}

// PublishDragPosition writes the current position of a dragged shape.
func (b *Broadcaster) PublishDragPosition(ctx context.Context, boardID, shapeID string, x, y float64, userID string) error {
	u := model.DragUpdate{ShapeID: shapeID, X: x, Y: y, UserID: userID, Timestamp: b.now().UnixMilli()}
	return b.publish(ctx, boardID, channelEdits, shapeID, u)
}

// PublishTransform writes the current transform of a shape.
func (b *Broadcaster) PublishTransform(ctx context.Context, boardID, shapeID string, x, y, scaleX, scaleY, rotation float64, userID string) error {
	u := model.TransformUpdate{
		DragUpdate: model.DragUpdate{ShapeID: shapeID, X: x, Y: y, UserID: userID, Timestamp: b.now().UnixMilli()},
		ScaleX:     scaleX,
		ScaleY:     scaleY,
		Rotation:   rotation,
	}
	return b.publish(ctx, boardID, channelTransforms, shapeID, u)
}

// ClearDragPosition disarms and removes the drag preview of a shape.
func (b *Broadcaster) ClearDragPosition(ctx context.Context, boardID, shapeID string) error {
	return b.clear(ctx, boardID, channelEdits, shapeID)
}

// ClearTransform disarms and removes the transform preview of a shape.
func (b *Broadcaster) ClearTransform(ctx context.Context, boardID, shapeID string) error {
	return b.clear(ctx, boardID, channelTransforms, shapeID)
}

// SubscribeToDragUpdates delivers the drags of other users, sorted by shape id.
func (b *Broadcaster) SubscribeToDragUpdates(ctx context.Context, boardID, excludeUserID string, onUpdate func([]model.DragUpdate)) (func(), error) {
	p, err := nodePath(boardID, channelEdits)
	if err != nil {
		return nil, err
	}
	return b.store.WatchChildren(ctx, p, func(kids realtime.Children) {
		out := decode[model.DragUpdate](kids, func(u model.DragUpdate) bool { return u.UserID != excludeUserID })
		sort.Slice(out, func(i, j int) bool { return out[i].ShapeID < out[j].ShapeID })
		onUpdate(out)
	}, nil)
}

// SubscribeToTransformUpdates delivers the transforms of other users, sorted
// by shape id.
func (b *Broadcaster) SubscribeToTransformUpdates(ctx context.Context, boardID, excludeUserID string, onUpdate func([]model.TransformUpdate)) (func(), error) {
	p, err := nodePath(boardID, channelTransforms)
	if err != nil {
		return nil, err
	}
	return b.store.WatchChildren(ctx, p, func(kids realtime.Children) {
		out := decode[model.TransformUpdate](kids, func(u model.TransformUpdate) bool { return u.UserID != excludeUserID })
		sort.Slice(out, func(i, j int) bool { return out[i].ShapeID < out[j].ShapeID })
		onUpdate(out)
	}, nil)
}

func decode[T any](kids realtime.Children, keep func(T) bool) []T {
	out := make([]T, 0, len(kids))
	for id, raw := range kids {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			glog.Warningf("drag: skipping malformed preview %s: %v", id, err)
			continue
		}
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Close removes every preview this client still owns.
func (b *Broadcaster) Close(ctx context.Context) {
	b.mu.Lock()
	paths := make([]string, 0, len(b.armed))
	for p := range b.armed {
		paths = append(paths, p)
	}
	b.mu.Unlock()
	for _, p := range paths {
		if err := b.remove(ctx, p); err != nil {
			glog.Warningf("drag: %v", err)
		}
	}
}
