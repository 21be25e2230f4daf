// Package presence publishes live cursors and online users of a board on the
// ephemeral service and cleans them up when a client disappears.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/realtime"
)

// Broadcaster reads and writes cursor and presence nodes.
type Broadcaster struct {
	store   realtime.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Broadcaster. A nil m disables metrics.
func New(store realtime.Store, m *metrics.Metrics) *Broadcaster {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Broadcaster{store: store, metrics: m, now: time.Now}
}

const (
	channelCursors  = "cursors"
	channelPresence = "presence"
)

// nodePath addresses boards/<board>/<channel>[/<uid>].
func nodePath(boardID, channel string, uid ...string) (string, error) {
	return realtime.Join(append([]string{"boards", boardID, channel}, uid...)...)
}

// PublishCursor writes the caller's cursor. An empty uid is a no-op.
func (b *Broadcaster) PublishCursor(ctx context.Context, uid, boardID string, x, y, scale float64, name, color string) error {
	if uid == "" {
		return nil
	}
	now := b.now().UnixMilli()
	raw, err := json.Marshal(model.Cursor{
		UID: uid, X: x, Y: y, Scale: scale, Name: name, Color: color,
		LastActive: now, UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	p, err := nodePath(boardID, channelCursors, uid)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, p, raw); err != nil {
		return fmt.Errorf("failed to publish cursor: %w", err)
	}
	b.metrics.Broadcasts.WithLabelValues("cursor").Inc()
	return nil
}

// RemoveCursor deletes the caller's cursor.
func (b *Broadcaster) RemoveCursor(ctx context.Context, uid, boardID string) error {
	if uid == "" {
		return nil
	}
	p, err := nodePath(boardID, channelCursors, uid)
	if err != nil {
		return err
	}
	if err := b.store.Remove(ctx, p); err != nil {
		return fmt.Errorf("failed to remove cursor: %w", err)
	}
	return nil
}

// SubscribeCursors delivers every cursor on the board except excludeUID's,
// sorted by uid.
func (b *Broadcaster) SubscribeCursors(ctx context.Context, boardID, excludeUID string, onUpdate func([]model.Cursor), onError func(error)) (func(), error) {
	p, err := nodePath(boardID, channelCursors)
	if err != nil {
		return nil, err
	}
	return b.store.WatchChildren(ctx, p, func(kids realtime.Children) {
		out := make([]model.Cursor, 0, len(kids))
		for uid, raw := range kids {
			if uid == excludeUID {
				continue
			}
			var c model.Cursor
			if err := json.Unmarshal(raw, &c); err != nil {
				glog.Warningf("presence: skipping malformed cursor %s: %v", uid, err)
				continue
			}
			c.UID = uid
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
		onUpdate(out)
	}, onError)
}

// SetOnline publishes the user in the board's presence list.
func (b *Broadcaster) SetOnline(ctx context.Context, boardID string, user model.OnlineUser) error {
	if user.UID == "" {
		return nil
	}
	user.LastSeen = b.now().UnixMilli()
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	p, err := nodePath(boardID, channelPresence, user.UID)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, p, raw); err != nil {
		return fmt.Errorf("failed to set online: %w", err)
	}
	b.metrics.Broadcasts.WithLabelValues("presence").Inc()
	return nil
}

// SetOffline removes the user from the board's presence list.
func (b *Broadcaster) SetOffline(ctx context.Context, boardID, uid string) error {
	if uid == "" {
		return nil
	}
	p, err := nodePath(boardID, channelPresence, uid)
	if err != nil {
		return err
	}
	if err := b.store.Remove(ctx, p); err != nil {
		return fmt.Errorf("failed to set offline: %w", err)
	}
	return nil
}

// SubscribePresence delivers the online users of a board sorted by uid.
func (b *Broadcaster) SubscribePresence(ctx context.Context, boardID string, onUpdate func([]model.OnlineUser), onError func(error)) (func(), error) {
	p, err := nodePath(boardID, channelPresence)
	if err != nil {
		return nil, err
	}
	return b.store.WatchChildren(ctx, p, func(kids realtime.Children) {
		out := make([]model.OnlineUser, 0, len(kids))
		for uid, raw := range kids {
			var u model.OnlineUser
			if err := json.Unmarshal(raw, &u); err != nil {
				glog.Warningf("presence: skipping malformed user %s: %v", uid, err)
				continue
			}
			u.UID = uid
			out = append(out, u)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
		onUpdate(out)
	}, onError)
}

// RegisterDisconnectCleanup arms removal of the user's cursor and presence
// nodes if the connection drops. Arming is best effort: failures are logged
// and the returned cancel is still safe to call.
func (b *Broadcaster) RegisterDisconnectCleanup(ctx context.Context, uid, boardID string) func() {
	if uid == "" {
		return func() {}
	}
	var cancels []func()
	for _, channel := range []string{channelCursors, channelPresence} {
		p, err := nodePath(boardID, channel, uid)
		if err != nil {
			glog.Warningf("presence: skip disconnect cleanup: %v", err)
			continue
		}
		cancel, err := b.store.OnDisconnectRemove(ctx, p)
		if err != nil {
			glog.Warningf("presence: arm disconnect cleanup of %s: %v", p, err)
			continue
		}
		cancels = append(cancels, cancel)
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
