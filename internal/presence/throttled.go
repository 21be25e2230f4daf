package presence

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/throttle"
)

type cursorKey struct {
	uid     string
	boardID string
}

// ThrottledCursor collapses pointer bursts per user: the first position goes
// out at once, the last one of each interval follows when it ends.
type ThrottledCursor struct {
	table *throttle.Table[cursorKey, model.Cursor]

	// OnError receives positions that could not be published.
	OnError func(boardID string, c model.Cursor, err error)
}

// NewThrottledCursor publishes through b at most once per interval per user.
func NewThrottledCursor(b *Broadcaster, interval time.Duration) *ThrottledCursor {
	t := &ThrottledCursor{}
	t.table = throttle.New(interval, func(k cursorKey, c model.Cursor) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := b.PublishCursor(ctx, k.uid, k.boardID, c.X, c.Y, c.Scale, c.Name, c.Color)
		if err == nil {
			return
		}
		glog.V(1).Infof("presence: cursor of %s not published: %v", k.uid, err)
		if t.OnError != nil {
			t.OnError(k.boardID, c, err)
		}
	})
	return t
}

// Publish schedules a cursor position.
func (t *ThrottledCursor) Publish(uid, boardID string, x, y, scale float64, name, color string) {
	if uid == "" {
		return
	}
	t.table.Call(cursorKey{uid, boardID}, model.Cursor{UID: uid, X: x, Y: y, Scale: scale, Name: name, Color: color})
}

// Flush sends any pending position of the user now.
func (t *ThrottledCursor) Flush(uid, boardID string) {
	t.table.Flush(cursorKey{uid, boardID})
}

// Stop drops pending positions.
func (t *ThrottledCursor) Stop() {
	t.table.Stop()
}
