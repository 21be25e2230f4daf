package postgres

import (
	"context"
	"strings"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/model"
)

// Watch listens on Channel with a dedicated connection. It subscribes before
// reading the snapshot so no commit falls between the two.
func (b *Backend) Watch(ctx context.Context, boardID string, onChange func(model.ShapeChange), onReady func()) (func(), error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("watch", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, classify("watch", err)
	}
	initial, err := b.ListShapes(ctx, boardID)
	if err != nil {
		conn.Release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		// The LISTEN dies with the connection.
		defer conn.Conn().Close(context.Background())
		defer conn.Release()

		seen := make(map[string]int64)
		emit := func(s model.Shape) {
			prev, ok := seen[s.ID]
			if ok && prev >= s.UpdatedAt {
				return
			}
			seen[s.ID] = s.UpdatedAt
			typ := model.ChangeModified
			if !ok {
				typ = model.ChangeAdded
			}
			onChange(model.ShapeChange{Type: typ, Shape: s})
		}

		for _, s := range initial {
			emit(s)
		}
		if onReady != nil {
			onReady()
		}

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					glog.Warningf("postgres: change stream for board %s ended: %v", boardID, err)
				}
				return
			}
			board, shapeID, ok := strings.Cut(n.Payload, "|")
			if !ok || board != boardID {
				continue
			}
			s, err := b.GetShape(ctx, boardID, shapeID)
			if err != nil {
				glog.V(1).Infof("postgres: fetch changed shape %s: %v", shapeID, err)
				continue
			}
			emit(s)
		}
	}()
	return cancel, nil
}
