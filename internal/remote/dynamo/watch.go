package dynamo

import (
	"context"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/model"
)

// Watch polls the board partition for documents updated since the last poll.
// Writers stamp their own clocks, so each poll reaches back by the lookback
// window and already delivered versions are skipped.
func (b *Backend) Watch(ctx context.Context, boardID string, onChange func(model.ShapeChange), onReady func()) (func(), error) {
	initial, err := b.ListShapes(ctx, boardID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		p := &poller{seen: make(map[string]int64)}
		p.deliver(initial, onChange)
		if onReady != nil {
			onReady()
		}

		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			since := p.latest - b.lookback.Milliseconds()
			if since < 0 {
				since = 0
			}
			changed, err := b.query(ctx, boardID, since)
			if err != nil {
				if ctx.Err() == nil {
					glog.V(1).Infof("dynamo: poll board %s: %v", boardID, err)
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.deliver(changed, onChange)
		}
	}()
	return cancel, nil
}

type poller struct {
	seen   map[string]int64
	latest int64
}

func (p *poller) deliver(shapes []model.Shape, onChange func(model.ShapeChange)) {
	sort.SliceStable(shapes, func(i, j int) bool { return shapes[i].UpdatedAt < shapes[j].UpdatedAt })
	for _, s := range shapes {
		prev, ok := p.seen[s.ID]
		if ok && prev >= s.UpdatedAt {
			continue
		}
		p.seen[s.ID] = s.UpdatedAt
		if s.UpdatedAt > p.latest {
			p.latest = s.UpdatedAt
		}
		typ := model.ChangeModified
		if !ok {
			typ = model.ChangeAdded
		}
		onChange(model.ShapeChange{Type: typ, Shape: s})
	}
}
