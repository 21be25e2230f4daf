package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jun/gophboard/internal/auth"
	"github.com/jun/gophboard/internal/board"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/state"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// FeedMessage is sent to feed clients. Only the field named by Type is set.
type FeedMessage struct {
	Type       string                  `json:"type"`
	State      *state.State            `json:"state,omitempty"`
	Drags      []model.DragUpdate      `json:"drags,omitempty"`
	Transforms []model.TransformUpdate `json:"transforms,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// ClientMessage is pointer traffic sent by feed clients.
type ClientMessage struct {
	Type     string           `json:"type"` // cursor, drag, transform
	ID       string           `json:"id,omitempty"`
	X        float64          `json:"x"`
	Y        float64          `json:"y"`
	Scale    float64          `json:"scale,omitempty"`
	ScaleX   float64          `json:"scaleX,omitempty"`
	ScaleY   float64          `json:"scaleY,omitempty"`
	Rotation float64          `json:"rotation,omitempty"`
	End      bool             `json:"end,omitempty"`
	Patch    model.ShapePatch `json:"patch,omitempty"`
}

// Feed streams the state of a board session over a WebSocket and takes the
// high-frequency pointer traffic the other way. The board id comes from the
// "board" route variable.
type Feed struct {
	sessions      SessionProvider
	jwtSecret     string
	allowedOrigin string
	upgrader      websocket.Upgrader
}

// NewFeed creates a Feed. Browser handshakes must carry allowedOrigin as
// their Origin header; "*" accepts any origin.
func NewFeed(sessions SessionProvider, jwtSecret, allowedOrigin string) *Feed {
	f := &Feed{
		sessions:      sessions,
		jwtSecret:     jwtSecret,
		allowedOrigin: strings.TrimSuffix(allowedOrigin, "/"),
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     f.checkOrigin,
	}
	return f
}

// checkOrigin accepts the configured origin. Requests without an Origin
// header come from non-browser clients and are accepted too.
func (f *Feed) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || f.allowedOrigin == "*" {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(origin, "/"), f.allowedOrigin)
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !f.checkOrigin(r) {
		glog.Warningf("feed: rejected origin %q", r.Header.Get("Origin"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	req, err := ToEvent(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	id, err := auth.FromRequest(req, f.jwtSecret)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s, err := f.sessions.Session(r.Context(), mux.Vars(r)["board"], id)
	if err != nil {
		WriteResponse(w, errorResponse(err))
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("feed: upgrade: %v", err)
		return
	}
	glog.V(1).Infof("feed: %s joined %s", id.UID, s.BoardID())

	c := newFeedClient(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsub := s.State().Subscribe(func(st state.State) {
		c.push(FeedMessage{Type: "state", State: &st})
	})
	defer unsub()
	if stop, err := s.SubscribeDrags(ctx, func(u []model.DragUpdate) {
		c.push(FeedMessage{Type: "drags", Drags: u})
	}); err == nil {
		defer stop()
	}
	if stop, err := s.SubscribeTransforms(ctx, func(u []model.TransformUpdate) {
		c.push(FeedMessage{Type: "transforms", Transforms: u})
	}); err == nil {
		defer stop()
	}
	snap := s.State().Snapshot()
	c.push(FeedMessage{Type: "state", State: &snap})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()
	c.readPump(ctx, s)
	cancel()
	<-done
	glog.V(1).Infof("feed: %s left %s", id.UID, s.BoardID())
}

// feedClient keeps only the latest message of each type until the writer
// catches up.
type feedClient struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]FeedMessage
	order   []string
	wake    chan struct{}
}

func newFeedClient(conn *websocket.Conn) *feedClient {
	return &feedClient{conn: conn, pending: make(map[string]FeedMessage), wake: make(chan struct{}, 1)}
}

func (c *feedClient) push(m FeedMessage) {
	c.mu.Lock()
	if _, ok := c.pending[m.Type]; !ok {
		c.order = append(c.order, m.Type)
	}
	c.pending[m.Type] = m
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *feedClient) take() []FeedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FeedMessage, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.pending[t])
	}
	c.pending = make(map[string]FeedMessage)
	c.order = nil
	return out
}

func (c *feedClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.wake:
			for _, m := range c.take() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(m); err != nil {
					glog.V(1).Infof("feed: write: %v", err)
					return
				}
			}
		}
	}
}

func (c *feedClient) readPump(ctx context.Context, s *board.Session) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var m ClientMessage
		if err := c.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(1).Infof("feed: read: %v", err)
			}
			return
		}
		if err := apply(ctx, s, m); err != nil {
			c.push(FeedMessage{Type: "error", Error: err.Error()})
		}
	}
}

func apply(ctx context.Context, s *board.Session, m ClientMessage) error {
	switch m.Type {
	case "cursor":
		s.PublishCursor(m.X, m.Y, m.Scale)
		return nil
	case "drag":
		if m.End {
			_, err := s.EndDrag(ctx, m.ID, m.X, m.Y)
			return err
		}
		return s.MoveDrag(ctx, m.ID, m.X, m.Y)
	case "transform":
		if m.End {
			_, err := s.EndTransform(ctx, m.ID, m.Patch)
			return err
		}
		return s.MoveTransform(ctx, m.ID, m.X, m.Y, m.ScaleX, m.ScaleY, m.Rotation)
	}
	return fmt.Errorf("%w: unknown message type %q", model.ErrInvalid, m.Type)
}
