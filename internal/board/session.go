// Package board ties the sync engine of one board together for one user:
// local state, remote writes, the offline queue, the edit buffer and the
// live cursor, presence and drag channels.
//
// Every mutation runs in two phases. The first validates, applies the change
// to local state and returns at once. The second runs in the background on a
// FIFO lane per shape and either confirms the change, diverts it to the
// offline queue when the failure is transient, or rolls it back.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/connectivity"
	"github.com/jun/gophboard/internal/drag"
	"github.com/jun/gophboard/internal/editbuffer"
	"github.com/jun/gophboard/internal/kv"
	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/presence"
	"github.com/jun/gophboard/internal/queue"
	"github.com/jun/gophboard/internal/remote"
	"github.com/jun/gophboard/internal/state"
	"github.com/jun/gophboard/internal/throttle"
)

var (
	// ErrUnknownShape is returned for mutations of shapes not in local state.
	ErrUnknownShape = errors.New("unknown shape")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("board session closed")
)

// batchLane orders multi-shape writes among themselves.
const batchLane = "\x00batch"

// Options wires a Session.
type Options struct {
	Color string

	Remote     *remote.Adapter
	QueueStore kv.Store
	Queue      queue.Options
	Buffer     *editbuffer.Store
	Presence   *presence.Broadcaster
	Drag       *drag.Broadcaster
	Monitor    *connectivity.Monitor
	Metrics    *metrics.Metrics

	Tolerance      time.Duration
	EditThrottle   time.Duration
	CursorThrottle time.Duration
	FlushInterval  time.Duration
	ProbeInterval  time.Duration
	WriteTimeout   time.Duration

	// OnDropped is told about queued operations given up on.
	OnDropped func(op model.Operation, err error)
}

func (o *Options) defaults() {
	if o.Tolerance <= 0 {
		o.Tolerance = state.DefaultTolerance
	}
	if o.EditThrottle <= 0 {
		o.EditThrottle = 100 * time.Millisecond
	}
	if o.CursorThrottle <= 0 {
		o.CursorThrottle = 50 * time.Millisecond
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Monitor == nil {
		o.Monitor = connectivity.NewMonitor(true)
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNop()
	}
}

// Session is one user's view of one board.
type Session struct {
	boardID string
	actor   model.Actor
	opts    Options

	state    *state.Store
	remote   *remote.Adapter
	queue    *queue.Queue
	buffer   *editbuffer.Store
	presence *presence.Broadcaster
	cursor   *presence.ThrottledCursor
	drag     *drag.Broadcaster
	monitor  *connectivity.Monitor
	lanes    *lanes
	now      func() time.Time

	edits   *throttle.Table[string, struct{}]
	editMu  sync.Mutex
	editAcc map[string]model.ShapePatch

	kick chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	bg       sync.WaitGroup
	unsubs   []func()
	disarm   func()
	buffered map[string]bool
	hydrated map[string]bool
}

var _ queue.Executor = (*Session)(nil)

// New creates a session. Remote, QueueStore, Buffer, Presence and Drag are
// required.
func New(opts Options) (*Session, error) {
	if opts.Remote == nil || opts.QueueStore == nil || opts.Buffer == nil || opts.Presence == nil || opts.Drag == nil {
		return nil, fmt.Errorf("%w: board session is missing a dependency", model.ErrInvalid)
	}
	if err := model.ValidateID(opts.Remote.BoardID()); err != nil {
		return nil, err
	}
	actor := opts.Remote.Actor()
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	opts.defaults()

	s := &Session{
		boardID:  opts.Remote.BoardID(),
		actor:    actor,
		opts:     opts,
		state:    state.New(state.WithTolerance(opts.Tolerance)),
		remote:   opts.Remote,
		buffer:   opts.Buffer,
		presence: opts.Presence,
		drag:     opts.Drag,
		monitor:  opts.Monitor,
		lanes:    newLanes(),
		now:      time.Now,
		editAcc:  make(map[string]model.ShapePatch),
		kick:     make(chan struct{}, 1),
		buffered: make(map[string]bool),
		hydrated: make(map[string]bool),
	}

	qopts := opts.Queue
	qopts.IsRetryable = remote.IsRetryable
	qopts.OnDropped = s.onDropped
	qopts.Metrics = opts.Metrics
	s.queue = queue.New(opts.QueueStore, s.boardID, qopts)

	s.edits = throttle.New(opts.EditThrottle, s.flushEdit)
	s.cursor = presence.NewThrottledCursor(opts.Presence, opts.CursorThrottle)
	s.cursor.OnError = s.queueCursor
	return s, nil
}

// BoardID returns the board of the session.
func (s *Session) BoardID() string { return s.boardID }

// Actor returns the user of the session.
func (s *Session) Actor() model.Actor { return s.actor }

// State returns the local state store.
func (s *Session) State() *state.Store { return s.state }

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Session) addUnsub(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, fn)
}

// Start hydrates local state from the edit buffer, subscribes to the board's
// change stream and the live channels, announces the user and starts the
// queue flusher.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("board session %s already started", s.boardID)
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.hydrate(ctx)

	stop, err := s.remote.Subscribe(runCtx, s.onServerChange, func() {
		s.state.Dispatch(state.SetLoaded{Loaded: true})
		glog.Infof("board %s: loaded", s.boardID)
	})
	if err != nil {
		return fmt.Errorf("failed to start board session: %w", err)
	}
	s.addUnsub(stop)

	s.announce(ctx)

	if stop, err := s.presence.SubscribeCursors(runCtx, s.boardID, s.actor.UID, func(c []model.Cursor) {
		s.state.Dispatch(state.SetCursors{Cursors: c})
	}, s.logLiveError); err != nil {
		glog.Warningf("board %s: cursors unavailable: %v", s.boardID, err)
	} else {
		s.addUnsub(stop)
	}
	if stop, err := s.presence.SubscribePresence(runCtx, s.boardID, func(u []model.OnlineUser) {
		s.state.Dispatch(state.SetOnlineUsers{Users: u})
	}, s.logLiveError); err != nil {
		glog.Warningf("board %s: presence unavailable: %v", s.boardID, err)
	} else {
		s.addUnsub(stop)
	}

	s.addUnsub(s.monitor.Subscribe(func(online bool) {
		if online {
			s.kickFlush()
		}
	}))

	s.bg.Add(1)
	go s.flusher(runCtx)
	if s.opts.ProbeInterval > 0 {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.monitor.Run(runCtx, s.remote.Ping, s.opts.ProbeInterval)
		}()
	}
	s.kickFlush()

	glog.Infof("board %s: session started for %s", s.boardID, s.actor.UID)
	return nil
}

// announce publishes the user as online and arms disconnect cleanup.
func (s *Session) announce(ctx context.Context) {
	user := model.OnlineUser{UID: s.actor.UID, Name: s.actor.Name, Color: s.opts.Color}
	if err := s.presence.SetOnline(ctx, s.boardID, user); err != nil {
		glog.Warningf("board %s: set online: %v", s.boardID, err)
		s.enqueueLive(ctx, "presence:"+s.actor.UID, model.OpUpdatePresence, model.PresencePayload{User: user, Online: true})
	}
	disarm := s.presence.RegisterDisconnectCleanup(ctx, s.actor.UID, s.boardID)
	s.mu.Lock()
	s.disarm = disarm
	s.mu.Unlock()
}

// hydrate shows buffered snapshots until the remote versions arrive.
func (s *Session) hydrate(ctx context.Context) {
	entries, err := s.buffer.GetAll(ctx)
	if err != nil {
		glog.Warningf("board %s: read edit buffer: %v", s.boardID, err)
		return
	}
	for _, e := range entries {
		if e.Shape.ID == "" || e.Shape.Deleted {
			continue
		}
		s.state.Dispatch(state.AddShape{Shape: e.Shape})
		s.mu.Lock()
		s.hydrated[e.Shape.ID] = true
		s.buffered[e.Shape.ID] = true
		s.mu.Unlock()
	}
	if len(entries) > 0 {
		glog.Infof("board %s: restored %d buffered shapes", s.boardID, len(entries))
	}
}

// onServerChange merges a change-stream event. The first remote version of a
// hydrated shape replaces the buffered snapshot whatever its timestamp.
func (s *Session) onServerChange(c model.ShapeChange) {
	id := c.Shape.ID
	s.mu.Lock()
	hydrated := s.hydrated[id]
	delete(s.hydrated, id)
	s.mu.Unlock()

	if hydrated && c.Type != model.ChangeRemoved {
		s.state.Dispatch(state.RestoreShape{Shape: c.Shape})
		s.forgetBuffered(context.Background(), id)
		return
	}
	s.state.Dispatch(state.ApplyServerChange{Change: c})
	if c.Type == model.ChangeRemoved {
		s.forgetBuffered(context.Background(), id)
	}
}

func (s *Session) flusher(ctx context.Context) {
	defer s.bg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if !s.monitor.Online() || !s.queue.HasPending(ctx) {
			continue
		}
		res, err := s.Flush(ctx)
		if err != nil {
			glog.Warningf("board %s: flush: %v", s.boardID, err)
			continue
		}
		glog.V(1).Infof("board %s: flush success=%d failed=%d retrying=%d", s.boardID, res.Success, res.Failed, res.Retrying)
	}
}

func (s *Session) kickFlush() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Flush replays the offline queue now.
func (s *Session) Flush(ctx context.Context) (queue.Result, error) {
	return s.queue.Flush(ctx, s)
}

// HasPending reports whether the offline queue holds operations.
func (s *Session) HasPending(ctx context.Context) bool {
	return s.queue.HasPending(ctx)
}

// QueueStats describes the offline queue.
func (s *Session) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// Select selects shapes.
func (s *Session) Select(ids []string, additive bool) {
	s.state.Dispatch(state.Select{IDs: ids, Additive: additive})
}

// Deselect removes ids from the selection, or clears it.
func (s *Session) Deselect(ids ...string) {
	s.state.Dispatch(state.Deselect{IDs: ids})
}

// SetTool changes the active tool.
func (s *Session) SetTool(t state.Tool) {
	s.state.Dispatch(state.SetTool{Tool: t})
}

// SetView changes the viewport.
func (s *Session) SetView(v state.View) {
	s.state.Dispatch(state.SetView{View: v})
}

// Close sends pending edits, withdraws the user's live state, stops every
// subscription and waits for outstanding writes until ctx ends.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	unsubs := s.unsubs
	s.unsubs = nil
	disarm := s.disarm
	s.mu.Unlock()

	s.edits.FlushAll()
	s.edits.Stop()
	s.cursor.Stop()

	for _, unsub := range unsubs {
		unsub()
	}
	s.drag.Close(ctx)
	if disarm != nil {
		disarm()
	}
	if err := s.presence.RemoveCursor(ctx, s.actor.UID, s.boardID); err != nil {
		glog.Warningf("board %s: %v", s.boardID, err)
	}
	if err := s.presence.SetOffline(ctx, s.boardID, s.actor.UID); err != nil {
		glog.Warningf("board %s: %v", s.boardID, err)
	}

	if cancel != nil {
		cancel()
	}
	s.bg.Wait()
	err := s.lanes.wait(ctx)
	s.buffer.ClearSession()
	glog.Infof("board %s: session closed for %s", s.boardID, s.actor.UID)
	return err
}
