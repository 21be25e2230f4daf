package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/auth"
	"github.com/jun/gophboard/internal/board"
	"github.com/jun/gophboard/internal/model"
)

// BuildFunc creates an unstarted session and the connection it owns.
type BuildFunc func(ctx context.Context, boardID string, id auth.Identity) (*board.Session, io.Closer, error)

type hubKey struct {
	boardID string
	uid     string
}

type hubEntry struct {
	session *board.Session
	conn    io.Closer
}

// Hub keeps one running session per user and board.
type Hub struct {
	build BuildFunc

	mu       sync.Mutex
	sessions map[hubKey]*hubEntry
	closed   bool
}

// NewHub creates a Hub.
func NewHub(build BuildFunc) *Hub {
	return &Hub{build: build, sessions: make(map[hubKey]*hubEntry)}
}

// Session returns the running session of id on boardID, starting one if needed.
func (h *Hub) Session(ctx context.Context, boardID string, id auth.Identity) (*board.Session, error) {
	if boardID == "" {
		return nil, fmt.Errorf("%w: board id is required", model.ErrInvalid)
	}
	key := hubKey{boardID, id.UID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, board.ErrClosed
	}
	if e, ok := h.sessions[key]; ok {
		return e.session, nil
	}

	s, conn, err := h.build(ctx, boardID, id)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close(ctx)
		_ = conn.Close()
		return nil, err
	}
	h.sessions[key] = &hubEntry{session: s, conn: conn}
	glog.Infof("hub: opened %s for %s", boardID, id.UID)
	return s, nil
}

func (e *hubEntry) close(ctx context.Context) error {
	return errors.Join(e.session.Close(ctx), e.conn.Close())
}

// Close stops the session of uid on boardID, if any.
func (h *Hub) Close(ctx context.Context, boardID, uid string) error {
	h.mu.Lock()
	e, ok := h.sessions[hubKey{boardID, uid}]
	delete(h.sessions, hubKey{boardID, uid})
	h.mu.Unlock()
	if !ok {
		return nil
	}
	glog.Infof("hub: closing %s for %s", boardID, uid)
	return e.close(ctx)
}

// Len returns the number of running sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll stops every session. Later Session calls fail.
func (h *Hub) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	entries := make([]*hubEntry, 0, len(h.sessions))
	for k, e := range h.sessions {
		entries = append(entries, e)
		delete(h.sessions, k)
	}
	h.mu.Unlock()

	var errs []error
	for _, e := range entries {
		errs = append(errs, e.close(ctx))
	}
	return errors.Join(errs...)
}
