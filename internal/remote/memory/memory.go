// Package memory is an in-process remote store shared by every client that
// connects to the same Server. DEV_MODE and the tests use it in place of
// DynamoDB or Postgres.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/remote"
)

// Write is one accepted mutation, kept for inspection.
type Write struct {
	Op      string
	BoardID string
	ShapeID string
	Patch   model.ShapePatch
}

// Server holds the documents of every board.
type Server struct {
	mu     sync.Mutex
	now    func() time.Time
	clock  int64
	boards map[string]map[string]model.Shape
	writes []Write

	watchers    map[int]*watcher
	nextWatcher int

	offline    bool
	denyWrites bool
	failures   []error
}

var _ remote.Backend = (*Server)(nil)

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		now:      time.Now,
		boards:   make(map[string]map[string]model.Shape),
		watchers: make(map[int]*watcher),
	}
}

// SetNow replaces the server clock. Assigned timestamps stay strictly increasing.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOffline makes every call fail as unavailable until reset.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// DenyWrites makes every write fail with permission denied until reset.
func (s *Server) DenyWrites(deny bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyWrites = deny
}

// FailNext queues errors returned by the next writes, one per write.
func (s *Server) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Writes returns the accepted mutations in commit order.
func (s *Server) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// ResetWrites clears the write log.
func (s *Server) ResetWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// Put stores a document as is, bypassing transactions, and notifies watchers.
// Tests use it to simulate writes from other clients.
func (s *Server) Put(boardID string, shape model.Shape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape.BoardID = boardID
	if shape.UpdatedAt > s.clock {
		s.clock = shape.UpdatedAt
	}
	s.store(boardID, shape)
}

// tick must be called with s.mu held.
func (s *Server) tick() int64 {
	t := s.now().UnixMilli()
	if t <= s.clock {
		t = s.clock + 1
	}
	s.clock = t
	return t
}

// checkRead must be called with s.mu held.
func (s *Server) checkRead(op string) error {
	if s.offline {
		return remote.Status(remote.CodeUnavailable, op, errors.New("server unreachable"))
	}
	return nil
}

// checkWrite must be called with s.mu held.
func (s *Server) checkWrite(op string) error {
	if err := s.checkRead(op); err != nil {
		return err
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	if s.denyWrites {
		return remote.Status(remote.CodePermissionDenied, op, nil)
	}
	return nil
}

func (s *Server) board(boardID string) map[string]model.Shape {
	b, ok := s.boards[boardID]
	if !ok {
		b = make(map[string]model.Shape)
		s.boards[boardID] = b
	}
	return b
}

// store must be called with s.mu held.
func (s *Server) store(boardID string, shape model.Shape) {
	b := s.board(boardID)
	typ := model.ChangeModified
	if _, ok := b[shape.ID]; !ok {
		typ = model.ChangeAdded
	}
	b[shape.ID] = shape
	for _, w := range s.watchers {
		if w.boardID == boardID {
			w.push(event{change: model.ShapeChange{Type: typ, Shape: shape}})
		}
	}
}

// create must be called with s.mu held.
func (s *Server) create(boardID string, shape model.Shape, actor model.Actor) model.Shape {
	now := s.tick()
	shape.BoardID = boardID
	shape.UpdatedBy = actor.UID
	shape.UpdatedByName = actor.Name

	if existing, ok := s.board(boardID)[shape.ID]; ok {
		if now <= existing.UpdatedAt {
			return existing
		}
		shape.CreatedBy = existing.CreatedBy
		shape.CreatedByName = existing.CreatedByName
		shape.CreatedAt = existing.CreatedAt
	} else {
		shape.CreatedBy = actor.UID
		shape.CreatedByName = actor.Name
		shape.CreatedAt = now
	}
	shape.UpdatedAt = now
	shape.Deleted = false
	shape.DeletedAt = 0

	s.store(boardID, shape)
	s.writes = append(s.writes, Write{Op: "create", BoardID: boardID, ShapeID: shape.ID})
	return shape
}

func (s *Server) CreateShape(_ context.Context, boardID string, shape model.Shape, actor model.Actor) (model.Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite("create"); err != nil {
		return model.Shape{}, err
	}
	return s.create(boardID, shape, actor), nil
}

// update must be called with s.mu held.
func (s *Server) update(boardID, shapeID string, patch model.ShapePatch, actor model.Actor, now int64) error {
	shape, ok := s.board(boardID)[shapeID]
	if !ok {
		return remote.Status(remote.CodeNotFound, "update", fmt.Errorf("shape %s", shapeID))
	}
	patch.ApplyTo(&shape)
	shape.UpdatedBy = actor.UID
	shape.UpdatedByName = actor.Name
	shape.UpdatedAt = now
	s.store(boardID, shape)
	s.writes = append(s.writes, Write{Op: "update", BoardID: boardID, ShapeID: shapeID, Patch: patch})
	return nil
}

func (s *Server) UpdateShape(_ context.Context, boardID, shapeID string, patch model.ShapePatch, actor model.Actor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite("update"); err != nil {
		return 0, err
	}
	if _, ok := s.board(boardID)[shapeID]; !ok {
		return 0, remote.Status(remote.CodeNotFound, "update", fmt.Errorf("shape %s", shapeID))
	}
	now := s.tick()
	if err := s.update(boardID, shapeID, patch, actor, now); err != nil {
		return 0, err
	}
	return now, nil
}

func (s *Server) DeleteShape(_ context.Context, boardID, shapeID string, actor model.Actor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite("delete"); err != nil {
		return 0, err
	}
	shape, ok := s.board(boardID)[shapeID]
	if !ok {
		return 0, remote.Status(remote.CodeNotFound, "delete", fmt.Errorf("shape %s", shapeID))
	}
	now := s.tick()
	shape.Deleted = true
	shape.DeletedAt = now
	shape.UpdatedBy = actor.UID
	shape.UpdatedByName = actor.Name
	shape.UpdatedAt = now
	s.store(boardID, shape)
	s.writes = append(s.writes, Write{Op: "delete", BoardID: boardID, ShapeID: shapeID})
	return now, nil
}

func (s *Server) GetShape(_ context.Context, boardID, shapeID string) (model.Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRead("get"); err != nil {
		return model.Shape{}, err
	}
	shape, ok := s.board(boardID)[shapeID]
	if !ok {
		return model.Shape{}, remote.Status(remote.CodeNotFound, "get", fmt.Errorf("shape %s", shapeID))
	}
	return shape, nil
}

func (s *Server) ListShapes(_ context.Context, boardID string) ([]model.Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRead("list"); err != nil {
		return nil, err
	}
	return s.snapshot(boardID), nil
}

// snapshot must be called with s.mu held.
func (s *Server) snapshot(boardID string) []model.Shape {
	b := s.board(boardID)
	out := make([]model.Shape, 0, len(b))
	for _, shape := range b {
		out = append(out, shape)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Server) BatchCreate(_ context.Context, boardID string, shapes []model.Shape, actor model.Actor) ([]model.Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(shapes) > remote.MaxBatch {
		return nil, remote.Status(remote.CodeInvalidArgument, "batch_create", fmt.Errorf("%d writes exceed the batch limit", len(shapes)))
	}
	if err := s.checkWrite("batch_create"); err != nil {
		return nil, err
	}
	out := make([]model.Shape, 0, len(shapes))
	for _, shape := range shapes {
		out = append(out, s.create(boardID, shape, actor))
	}
	return out, nil
}

func (s *Server) BatchUpdate(_ context.Context, boardID string, updates []model.ShapeUpdate, actor model.Actor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(updates) > remote.MaxBatch {
		return 0, remote.Status(remote.CodeInvalidArgument, "batch_update", fmt.Errorf("%d writes exceed the batch limit", len(updates)))
	}
	if err := s.checkWrite("batch_update"); err != nil {
		return 0, err
	}
	b := s.board(boardID)
	for _, u := range updates {
		if _, ok := b[u.ID]; !ok {
			return 0, remote.Status(remote.CodeNotFound, "batch_update", fmt.Errorf("shape %s", u.ID))
		}
	}
	now := s.tick()
	for _, u := range updates {
		if err := s.update(boardID, u.ID, u.Patch, actor, now); err != nil {
			return 0, err
		}
	}
	return now, nil
}

func (s *Server) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkRead("ping")
}
