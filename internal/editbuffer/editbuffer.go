// Package editbuffer keeps the last local snapshot of shapes being edited so a
// crashed or reloaded session can show them before the remote store catches up.
package editbuffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/kv"
	"github.com/jun/gophboard/internal/model"
)

// Entry is a buffered snapshot.
type Entry struct {
	ShapeID    string      `json:"shapeId"`
	Shape      model.Shape `json:"shape"`
	BufferedAt int64       `json:"bufferedAt"`
	UpdatedAt  int64       `json:"updatedAt"`
}

// Store is the edit buffer of one board.
type Store struct {
	tiers   *kv.Tiered
	boardID string
	now     func() time.Time
}

// New creates an edit buffer for boardID on top of the tiered storage.
func New(tiers *kv.Tiered, boardID string) *Store {
	return &Store{tiers: tiers, boardID: boardID, now: time.Now}
}

func (s *Store) prefix() string {
	return "editbuf:" + s.boardID + ":"
}

func (s *Store) key(shapeID string) string {
	return s.prefix() + shapeID
}

// Set buffers a snapshot. Failures are logged, never returned.
func (s *Store) Set(ctx context.Context, shapeID string, snapshot model.Shape) {
	if shapeID == "" {
		return
	}
	e := Entry{
		ShapeID:    shapeID,
		Shape:      snapshot,
		BufferedAt: s.now().UnixMilli(),
		UpdatedAt:  snapshot.UpdatedAt,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		glog.Warningf("editbuffer: encode %s: %v", shapeID, err)
		return
	}
	if err := s.tiers.Set(ctx, s.key(shapeID), raw); err != nil {
		glog.Warningf("editbuffer: set %s: %v", shapeID, err)
	}
}

// Get returns the buffered snapshot of shapeID, or ok=false.
func (s *Store) Get(ctx context.Context, shapeID string) (Entry, bool) {
	raw, err := s.tiers.Get(ctx, s.key(shapeID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			glog.Warningf("editbuffer: get %s: %v", shapeID, err)
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		glog.Warningf("editbuffer: corrupt entry %s: %v", shapeID, err)
		return Entry{}, false
	}
	return e, true
}

// GetAll returns every buffered entry of the board.
func (s *Store) GetAll(ctx context.Context) ([]Entry, error) {
	keys, err := s.tiers.Keys(ctx, s.prefix())
	if err != nil {
		return nil, fmt.Errorf("list edit buffer: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.Get(ctx, strings.TrimPrefix(k, s.prefix())); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Delete drops the entry of shapeID from both tiers.
func (s *Store) Delete(ctx context.Context, shapeID string) {
	if err := s.tiers.Delete(ctx, s.key(shapeID)); err != nil {
		glog.V(1).Infof("editbuffer: delete %s: %v", shapeID, err)
	}
}

// ClearSession drops the session-tier entries. Durable entries survive so a
// crashed session can still recover them.
func (s *Store) ClearSession() {
	s.tiers.Session().Clear(s.prefix())
}
