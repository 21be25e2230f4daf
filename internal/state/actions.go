package state

import (
	"slices"

	"github.com/jun/gophboard/internal/model"
)

// Action is a named state transition. The set is closed: only the types in
// this file implement it.
type Action interface {
	apply(s *Store) bool
}

// AddShape inserts a shape, replacing any local copy with the same id.
type AddShape struct {
	Shape model.Shape
}

// UpdateShape applies a patch to an existing shape. A non-zero UpdatedAt
// becomes the shape's provisional timestamp.
type UpdateShape struct {
	ID        string
	Patch     model.ShapePatch
	UpdatedAt int64
}

// DeleteShape removes a shape from local state and from the selection.
type DeleteShape struct {
	ID string
}

// SetShapes replaces every shape.
type SetShapes struct {
	Shapes []model.Shape
}

// RestoreShape puts back a previously captured shape, undoing an optimistic
// change that the remote store rejected.
type RestoreShape struct {
	Shape model.Shape
}

// Confirm replaces a provisional timestamp with the one assigned remotely.
type Confirm struct {
	ID        string
	UpdatedAt int64
}

// Select selects shapes. Without Additive the previous selection is dropped.
type Select struct {
	IDs      []string
	Additive bool
}

// Deselect removes ids from the selection, or clears it when IDs is empty.
type Deselect struct {
	IDs []string
}

// SetTool changes the active tool and clears the selection.
type SetTool struct {
	Tool Tool
}

// SetView changes the viewport.
type SetView struct {
	View View
}

// ApplyServerChange merges one change-stream event using last-write-wins.
type ApplyServerChange struct {
	Change model.ShapeChange
}

// SetCursors replaces the remote cursor list.
type SetCursors struct {
	Cursors []model.Cursor
}

// SetOnlineUsers replaces the online user list.
type SetOnlineUsers struct {
	Users []model.OnlineUser
}

// SetLoaded marks whether the first remote snapshot has arrived.
type SetLoaded struct {
	Loaded bool
}

func (a AddShape) apply(s *Store) bool {
	s.put(a.Shape)
	return true
}

func (a UpdateShape) apply(s *Store) bool {
	i, ok := s.index[a.ID]
	if !ok {
		return false
	}
	sh := &s.st.Shapes[i]
	a.Patch.ApplyTo(sh)
	if a.UpdatedAt != 0 {
		sh.UpdatedAt = a.UpdatedAt
	}
	return true
}

func (a DeleteShape) apply(s *Store) bool {
	return s.remove(a.ID)
}

func (a SetShapes) apply(s *Store) bool {
	s.st.Shapes = s.st.Shapes[:0]
	s.index = make(map[string]int, len(a.Shapes))
	for _, sh := range a.Shapes {
		s.put(sh)
	}
	s.st.Selected = slices.DeleteFunc(s.st.Selected, func(id string) bool {
		_, ok := s.index[id]
		return !ok
	})
	return true
}

func (a RestoreShape) apply(s *Store) bool {
	s.put(a.Shape)
	return true
}

func (a Confirm) apply(s *Store) bool {
	i, ok := s.index[a.ID]
	if !ok || a.UpdatedAt == 0 {
		return false
	}
	s.st.Shapes[i].UpdatedAt = a.UpdatedAt
	return true
}

func (a Select) apply(s *Store) bool {
	if !a.Additive {
		s.st.Selected = s.st.Selected[:0]
	}
	for _, id := range a.IDs {
		if _, ok := s.index[id]; ok && !slices.Contains(s.st.Selected, id) {
			s.st.Selected = append(s.st.Selected, id)
		}
	}
	return true
}

func (a Deselect) apply(s *Store) bool {
	if len(a.IDs) == 0 {
		s.st.Selected = s.st.Selected[:0]
		return true
	}
	s.st.Selected = slices.DeleteFunc(s.st.Selected, func(id string) bool {
		return slices.Contains(a.IDs, id)
	})
	return true
}

func (a SetTool) apply(s *Store) bool {
	s.st.Tool = a.Tool
	s.st.Selected = s.st.Selected[:0]
	return true
}

func (a SetView) apply(s *Store) bool {
	v := a.View
	if v.Scale <= 0 {
		v.Scale = 1
	}
	s.st.View = v
	return true
}

func (a ApplyServerChange) apply(s *Store) bool {
	in := a.Change.Shape
	if a.Change.Type == model.ChangeRemoved || in.Deleted {
		return s.remove(in.ID)
	}
	var local *model.Shape
	if i, ok := s.index[in.ID]; ok {
		local = &s.st.Shapes[i]
	}
	if !ShouldApply(local, in, s.tolerance) {
		return false
	}
	s.put(in)
	return true
}

func (a SetCursors) apply(s *Store) bool {
	s.st.Cursors = slices.Clone(a.Cursors)
	return true
}

func (a SetOnlineUsers) apply(s *Store) bool {
	s.st.OnlineUsers = slices.Clone(a.Users)
	return true
}

func (a SetLoaded) apply(s *Store) bool {
	if s.st.Loaded == a.Loaded {
		return false
	}
	s.st.Loaded = a.Loaded
	return true
}
