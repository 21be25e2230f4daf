package model

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalid marks validation failures. They are rejected synchronously and never queued.
var ErrInvalid = errors.New("invalid request")

// ShapeType enumerates the drawable shape kinds.
type ShapeType string

const (
	ShapeRect     ShapeType = "rect"
	ShapeCircle   ShapeType = "circle"
	ShapeTriangle ShapeType = "triangle"
	ShapeText     ShapeType = "text"
)

// Valid reports whether t is a known shape type.
func (t ShapeType) Valid() bool {
	switch t {
	case ShapeRect, ShapeCircle, ShapeTriangle, ShapeText:
		return true
	}
	return false
}

// Shape is a single document on a board.
// Timestamps are epoch milliseconds assigned by the remote store.
type Shape struct {
	ID            string    `json:"id" dynamodbav:"shape_id"`
	BoardID       string    `json:"boardId,omitempty" dynamodbav:"board_id"`
	Type          ShapeType `json:"type" dynamodbav:"type"`
	X             float64   `json:"x" dynamodbav:"x"`
	Y             float64   `json:"y" dynamodbav:"y"`
	Width         float64   `json:"width,omitempty" dynamodbav:"width"`
	Height        float64   `json:"height,omitempty" dynamodbav:"height"`
	Radius        float64   `json:"radius,omitempty" dynamodbav:"radius"`
	Fill          string    `json:"fill,omitempty" dynamodbav:"fill"`
	Stroke        string    `json:"stroke,omitempty" dynamodbav:"stroke"`
	StrokeWidth   float64   `json:"strokeWidth,omitempty" dynamodbav:"stroke_width"`
	Rotation      float64   `json:"rotation,omitempty" dynamodbav:"rotation"`
	ZIndex        int       `json:"zIndex" dynamodbav:"z_index"`
	Text          string    `json:"text,omitempty" dynamodbav:"text"`
	FontSize      float64   `json:"fontSize,omitempty" dynamodbav:"font_size"`
	Deleted       bool      `json:"deleted" dynamodbav:"deleted"`
	CreatedBy     string    `json:"createdBy,omitempty" dynamodbav:"created_by"`
	CreatedByName string    `json:"createdByName,omitempty" dynamodbav:"created_by_name"`
	UpdatedBy     string    `json:"updatedBy,omitempty" dynamodbav:"updated_by"`
	UpdatedByName string    `json:"updatedByName,omitempty" dynamodbav:"updated_by_name"`
	CreatedAt     int64     `json:"createdAt,omitempty" dynamodbav:"created_at"`
	UpdatedAt     int64     `json:"updatedAt" dynamodbav:"updated_at"`
	DeletedAt     int64     `json:"deletedAt,omitempty" dynamodbav:"deleted_at"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID checks that a board or shape id is usable as a single storage key
// and node name.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q may only contain letters, digits, '-' and '_'", ErrInvalid, id)
	}
	return nil
}

// Validate checks the fields every shape must carry before it is accepted.
func (s Shape) Validate() error {
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown shape type %q", ErrInvalid, s.Type)
	}
	return nil
}

// Actor identifies the authenticated user performing a write.
type Actor struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// Validate rejects anonymous actors.
func (a Actor) Validate() error {
	if a.UID == "" {
		return fmt.Errorf("%w: user is not authenticated", ErrInvalid)
	}
	return nil
}

// ChangeType is the kind of a change-stream event.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ShapeChange is a single event delivered by a shape subscription.
type ShapeChange struct {
	Type  ChangeType `json:"type"`
	Shape Shape      `json:"shape"`
}

// Cursor is a user's live pointer position on a board.
type Cursor struct {
	UID        string  `json:"uid"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Scale      float64 `json:"scale"`
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	LastActive int64   `json:"lastActive"`
	UpdatedAt  int64   `json:"updatedAt"`
}

// OnlineUser is a presence record.
type OnlineUser struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	LastSeen int64  `json:"lastSeen"`
}

// DragUpdate is an in-progress position preview for a shape.
type DragUpdate struct {
	ShapeID   string  `json:"shapeId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	UserID    string  `json:"userId"`
	Timestamp int64   `json:"timestamp"`
}

// TransformUpdate is an in-progress transform preview for a shape.
type TransformUpdate struct {
	DragUpdate
	ScaleX   float64 `json:"scaleX"`
	ScaleY   float64 `json:"scaleY"`
	Rotation float64 `json:"rotation"`
}
