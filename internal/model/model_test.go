package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeValidate(t *testing.T) {
	tests := []struct {
		name    string
		shape   Shape
		wantErr bool
	}{
		{name: "valid rect", shape: Shape{ID: "s1", Type: ShapeRect}},
		{name: "valid text", shape: Shape{ID: "s1", Type: ShapeText}},
		{name: "missing id", shape: Shape{Type: ShapeRect}, wantErr: true},
		{name: "unknown type", shape: Shape{ID: "s1", Type: "hexagon"}, wantErr: true},
		{name: "uuid id", shape: Shape{ID: "3f2c9a10-7b4e-4c1d-9a55-0e6b2f1d8c42", Type: ShapeCircle}},
		{name: "traversal id", shape: Shape{ID: "../cursors/bob", Type: ShapeRect}, wantErr: true},
		{name: "slash in id", shape: Shape{ID: "a/b", Type: ShapeRect}, wantErr: true},
		{name: "dot id", shape: Shape{ID: ".", Type: ShapeRect}, wantErr: true},
		{name: "control char in id", shape: Shape{ID: "s1\n", Type: ShapeRect}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.shape.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalid))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestActorValidate(t *testing.T) {
	assert.NoError(t, Actor{UID: "u1"}.Validate())
	assert.ErrorIs(t, Actor{Name: "anon"}.Validate(), ErrInvalid)
}

func TestShapePatch_FieldsOnlySetLeaves(t *testing.T) {
	p := ShapePatch{X: Float(5), Text: String("hi")}

	fields := p.Fields()
	assert.Equal(t, map[string]any{"x": 5.0, "text": "hi"}, fields)
	assert.False(t, p.Empty())
	assert.True(t, ShapePatch{}.Empty())
}

func TestShapePatch_ApplyTo(t *testing.T) {
	s := Shape{ID: "s1", Type: ShapeRect, X: 1, Y: 2, Fill: "red"}
	ShapePatch{X: Float(10), ZIndex: Int(3)}.ApplyTo(&s)

	assert.Equal(t, 10.0, s.X)
	assert.Equal(t, 2.0, s.Y)
	assert.Equal(t, 3, s.ZIndex)
	assert.Equal(t, "red", s.Fill)
}

func TestShapePatch_MergePrefersNewer(t *testing.T) {
	older := ShapePatch{X: Float(1), Y: Float(1)}
	newer := ShapePatch{X: Float(2)}

	merged := older.Merge(newer)
	assert.Equal(t, 2.0, *merged.X)
	assert.Equal(t, 1.0, *merged.Y)
}

func TestNewOperation(t *testing.T) {
	before := time.Now().UnixMilli()
	op, err := NewOperation("board-1", OpUpdateShape, UpdatePayload{ShapeID: "s1", Patch: ShapePatch{X: Float(5)}})
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, OpUpdateShape, op.Type)
	assert.Equal(t, "board-1", op.BoardID)
	assert.GreaterOrEqual(t, op.Timestamp, before)
	assert.Zero(t, op.Attempts)

	var payload UpdatePayload
	require.NoError(t, op.Decode(&payload))
	assert.Equal(t, "s1", payload.ShapeID)
	assert.Equal(t, 5.0, *payload.Patch.X)
}

func TestNewOperation_UniqueIDs(t *testing.T) {
	a, err := NewOperation("b", OpDeleteShape, DeletePayload{ShapeID: "s1"})
	require.NoError(t, err)
	b, err := NewOperation("b", OpDeleteShape, DeletePayload{ShapeID: "s1"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}
