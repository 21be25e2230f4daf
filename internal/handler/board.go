package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/gophboard/internal/auth"
	"github.com/jun/gophboard/internal/board"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/state"
)

// SessionProvider opens, or returns the already open, session of a user on a
// board.
type SessionProvider interface {
	Session(ctx context.Context, boardID string, id auth.Identity) (*board.Session, error)
	Close(ctx context.Context, boardID, uid string) error
}

// BoardHandler serves the board session API. Routes put the board id in the
// "board" path parameter and the shape id in "id".
type BoardHandler struct {
	sessions  SessionProvider
	jwtSecret string

	// CommitTimeout bounds how long a write response waits for its commit.
	CommitTimeout time.Duration
}

// NewBoardHandler creates a BoardHandler.
func NewBoardHandler(sessions SessionProvider, jwtSecret string) *BoardHandler {
	return &BoardHandler{sessions: sessions, jwtSecret: jwtSecret, CommitTimeout: 10 * time.Second}
}

func (h *BoardHandler) session(ctx context.Context, req events.APIGatewayProxyRequest) (*board.Session, error) {
	id, err := auth.FromRequest(req, h.jwtSecret)
	if err != nil {
		return nil, err
	}
	return h.sessions.Session(ctx, req.PathParameters["board"], id)
}

// settle waits for c and renders its result.
func (h *BoardHandler) settle(ctx context.Context, status int, c *board.Commit, err error) (events.APIGatewayProxyResponse, error) {
	if err != nil {
		return errorResponse(err), nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.CommitTimeout)
	defer cancel()
	res, err := c.Wait(ctx)
	if err != nil {
		return errorResponse(err), nil
	}
	if res.Queued {
		status = http.StatusAccepted
	}
	return jsonResponse(status, res), nil
}

// GetState returns the local state snapshot.
func (h *BoardHandler) GetState(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, s.State().Snapshot()), nil
}

// ListShapes returns the live shapes.
func (h *BoardHandler) ListShapes(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, s.State().Shapes()), nil
}

// CreateShape adds one shape.
func (h *BoardHandler) CreateShape(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var shape model.Shape
	if err := decodeBody(req, &shape); err != nil {
		return errorResponse(err), nil
	}
	c, err := s.AddShape(shape)
	return h.settle(ctx, http.StatusCreated, c, err)
}

// CreateShapes adds several shapes at once.
func (h *BoardHandler) CreateShapes(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var shapes []model.Shape
	if err := decodeBody(req, &shapes); err != nil {
		return errorResponse(err), nil
	}
	c, err := s.AddShapes(shapes)
	return h.settle(ctx, http.StatusCreated, c, err)
}

// PatchShape updates fields of a shape. With ?live=true the patch is a
// throttled live edit and the response does not wait for the write.
func (h *BoardHandler) PatchShape(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var patch model.ShapePatch
	if err := decodeBody(req, &patch); err != nil {
		return errorResponse(err), nil
	}
	id := req.PathParameters["id"]
	if req.QueryStringParameters["live"] == "true" {
		if err := s.EditShape(id, patch); err != nil {
			return errorResponse(err), nil
		}
		return jsonResponse(http.StatusAccepted, board.Result{ID: id}), nil
	}
	c, err := s.UpdateShape(id, patch)
	return h.settle(ctx, http.StatusOK, c, err)
}

// SetText replaces the content of a text shape.
func (h *BoardHandler) SetText(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := decodeBody(req, &payload); err != nil {
		return errorResponse(err), nil
	}
	c, err := s.UpdateShapeText(req.PathParameters["id"], payload.Text)
	return h.settle(ctx, http.StatusOK, c, err)
}

// DeleteShape soft-deletes a shape.
func (h *BoardHandler) DeleteShape(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	c, err := s.DeleteShape(req.PathParameters["id"])
	return h.settle(ctx, http.StatusOK, c, err)
}

// Reorder applies z-index changes.
func (h *BoardHandler) Reorder(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var updates []board.ZIndexUpdate
	if err := decodeBody(req, &updates); err != nil {
		return errorResponse(err), nil
	}
	c, err := s.BatchUpdateZIndex(updates)
	return h.settle(ctx, http.StatusOK, c, err)
}

type dragRequest struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	End bool    `json:"end"`
}

// Drag moves a shape under the pointer. The final request has end set and
// writes the position.
func (h *BoardHandler) Drag(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var d dragRequest
	if err := decodeBody(req, &d); err != nil {
		return errorResponse(err), nil
	}
	id := req.PathParameters["id"]
	if d.End {
		c, err := s.EndDrag(ctx, id, d.X, d.Y)
		return h.settle(ctx, http.StatusOK, c, err)
	}
	if err := s.MoveDrag(ctx, id, d.X, d.Y); err != nil {
		return errorResponse(err), nil
	}
	return textResponse(http.StatusNoContent, ""), nil
}

type transformRequest struct {
	X        float64          `json:"x"`
	Y        float64          `json:"y"`
	ScaleX   float64          `json:"scaleX"`
	ScaleY   float64          `json:"scaleY"`
	Rotation float64          `json:"rotation"`
	End      bool             `json:"end"`
	Patch    model.ShapePatch `json:"patch"`
}

// Transform previews a resize or rotation. The final request has end set and
// writes patch.
func (h *BoardHandler) Transform(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var t transformRequest
	if err := decodeBody(req, &t); err != nil {
		return errorResponse(err), nil
	}
	id := req.PathParameters["id"]
	if t.End {
		c, err := s.EndTransform(ctx, id, t.Patch)
		return h.settle(ctx, http.StatusOK, c, err)
	}
	if err := s.MoveTransform(ctx, id, t.X, t.Y, t.ScaleX, t.ScaleY, t.Rotation); err != nil {
		return errorResponse(err), nil
	}
	return textResponse(http.StatusNoContent, ""), nil
}

// Cursor shares the pointer position.
func (h *BoardHandler) Cursor(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var c struct {
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
		Scale float64 `json:"scale"`
	}
	if err := decodeBody(req, &c); err != nil {
		return errorResponse(err), nil
	}
	s.PublishCursor(c.X, c.Y, c.Scale)
	return textResponse(http.StatusNoContent, ""), nil
}

// Select changes the selection. DELETE clears the given ids, or everything.
func (h *BoardHandler) Select(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var sel struct {
		IDs      []string `json:"ids"`
		Additive bool     `json:"additive"`
	}
	if req.Body != "" {
		if err := decodeBody(req, &sel); err != nil {
			return errorResponse(err), nil
		}
	}
	if req.HTTPMethod == http.MethodDelete {
		s.Deselect(sel.IDs...)
	} else {
		s.Select(sel.IDs, sel.Additive)
	}
	return jsonResponse(http.StatusOK, s.State().Snapshot().Selected), nil
}

// SetTool changes the active tool.
func (h *BoardHandler) SetTool(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var payload struct {
		Tool state.Tool `json:"tool"`
	}
	if err := decodeBody(req, &payload); err != nil {
		return errorResponse(err), nil
	}
	s.SetTool(payload.Tool)
	return textResponse(http.StatusNoContent, ""), nil
}

// SetView changes the viewport.
func (h *BoardHandler) SetView(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	var v state.View
	if err := decodeBody(req, &v); err != nil {
		return errorResponse(err), nil
	}
	s.SetView(v)
	return textResponse(http.StatusNoContent, ""), nil
}

// QueueStats describes the offline queue.
func (h *BoardHandler) QueueStats(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	st, err := s.QueueStats(ctx)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, st), nil
}

// FlushQueue replays the offline queue now.
func (h *BoardHandler) FlushQueue(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	s, err := h.session(ctx, req)
	if err != nil {
		return errorResponse(err), nil
	}
	res, err := s.Flush(ctx)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, res), nil
}

// Leave closes the caller's session on the board.
func (h *BoardHandler) Leave(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	id, err := auth.FromRequest(req, h.jwtSecret)
	if err != nil {
		return errorResponse(err), nil
	}
	if err := h.sessions.Close(ctx, req.PathParameters["board"], id.UID); err != nil {
		return errorResponse(err), nil
	}
	return textResponse(http.StatusNoContent, ""), nil
}
