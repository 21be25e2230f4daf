package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/jun/gophboard/internal/auth"
)

const sessionTTL = 24 * time.Hour

// AuthHandler issues and inspects bridge session tokens. Real sign-in happens
// outside the bridge; DemoLogin hands out throwaway identities.
type AuthHandler struct {
	jwtSecret string
	devMode   bool
}

// NewAuthHandler creates an AuthHandler. Secure cookies are only dropped in
// devMode.
func NewAuthHandler(jwtSecret string, devMode bool) *AuthHandler {
	return &AuthHandler{jwtSecret: jwtSecret, devMode: devMode}
}

func (h *AuthHandler) cookie(value string, maxAge int) string {
	c := fmt.Sprintf("%s=%s; HttpOnly; Path=/; Max-Age=%d; SameSite=Lax", auth.CookieName, value, maxAge)
	if !h.devMode {
		c += "; Secure"
	}
	return c
}

// DemoLogin creates a demo identity. The optional name and color query
// parameters label the user's cursor.
func (h *AuthHandler) DemoLogin(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	id := auth.Identity{
		UID:   "demo-user-" + uuid.NewString(),
		Name:  req.QueryStringParameters["name"],
		Color: req.QueryStringParameters["color"],
	}
	if id.Name == "" {
		id.Name = "Guest"
	}
	token, err := auth.IssueToken(id, h.jwtSecret, sessionTTL)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}

	resp := jsonResponse(http.StatusOK, map[string]any{"token": token, "user": id})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {h.cookie(token, int(sessionTTL.Seconds()))},
	}
	return resp, nil
}

// GetUser returns the identity behind the request's token.
func (h *AuthHandler) GetUser(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	id, err := auth.FromRequest(req, h.jwtSecret)
	if err != nil {
		return errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, id), nil
}

// Logout clears the session cookie.
func (h *AuthHandler) Logout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	resp := jsonResponse(http.StatusOK, map[string]bool{"success": true})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {h.cookie("", 0)},
	}
	return resp, nil
}
