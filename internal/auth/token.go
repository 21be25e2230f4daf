// Package auth issues and verifies the bearer tokens of the bridge.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/gophboard/internal/model"
)

// ErrUnauthorized is returned when a request carries no valid token.
var ErrUnauthorized = errors.New("unauthorized")

// CookieName is the session cookie that may carry the token.
const CookieName = "session_token"

// Claims are the registered claims plus the display fields of a board user.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated user of a request.
type Identity struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Actor returns the identity stamped on writes.
func (i Identity) Actor() model.Actor {
	return model.Actor{UID: i.UID, Name: i.Name}
}

// IssueToken signs an HS256 token for the identity.
func IssueToken(id Identity, secret string, ttl time.Duration) (string, error) {
	if id.UID == "" {
		return "", fmt.Errorf("%w: subject is required", model.ErrInvalid)
	}
	now := time.Now()
	claims := Claims{
		Name:  id.Name,
		Color: id.Color,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a token and returns its identity.
func ParseToken(tokenString, secret string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid token: %v", ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	return Identity{UID: claims.Subject, Name: claims.Name, Color: claims.Color}, nil
}

// FromRequest extracts the identity from the Authorization header, the
// session cookie or, for WebSocket upgrades, the token query parameter.
func FromRequest(req events.APIGatewayProxyRequest, secret string) (Identity, error) {
	getHeader := func(name string) string {
		for k, v := range req.Headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}

	tokenString := ""
	if h := getHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tokenString = strings.TrimPrefix(h, "Bearer ")
	}

	if tokenString == "" {
		for _, part := range strings.Split(getHeader("Cookie"), ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, CookieName+"=") {
				tokenString = strings.TrimPrefix(part, CookieName+"=")
				break
			}
		}
	}

	if tokenString == "" {
		if v, err := url.QueryUnescape(req.QueryStringParameters["token"]); err == nil {
			tokenString = v
		}
	}

	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: no authorization token found", ErrUnauthorized)
	}
	return ParseToken(tokenString, secret)
}
