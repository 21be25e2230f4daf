package auth

import (
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/gophboard/internal/model"
)

const testSecret = "test-secret"

var alice = Identity{UID: "alice", Name: "Alice", Color: "#f00"}

func token(t *testing.T) string {
	t.Helper()
	tok, err := IssueToken(alice, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestFromRequest(t *testing.T) {
	tok := token(t)
	tests := []struct {
		name string
		req  events.APIGatewayProxyRequest
	}{
		{name: "bearer", req: events.APIGatewayProxyRequest{Headers: map[string]string{"Authorization": "Bearer " + tok}}},
		{name: "lowercase header", req: events.APIGatewayProxyRequest{Headers: map[string]string{"authorization": "Bearer " + tok}}},
		{name: "cookie", req: events.APIGatewayProxyRequest{Headers: map[string]string{"Cookie": "a=b; session_token=" + tok + "; Path=/"}}},
		{name: "query", req: events.APIGatewayProxyRequest{QueryStringParameters: map[string]string{"token": tok}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := FromRequest(tt.req, testSecret)
			require.NoError(t, err)
			assert.Equal(t, alice, id)
			assert.Equal(t, model.Actor{UID: "alice", Name: "Alice"}, id.Actor())
		})
	}
}

func TestFromRequestRejects(t *testing.T) {
	expired, err := IssueToken(alice, testSecret, -time.Minute)
	require.NoError(t, err)
	other, err := IssueToken(alice, "other-secret", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, headers := range map[string]map[string]string{
		"missing":      {},
		"garbage":      {"Authorization": "Bearer not-a-token"},
		"expired":      {"Authorization": "Bearer " + expired},
		"wrong secret": {"Authorization": "Bearer " + other},
		"alg none":     {"Authorization": "Bearer " + none},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromRequest(events.APIGatewayProxyRequest{Headers: headers}, testSecret)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	_, err := IssueToken(Identity{Name: "anon"}, testSecret, time.Hour)
	assert.ErrorIs(t, err, model.ErrInvalid)
}
