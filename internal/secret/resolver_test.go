package secret

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSMClient struct {
	params map[string]string
	calls  [][]string
	err    error
}

func (f *fakeSSMClient) GetParameters(_ context.Context, input *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.calls = append(f.calls, input.Names)
	if f.err != nil {
		return nil, f.err
	}
	out := &ssm.GetParametersOutput{}
	for _, name := range input.Names {
		val, ok := f.params[name]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, name)
			continue
		}
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(val)})
	}
	return out, nil
}

func TestSSMResolver_GetSecrets(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{
		"/gophboard/jwt-secret":   "super-secret-value",
		"/gophboard/database-url": "postgres://board",
	}}
	resolver := NewSSMResolver(client)

	vals, err := resolver.GetSecrets(context.Background(), "/gophboard/jwt-secret", "/gophboard/database-url", "/gophboard/nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vals["/gophboard/jwt-secret"] != "super-secret-value" || vals["/gophboard/database-url"] != "postgres://board" {
		t.Fatalf("unexpected values: %v", vals)
	}
	if _, ok := vals["/gophboard/nonexistent"]; ok {
		t.Fatal("missing parameter must be left out")
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(client.calls))
	}
}

func TestSSMResolver_ChunksRequests(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{}}
	names := make([]string, 23)
	for i := range names {
		names[i] = fmt.Sprintf("/gophboard/p%d", i)
	}

	if _, err := NewSSMResolver(client).GetSecrets(context.Background(), names...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.calls) != 3 || len(client.calls[2]) != 3 {
		t.Fatalf("expected chunks of 10, 10, 3, got %v", client.calls)
	}
}

func TestSSMResolver_BackendError(t *testing.T) {
	client := &fakeSSMClient{err: errors.New("throttled")}

	_, err := NewSSMResolver(client).GetSecrets(context.Background(), "/gophboard/jwt-secret")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEnvResolver_GetSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret-value")

	vals, err := NewEnvResolver().GetSecrets(context.Background(), "/gophboard/jwt-secret", "/gophboard/nonexistent-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vals["/gophboard/jwt-secret"] != "env-secret-value" {
		t.Fatalf("expected env value, got %v", vals)
	}
	if len(vals) != 1 {
		t.Fatalf("expected only the set variable, got %v", vals)
	}
}

func TestParamNameToEnvVar(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/gophboard/jwt-secret", "JWT_SECRET"},
		{"/gophboard/redis-password", "REDIS_PASSWORD"},
		{"/gophboard/database-url", "DATABASE_URL"},
		{"plain-name", "PLAIN_NAME"},
	}

	for _, tt := range tests {
		got := paramNameToEnvVar(tt.input)
		if got != tt.expected {
			t.Errorf("paramNameToEnvVar(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestResolve_SkipsEmptyNamesAndFallsBack(t *testing.T) {
	client := &fakeSSMClient{params: map[string]string{"/gophboard/database-url": "postgres://board"}}

	b := Resolve(context.Background(), NewSSMResolver(client), "", "/gophboard/database-url", "/gophboard/redis-password")
	if len(client.calls) != 1 || len(client.calls[0]) != 2 {
		t.Fatalf("expected one call for two names, got %v", client.calls)
	}
	if got := b.Get("/gophboard/database-url", ""); got != "postgres://board" {
		t.Fatalf("expected resolved value, got %q", got)
	}
	if got := b.Get("/gophboard/redis-password", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := b.Get("", "def"); got != "def" {
		t.Fatalf("expected def, got %q", got)
	}
}

func TestResolve_FailingResolverYieldsDefaults(t *testing.T) {
	b := Resolve(context.Background(), NewSSMResolver(&fakeSSMClient{err: errors.New("down")}), "/gophboard/jwt-secret")
	if got := b.Get("/gophboard/jwt-secret", "dev"); got != "dev" {
		t.Fatalf("expected default, got %q", got)
	}
}

func TestResolve_NoNamesMakesNoCall(t *testing.T) {
	client := &fakeSSMClient{}
	Resolve(context.Background(), NewSSMResolver(client), "", "")
	if len(client.calls) != 0 {
		t.Fatalf("expected no calls, got %v", client.calls)
	}
}
