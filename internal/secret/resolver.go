// Package secret resolves credentials the board client needs at startup
// (bridge JWT secret, Redis password, Postgres URL) from SSM Parameter Store,
// or from environment variables in DEV_MODE.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/golang/glog"
)

// maxNamesPerCall is the GetParameters limit.
const maxNamesPerCall = 10

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Resolver retrieves secret values by parameter name. Names without a value
// are left out of the result; only a failing backend is an error.
type Resolver interface {
	GetSecrets(ctx context.Context, names ...string) (map[string]string, error)
}

// SSMResolver fetches secrets from AWS Systems Manager Parameter Store.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) Resolver {
	return &SSMResolver{client: client}
}

// GetSecrets reads SecureString parameters with decryption, ten per call.
func (r *SSMResolver) GetSecrets(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for start := 0; start < len(names); start += maxNamesPerCall {
		chunk := names[start:min(start+maxNamesPerCall, len(names))]
		resp, err := r.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          chunk,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("ssm get parameters %v: %w", chunk, err)
		}
		for _, p := range resp.Parameters {
			if p.Name != nil && p.Value != nil {
				out[*p.Name] = *p.Value
			}
		}
		if len(resp.InvalidParameters) > 0 {
			glog.V(1).Infof("ssm: no value for %v", resp.InvalidParameters)
		}
	}
	return out, nil
}

// EnvResolver reads secrets from environment variables named after the last
// path segment of the parameter: "/gophboard/redis-password" -> "REDIS_PASSWORD".
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() Resolver {
	return &EnvResolver{}
}

func (r *EnvResolver) GetSecrets(_ context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if val := os.Getenv(paramNameToEnvVar(name)); val != "" {
			out[name] = val
		}
	}
	return out, nil
}

// Bundle holds the secrets resolved at startup, keyed by parameter name.
type Bundle map[string]string

// Resolve fetches every non-empty name in one pass. A failing resolver yields
// an empty bundle; the failure is logged and callers fall back to defaults.
func Resolve(ctx context.Context, r Resolver, names ...string) Bundle {
	wanted := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			wanted = append(wanted, n)
		}
	}
	if len(wanted) == 0 {
		return Bundle{}
	}
	vals, err := r.GetSecrets(ctx, wanted...)
	if err != nil {
		glog.Warningf("secrets unavailable, using defaults: %v", err)
		return Bundle{}
	}
	return Bundle(vals)
}

// Get returns the secret for name, or def when it was not resolved.
func (b Bundle) Get(name, def string) string {
	if v, ok := b[name]; ok {
		return v
	}
	if name != "" {
		glog.Warningf("secret %s not set, using default", name)
	}
	return def
}

func paramNameToEnvVar(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
