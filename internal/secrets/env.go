package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves references from environment variables.
// Reference format: "env://VARIABLE_NAME".
type EnvProvider struct{}

// NewEnvProvider creates an environment variable-based secret provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) ([]byte, error) {
	const prefix = "env://"
	if !strings.HasPrefix(ref, prefix) {
		return nil, fmt.Errorf("%w: env provider only handles env:// references, got %q",
			ErrSecretNotFound, ref)
	}
	envVar := strings.TrimPrefix(ref, prefix)
	if envVar == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty",
			ErrSecretNotFound, envVar)
	}
	return []byte(value), nil
}
