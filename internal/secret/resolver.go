// Package secret provides an abstraction for retrieving secrets from
// different backends (environment variables, SSM Parameter Store).
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrNotSet is returned when a backend holds no value for the requested name.
var ErrNotSet = errors.New("secret not set")

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by environment-variable style name (e.g. "WEBHOOK_SECRET").
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver fetches secrets from AWS Systems Manager Parameter Store.
type SSMResolver struct {
	client SSMClient
	prefix string
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store. Names are mapped
// to parameter paths under prefix: "WEBHOOK_SECRET" -> "<prefix>/webhook-secret".
func NewSSMResolver(client SSMClient, prefix string) *SSMResolver {
	return &SSMResolver{client: client, prefix: strings.TrimRight(prefix, "/")}
}

// GetSecret retrieves a SecureString parameter from SSM with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	param := r.prefix + "/" + envVarToParamName(name)
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", param, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q: %w", param, ErrNotSet)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver fetches secrets from environment variables.
type EnvResolver struct {
	getenv func(string) string
}

// NewEnvResolver returns a Resolver that reads through getenv.
func NewEnvResolver(getenv func(string) string) *EnvResolver {
	return &EnvResolver{getenv: getenv}
}

// GetSecret reads the environment variable of the same name.
func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	val := r.getenv(name)
	if val == "" {
		return "", fmt.Errorf("environment variable %q: %w", name, ErrNotSet)
	}
	return val, nil
}

type chain []Resolver

// Chain returns a Resolver that asks each resolver in order and returns the first value found.
func Chain(resolvers ...Resolver) Resolver {
	return chain(resolvers)
}

func (c chain) GetSecret(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, r := range c {
		val, err := r.GetSecret(ctx, name)
		if err == nil {
			return val, nil
		}
		errs = append(errs, err)
	}
	return "", errors.Join(errs...)
}

// envVarToParamName converts an environment variable name to an SSM parameter leaf.
// "JWT_SECRET" -> "jwt-secret"
func envVarToParamName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}
