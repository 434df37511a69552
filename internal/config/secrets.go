package config

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/fuomag9/comments-collator/internal/secret"
)

// newResolver picks the secret backend named by SECRETS_BACKEND.
func newResolver(ctx context.Context, getenv func(string) string) (secret.Resolver, error) {
	backend := getenv("SECRETS_BACKEND")
	switch backend {
	case "", "env":
		return secret.NewEnvResolver(getenv), nil
	case "ssm":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
		}
		prefix := getenv("SSM_PREFIX")
		if prefix == "" {
			prefix = "/comments-collator"
		}
		// Environment values still win so a single secret can be overridden locally.
		return secret.Chain(
			secret.NewEnvResolver(getenv),
			secret.NewSSMResolver(ssm.NewFromConfig(awsCfg), prefix),
		), nil
	default:
		return nil, fmt.Errorf("unsupported SECRETS_BACKEND: %s", backend)
	}
}
