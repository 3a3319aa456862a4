package config

import "context"

// SecretProvider abstracts the retrieval of secrets to support both AWS SSM
// Parameter Store (production) and environment variables (local development).
type SecretProvider interface {
	// GetParametersBatch retrieves multiple secret values, batching requests
	// to stay under provider API limits. The keys slice contains parameter
	// paths (or equivalent identifiers) to resolve. Returns a map of
	// key -> plaintext value for all successfully resolved parameters.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
