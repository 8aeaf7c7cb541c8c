package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// EnvSecretResolver resolves credentials from process environment variables.
// It is the local-development and single-tenant deployment resolver; hosted
// deployments plug in their own SecretResolver backed by a secret manager.
//
// The lookup key is PREFIX_PROVIDER_KEY, uppercased, with every run of
// non-alphanumeric characters collapsed to one underscore. The tenant id is
// deliberately not part of the key: per-tenant secrets do not belong in the
// process environment.
type EnvSecretResolver struct {
	// Prefix defaults to "SIS_SECRET".
	Prefix string
}

func (r EnvSecretResolver) Resolve(_ context.Context, _ uuid.UUID, provider, key string) (string, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "SIS_SECRET"
	}
	name := envName(prefix + "_" + provider + "_" + key)
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret %s for provider %s is not set (env %s)", key, provider, name)
	}
	return value, nil
}

func envName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, c := range strings.ToUpper(s) {
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
