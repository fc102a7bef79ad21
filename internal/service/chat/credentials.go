package chat

import (
	"context"
	"os"
	"strings"
)

// StaticStore serves fixed values, e.g. a key from a flag.
type StaticStore map[string]string

func (s StaticStore) Lookup(_ context.Context, name string) (string, error) {
	return s[name], nil
}

// EnvStore reads credentials from the environment. Names map to upper-case
// variables, so gemini_api_key is read from GEMINI_API_KEY.
type EnvStore struct{}

func (EnvStore) Lookup(_ context.Context, name string) (string, error) {
	return os.Getenv(strings.ToUpper(name)), nil
}

// ChainStore returns the first non-empty value from its stores.
type ChainStore []CredentialStore

func (c ChainStore) Lookup(ctx context.Context, name string) (string, error) {
	for _, store := range c {
		if store == nil {
			continue
		}
		v, err := store.Lookup(ctx, name)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	return "", nil
}
