package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Well-known environment variables read by the core.
const (
	EnvModelName     = "CUA_MODEL_NAME"
	EnvContainerName = "CUA_CONTAINER_NAME"
	EnvAPIKey        = "CUA_API_KEY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
)

// LoadEnvFiles loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// EnvSnapshot is an immutable view of the environment taken when a request
// arrives. Per-request overrides (API keys in the request body) layer over
// the process environment without ever mutating it.
type EnvSnapshot struct {
	overrides map[string]string
}

// SnapshotEnv captures the current process environment view.
func SnapshotEnv() *EnvSnapshot {
	return &EnvSnapshot{}
}

// WithOverrides returns a new snapshot layering vars over the receiver.
// Empty values are ignored.
func (e *EnvSnapshot) WithOverrides(vars map[string]string) *EnvSnapshot {
	merged := make(map[string]string, len(e.overrides)+len(vars))
	for k, v := range e.overrides {
		merged[k] = v
	}
	for k, v := range vars {
		if v != "" {
			merged[k] = v
		}
	}
	return &EnvSnapshot{overrides: merged}
}

// Get returns the value for key, preferring overrides over the process
// environment.
func (e *EnvSnapshot) Get(key string) string {
	if e == nil {
		return os.Getenv(key)
	}
	if v, ok := e.overrides[key]; ok {
		return v
	}
	return os.Getenv(key)
}

// APIKeyFor returns the provider's API key from the snapshot, falling back
// to the generic CUA_API_KEY.
func (e *EnvSnapshot) APIKeyFor(providerEnv string) string {
	if v := e.Get(providerEnv); v != "" {
		return v
	}
	return e.Get(EnvAPIKey)
}
