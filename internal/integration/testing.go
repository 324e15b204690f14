// Package integration holds helpers for tests that run a whole swarm, either
// against local fakes or against live backends when credentials are present.
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"swarmx/internal/infra/config"
)

// Config holds integration test configuration from the environment.
type Config struct {
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
	TestTimeout  time.Duration
	SkipSlow     bool
}

// LoadConfig loads integration test configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:    os.Getenv("GEMINI_API_KEY"),
		TestTimeout:  60 * time.Second,
		SkipSlow:     os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set.
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("skipping %s integration test: API key not set", name)
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// LoadDefinition parses a YAML swarm definition or fails the test.
func LoadDefinition(t *testing.T, yaml string) *config.Definition {
	t.Helper()
	def, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	return def
}
