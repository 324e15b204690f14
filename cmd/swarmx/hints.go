package main

import (
	"errors"
	"fmt"
	"strings"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

// friendlyError is a command failure explained for the operator.
type friendlyError struct {
	Title   string
	Message string
	Hints   []string
}

func (fe friendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(errStyle.Render(symbols.Fail + " " + fe.Title))
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	for _, h := range fe.Hints {
		fmt.Fprintf(&sb, "\n  %s %s", symbols.Bullet, h)
	}
	return sb.String()
}

type errorPattern struct {
	match func(error) bool
	title string
	hints []string
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// Sentinels are checked before text patterns so wrapping does not matter.
var patterns = []errorPattern{
	{
		match: func(err error) bool { var ve *config.ValidationError; return errors.As(err, &ve) },
		title: "Invalid swarm definition",
		hints: []string{"Run 'swarmx validate <file>' to list every problem"},
	},
	{
		match: is(domain.ErrConfigLoad),
		title: "Cannot load swarm definition",
		hints: []string{"Check the path and YAML syntax", "Definitions must not be group or world writable (chmod 600)"},
	},
	{
		match: is(domain.ErrBackendNotFound),
		title: "Unknown backend",
		hints: []string{"Declare the backend under 'backends:'", "Check the agent's 'backend' field for typos"},
	},
	{
		match: is(domain.ErrAuthInvalid),
		title: "Backend rejected the credentials",
		hints: []string{"Check the API key variable in your environment or .env", "Verify the key has not expired"},
	},
	{
		match: is(domain.ErrRateLimit),
		title: "Backend rate limit reached",
		hints: []string{"Wait before retrying", "Lower rate_limit.requests_per_minute for the backend"},
	},
	{
		match: is(domain.ErrCircuitOpen),
		title: "Backend temporarily disabled",
		hints: []string{"The circuit breaker opened after repeated failures; retry after its timeout", "Add fallbacks to the backend"},
	},
	{
		match: containsAny("connection refused", "dial tcp", "no such host"),
		title: "Connection failed",
		hints: []string{"Check the backend's base_url", "For ollama, make sure the server is running"},
	},
	{
		match: containsAny("address already in use"),
		title: "Metrics address in use",
		hints: []string{"Change metrics.addr or set SWARMX_METRICS_ADDR"},
	},
}

// humanize explains err with recovery hints. Unknown errors keep their text.
func humanize(err error) friendlyError {
	for _, p := range patterns {
		if p.match(err) {
			return friendlyError{Title: p.title, Message: err.Error(), Hints: p.hints}
		}
	}
	return friendlyError{Title: "Command failed", Message: err.Error(), Hints: []string{"Re-run with --log-level debug for details"}}
}
