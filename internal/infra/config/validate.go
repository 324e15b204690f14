package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"swarmx/internal/domain"
)

// ValidationError accumulates definition validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "swarm definition invalid:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap classifies validation failures as configuration load errors.
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// ValidBackendTypes lists the backend kinds the registry can construct.
var ValidBackendTypes = []string{
	"anthropic", "bedrock", "echo", "gemini", "google", "ollama", "openai", "openrouter", "xai",
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

var validExporters = map[string]bool{"": true, "noop": true, "stdout": true, "otlp": true}

// Validate checks def for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(def *Definition) error {
	ve := &ValidationError{}
	validateBackends(def, ve)
	validateAgents(def, ve)
	validateSchedules(def, ve)
	validateAmbient(def, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBackends(def *Definition, ve *ValidationError) {
	if len(def.Backends) == 0 {
		ve.Add("no backends defined (expected a 'backends' or 'providers' section)")
		return
	}
	for _, name := range def.BackendNames() {
		b := def.Backends[name]
		if !slices.Contains(ValidBackendTypes, b.Type) {
			ve.Add("backend %q: type %q is invalid (want one of: %s)", name, b.Type, strings.Join(ValidBackendTypes, ", "))
		}
		if b.Type == "bedrock" && b.Region == "" {
			ve.Add("backend %q: region is required for bedrock", name)
		}
		if b.Temperature != nil && (*b.Temperature < 0 || *b.Temperature > 2) {
			ve.Add("backend %q: temperature %.2f out of range [0, 2]", name, *b.Temperature)
		}
		if b.MaxTokens < 0 {
			ve.Add("backend %q: max_tokens must be >= 0", name)
		}
		if b.Timeout < 0 {
			ve.Add("backend %q: timeout must be >= 0", name)
		}
		if b.RateLimit.RequestsPerMinute < 0 || b.RateLimit.Burst < 0 {
			ve.Add("backend %q: rate_limit values must be >= 0", name)
		}
		for _, fb := range b.Fallbacks {
			if fb == name {
				ve.Add("backend %q: cannot fall back to itself", name)
			} else if _, ok := def.Backends[fb]; !ok {
				ve.Add("backend %q: fallback %q is not defined", name, fb)
			}
		}
	}
}

func validateAgents(def *Definition, ve *ValidationError) {
	if len(def.Agents) == 0 {
		ve.Add("no agents defined (expected an 'agents' section)")
		return
	}
	for _, name := range def.AgentNames() {
		a := def.Agents[name]
		if strings.ContainsAny(name, ".* ") {
			ve.Add("agent %q: name must not contain '.', '*' or spaces", name)
		}
		switch {
		case a.Backend == "":
			ve.Add("agent %q: no backend configured", name)
		case len(def.Backends) > 0:
			if _, ok := def.Backends[a.Backend]; !ok {
				ve.Add("agent %q references unknown backend %q", name, a.Backend)
			}
		}
		if a.MaxHistory < 0 {
			ve.Add("agent %q: max_history must be > 0", name)
		}
		if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
			ve.Add("agent %q: temperature %.2f out of range [0, 2]", name, *a.Temperature)
		}
		for i, sub := range a.Subscriptions {
			if strings.TrimSpace(sub) == "" {
				ve.Add("agent %q: subscriptions[%d] is empty", name, i)
			}
		}
		seen := make(map[string]bool)
		for i, t := range a.Tools {
			if t.Name == "" {
				ve.Add("agent %q: tools[%d].name is required", name, i)
				continue
			}
			if seen[t.Name] {
				ve.Add("agent %q: duplicate tool %q", name, t.Name)
			}
			seen[t.Name] = true
			if err := compileToolSchema(t); err != nil {
				ve.Add("agent %q: tool %q: %v", name, t.Name, err)
			}
		}
	}
}

func compileToolSchema(t ToolConfig) error {
	raw, err := t.ParametersJSON()
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("parameters are not valid JSON")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("invalid parameters schema: %w", err)
	}
	if _, err := compiler.Compile("parameters.json"); err != nil {
		return fmt.Errorf("invalid parameters schema: %w", err)
	}
	return nil
}

func validateSchedules(def *Definition, ve *ValidationError) {
	names := make(map[string]bool)
	for i, s := range def.Schedules {
		if s.Name == "" {
			ve.Add("schedules[%d].name is required", i)
		} else if names[s.Name] {
			ve.Add("schedules[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if s.Content == "" && s.Description == "" {
			ve.Add("schedules[%d] (%s): content is required", i, s.Name)
		}
		if err := checkSchedule(s.Schedule); err != nil {
			ve.Add("schedules[%d] (%s): %v", i, s.Name, err)
		}
		if _, err := domain.ParsePriority(s.Priority); err != nil {
			ve.Add("schedules[%d] (%s): unknown priority %q", i, s.Name, s.Priority)
		}
	}
}

// checkSchedule accepts the same syntax as the scheduler: a five-field cron
// expression, a descriptor such as "@hourly", or a positive duration.
func checkSchedule(s string) error {
	if s == "" {
		return fmt.Errorf("schedule is required")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s); err == nil {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("schedule %q is not a cron expression or positive duration", s)
	}
	return nil
}

func validateAmbient(def *Definition, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(def.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", def.Logger.Level)
	}
	switch strings.ToLower(def.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", def.Logger.Format)
	}
	if !validExporters[def.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, otlp)", def.Tracer.Exporter)
	}
	if def.Router.QueueSize < 0 || def.Router.HistorySize < 0 {
		ve.Add("router sizes must be >= 0")
	}
}
