package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"swarmx/internal/domain"
)

// PassphraseEnv names the variable holding the passphrase for "enc:" values.
const PassphraseEnv = "SWARMX_CONFIG_KEY"

// Backend defaults.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
	DefaultTimeout     = 60 * time.Second
	DefaultMetricsAddr = ":9090"
)

// Duration accepts either a Go duration string ("90s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Definition is a declarative swarm: backends, agents and the ambient settings
// used to run them.
type Definition struct {
	Name      string                     `yaml:"name"`
	Includes  []string                   `yaml:"includes,omitempty"`
	Logger    LoggerConfig               `yaml:"logger"`
	Tracer    TracerConfig               `yaml:"tracer"`
	Metrics   MetricsConfig              `yaml:"metrics"`
	Router    RouterConfig               `yaml:"router"`
	Backends  map[string]BackendConfig   `yaml:"backends"`
	Providers map[string]BackendConfig   `yaml:"providers,omitempty"` // alias of backends
	Agents    map[string]AgentDefinition `yaml:"agents"`
	Schedules []ScheduleConfig           `yaml:"schedules,omitempty"`

	// Warnings collects non-fatal problems found while loading, such as
	// unset environment variables.
	Warnings []string `yaml:"-"`
}

// BackendConfig declares one completion backend.
type BackendConfig struct {
	Name           string               `yaml:"-"`
	Type           string               `yaml:"type"`
	APIKey         string               `yaml:"api_key"`
	Model          string               `yaml:"model"`
	BaseURL        string               `yaml:"base_url"`
	Region         string               `yaml:"region,omitempty"`
	Temperature    *float64             `yaml:"temperature,omitempty"`
	MaxTokens      int                  `yaml:"max_tokens"`
	Timeout        Duration             `yaml:"timeout"`
	Extra          map[string]any       `yaml:"extra,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Fallbacks      []string             `yaml:"fallbacks,omitempty"`
	Pool           PoolConfig           `yaml:"pool"`
}

// DefaultTemperature returns the configured temperature or the package default.
func (b BackendConfig) DefaultTemperature() float64 {
	if b.Temperature != nil {
		return *b.Temperature
	}
	return DefaultTemperature
}

// CircuitBreakerConfig holds circuit breaker settings for a backend.
type CircuitBreakerConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxFailures uint32   `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
	Interval    Duration `yaml:"interval"`
}

// RateLimitConfig bounds the request rate sent to a backend.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// PoolConfig holds HTTP connection pool settings for a backend.
type PoolConfig struct {
	MaxIdleConns        int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int      `yaml:"max_conns_per_host"`
	IdleConnTimeout     Duration `yaml:"idle_conn_timeout"`
}

// AgentDefinition declares one agent.
type AgentDefinition struct {
	Backend       string         `yaml:"backend"`
	Provider      string         `yaml:"provider,omitempty"` // alias of backend
	Model         string         `yaml:"model"`
	SystemPrompt  string         `yaml:"system_prompt"`
	Subscriptions []string       `yaml:"subscriptions"`
	Tools         []ToolConfig   `yaml:"tools,omitempty"`
	MaxHistory    int            `yaml:"max_history"`
	Temperature   *float64       `yaml:"temperature,omitempty"`
	CompleteTasks bool           `yaml:"complete_tasks"`
	Metadata      map[string]any `yaml:"metadata,omitempty"`
}

// ToolConfig declares a tool an agent advertises to its backend.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// ScheduleConfig submits a task on a recurring schedule.
type ScheduleConfig struct {
	Name        string         `yaml:"name"`
	Schedule    string         `yaml:"schedule"` // cron expression or duration
	Content     string         `yaml:"content"`
	Description string         `yaml:"description,omitempty"`
	TargetTopic string         `yaml:"target_topic,omitempty"`
	Priority    string         `yaml:"priority,omitempty"`
	Payload     map[string]any `yaml:"payload,omitempty"`
}

// RouterConfig sizes the event router.
type RouterConfig struct {
	QueueSize   int `yaml:"queue_size"`
	HistorySize int `yaml:"history_size"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults returns a Definition with sensible defaults.
func Defaults() *Definition {
	return &Definition{
		Name: "swarm",
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
		Backends: map[string]BackendConfig{},
		Agents:   map[string]AgentDefinition{},
	}
}

// Load reads a swarm definition, expands ${VAR} placeholders, decrypts
// "enc:" secrets, applies env overrides and defaults, and validates the
// result. Validation failures are reported together as a *ValidationError.
func Load(path string) (*Definition, error) {
	def := Defaults()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	node, err := readDocument(absPath, def)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "empty definition "+path)
	}

	// First pass: decode to discover includes.
	if err := node.Decode(def); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
	}

	if len(def.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(def, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
		}
		// Second pass: the main file takes precedence over includes.
		if err := node.Decode(def); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse: "+err.Error())
		}
		def.Includes = nil
	}

	ApplyEnvOverrides(def)
	def.normalize()

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Parse decodes a definition from memory without includes or permission checks.
func Parse(data []byte) (*Definition, error) {
	def := Defaults()
	node, err := decodeDocument(data, def)
	if err != nil {
		return nil, domain.NewDomainError("config.Parse", domain.ErrConfigLoad, err.Error())
	}
	if node != nil {
		if err := node.Decode(def); err != nil {
			return nil, domain.NewDomainError("config.Parse", domain.ErrConfigLoad, err.Error())
		}
	}
	def.Includes = nil
	ApplyEnvOverrides(def)
	def.normalize()
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// readDocument loads path and returns the definition node with placeholders
// and secrets already resolved.
func readDocument(path string, def *Definition) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}
	node, err := decodeDocument(data, def)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, fmt.Sprintf("%s: %v", path, err))
	}
	return node, nil
}

func decodeDocument(data []byte, def *Definition) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := unwrapSwarm(doc.Content[0])

	def.Warnings = append(def.Warnings, expandEnv(root)...)
	if err := decryptSecrets(root, os.Getenv(PassphraseEnv)); err != nil {
		return nil, err
	}
	return root, nil
}

// unwrapSwarm returns the value under a top-level "swarm" key when present.
func unwrapSwarm(root *yaml.Node) *yaml.Node {
	if root.Kind != yaml.MappingNode {
		return root
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "swarm" {
			return root.Content[i+1]
		}
	}
	return root
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} in every scalar under n. Unset variables expand to
// the empty string and are reported as warnings.
func expandEnv(n *yaml.Node) []string {
	var warnings []string
	walkScalars(n, func(s *yaml.Node) error {
		if !strings.Contains(s.Value, "${") {
			return nil
		}
		s.Value = envPattern.ReplaceAllStringFunc(s.Value, func(m string) string {
			name := envPattern.FindStringSubmatch(m)[1]
			v, ok := os.LookupEnv(name)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("line %d: environment variable %s is not set", s.Line, name))
			}
			return v
		})
		return nil
	})
	return warnings
}

// decryptSecrets replaces every "enc:..." scalar with its plaintext. Without a
// passphrase encrypted values are an error: they cannot be used as-is.
func decryptSecrets(n *yaml.Node, passphrase string) error {
	return walkScalars(n, func(s *yaml.Node) error {
		enc, ok := strings.CutPrefix(s.Value, "enc:")
		if !ok {
			return nil
		}
		if passphrase == "" {
			return fmt.Errorf("line %d: encrypted value requires %s", s.Line, PassphraseEnv)
		}
		plain, err := DecryptValue(enc, passphrase)
		if err != nil {
			return fmt.Errorf("line %d: %w: %v", s.Line, domain.ErrDecryption, err)
		}
		s.Value = plain
		s.Tag = "!!str"
		return nil
	})
}

func walkScalars(n *yaml.Node, fn func(*yaml.Node) error) error {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		return fn(n)
	}
	for _, c := range n.Content {
		if err := walkScalars(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnvOverrides maps SWARMX_* env vars to definition fields.
func ApplyEnvOverrides(def *Definition) {
	if v := os.Getenv("SWARMX_LOG_LEVEL"); v != "" {
		def.Logger.Level = v
	}
	if v := os.Getenv("SWARMX_LOG_FORMAT"); v != "" {
		def.Logger.Format = v
	}
	if v := os.Getenv("SWARMX_TRACER_ENABLED"); v == "true" {
		def.Tracer.Enabled = true
	}
	if v := os.Getenv("SWARMX_TRACER_EXPORTER"); v != "" {
		def.Tracer.Exporter = v
	}
	if v := os.Getenv("SWARMX_TRACER_ENDPOINT"); v != "" {
		def.Tracer.Endpoint = v
	}
	if v := os.Getenv("SWARMX_METRICS_ADDR"); v != "" {
		def.Metrics.Enabled = true
		def.Metrics.Addr = v
	}
}

// normalize folds aliases and fills defaults.
func (d *Definition) normalize() {
	if d.Backends == nil {
		d.Backends = map[string]BackendConfig{}
	}
	for name, b := range d.Providers {
		if _, ok := d.Backends[name]; !ok {
			d.Backends[name] = b
		}
	}
	d.Providers = nil

	for name, b := range d.Backends {
		b.Name = name
		if b.Type == "" {
			b.Type = name
		}
		if b.MaxTokens == 0 {
			b.MaxTokens = DefaultMaxTokens
		}
		if b.Timeout == 0 {
			b.Timeout = Duration(DefaultTimeout)
		}
		if b.Temperature == nil {
			t := DefaultTemperature
			b.Temperature = &t
		}
		d.Backends[name] = b
	}

	for name, a := range d.Agents {
		if a.Backend == "" {
			a.Backend = a.Provider
		}
		a.Provider = ""
		if a.Subscriptions == nil {
			a.Subscriptions = []string{domain.TopicTaskCreated}
		}
		if a.MaxHistory == 0 {
			a.MaxHistory = domain.DefaultMaxHistory
		}
		d.Agents[name] = a
	}

	if d.Metrics.Addr == "" {
		d.Metrics.Addr = DefaultMetricsAddr
	}
}

// AgentNames returns agent names in sorted order.
func (d *Definition) AgentNames() []string {
	names := make([]string, 0, len(d.Agents))
	for name := range d.Agents {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BackendNames returns backend names in sorted order.
func (d *Definition) BackendNames() []string {
	names := make([]string, 0, len(d.Backends))
	for name := range d.Backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AgentConfigs converts agent definitions into runtime configs, sorted by name.
func (d *Definition) AgentConfigs() ([]domain.AgentConfig, error) {
	out := make([]domain.AgentConfig, 0, len(d.Agents))
	for _, name := range d.AgentNames() {
		a := d.Agents[name]
		tools := make([]domain.ToolSchema, 0, len(a.Tools))
		for _, t := range a.Tools {
			params, err := t.ParametersJSON()
			if err != nil {
				return nil, fmt.Errorf("agent %q tool %q: %w", name, t.Name, err)
			}
			tools = append(tools, domain.ToolSchema{Name: t.Name, Description: t.Description, Parameters: params})
		}
		out = append(out, domain.AgentConfig{
			Name:          name,
			Backend:       a.Backend,
			Model:         a.Model,
			SystemPrompt:  a.SystemPrompt,
			Subscriptions: slices.Clone(a.Subscriptions),
			Tools:         tools,
			MaxHistory:    a.MaxHistory,
			Temperature:   a.Temperature,
			CompleteTasks: a.CompleteTasks,
			Metadata:      a.Metadata,
		})
	}
	return out, nil
}

// ParametersJSON renders the tool's parameter schema as JSON. A tool without
// parameters accepts an empty object.
func (t ToolConfig) ParametersJSON() (json.RawMessage, error) {
	if len(t.Parameters) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}
	return json.Marshal(t.Parameters)
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is stored in a definition as "enc:" + value.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %v", domain.ErrEncryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", domain.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects definitions writable by group or others; they
// may carry API keys.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat definition: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("definition %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
