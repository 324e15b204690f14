package domain

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	AgentCreated      AgentState = "created"
	AgentInitializing AgentState = "initializing"
	AgentIdle         AgentState = "idle"
	AgentProcessing   AgentState = "processing"
	AgentError        AgentState = "error"
	AgentShutdown     AgentState = "shutdown"
)

// DefaultMaxHistory bounds an agent's conversation when unset.
const DefaultMaxHistory = 50

// AgentConfig declares one agent of a swarm.
type AgentConfig struct {
	Name          string         `json:"name"                   yaml:"name"`
	Backend       string         `json:"backend"                yaml:"backend"`
	Model         string         `json:"model,omitempty"        yaml:"model,omitempty"`
	SystemPrompt  string         `json:"system_prompt"          yaml:"system_prompt"`
	Subscriptions []string       `json:"subscriptions"          yaml:"subscriptions"`
	Tools         []ToolSchema   `json:"tools,omitempty"        yaml:"tools,omitempty"`
	MaxHistory    int            `json:"max_history"            yaml:"max_history"`
	Temperature   *float64       `json:"temperature,omitempty"  yaml:"temperature,omitempty"`
	CompleteTasks bool           `json:"complete_tasks"         yaml:"complete_tasks"`
	Metadata      map[string]any `json:"metadata,omitempty"     yaml:"metadata,omitempty"`
}

// WithDefaults fills zero-valued fields.
func (c AgentConfig) WithDefaults() AgentConfig {
	if len(c.Subscriptions) == 0 {
		c.Subscriptions = []string{TopicTaskCreated}
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	return c
}

// AgentStatus is a read-only snapshot of one agent.
type AgentStatus struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	State   AgentState `json:"state"`
	Backend string     `json:"backend"`
}
