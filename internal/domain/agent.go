package domain

import "time"

// OutputFormat selects how a worker process emits its output.
type OutputFormat string

const (
	// OutputFormatText is unstructured plain text. No fields are extracted.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is a single JSON document written on completion.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatStreamJSON is newline-delimited JSON messages emitted as the
	// worker runs; the last message with type "result" carries the final fields.
	OutputFormatStreamJSON OutputFormat = "stream-json"
)

// Valid reports whether f is a known output format.
func (f OutputFormat) Valid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatStreamJSON:
		return true
	}
	return false
}

// Structured reports whether fragments of this format are worth parsing
// for embedded fields such as the session identifier.
func (f OutputFormat) Structured() bool {
	return f == OutputFormatJSON || f == OutputFormatStreamJSON
}

// AgentStatus is the lifecycle state of a spawned agent.
//
// Transitions are monotonic: Running → Terminated | Errored.
// Terminated covers both a clean zero exit and an operator-requested
// terminate; Errored covers nonzero exits and spawn failures.
type AgentStatus string

const (
	StatusRunning    AgentStatus = "running"
	StatusTerminated AgentStatus = "terminated"
	StatusErrored    AgentStatus = "errored"
)

// Terminal reports whether s is a final state.
func (s AgentStatus) Terminal() bool { return s != StatusRunning }

// AgentConfig is the immutable set of parameters used to launch an agent.
type AgentConfig struct {
	// Task is the instruction handed to the worker. Required.
	Task string `json:"task"`

	// Model overrides the configured default worker model.
	Model string `json:"model,omitempty"`

	// SystemPrompt replaces the worker's system prompt; AppendSystemPrompt
	// appends to it instead. At most one is normally set.
	SystemPrompt       string `json:"system_prompt,omitempty"`
	AppendSystemPrompt string `json:"append_system_prompt,omitempty"`

	// AllowedTools / DisallowedTools restrict the capabilities the worker
	// may use, by name.
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`

	// MaxTurns bounds the worker's conversation length. 0 = unbounded.
	MaxTurns int `json:"max_turns,omitempty"`

	// OutputFormat declares how the worker's output is to be interpreted.
	OutputFormat OutputFormat `json:"output_format,omitempty"`

	// WorkDir is the worker's working directory. Empty = inherit.
	WorkDir string `json:"work_dir,omitempty"`

	// Env holds extra environment overrides for the worker process.
	Env map[string]string `json:"env,omitempty"`

	// MCPConfig is per-agent side-channel configuration, materialized to a
	// temporary file and passed to the worker by path. The file lives
	// exactly as long as the agent.
	MCPConfig map[string]any `json:"mcp_config,omitempty"`
}

// AgentSnapshot is a read-only copy of a registry record. Snapshots are safe
// to retain: the output slice is copied and the config is never mutated after
// spawn.
type AgentSnapshot struct {
	ID        string       `json:"agent_id"`
	Status    AgentStatus  `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
	Config    AgentConfig  `json:"-"`
	Output    []string     `json:"-"`
}

// AgentResult is derived on demand from a snapshot; it is never cached.
type AgentResult struct {
	ID         string   `json:"agent_id"`
	SessionID  string   `json:"session_id,omitempty"`
	Output     string   `json:"output"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	DurationMS *int64   `json:"duration_ms,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// ListSummary is the response of a list query: every known agent plus
// aggregate counts partitioned by status.
type ListSummary struct {
	Agents     []AgentSnapshot `json:"agents"`
	Total      int             `json:"total"`
	Running    int             `json:"running"`
	Terminated int             `json:"terminated"`
	Errored    int             `json:"errored"`
}
