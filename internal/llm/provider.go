package llm

// Config selects how the claude CLI is invoked for every turn.
type Config struct {
	// Command is the CLI binary, looked up on PATH. Defaults to "claude".
	Command string
	Model   string
	// AllowedTools is passed as --allowedTools; the agent may not use others
	// without asking, and nobody answers in print mode.
	AllowedTools   []string
	PermissionMode string
	// MaxTurns bounds the agent's own tool loop per prompt.
	MaxTurns     int
	SystemPrompt string
}
