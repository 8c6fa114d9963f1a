package config

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const Version = "0.1.0"

// DefaultSystemPrompt is appended to the agent's system prompt when
// agent.system_prompt is unset.
const DefaultSystemPrompt = "You are a senior software engineer. Follow instructions carefully, " +
	"make minimal changes, and explain reasoning succinctly."

// Credentials holds secrets loaded from credentials.toml.
type Credentials struct {
	WebhookSecret string `toml:"webhook_secret"`
}

// LoadCredentials reads credentials.toml. Returns an empty Credentials if
// the file does not exist. Warns if the file has insecure permissions.
func LoadCredentials() (*Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return &Credentials{}, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("credentials file has insecure permissions",
			"path", path, "mode", fmt.Sprintf("%04o", perm))
	}

	creds := &Credentials{}
	if _, err := toml.DecodeFile(path, creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.toml with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(creds); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), fs.FileMode(0o600)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type Config struct {
	DBPath       string `toml:"db_path"`
	RepoRoot     string `toml:"repo_root"`
	WorktreeRoot string `toml:"worktree_root"`
	LogLevel     string `toml:"log_level"`
	LogFile      string `toml:"log_file"`
	PIDFile      string `toml:"pid_file"`

	// Owners are the actor ids allowed to approve jobs and send instructions.
	Owners            []string `toml:"owners"`
	DefaultBaseBranch string   `toml:"default_base_branch"`

	Forums   []ForumConfig  `toml:"forums"`
	Agent    AgentConfig    `toml:"agent"`
	Frontend FrontendConfig `toml:"frontend"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

// ForumConfig maps a forum to the repository its threads report against.
type ForumConfig struct {
	ID         string `toml:"id"`
	RepoPath   string `toml:"repo_path"`
	BaseBranch string `toml:"base_branch"`
}

type AgentConfig struct {
	Command        string   `toml:"command"`
	Model          string   `toml:"model"`
	AllowedTools   []string `toml:"allowed_tools"`
	PermissionMode string   `toml:"permission_mode"`
	MaxTurns       int      `toml:"max_turns"`
	SystemPrompt   string   `toml:"system_prompt"`
	IdleTTL        string   `toml:"idle_ttl"`
}

type FrontendConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	Secret        string `toml:"secret"`
	CallbackURL   string `toml:"callback_url"`
	MaxMessageLen int    `toml:"max_message_len"`
}

// minMessageLen leaves room for the code-block wrapper and a truncation
// marker in status messages.
const minMessageLen = 64

func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	fileSecret := cfg.Frontend.Secret
	applyDefaults(cfg)
	applyCredentialsAndEnv(cfg)
	if fileSecret != "" {
		slog.Warn("frontend secret found in config file; prefer credentials.toml or BUGHUNTER_WEBHOOK_SECRET env var")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

// LoadMinimal loads config without running validate(). Used by read-only
// commands that only need paths.
func LoadMinimal(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	applyDefaults(cfg)
	applyCredentialsAndEnv(cfg)
	resolvePaths(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = defaultIn(DataDir, "bughunter.db")
	}
	if cfg.RepoRoot == "" {
		cfg.RepoRoot = defaultIn(DataDir, "repos")
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = defaultIn(DataDir, "worktrees")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = defaultIn(StateDir, "bughunter.log")
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = defaultIn(StateDir, "bughunter.pid")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DefaultBaseBranch == "" {
		cfg.DefaultBaseBranch = "main"
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.AllowedTools == nil {
		cfg.Agent.AllowedTools = []string{"Read", "Write", "Edit"}
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 20
	}
	if cfg.Agent.SystemPrompt == "" {
		cfg.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Agent.IdleTTL == "" {
		cfg.Agent.IdleTTL = "10m"
	}
	if cfg.Frontend.ListenAddr == "" {
		cfg.Frontend.ListenAddr = "127.0.0.1:9848"
	}
	if cfg.Frontend.MaxMessageLen == 0 {
		cfg.Frontend.MaxMessageLen = 1900
	}
}

// defaultIn joins name onto the XDG directory dir, or returns name alone
// (resolved against the config dir later) when the home dir is unknown.
func defaultIn(dir func() (string, error), name string) string {
	if d, err := dir(); err == nil {
		return filepath.Join(d, name)
	}
	return name
}

// applyCredentialsAndEnv layers credentials.toml and then environment
// variables over the config file. Env wins.
func applyCredentialsAndEnv(cfg *Config) {
	creds, err := LoadCredentials()
	if err != nil {
		slog.Warn("failed to load credentials", "error", err)
	}
	if creds != nil && creds.WebhookSecret != "" {
		cfg.Frontend.Secret = creds.WebhookSecret
	}

	if v := os.Getenv("BUGHUNTER_WEBHOOK_SECRET"); v != "" {
		cfg.Frontend.Secret = v
	}
	if v := os.Getenv("BUGHUNTER_CALLBACK_URL"); v != "" {
		cfg.Frontend.CallbackURL = v
	}
	if v := os.Getenv("BUGHUNTER_OWNERS"); v != "" {
		cfg.Owners = splitCSV(v)
	}
	if v := os.Getenv("BUGHUNTER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	ttl, err := time.ParseDuration(cfg.Agent.IdleTTL)
	if err != nil {
		return fmt.Errorf("invalid agent.idle_ttl %q: %w", cfg.Agent.IdleTTL, err)
	}
	if ttl <= 0 {
		return fmt.Errorf("agent.idle_ttl must be positive, got %q", cfg.Agent.IdleTTL)
	}
	if cfg.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	if cfg.Frontend.MaxMessageLen < minMessageLen {
		return fmt.Errorf("frontend.max_message_len must be at least %d", minMessageLen)
	}
	if cfg.Frontend.CallbackURL != "" {
		if err := validateWebhookURL(cfg.Frontend.CallbackURL); err != nil {
			return fmt.Errorf("invalid frontend.callback_url: %w", err)
		}
	}
	cfg.Owners = normalizeIDs(cfg.Owners)
	if len(cfg.Owners) == 0 {
		slog.Warn("no owners configured; approvals and instructions will be rejected")
	}

	if len(cfg.Forums) == 0 {
		return fmt.Errorf("at least one [[forums]] entry is required")
	}
	seen := make(map[string]struct{}, len(cfg.Forums))
	for i, f := range cfg.Forums {
		id := strings.TrimSpace(f.ID)
		if id == "" {
			return fmt.Errorf("forums[%d]: id is required", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("forum %q: configured more than once", id)
		}
		seen[id] = struct{}{}
		if f.RepoPath == "" {
			return fmt.Errorf("forum %q: repo_path is required", id)
		}
		cfg.Forums[i].ID = id
	}
	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	cfg.RepoRoot = absPath(cfg.BaseDir, cfg.RepoRoot)
	cfg.WorktreeRoot = absPath(cfg.BaseDir, cfg.WorktreeRoot)
	cfg.PIDFile = absPath(cfg.BaseDir, cfg.PIDFile)
	if cfg.LogFile != "" {
		cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	}
	// Forum repositories are relative to repo_root, not to the config file.
	for i := range cfg.Forums {
		cfg.Forums[i].RepoPath = absPath(cfg.RepoRoot, cfg.Forums[i].RepoPath)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

// Forum returns the mapping for forumRef.
func (cfg *Config) Forum(forumRef string) (*ForumConfig, bool) {
	for i := range cfg.Forums {
		if cfg.Forums[i].ID == forumRef {
			return &cfg.Forums[i], true
		}
	}
	return nil, false
}

// BaseBranch returns the branch new worktrees for forumRef start from.
func (cfg *Config) BaseBranch(forumRef string) string {
	if f, ok := cfg.Forum(forumRef); ok && f.BaseBranch != "" {
		return f.BaseBranch
	}
	return cfg.DefaultBaseBranch
}

func (cfg *Config) IsOwner(actorID string) bool {
	return actorID != "" && slices.Contains(cfg.Owners, actorID)
}

// WorktreePath returns <worktree_root>/<repo name>/<thread ref>.
func (cfg *Config) WorktreePath(repoPath, threadRef string) string {
	return filepath.Join(cfg.WorktreeRoot, sanitize(filepath.Base(repoPath)), sanitize(threadRef))
}

// IdleTimeout returns agent.idle_ttl. It is validated by Load.
func (cfg *Config) IdleTimeout() time.Duration {
	d, err := time.ParseDuration(cfg.Agent.IdleTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "default"
	}
	return out
}
