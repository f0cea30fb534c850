// Package config loads the engine's configuration: a YAML (or JSON5)
// file with $include composition and environment interpolation,
// overlaid by the QUOROOM_* environment variables, with defaults that
// let the engine start with no file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Environment variables recognized by the engine.
const (
	EnvDBPath            = "QUOROOM_DB_PATH"
	EnvDataDir           = "QUOROOM_DATA_DIR"
	EnvResultsDir        = "QUOROOM_RESULTS_DIR"
	EnvCloudAPI          = "QUOROOM_CLOUD_API"
	EnvUpdateSourceURL   = "QUOROOM_UPDATE_SOURCE_URL"
	EnvUpdateSourceToken = "QUOROOM_UPDATE_SOURCE_TOKEN"
	EnvSource            = "QUOROOM_SOURCE"
)

// Config is the engine's full configuration tree.
type Config struct {
	Version int `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	LLM       LLMConfig       `yaml:"llm"`
	Rooms     RoomDefaults    `yaml:"rooms"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Source is a free-text tag propagated into task trigger config,
	// e.g. to mark runs dispatched by an installer or a CI system.
	Source string `yaml:"source"`
}

// ServerConfig configures the local HTTP listener (hooks, status,
// metrics).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DataConfig locates the engine's on-disk state.
type DataConfig struct {
	// Dir is the data directory; the database, sidecar files, and
	// results live under it unless individually overridden.
	Dir string `yaml:"dir"`

	// DBPath overrides the database file location.
	DBPath string `yaml:"db_path"`

	// ResultsDir overrides where run artifacts are written.
	ResultsDir string `yaml:"results_dir"`
}

// LLMConfig selects and configures the Agent Executor backend.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Model is the default model tag; workers and tasks may override.
	Model string `yaml:"model"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RoomDefaults seeds a new room's config when the creator leaves
// fields unset.
type RoomDefaults struct {
	CycleGapMs         int64         `yaml:"cycle_gap_ms"`
	MaxTurnsPerCycle   int           `yaml:"max_turns_per_cycle"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	VoteTimeout        time.Duration `yaml:"vote_timeout"`
	QuorumThreshold    string        `yaml:"quorum_threshold"`
	QuietFrom          string        `yaml:"quiet_from"`
	QuietUntil         string        `yaml:"quiet_until"`
	AutonomyMode       string        `yaml:"autonomy_mode"`
}

// SchedulerConfig tunes the task scheduler.
type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	AcquireInterval time.Duration `yaml:"acquire_interval"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	StaleTimeout    time.Duration `yaml:"stale_timeout"`
}

// WebhookConfig tunes the hook receiver's per-token budget.
type WebhookConfig struct {
	RateLimit int           `yaml:"rate_limit"`
	Window    time.Duration `yaml:"window"`
}

// WalletToken is one supported network/token pair; the engine only
// knows the token's contract address and decimals.
type WalletToken struct {
	Network  string `yaml:"network"`
	Token    string `yaml:"token"`
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// WalletConfig configures key custody and the chain RPC endpoint.
type WalletConfig struct {
	// Secret derives the AES key that encrypts room private keys at
	// rest. Required before any wallet operation.
	Secret string `yaml:"secret"`

	// RPCURL is the chain RPC endpoint transfers are submitted to.
	RPCURL string `yaml:"rpc_url"`

	// RPCTimeout bounds one RPC call. Defaults to 60s.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	Tokens []WalletToken `yaml:"tokens"`
}

// CloudConfig configures the optional cloud relay.
type CloudConfig struct {
	APIBase           string `yaml:"api_base"`
	Token             string `yaml:"token"`
	UpdateSourceURL   string `yaml:"update_source_url"`
	UpdateSourceToken string `yaml:"update_source_token"`
}

// LoggingConfig configures process logs (distinct from the persisted
// activity trail).
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration the engine runs with absent a
// config file: everything under ~/.quoroom and the Anthropic backend.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server:  ServerConfig{Host: "127.0.0.1", Port: 0},
		LLM: LLMConfig{
			Provider:   "anthropic",
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Rooms: RoomDefaults{
			CycleGapMs:         60_000,
			MaxTurnsPerCycle:   10,
			MaxConcurrentTasks: 3,
			VoteTimeout:        time.Hour,
			QuorumThreshold:    "majority",
			AutonomyMode:       "semi",
		},
		Scheduler: SchedulerConfig{
			PollInterval:    time.Second,
			AcquireInterval: time.Second,
			MaxConcurrency:  5,
			StaleTimeout:    30 * time.Minute,
		},
		Webhook: WebhookConfig{RateLimit: 30, Window: time.Minute},
		Wallet:  WalletConfig{RPCTimeout: 60 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path (empty path loads pure
// defaults), overlays the QUOROOM_* environment, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		loaded, err := decodeRaw(raw)
		if err != nil {
			return nil, err
		}
		if loaded.Version != 0 {
			if err := ValidateVersion(loaded.Version); err != nil {
				return nil, err
			}
		}
		cfg = merge(cfg, loaded)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the QUOROOM_* variables onto the loaded config.
// Environment wins over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Data.DBPath = v
	}
	if v := os.Getenv(EnvResultsDir); v != "" {
		c.Data.ResultsDir = v
	}
	if v := os.Getenv(EnvCloudAPI); v != "" {
		c.Cloud.APIBase = v
	}
	if v := os.Getenv(EnvUpdateSourceURL); v != "" {
		c.Cloud.UpdateSourceURL = v
	}
	if v := os.Getenv(EnvUpdateSourceToken); v != "" {
		c.Cloud.UpdateSourceToken = v
	}
	if v := os.Getenv(EnvSource); v != "" {
		c.Source = v
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	if c.Webhook.RateLimit < 0 {
		return fmt.Errorf("config: webhook rate_limit must be non-negative")
	}
	return nil
}

// DataDir resolves the data directory, defaulting to ~/.quoroom.
func (c *Config) DataDir() string {
	if c.Data.Dir != "" {
		return c.Data.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quoroom"
	}
	return filepath.Join(home, ".quoroom")
}

// DBPath resolves the database file location.
func (c *Config) DBPath() string {
	if c.Data.DBPath != "" {
		return c.Data.DBPath
	}
	return filepath.Join(c.DataDir(), "quoroom.db")
}

// ResultsDir resolves where run artifacts are written.
func (c *Config) ResultsDir() string {
	if c.Data.ResultsDir != "" {
		return c.Data.ResultsDir
	}
	return filepath.Join(c.DataDir(), "results")
}

// merge overlays non-zero fields of src onto dst and returns dst. The
// raw loader already deep-merged includes; this only reconciles the
// decoded file with the baked-in defaults.
func merge(dst, src *Config) *Config {
	if src.Version != 0 {
		dst.Version = src.Version
	}
	if src.Server.Host != "" {
		dst.Server.Host = src.Server.Host
	}
	if src.Server.Port != 0 {
		dst.Server.Port = src.Server.Port
	}
	if src.Data.Dir != "" {
		dst.Data.Dir = src.Data.Dir
	}
	if src.Data.DBPath != "" {
		dst.Data.DBPath = src.Data.DBPath
	}
	if src.Data.ResultsDir != "" {
		dst.Data.ResultsDir = src.Data.ResultsDir
	}
	if src.LLM.Provider != "" {
		dst.LLM.Provider = src.LLM.Provider
	}
	if src.LLM.Model != "" {
		dst.LLM.Model = src.LLM.Model
	}
	if src.LLM.AnthropicAPIKey != "" {
		dst.LLM.AnthropicAPIKey = src.LLM.AnthropicAPIKey
	}
	if src.LLM.OpenAIAPIKey != "" {
		dst.LLM.OpenAIAPIKey = src.LLM.OpenAIAPIKey
	}
	if src.LLM.MaxRetries != 0 {
		dst.LLM.MaxRetries = src.LLM.MaxRetries
	}
	if src.LLM.RetryDelay != 0 {
		dst.LLM.RetryDelay = src.LLM.RetryDelay
	}
	if src.Rooms.CycleGapMs != 0 {
		dst.Rooms.CycleGapMs = src.Rooms.CycleGapMs
	}
	if src.Rooms.MaxTurnsPerCycle != 0 {
		dst.Rooms.MaxTurnsPerCycle = src.Rooms.MaxTurnsPerCycle
	}
	if src.Rooms.MaxConcurrentTasks != 0 {
		dst.Rooms.MaxConcurrentTasks = src.Rooms.MaxConcurrentTasks
	}
	if src.Rooms.VoteTimeout != 0 {
		dst.Rooms.VoteTimeout = src.Rooms.VoteTimeout
	}
	if src.Rooms.QuorumThreshold != "" {
		dst.Rooms.QuorumThreshold = src.Rooms.QuorumThreshold
	}
	if src.Rooms.QuietFrom != "" {
		dst.Rooms.QuietFrom = src.Rooms.QuietFrom
	}
	if src.Rooms.QuietUntil != "" {
		dst.Rooms.QuietUntil = src.Rooms.QuietUntil
	}
	if src.Rooms.AutonomyMode != "" {
		dst.Rooms.AutonomyMode = src.Rooms.AutonomyMode
	}
	if src.Scheduler.PollInterval != 0 {
		dst.Scheduler.PollInterval = src.Scheduler.PollInterval
	}
	if src.Scheduler.AcquireInterval != 0 {
		dst.Scheduler.AcquireInterval = src.Scheduler.AcquireInterval
	}
	if src.Scheduler.MaxConcurrency != 0 {
		dst.Scheduler.MaxConcurrency = src.Scheduler.MaxConcurrency
	}
	if src.Scheduler.StaleTimeout != 0 {
		dst.Scheduler.StaleTimeout = src.Scheduler.StaleTimeout
	}
	if src.Webhook.RateLimit != 0 {
		dst.Webhook.RateLimit = src.Webhook.RateLimit
	}
	if src.Webhook.Window != 0 {
		dst.Webhook.Window = src.Webhook.Window
	}
	if src.Wallet.Secret != "" {
		dst.Wallet.Secret = src.Wallet.Secret
	}
	if src.Wallet.RPCURL != "" {
		dst.Wallet.RPCURL = src.Wallet.RPCURL
	}
	if src.Wallet.RPCTimeout != 0 {
		dst.Wallet.RPCTimeout = src.Wallet.RPCTimeout
	}
	if len(src.Wallet.Tokens) > 0 {
		dst.Wallet.Tokens = src.Wallet.Tokens
	}
	if src.Cloud.APIBase != "" {
		dst.Cloud.APIBase = src.Cloud.APIBase
	}
	if src.Cloud.Token != "" {
		dst.Cloud.Token = src.Cloud.Token
	}
	if src.Cloud.UpdateSourceURL != "" {
		dst.Cloud.UpdateSourceURL = src.Cloud.UpdateSourceURL
	}
	if src.Cloud.UpdateSourceToken != "" {
		dst.Cloud.UpdateSourceToken = src.Cloud.UpdateSourceToken
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Source != "" {
		dst.Source = src.Source
	}
	return dst
}
