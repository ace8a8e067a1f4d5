// ABOUTME: Configuration loading and parsing for interview-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete interview-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Media    MediaConfig    `yaml:"media"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Services ServicesConfig `yaml:"services"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
// When JWTSecret is empty the HTTP API runs unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MediaConfig holds media buffer segmentation and backpressure settings
type MediaConfig struct {
	// MaxUtteranceBytes forces a flush once the buffered payload reaches
	// this size, even without an end-of-turn signal.
	MaxUtteranceBytes int `yaml:"max_utterance_bytes"`

	// QueueDepth bounds the number of flushed utterances waiting for
	// dispatch. Exceeding it surfaces Overloaded to the client.
	QueueDepth int `yaml:"queue_depth"`

	MaxUtteranceDuration time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	MaxUtteranceDurationRaw string `yaml:"max_utterance_duration"`
}

// AnalysisConfig holds analysis gateway dispatch policy
type AnalysisConfig struct {
	// MaxInFlight caps outbound external-service calls across all sessions.
	MaxInFlight int `yaml:"max_in_flight"`

	Transcription TaskPolicyConfig `yaml:"transcription"`
	VideoSignal   TaskPolicyConfig `yaml:"video_signal"`
	FollowUp      TaskPolicyConfig `yaml:"follow_up"`
	Evaluation    TaskPolicyConfig `yaml:"evaluation"`
	Report        TaskPolicyConfig `yaml:"report"`

	JoinTimeout time.Duration `yaml:"-"`

	JoinTimeoutRaw string `yaml:"join_timeout"`
}

// TaskPolicyConfig holds the per-task-kind retry and deadline policy
type TaskPolicyConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	Deadline time.Duration `yaml:"-"`

	DeadlineRaw string `yaml:"deadline"`
}

// ServicesConfig holds external analysis service endpoints
type ServicesConfig struct {
	TranscriptionURL string    `yaml:"transcription_url"`
	VideoAnalysisURL string    `yaml:"video_analysis_url"`
	LLM              LLMConfig `yaml:"llm"`
}

// LLMConfig holds the chat-completions service configuration
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PromptsConfig holds prompt template configuration
type PromptsConfig struct {
	// Path points at a JSON template file. Empty means built-in defaults.
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated with the built-in defaults.
// Used by tests and by callers that configure everything programmatically.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// ${VAR_NAME:-fallback} uses the fallback when the variable is unset or empty;
// a plain ${VAR_NAME} becomes an empty string when unset.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		expr := re.FindStringSubmatch(match)[1]
		name, fallback, hasFallback := strings.Cut(expr, ":-")
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Media.MaxUtteranceBytes <= 0 {
		return fmt.Errorf("media.max_utterance_bytes must be positive")
	}
	if c.Media.QueueDepth <= 0 {
		return fmt.Errorf("media.queue_depth must be positive")
	}
	if c.Analysis.MaxInFlight <= 0 {
		return fmt.Errorf("analysis.max_in_flight must be positive")
	}
	for _, p := range []struct {
		name   string
		policy TaskPolicyConfig
	}{
		{"transcription", c.Analysis.Transcription},
		{"video_signal", c.Analysis.VideoSignal},
		{"follow_up", c.Analysis.FollowUp},
		{"evaluation", c.Analysis.Evaluation},
		{"report", c.Analysis.Report},
	} {
		if p.policy.MaxAttempts <= 0 {
			return fmt.Errorf("analysis.%s.max_attempts must be positive", p.name)
		}
		if p.policy.Deadline <= 0 {
			return fmt.Errorf("analysis.%s.deadline must be positive", p.name)
		}
	}
	return nil
}

// applyDefaults fills in zero-valued fields with sensible defaults.
// Transcription and video analysis are cheap and idempotent, so they retry
// harder than report generation, which must not silently duplicate.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "interview.db"
	}
	if c.Media.MaxUtteranceBytes == 0 {
		c.Media.MaxUtteranceBytes = 1 << 20 // 1 MiB
	}
	if c.Media.MaxUtteranceDuration == 0 {
		c.Media.MaxUtteranceDuration = 30 * time.Second
	}
	if c.Media.QueueDepth == 0 {
		c.Media.QueueDepth = 16
	}
	if c.Analysis.MaxInFlight == 0 {
		c.Analysis.MaxInFlight = 32
	}
	if c.Analysis.JoinTimeout == 0 {
		c.Analysis.JoinTimeout = 20 * time.Second
	}
	applyPolicyDefaults(&c.Analysis.Transcription, 4, 15*time.Second)
	applyPolicyDefaults(&c.Analysis.VideoSignal, 4, 20*time.Second)
	applyPolicyDefaults(&c.Analysis.FollowUp, 3, 30*time.Second)
	applyPolicyDefaults(&c.Analysis.Evaluation, 3, 30*time.Second)
	applyPolicyDefaults(&c.Analysis.Report, 2, 60*time.Second)
	if c.Services.LLM.Model == "" {
		c.Services.LLM.Model = "gpt-4o-mini"
	}
	if c.Services.LLM.BaseURL == "" {
		c.Services.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.Services.LLM.Temperature == 0 {
		c.Services.LLM.Temperature = 0.7
	}
	if c.Services.LLM.MaxTokens == 0 {
		c.Services.LLM.MaxTokens = 4000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func applyPolicyDefaults(p *TaskPolicyConfig, attempts int, deadline time.Duration) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = attempts
	}
	if p.Deadline == 0 {
		p.Deadline = deadline
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func (c *Config) parseDurations() error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{c.Media.MaxUtteranceDurationRaw, &c.Media.MaxUtteranceDuration, "media.max_utterance_duration"},
		{c.Analysis.JoinTimeoutRaw, &c.Analysis.JoinTimeout, "analysis.join_timeout"},
		{c.Analysis.Transcription.DeadlineRaw, &c.Analysis.Transcription.Deadline, "analysis.transcription.deadline"},
		{c.Analysis.VideoSignal.DeadlineRaw, &c.Analysis.VideoSignal.Deadline, "analysis.video_signal.deadline"},
		{c.Analysis.FollowUp.DeadlineRaw, &c.Analysis.FollowUp.Deadline, "analysis.follow_up.deadline"},
		{c.Analysis.Evaluation.DeadlineRaw, &c.Analysis.Evaluation.Deadline, "analysis.evaluation.deadline"},
		{c.Analysis.Report.DeadlineRaw, &c.Analysis.Report.Deadline, "analysis.report.deadline"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
