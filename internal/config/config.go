package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "2m"
// decode; yaml.v3 cannot parse duration strings into time.Duration
// directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document, combining provider
// wiring (llm) with the core's own tunables (keypool, context,
// router, session).
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	KeyPool       KeyPoolConfig       `yaml:"keypool"`
	Context       ContextConfig       `yaml:"context"`
	Router        RouterConfig        `yaml:"router"`
	Session       SessionConfig       `yaml:"session"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig tunes the OpenTelemetry tracer built for this
// process. Metrics have no configuration of their own: NewMetrics
// always registers against the default Prometheus registry.
type ObservabilityConfig struct {
	ServiceName   string  `yaml:"service_name"`
	Environment   string  `yaml:"environment"`
	TraceEndpoint string  `yaml:"trace_endpoint"`
	SamplingRate  float64 `yaml:"sampling_rate"`
}

// KeyPoolConfig configures the credential rotation pool shared by a
// provider's calls.
type KeyPoolConfig struct {
	Credentials []string `yaml:"credentials"`
}

// ContextConfig tunes ContextFitter and the budget tracker that
// watches it.
type ContextConfig struct {
	ReserveForOutput        int `yaml:"reserve_for_output"`
	MaxToolResultTokens     int `yaml:"max_tool_result_tokens"`
	MaxMessagesBeforeSummary int `yaml:"max_messages_before_summary"`
	KeepRecentMessages      int `yaml:"keep_recent_messages"`
	MaxSummaryLength        int `yaml:"max_summary_length"`
}

// RouterConfig tunes the local/remote Router.
type RouterConfig struct {
	DefaultTarget     string        `yaml:"default_target"`
	LargeContextRatio float64       `yaml:"large_context_ratio"`
	AlwaysLocalTags   []string      `yaml:"always_local_tags"`
	AlwaysRemoteTags  []string      `yaml:"always_remote_tags"`
	Rules             []RoutingRule `yaml:"rules"`
}

// SessionConfig tunes SessionMutex and the agent turn loop.
type SessionConfig struct {
	LockTimeout         Duration `yaml:"lock_timeout"`
	MaxIterations       int      `yaml:"max_iterations"`
	EscalationThreshold float64  `yaml:"escalation_threshold"`
}

// Defaults returns a Config with the core's documented defaults
// applied, suitable as a base before Load overlays file contents.
func Defaults() *Config {
	return &Config{
		Context: ContextConfig{
			ReserveForOutput:         2048,
			MaxToolResultTokens:      4000,
			MaxMessagesBeforeSummary: 40,
			KeepRecentMessages:       10,
			MaxSummaryLength:         2000,
		},
		Router: RouterConfig{
			DefaultTarget:     "local",
			LargeContextRatio: 0.8,
		},
		Session: SessionConfig{
			LockTimeout:         Duration(2 * time.Minute),
			MaxIterations:       10,
			EscalationThreshold: 0.5,
		},
		Observability: ObservabilityConfig{
			ServiceName:  "conductor",
			SamplingRate: 1.0,
		},
	}
}

// Load reads and decodes the configuration at path, resolving
// $include directives and environment variable expansion.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	return decodeRawConfig(raw)
}
