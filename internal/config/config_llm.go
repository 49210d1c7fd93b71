package config

// LLMConfig configures the provider wiring cmd/conductor uses to build
// the AgentLoop's local/remote Provider pair (internal/providers).
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig is one entry of LLMConfig.Providers, keyed by
// provider name ("local" or "remote" — see buildProviders in
// cmd/conductor). When OAuth is configured, it takes precedence over
// the static APIKey for the remote provider.
type LLMProviderConfig struct {
	APIKey       string      `yaml:"api_key"`
	DefaultModel string      `yaml:"default_model"`
	BaseURL      string      `yaml:"base_url"`
	OAuth        OAuthConfig `yaml:"oauth"`
}

// OAuthConfig holds client-credentials settings for remote providers
// that rotate bearer tokens instead of issuing static API keys.
type OAuthConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Enabled reports whether the OAuth block is filled in enough to use.
func (o OAuthConfig) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != ""
}

// RoutingRule is one entry of RouterConfig.Rules. cmd/conductor's
// buildRouterConfig turns it into a routing.Rule that keeps only Name
// and Target.Provider, at priority 10 with an empty routing.Match:
// Match.Patterns and Match.Tags are not applied, so every configured
// rule matches every turn.
type RoutingRule struct {
	Name   string        `yaml:"name"`
	Match  RoutingMatch  `yaml:"match"`
	Target RoutingTarget `yaml:"target"`
}

// RoutingMatch defines rule matching criteria.
type RoutingMatch struct {
	Patterns []string `yaml:"patterns"`
	Tags     []string `yaml:"tags"`
}

// RoutingTarget defines a routing destination.
type RoutingTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}
