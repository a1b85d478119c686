// Package config provides configuration management for the zgate upstream
// gateway core. It handles loading and parsing YAML configuration files and
// provides structured access to upstream endpoints, credential lists, signing
// settings, and per-model defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Think-tags transformation modes applied to upstream "thinking" content.
const (
	ThinkTagsStrip = "strip"
	ThinkTagsThink = "think"
	ThinkTagsRaw   = "raw"
)

// Media upload failure policies.
const (
	UploadPolicyDrop = "drop"
	UploadPolicyFail = "fail"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// UpstreamURL is the chat completions endpoint of the upstream backend.
	UpstreamURL string `yaml:"upstream-url"`

	// AuthURL is the upstream endpoint that issues anonymous bearer tokens.
	AuthURL string `yaml:"auth-url"`

	// UploadURL is the upstream file store endpoint used for media uploads.
	UploadURL string `yaml:"upload-url"`

	// OriginURL is the browser origin synthesized into fingerprint headers.
	OriginURL string `yaml:"origin-url"`

	// Tokens is the list of configured upstream bearer tokens.
	Tokens []string `yaml:"tokens"`

	// SigningSecret is the root key material for request signing. An
	// even-length hex string is hex-decoded; anything else is taken as raw
	// UTF-8 bytes. Empty selects the built-in default key.
	SigningSecret string `yaml:"signing-secret"`

	// ThinkTagsMode selects how <details> wrappers in thinking content are
	// rewritten: "strip", "think", or "raw".
	ThinkTagsMode string `yaml:"think-tags-mode"`

	// UploadPolicy defines what happens when a media upload fails:
	// "drop" removes the affected block, "fail" rejects the whole request.
	UploadPolicy string `yaml:"upload-policy"`

	// AnonymousToken enables the anonymous-token fallback when no configured
	// credential is usable.
	AnonymousToken bool `yaml:"anonymous-token"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// RequestTimeout bounds every upstream call, in seconds. Zero selects
	// the default of 300 seconds.
	RequestTimeout int `yaml:"request-timeout"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile redirects logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// Models overrides or extends the built-in model capability table.
	Models []Model `yaml:"models"`
}

// Model declares a model exposed by the gateway together with its upstream
// identifier, capability flags, and default sampling parameters.
type Model struct {
	// ID is the model identifier clients use.
	ID string `yaml:"id"`

	// Upstream is the upstream model identifier. Empty means same as ID.
	Upstream string `yaml:"upstream"`

	// Vision marks the model as accepting inline image content.
	Vision bool `yaml:"vision"`

	// Thinking enables the upstream thinking feature flag.
	Thinking bool `yaml:"thinking"`

	// Search enables the upstream web search feature flag.
	Search bool `yaml:"search"`

	// Params holds default sampling parameters merged into each request.
	Params map[string]any `yaml:"params"`
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults, and validates it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.OriginURL == "" {
		c.OriginURL = "https://chat.z.ai"
	}
	if c.UpstreamURL == "" {
		c.UpstreamURL = c.OriginURL + "/api/chat/completions"
	}
	if c.AuthURL == "" {
		c.AuthURL = c.OriginURL + "/api/v1/auths/"
	}
	if c.UploadURL == "" {
		c.UploadURL = c.OriginURL + "/api/v1/files/"
	}
	if c.ThinkTagsMode == "" {
		c.ThinkTagsMode = ThinkTagsThink
	}
	if c.UploadPolicy == "" {
		c.UploadPolicy = UploadPolicyDrop
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 300
	}
}

// Validate checks enumerated fields and the credential setup.
func (c *Config) Validate() error {
	switch c.ThinkTagsMode {
	case ThinkTagsStrip, ThinkTagsThink, ThinkTagsRaw:
	default:
		return fmt.Errorf("think-tags-mode must be one of strip, think, raw; got %q", c.ThinkTagsMode)
	}
	switch c.UploadPolicy {
	case UploadPolicyDrop, UploadPolicyFail:
	default:
		return fmt.Errorf("upload-policy must be drop or fail; got %q", c.UploadPolicy)
	}
	if len(c.Tokens) == 0 && !c.AnonymousToken {
		return fmt.Errorf("no tokens configured and anonymous-token disabled")
	}
	return nil
}

// Timeout returns the upstream request deadline as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
