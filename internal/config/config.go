// Package config loads the RLM system's configuration from a YAML file with
// a .env overlay, mirroring cmd/agentd/main.go's godotenv.Load + struct-based
// config pattern: environment variables win over file values, and every
// field has a sane zero-config default so `config.Load()` never requires a
// file to exist.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BackendConfig names one LM backend: which provider adapter to construct
// and which environment variable holds its API key, per SPEC_FULL.md's
// "per-backend model identifiers and API key env var names" field.
type BackendConfig struct {
	Provider  string `yaml:"provider"` // "anthropic" | "openai" | "gemini"
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// RLMConfig holds the Iteration Controller's default options, sourced from
// the `rlm:` YAML section.
type RLMConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	RecursiveMaxDepth int           `yaml:"recursive_max_depth"`
	RootTimeout       time.Duration `yaml:"root_timeout"`
	MinTimeout        time.Duration `yaml:"min_timeout"`
	TimeStep          time.Duration `yaml:"step"`
}

// HandlerConfig holds bind addresses for the LM Handler's two transports.
// Nothing reads these fields: the Handler always listens on 127.0.0.1 at a port
// the OS picks.
type HandlerConfig struct {
	StreamHost string `yaml:"stream_host"`
	StreamPort int    `yaml:"stream_port"` // 0 means "pick any free port"
	BrokerHost string `yaml:"broker_host"`
	BrokerPort int    `yaml:"broker_port"`
}

// SandboxConfig locates the subprocess-backed Environment's worker binary.
type SandboxConfig struct {
	WorkerBinary string `yaml:"worker_binary"`
	BaseDir      string `yaml:"base_dir"`
}

// ObsConfig mirrors the teacher's observability.InitOTel parameter shape
// verbatim (internal/observability/otel.go), so InitOTel needs no changes
// beyond its import path.
type ObsConfig struct {
	OTLP           string `yaml:"otlp"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// Config is the root configuration object returned by Load.
type Config struct {
	LogLevel string                   `yaml:"log_level"`
	Backends map[string]BackendConfig `yaml:"backends"`
	RLM      RLMConfig                `yaml:"rlm"`
	Handler  HandlerConfig            `yaml:"handler"`
	Sandbox  SandboxConfig            `yaml:"sandbox"`
	Obs      ObsConfig                `yaml:"obs"`
}

// defaults returns a Config populated with the zero-config fallbacks spec.md
// assigns to each tunable: 5 iterations, depth 3, the root/min/step timeout
// triple from internal/rlm.Options.setDefaults, and a root backend pointed
// at Anthropic.
func defaults() Config {
	return Config{
		LogLevel: "info",
		Backends: map[string]BackendConfig{
			"root": {Provider: "anthropic", Model: "claude-3-7-sonnet-latest", APIKeyEnv: "ANTHROPIC_API_KEY"},
		},
		RLM: RLMConfig{
			MaxIterations:     5,
			RecursiveMaxDepth: 3,
			RootTimeout:       5 * time.Minute,
			MinTimeout:        15 * time.Second,
			TimeStep:          30 * time.Second,
		},
		Handler: HandlerConfig{StreamHost: "127.0.0.1", BrokerHost: "127.0.0.1"},
		Sandbox: SandboxConfig{WorkerBinary: "rlm-worker", BaseDir: "./rlm-workdir"},
		Obs:     ObsConfig{ServiceName: "rlm", ServiceVersion: "dev", Environment: "development"},
	}
}

// Load reads .env (falling back to example.env, matching the teacher's
// fallback), then an optional YAML config file named by the RLM_CONFIG
// environment variable (default "config.yaml"; a missing file is not an
// error — defaults apply), then applies a small set of direct environment
// variable overrides so a deployment never needs a file at all.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg := defaults()

	path := os.Getenv("RLM_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		// yaml.v3 merges into an existing map, so the default backends are
		// set aside: a file that lists backends replaces them entirely.
		defaultBackends := cfg.Backends
		cfg.Backends = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.Backends == nil {
			cfg.Backends = defaultBackends
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("config: at least one backend must be configured")
	}
	if _, ok := cfg.Backends["root"]; !ok {
		return nil, fmt.Errorf(`config: backends must include a "root" entry`)
	}
	return &cfg, nil
}

// applyEnvOverrides lets a small set of environment variables win over both
// the file and the defaults, mirroring the teacher's env-wins-over-yaml
// convention in cmd/agentd/main.go.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RLM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RLM_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RLM.MaxIterations = n
		}
	}
	if v := os.Getenv("RLM_RECURSIVE_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RLM.RecursiveMaxDepth = n
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Obs.OTLP = v
	}
}

// APIKey resolves a BackendConfig's API key from its named environment
// variable. Returns an error naming the missing variable rather than
// silently constructing an unauthenticated client.
func (b BackendConfig) APIKey() (string, error) {
	if b.APIKeyEnv == "" {
		return "", nil
	}
	key := strings.TrimSpace(os.Getenv(b.APIKeyEnv))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is required for backend provider %q", b.APIKeyEnv, b.Provider)
	}
	return key, nil
}
