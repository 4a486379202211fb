// Package config loads the container manager's settings.
//
// Settings come from environment variables, optionally overlaid by a YAML
// config file (CONFIG_FILE). The file is validated against an embedded JSON
// schema before any value is accepted, so a typo'd key or a string where a
// number belongs fails at startup instead of silently falling back to a
// default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/chatops-ai/container-manager/common/environment"
	"github.com/chatops-ai/container-manager/internal/manager/bridge"
	"github.com/chatops-ai/container-manager/internal/manager/runtime"
)

// Config holds everything the service needs to run.
type Config struct {
	// HTTPAddr is the listen address of the HTTP API.
	HTTPAddr string
	// ServiceToken is the shared secret required on every API call, and
	// sent to the session store on every outbound call.
	ServiceToken string
	// SessionAPIURL is the base URL of the external session store.
	SessionAPIURL string

	// AgentImage is the container image run for every session.
	AgentImage string
	// AgentNetwork is the isolated network session containers join.
	AgentNetwork string
	// AgentPort is the agent service port inside each container.
	AgentPort int
	// MaxContainers caps the fleet size.
	MaxContainers int

	// IdleTimeout is inactivity before a running container is paused.
	IdleTimeout time.Duration
	// DestroyTimeout is inactivity before a terminal session is destroyed.
	DestroyTimeout time.Duration
	// SweepInterval is the lifecycle sweep cadence.
	SweepInterval time.Duration
	// HealthInterval is the health sweep cadence.
	HealthInterval time.Duration
	// ReadyTimeout is the overall readiness budget after a create.
	ReadyTimeout time.Duration

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is text or json.
	LogFormat string
}

// FileConfig is the YAML config file shape. Every field is optional; set
// fields override the environment.
type FileConfig struct {
	HTTPAddr            string `yaml:"http_addr" json:"http_addr,omitempty"`
	SessionAPIURL       string `yaml:"session_api_url" json:"session_api_url,omitempty"`
	AgentImage          string `yaml:"agent_image" json:"agent_image,omitempty"`
	AgentNetwork        string `yaml:"agent_network" json:"agent_network,omitempty"`
	AgentPort           int    `yaml:"agent_port" json:"agent_port,omitempty"`
	MaxContainers       int    `yaml:"max_containers" json:"max_containers,omitempty"`
	IdleTimeoutMinutes  int    `yaml:"idle_timeout_minutes" json:"idle_timeout_minutes,omitempty"`
	DestroyTimeoutHours int    `yaml:"destroy_timeout_hours" json:"destroy_timeout_hours,omitempty"`
	LogLevel            string `yaml:"log_level" json:"log_level,omitempty"`
	LogFormat           string `yaml:"log_format" json:"log_format,omitempty"`
}

// fileSchema validates the YAML config file. Unknown keys are rejected so a
// misspelled setting cannot be silently ignored.
const fileSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "http_addr":             {"type": "string", "minLength": 1},
    "session_api_url":       {"type": "string", "minLength": 1},
    "agent_image":           {"type": "string", "minLength": 1},
    "agent_network":         {"type": "string", "minLength": 1},
    "agent_port":            {"type": "integer", "minimum": 1, "maximum": 65535},
    "max_containers":        {"type": "integer", "minimum": 1},
    "idle_timeout_minutes":  {"type": "integer", "minimum": 1},
    "destroy_timeout_hours": {"type": "integer", "minimum": 1},
    "log_level":             {"enum": ["debug", "info", "warn", "error"]},
    "log_format":            {"enum": ["text", "json"]}
  }
}`

var compiledFileSchema = jsonschema.MustCompileString("config.schema.json", fileSchema)

// Load builds the configuration from the environment and, when CONFIG_FILE
// is set, the validated YAML file at that path.
func Load() (*Config, error) {
	token, err := environment.RequiredString("SERVICE_TOKEN")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:       environment.StringOr("HTTP_ADDR", ":8001"),
		ServiceToken:   token,
		SessionAPIURL:  environment.StringOr("SESSION_API_URL", "http://api-server:8000"),
		AgentImage:     environment.StringOr("AGENT_IMAGE", "chatops/claude-agent:latest"),
		AgentNetwork:   environment.StringOr("AGENT_NETWORK", runtime.DefaultNetwork),
		AgentPort:      environment.IntOr("AGENT_PORT", bridge.DefaultPort),
		MaxContainers:  environment.IntOr("MAX_CONTAINERS", 20),
		IdleTimeout:    time.Duration(environment.IntOr("IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
		DestroyTimeout: time.Duration(environment.IntOr("DESTROY_TIMEOUT_HOURS", 24)) * time.Hour,
		SweepInterval:  environment.DurationOr("SWEEP_INTERVAL", 5*time.Minute),
		HealthInterval: environment.DurationOr("HEALTH_INTERVAL", 30*time.Second),
		ReadyTimeout:   environment.DurationOr("READY_TIMEOUT", bridge.DefaultReadyTimeout),
		LogLevel:       environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:      environment.StringOr("LOG_FORMAT", "json"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		fc, err := ParseFile(data)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		applyFile(cfg, fc)
	}

	return cfg, nil
}

// ParseFile decodes and schema-validates a YAML config file.
func ParseFile(data []byte) (*FileConfig, error) {
	// Round-trip through JSON so the schema validator sees the same value
	// shapes json decoding would produce.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize yaml: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return nil, fmt.Errorf("normalize yaml: %w", err)
	}
	if err := compiledFileSchema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &fc, nil
}

// applyFile overlays set file values onto cfg.
func applyFile(cfg *Config, fc *FileConfig) {
	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.SessionAPIURL != "" {
		cfg.SessionAPIURL = fc.SessionAPIURL
	}
	if fc.AgentImage != "" {
		cfg.AgentImage = fc.AgentImage
	}
	if fc.AgentNetwork != "" {
		cfg.AgentNetwork = fc.AgentNetwork
	}
	if fc.AgentPort != 0 {
		cfg.AgentPort = fc.AgentPort
	}
	if fc.MaxContainers != 0 {
		cfg.MaxContainers = fc.MaxContainers
	}
	if fc.IdleTimeoutMinutes != 0 {
		cfg.IdleTimeout = time.Duration(fc.IdleTimeoutMinutes) * time.Minute
	}
	if fc.DestroyTimeoutHours != 0 {
		cfg.DestroyTimeout = time.Duration(fc.DestroyTimeoutHours) * time.Hour
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}
}
