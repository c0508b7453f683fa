// ABOUTME: Configuration loading and parsing for approvd backend and gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete approvd configuration. The backend and
// gateway binaries share one file format; each validates only its own section.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Gateway GatewayConfig `yaml:"gateway"`
	IM      IMConfig      `yaml:"im"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig holds the callback-backend configuration.
type BackendConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	SocketPath    string `yaml:"socket_path"`
	DataDir       string `yaml:"data_dir"`
	OwnerID       string `yaml:"owner_id"`
	GatewayURL    string `yaml:"gateway_url"`
	CallbackURL   string `yaml:"callback_url"`
	ReplyInThread bool   `yaml:"reply_in_thread"`

	// VSCodeURIPrefix, when set, makes decision success pages redirect the
	// browser to <prefix><project_dir>.
	VSCodeURIPrefix string `yaml:"vscode_uri_prefix"`

	// PageCloseDelay is the auto-close countdown on decision pages, in seconds.
	PageCloseDelay int `yaml:"page_close_delay"`

	// AgentCommands lists the launchable agent command lines. Accepts a single
	// string, a YAML list, or a JSON array string.
	AgentCommands CommandList `yaml:"agent_commands"`

	// ToolsFile points at the TOML tool template table. Empty uses built-ins.
	ToolsFile string `yaml:"tools_file"`

	RequestTimeout      time.Duration `yaml:"-"`
	ClientTimeoutBuffer time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw      string `yaml:"request_timeout"`
	ClientTimeoutBufferRaw string `yaml:"client_timeout_buffer"`
}

// GatewayConfig holds the IM-facing gateway configuration.
type GatewayConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`

	// TokenSecret is the HMAC key used to mint and verify backend auth tokens.
	TokenSecret string `yaml:"token_secret"`

	// BackendURL is the default backend for chat-initiated session commands.
	// Replies to tracked messages route by their stored callback URL instead.
	BackendURL string `yaml:"backend_url"`
}

// IMConfig holds chat platform credentials, shared by both roles.
type IMConfig struct {
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	VerificationToken string `yaml:"verification_token"`

	// SendMode selects how outbound messages are delivered: "openapi" (default)
	// or "webhook" (custom-bot webhook URL, no token required).
	SendMode   string `yaml:"send_mode"`
	WebhookURL string `yaml:"webhook_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CommandList is a list of agent command lines that unmarshals from either a
// YAML sequence or a scalar. A scalar of the form "[a, b]" is split as a JSON
// array first and a comma list second; any other scalar is a single command.
type CommandList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *CommandList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*c = cleanCommands(items)
		return nil
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*c = ParseCommandList(raw)
		return nil
	default:
		return fmt.Errorf("agent_commands must be a string or list")
	}
}

// ParseCommandList parses a raw command list value: a JSON array, a bracketed
// comma list, or a single command string. Empty input yields the default
// single "claude" entry.
func ParseCommandList(raw string) CommandList {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CommandList{"claude"}
	}

	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			if items := cleanCommands(parsed); len(items) > 0 {
				return items
			}
			return CommandList{"claude"}
		}

		inner := raw[1 : len(raw)-1]
		if items := cleanCommands(strings.Split(inner, ",")); len(items) > 0 {
			return items
		}
		return CommandList{"claude"}
	}

	return CommandList{raw}
}

func cleanCommands(items []string) CommandList {
	out := make(CommandList, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Backend.SocketPath == "" {
		c.Backend.SocketPath = "/tmp/claude-permission.sock"
	}
	if c.Backend.DataDir == "" {
		c.Backend.DataDir = "runtime"
	}
	if c.Backend.PageCloseDelay <= 0 {
		c.Backend.PageCloseDelay = 3
	}
	if c.Backend.RequestTimeoutRaw == "" {
		c.Backend.RequestTimeout = 300 * time.Second
	}
	if c.Backend.ClientTimeoutBufferRaw == "" {
		c.Backend.ClientTimeoutBuffer = 30 * time.Second
	}
	if len(c.Backend.AgentCommands) == 0 {
		c.Backend.AgentCommands = CommandList{"claude"}
	}
	if c.Gateway.DataDir == "" {
		c.Gateway.DataDir = "runtime"
	}
	if c.IM.SendMode == "" {
		c.IM.SendMode = "openapi"
	}
}

// ValidateBackend checks the fields the backend binary requires.
func (c *Config) ValidateBackend() error {
	if c.Backend.HTTPAddr == "" {
		return fmt.Errorf("backend.http_addr is required")
	}
	if c.Backend.SocketPath == "" {
		return fmt.Errorf("backend.socket_path is required")
	}
	return nil
}

// ValidateGateway checks the fields the gateway binary requires.
func (c *Config) ValidateGateway() error {
	if c.Gateway.HTTPAddr == "" {
		return fmt.Errorf("gateway.http_addr is required")
	}
	if c.Gateway.TokenSecret == "" {
		return fmt.Errorf("gateway.token_secret is required")
	}
	if c.IM.SendMode != "openapi" && c.IM.SendMode != "webhook" {
		return fmt.Errorf("im.send_mode must be \"openapi\" or \"webhook\", got %q", c.IM.SendMode)
	}
	if c.IM.SendMode == "openapi" && (c.IM.AppID == "" || c.IM.AppSecret == "") {
		return fmt.Errorf("im.app_id and im.app_secret are required in openapi mode")
	}
	if c.IM.SendMode == "webhook" && c.IM.WebhookURL == "" {
		return fmt.Errorf("im.webhook_url is required in webhook mode")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// A request_timeout of "0" disables the server-side timeout entirely.
func parseDurations(cfg *Config) error {
	var err error

	if raw := cfg.Backend.RequestTimeoutRaw; raw != "" {
		if raw == "0" {
			cfg.Backend.RequestTimeout = 0
		} else if cfg.Backend.RequestTimeout, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", raw, err)
		}
	}

	if raw := cfg.Backend.ClientTimeoutBufferRaw; raw != "" {
		if cfg.Backend.ClientTimeoutBuffer, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("parsing client_timeout_buffer %q: %w", raw, err)
		}
	}

	return nil
}
