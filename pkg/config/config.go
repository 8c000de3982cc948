// Package config loads node configuration from a YAML file, an optional
// .env file and SMSNODE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SMSNODE_"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration for the node.
type Config struct {
	Protocol ProtocolConfig `yaml:"protocol"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Log      LogConfig      `yaml:"log"`
}

type ProtocolConfig struct {
	UnitBudget    int           `yaml:"unit_budget"`
	FragmentDelay time.Duration `yaml:"fragment_delay"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	HandleTTL     time.Duration `yaml:"handle_ttl"`
}

type StorageConfig struct {
	DBPath     string `yaml:"db_path"`
	PayloadDir string `yaml:"payload_dir"`
}

type APIConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateLimit   int      `yaml:"rate_limit"`   // requests per minute per client, 0 disables
	APIKeyHash  string   `yaml:"api_key_hash"` // bcrypt hash; empty disables auth
}

type BridgeConfig struct {
	URL        string        `yaml:"url"` // empty runs the node on the loopback transport
	Token      string        `yaml:"token"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then .env, then environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg as YAML to path
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects values the node cannot run with
func (c *Config) Validate() error {
	worst := protocol.Header{
		MessageID:   strings.Repeat("X", protocol.MessageIDLength),
		Command:     protocol.CommandReply,
		RefID:       strings.Repeat("X", protocol.MessageIDLength),
		PayloadKind: protocol.PayloadAudio,
	}
	if _, err := protocol.NewPlanner(c.Protocol.UnitBudget).ContentBudget(worst, 1); err != nil || c.Protocol.UnitBudget <= 0 {
		return fmt.Errorf("%w: unit_budget %d leaves no room for content", ErrInvalidConfig, c.Protocol.UnitBudget)
	}
	if c.Protocol.FragmentDelay < 0 {
		return fmt.Errorf("%w: fragment_delay must not be negative", ErrInvalidConfig)
	}
	if c.Protocol.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale_after must be positive", ErrInvalidConfig)
	}
	if c.Protocol.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalidConfig)
	}
	if c.Protocol.HandleTTL <= 0 {
		return fmt.Errorf("%w: handle_ttl must be positive", ErrInvalidConfig)
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("%w: storage.db_path is required", ErrInvalidConfig)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("%w: api.port %d out of range", ErrInvalidConfig, c.API.Port)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("%w: api.rate_limit must not be negative", ErrInvalidConfig)
	}
	if c.Bridge.MinBackoff <= 0 || c.Bridge.MaxBackoff < c.Bridge.MinBackoff {
		return fmt.Errorf("%w: bridge backoff must satisfy 0 < min <= max", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// ===== ENVIRONMENT =====

func (c *Config) applyEnv() error {
	var errs []error

	setInt(&c.Protocol.UnitBudget, "UNIT_BUDGET", &errs)
	setDuration(&c.Protocol.FragmentDelay, "FRAGMENT_DELAY", &errs)
	setDuration(&c.Protocol.StaleAfter, "STALE_AFTER", &errs)
	setDuration(&c.Protocol.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDuration(&c.Protocol.HandleTTL, "HANDLE_TTL", &errs)

	setString(&c.Storage.DBPath, "DB_PATH")
	setString(&c.Storage.PayloadDir, "PAYLOAD_DIR")

	setString(&c.API.Host, "API_HOST")
	setInt(&c.API.Port, "API_PORT", &errs)
	setInt(&c.API.RateLimit, "API_RATE_LIMIT", &errs)
	setString(&c.API.APIKeyHash, "API_KEY_HASH")
	if origins := getEnv("CORS_ORIGINS"); origins != "" {
		c.API.CORSOrigins = splitList(origins)
	}

	setString(&c.Bridge.URL, "BRIDGE_URL")
	setString(&c.Bridge.Token, "BRIDGE_TOKEN")
	setDuration(&c.Bridge.MinBackoff, "BRIDGE_MIN_BACKOFF", &errs)
	setDuration(&c.Bridge.MaxBackoff, "BRIDGE_MAX_BACKOFF", &errs)

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	return errors.Join(errs...)
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func setString(dst *string, key string) {
	if v := getEnv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, errs *[]error) {
	v := getEnv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalidConfig, EnvPrefix, key, v))
		return
	}
	*dst = n
}

func setDuration(dst *time.Duration, key string, errs *[]error) {
	v := getEnv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s%s=%q is not a duration", ErrInvalidConfig, EnvPrefix, key, v))
		return
	}
	*dst = d
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
