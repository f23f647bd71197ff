package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pgoc/adsbot/internal/logging"
	"github.com/pgoc/adsbot/internal/metrics"
)

const (
	defaultDispatchDelay   = 5 * time.Second
	defaultHTTPTimeout     = 30 * time.Second
	defaultVerifyBatch     = 50
	defaultVerifyWorkers   = 4
	defaultServerPort      = 8080
	defaultSessionTTL      = 2 * time.Hour
	defaultSettleTimeout   = 30 * time.Minute
	envAPIURL              = "ADSBOT_API_URL"
	envUserID              = "ADSBOT_USER_ID"
	envRedisURL            = "ADSBOT_REDIS_URL"
	envSnapshotKey         = "ADSBOT_SNAPSHOT_KEY"
	envOperationsFile      = "ADSBOT_OPERATIONS_FILE"
	defaultStreamTransport = "sse"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	API      APIConfig      `yaml:"api"`
	Verify   VerifyConfig   `yaml:"verify"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Stream   StreamConfig   `yaml:"stream"`
	Server   ServerConfig   `yaml:"server"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  logging.Config `yaml:"logging"`
	Metrics  metrics.Config `yaml:"metrics"`

	// OperationsFile overrides or extends the built-in operations.
	OperationsFile string `yaml:"operations_file,omitempty"`
	DataDir        string `yaml:"data_dir,omitempty"`
}

// APIConfig points at the automation backend.
type APIConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	UserID  string        `yaml:"user_id" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type VerifyConfig struct {
	BatchSize   int `yaml:"batch_size" validate:"gte=1,lte=500"`
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=32"`
}

type DispatchConfig struct {
	Delay time.Duration `yaml:"delay" validate:"gte=0"`
	// SettleTimeout bounds how long `run --watch` waits for rows to settle.
	SettleTimeout time.Duration `yaml:"settle_timeout" validate:"gte=0"`
}

type StreamConfig struct {
	Transport string `yaml:"transport" validate:"oneof=sse redis"`
	RedisURL  string `yaml:"redis_url" validate:"omitempty,url"`
	// Reconnect and Idle override the per-operation defaults when set.
	Reconnect time.Duration `yaml:"reconnect,omitempty" validate:"gte=0"`
	Idle      time.Duration `yaml:"idle,omitempty" validate:"gte=0"`
}

type ServerConfig struct {
	Port           int           `yaml:"port" validate:"gte=1,lte=65535"`
	SessionTTL     time.Duration `yaml:"session_ttl" validate:"gt=0"`
	TrustedOrigins []string      `yaml:"trusted_origins,omitempty"`
}

type SnapshotConfig struct {
	Enabled bool `yaml:"enabled"`
	// Key is read from ADSBOT_SNAPSHOT_KEY when empty.
	Key string `yaml:"key,omitempty" validate:"omitempty,min=16"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".adsbot", "config.yaml")
}

// DefaultDataDir holds the history database.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".adsbot"
	}
	return filepath.Join(home, ".adsbot")
}

func Default() *Config {
	return &Config{
		API:      APIConfig{Timeout: defaultHTTPTimeout},
		Verify:   VerifyConfig{BatchSize: defaultVerifyBatch, Concurrency: defaultVerifyWorkers},
		Dispatch: DispatchConfig{Delay: defaultDispatchDelay, SettleTimeout: defaultSettleTimeout},
		Stream:   StreamConfig{Transport: defaultStreamTransport},
		Server:   ServerConfig{Port: defaultServerPort, SessionTTL: defaultSessionTTL},
		Logging:  logging.Config{Level: "info", Format: "console", Output: "stderr"},
		Metrics:  metrics.Config{Enabled: true, Namespace: "adsbot"},
	}
}

// Load reads path (a missing file yields defaults), then a .env file in
// the working directory, then the ADSBOT_* environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := checkFilePermissions(path); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envAPIURL); v != "" {
		c.API.URL = v
	}
	if v := os.Getenv(envUserID); v != "" {
		c.API.UserID = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		c.Stream.RedisURL = v
	}
	if v := os.Getenv(envSnapshotKey); v != "" {
		c.Snapshot.Key = v
	}
	if v := os.Getenv(envOperationsFile); v != "" {
		c.OperationsFile = v
	}
}

func (c *Config) applyDefaults() {
	c.API.URL = strings.TrimRight(c.API.URL, "/")
	if c.API.Timeout == 0 {
		c.API.Timeout = defaultHTTPTimeout
	}
	if c.Verify.BatchSize == 0 {
		c.Verify.BatchSize = defaultVerifyBatch
	}
	if c.Verify.Concurrency == 0 {
		c.Verify.Concurrency = defaultVerifyWorkers
	}
	if c.Stream.Transport == "" {
		c.Stream.Transport = defaultStreamTransport
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Server.SessionTTL == 0 {
		c.Server.SessionTTL = defaultSessionTTL
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

var validate = validator.New()

func (c *Config) Validate() error {
	if c.Stream.Transport == "redis" && c.Stream.RedisURL == "" {
		return fmt.Errorf("config: stream.redis_url is required for the redis transport")
	}
	if c.Snapshot.Enabled && c.Snapshot.Key == "" {
		return fmt.Errorf("config: snapshot.key (or %s) is required when snapshots are enabled", envSnapshotKey)
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// HistoryPath is the sqlite database under DataDir.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}
