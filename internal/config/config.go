package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/loykin/proxymgr/internal/env"
	"github.com/loykin/proxymgr/internal/logger"
	"github.com/loykin/proxymgr/internal/store/factory"
	mtls "github.com/loykin/proxymgr/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. PROXYMGR_DATA_DIR or PROXYMGR_REGISTRY_TYPE.
const EnvPrefix = "PROXYMGR"

const (
	DefaultReadyTimeout = 120 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultListen       = "127.0.0.1:8088"
	DefaultBasePath     = "/api/v1"
)

// Config is the complete manager configuration.
type Config struct {
	DataDir      string         `toml:"data_dir" mapstructure:"data_dir"`
	Registry     factory.Config `toml:"registry" mapstructure:"registry"`
	ReadyTimeout time.Duration  `toml:"ready_timeout" mapstructure:"ready_timeout"`
	StopTimeout  time.Duration  `toml:"stop_timeout" mapstructure:"stop_timeout"`
	// TerminateOrphans stops the backends of dead contexts when sweeping.
	TerminateOrphans bool           `toml:"terminate_orphans" mapstructure:"terminate_orphans"`
	EnvFiles         []string       `toml:"env_files" mapstructure:"env_files"`
	Backend          env.Profile    `toml:"backend" mapstructure:"backend"`
	Log              logger.Options `toml:"log" mapstructure:"log"`
	Metrics          MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Server           ServerConfig   `toml:"server" mapstructure:"server"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"` // empty disables the standalone listener
}

type ServerConfig struct {
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      mtls.Config `toml:"tls" mapstructure:"tls"`
}

// DefaultDataDir is the per-user registry directory.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".proxymgr")
	}
	return filepath.Join(os.TempDir(), "proxymgr")
}

func setDefaults(v *viper.Viper) {
	p := env.DefaultProfile()
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("registry.type", factory.TypeFile)
	v.SetDefault("registry.sqlite_path", "")
	v.SetDefault("ready_timeout", DefaultReadyTimeout)
	v.SetDefault("stop_timeout", DefaultStopTimeout)
	v.SetDefault("terminate_orphans", false)
	v.SetDefault("env_files", []string{})
	v.SetDefault("backend.command", []string{})
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.inherit_env", p.InheritEnv)
	v.SetDefault("backend.work_dir", "")
	v.SetDefault("backend.host", p.Host)
	v.SetDefault("backend.scheme", p.Scheme)
	v.SetDefault("backend.port_env", p.PortEnv)
	v.SetDefault("backend.base_path_env", p.BasePathEnv)
	v.SetDefault("backend.base_path_prefix", p.BasePathPrefix)
	v.SetDefault("backend.header_prefix", p.HeaderPrefix)
	v.SetDefault("backend.token_env", p.TokenEnv)
	v.SetDefault("backend.ready_path", p.ReadyPath)
	v.SetDefault("backend.log.dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
}

// Load reads configuration from path (optional, TOML), then applies
// PROXYMGR_* environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// a command given as one string (env var or scalar) is split on whitespace
	if len(c.Backend.Command) == 1 {
		c.Backend.Command = strings.Fields(c.Backend.Command[0])
	}
	if len(c.EnvFiles) > 0 {
		merged, err := mergeEnvFiles(c.EnvFiles, c.Backend.Env)
		if err != nil {
			return Config{}, err
		}
		c.Backend.Env = merged
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready_timeout must be positive, got %s", c.ReadyTimeout)
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must not be negative, got %s", c.StopTimeout)
	}
	switch strings.ToLower(c.Registry.Type) {
	case "", factory.TypeFile, factory.TypeSQLite:
	default:
		return fmt.Errorf("unsupported registry.type %q", c.Registry.Type)
	}
	return nil
}

// mergeEnvFiles loads the files in order and lets explicit entries override them.
func mergeEnvFiles(files, explicit []string) ([]string, error) {
	out := make([]string, 0)
	for _, p := range files {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	return append(out, explicit...), nil
}

// LoadEnvFile reads a dotenv file and returns "KEY=VALUE" entries sorted by key.
func LoadEnvFile(path string) ([]string, error) {
	m, err := godotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}
