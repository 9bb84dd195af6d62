// Package config loads livepreview settings with Viper from a
// .livepreview.yml file, LIVEPREVIEW_ environment variables, .env files and
// command-line flags, then fills defaults and validates the result.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
)

// EnvPrefix prefixes every environment override, e.g.
// LIVEPREVIEW_SERVER_PORT.
const EnvPrefix = "LIVEPREVIEW"

// FileName is the config file looked up in the working directory.
const FileName = ".livepreview"

type Config struct {
	Project   ProjectConfig   `yaml:"project" mapstructure:"project"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	Watch     WatchConfig     `yaml:"watch" mapstructure:"watch"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

type ProjectConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
	// BaseURL overrides the URL derived from the static server address.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

type ServerConfig struct {
	Host          string        `yaml:"host" mapstructure:"host"`
	Port          int           `yaml:"port" mapstructure:"port"`
	FilterTimeout time.Duration `yaml:"filter_timeout" mapstructure:"filter_timeout"`
	Open          bool          `yaml:"open" mapstructure:"open"`
}

type TransportConfig struct {
	Host           string   `yaml:"host" mapstructure:"host"`
	Port           int      `yaml:"port" mapstructure:"port"`
	Path           string   `yaml:"path" mapstructure:"path"`
	SendBuffer     int      `yaml:"send_buffer" mapstructure:"send_buffer"`
	ReadLimit      int64    `yaml:"read_limit" mapstructure:"read_limit"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// MessageLimit is the number of frames a page may send per second.
	// Zero disables the limit.
	MessageLimit int `yaml:"message_limit" mapstructure:"message_limit"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
	Ignore   []string      `yaml:"ignore" mapstructure:"ignore"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SetDefaults registers every default on v. Defaults also make the keys
// known to Viper, so environment variables override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("project.root", ".")
	v.SetDefault("project.base_url", "")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.filter_timeout", 5*time.Second)
	v.SetDefault("server.open", false)

	v.SetDefault("transport.host", "127.0.0.1")
	v.SetDefault("transport.port", 8123)
	v.SetDefault("transport.path", "/")
	v.SetDefault("transport.send_buffer", 64)
	v.SetDefault("transport.read_limit", 1<<20)
	v.SetDefault("transport.message_limit", 200)
	v.SetDefault("transport.allowed_origins", []string{"localhost:*", "127.0.0.1:*"})

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", 300*time.Millisecond)
	v.SetDefault("watch.ignore", []string{".git", "node_modules"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Init prepares v to read the config file, environment and .env files.
// An explicit cfgFile replaces the default lookup. A missing default file is
// not an error.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)

	if err := LoadEnvFiles(); err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return liveerrors.WrapConfig(err, "failed to read config file")
	}
	return nil
}

// LoadEnvFiles loads .env and .env.local from the working directory when
// present. Variables already set in the environment win.
func LoadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return liveerrors.WrapConfig(err, "failed to load "+name)
		}
	}
	return nil
}

// Load reads the configuration from the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads, completes and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, liveerrors.WrapConfig(err, "failed to decode configuration")
	}

	applyDefaults(&config)

	root, err := filepath.Abs(config.Project.Root)
	if err != nil {
		return nil, liveerrors.WrapConfig(err, "invalid project root")
	}
	config.Project.Root = root

	if err := config.Validate(); err != nil {
		return nil, liveerrors.WrapConfig(err, "invalid configuration")
	}

	return &config, nil
}

// applyDefaults fills zero values Viper leaves behind when a key is set
// to an empty value explicitly.
func applyDefaults(config *Config) {
	if config.Project.Root == "" {
		config.Project.Root = "."
	}
	if config.Server.Host == "" {
		config.Server.Host = "127.0.0.1"
	}
	if config.Server.FilterTimeout == 0 {
		config.Server.FilterTimeout = 5 * time.Second
	}
	if config.Transport.Host == "" {
		config.Transport.Host = "127.0.0.1"
	}
	if config.Transport.Path == "" {
		config.Transport.Path = "/"
	}
	if config.Transport.SendBuffer == 0 {
		config.Transport.SendBuffer = 64
	}
	if config.Transport.ReadLimit == 0 {
		config.Transport.ReadLimit = 1 << 20
	}
	if config.Watch.Debounce == 0 {
		config.Watch.Debounce = 300 * time.Millisecond
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// YAML renders the configuration as it would appear in .livepreview.yml.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, liveerrors.NewInternalError(liveerrors.ErrCodeInternalError, "failed to encode configuration", err)
	}
	return out, nil
}
