// Package config loads settings with viper. Later sources win: defaults,
// then an optional YAML file, then OPENLY_* environment variables, then
// bound command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/openly/messenger/internal/crypto"
	"github.com/openly/messenger/internal/realtime"
)

const EnvPrefix = "OPENLY"

type Config struct {
	API      API
	User     User
	Realtime Realtime
	Cipher   Cipher
	Server   Server
	Log      Log
}

type API struct {
	URL     string
	Timeout time.Duration
}

type User struct {
	ID string
}

type Realtime struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Cipher struct {
	Format string
}

type Server struct {
	Addr   string
	Driver string
	DSN    string
}

type Log struct {
	Level  string
	Format string
}

// New returns a viper instance with defaults and environment binding set.
// Nested keys map to variables like OPENLY_API_URL.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://localhost:8000")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("user.id", "")
	v.SetDefault("realtime.base_delay", realtime.DefaultBaseDelay)
	v.SetDefault("realtime.max_delay", realtime.DefaultMaxDelay)
	v.SetDefault("realtime.max_attempts", realtime.DefaultMaxAttempts)
	v.SetDefault("cipher.format", crypto.FormatSealed.String())
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.driver", "sqlite3")
	v.SetDefault("server.dsn", "openly.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads filename into v. A missing file is not an error when
// filename is empty; an explicitly named one must exist.
func LoadConfig(v *viper.Viper, filename string) error {
	if filename == "" {
		v.SetConfigName("openly")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return nil
			}
			return errors.Wrap(err, "read config")
		}
		return nil
	}

	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", filename)
	}
	return nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Realtime.BaseDelay <= 0 {
		return fmt.Errorf("realtime.base_delay must be positive, got %s", c.Realtime.BaseDelay)
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		return fmt.Errorf("realtime.max_delay %s is below base_delay %s", c.Realtime.MaxDelay, c.Realtime.BaseDelay)
	}
	if c.Realtime.MaxAttempts <= 0 {
		return fmt.Errorf("realtime.max_attempts must be positive, got %d", c.Realtime.MaxAttempts)
	}
	if _, err := crypto.ParseFormat(c.Cipher.Format); err != nil {
		return err
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	return nil
}

// CipherFormat is the parsed cipher.format value.
func (c *Config) CipherFormat() crypto.Format {
	f, _ := crypto.ParseFormat(c.Cipher.Format)
	return f
}

// RealtimeOptions maps the realtime section to channel options.
func (c *Config) RealtimeOptions() realtime.Options {
	return realtime.Options{
		BaseDelay:   c.Realtime.BaseDelay,
		MaxDelay:    c.Realtime.MaxDelay,
		MaxAttempts: c.Realtime.MaxAttempts,
	}
}
