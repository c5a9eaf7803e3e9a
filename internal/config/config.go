// Package config loads nbkernel settings from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Kernel  KernelConfig
	History HistoryConfig
	REPL    REPLConfig `mapstructure:"repl"`
	Log     LogConfig
}

// KernelConfig mirrors the engine options that make sense to persist.
type KernelConfig struct {
	Filename string
	Mode     string
	Banner   string
}

// HistoryConfig controls the cross-session history database. An empty Path
// disables it.
type HistoryConfig struct {
	Path   string
	Replay int
}

// REPLConfig holds line-editor settings.
type REPLConfig struct {
	HistoryFile string `mapstructure:"history_file"`
	Color       string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// Load reads configuration from file and env. Env var overrides use prefix
// NBKERNEL_ (NBKERNEL_KERNEL_MODE=single).
func Load() (Config, error) {
	v := viper.New()
	home, _ := os.UserHomeDir()

	v.SetDefault("kernel.filename", "<input>")
	v.SetDefault("kernel.mode", "exec")
	v.SetDefault("kernel.banner", "")
	v.SetDefault("history.path", filepath.Join(home, ".local", "share", "nbkernel", "history.db"))
	v.SetDefault("history.replay", 500)
	v.SetDefault("repl.history_file", filepath.Join(home, ".nbkernel_history"))
	v.SetDefault("repl.color", "auto")
	v.SetDefault("log.level", "warn")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("NBKERNEL_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(home, ".config", "nbkernel"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("NBKERNEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicitly named file must exist and parse.
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the values viper cannot type-check.
func (c Config) Validate() error {
	switch c.Kernel.Mode {
	case "", "exec", "single":
	default:
		return fmt.Errorf("kernel.mode: unknown mode %q (want exec or single)", c.Kernel.Mode)
	}
	switch c.REPL.Color {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("repl.color: unknown value %q (want auto, always or never)", c.REPL.Color)
	}
	if c.History.Replay < 0 {
		return fmt.Errorf("history.replay: must be non-negative, got %d", c.History.Replay)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps log.level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
