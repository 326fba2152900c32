package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: POSD_STORE_ID,
// POSD_SYNC_INTERVAL, POSD_REMOTE_BASE_URL...
const EnvPrefix = "POSD"

// Source is a loaded configuration that can follow changes of its file.
type Source struct {
	v    *viper.Viper
	path string

	mu        sync.RWMutex
	cfg       *Config
	listeners []func(old, cur *Config)
	log       *slog.Logger
}

// Load reads configuration with priority ENV > file > defaults.
//
// When path is empty, posd.{yaml,toml,json} is searched in the working
// directory and $HOME/.config/posd; a missing file is fine. An explicit
// path must exist.
func Load(path string) (*Source, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("posd")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "posd"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Source{
		v:    v,
		path: v.ConfigFileUsed(),
		cfg:  cfg,
		log:  slog.Default().With("component", "config"),
	}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration. Callers must not modify it.
func (s *Source) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// File returns the config file in use, empty when running on defaults and
// environment only.
func (s *Source) File() string {
	return s.path
}

// SetLogger replaces the logger used to report reloads.
func (s *Source) SetLogger(l *slog.Logger) {
	s.mu.Lock()
	s.log = l.With("component", "config")
	s.mu.Unlock()
}

// OnChange registers fn to run after every successful reload.
func (s *Source) OnChange(fn func(old, cur *Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Watch starts following the config file. It does nothing when no file is
// in use. A reload that fails validation keeps the previous configuration.
func (s *Source) Watch() {
	if s.path == "" {
		return
	}
	s.v.OnConfigChange(s.reload)
	s.v.WatchConfig()
}

// reload is the fsnotify callback; viper has already re-read the file.
func (s *Source) reload(ev fsnotify.Event) {
	s.mu.RLock()
	log := s.log
	s.mu.RUnlock()

	cur, err := decode(s.v)
	if err != nil {
		log.Error("config reload rejected",
			slog.String("file", ev.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cur
	listeners := append([]func(old, cur *Config){}, s.listeners...)
	s.mu.Unlock()

	log.Info("config reloaded", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))
	for _, fn := range listeners {
		fn(old, cur)
	}
}
