// Package config loads runtime configuration from epistle.yaml, overridable
// through EPISTLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the binary needs.
type Config struct {
	// DatabasePath is the SQLite file holding entries, cache, and conflicts.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	// DiaryDir is the directory of editable per-date files and yearly archives.
	DiaryDir string `mapstructure:"diary_dir" yaml:"diary_dir"`
	// CloudURL is the bucket base URL (s3://bucket/prefix). Empty disables
	// the cloud replica.
	CloudURL string `mapstructure:"cloud_url" yaml:"cloud_url"`
	// BackupURL is the offline backup listing URL. Empty disables backup
	// validation.
	BackupURL string `mapstructure:"backup_url" yaml:"backup_url"`
	// PeerURL names the quick-capture peer (ssh://user@host[:port]). Empty
	// disables peer pulls.
	PeerURL string `mapstructure:"peer_url" yaml:"peer_url"`
	// RemoteSerializeCmd and RemoteClearCmd are the commands run on the peer.
	RemoteSerializeCmd string `mapstructure:"remote_serialize_cmd" yaml:"remote_serialize_cmd"`
	RemoteClearCmd     string `mapstructure:"remote_clear_cmd" yaml:"remote_clear_cmd"`
	// SyncInterval is the daemon's periodic full-pass interval.
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	// LogFile, when set, routes daemon logs to a rotating file instead of
	// stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DatabasePath:       filepath.Join(home, ".local", "share", "epistle", "epistle.db"),
		DiaryDir:           filepath.Join(home, "Dropbox", "epistle"),
		RemoteSerializeCmd: "/usr/bin/epistle ser",
		RemoteClearCmd:     "/usr/bin/epistle clear",
		SyncInterval:       time.Minute,
	}
}

// Load reads configuration from path, or, when path is empty, from
// epistle.yaml in the working directory or ~/.config/epistle. A missing
// config file is not an error; defaults and EPISTLE_* environment variables
// still apply.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("diary_dir", def.DiaryDir)
	v.SetDefault("cloud_url", def.CloudURL)
	v.SetDefault("backup_url", def.BackupURL)
	v.SetDefault("peer_url", def.PeerURL)
	v.SetDefault("remote_serialize_cmd", def.RemoteSerializeCmd)
	v.SetDefault("remote_clear_cmd", def.RemoteClearCmd)
	v.SetDefault("sync_interval", def.SyncInterval)
	v.SetDefault("log_file", def.LogFile)

	v.SetEnvPrefix("EPISTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("epistle")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "epistle"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the built-in configuration to path as YAML. Refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	def := Default()
	// Render the interval as "1m0s" rather than nanoseconds.
	data, err := yaml.Marshal(struct {
		DatabasePath       string `yaml:"database_path"`
		DiaryDir           string `yaml:"diary_dir"`
		CloudURL           string `yaml:"cloud_url"`
		BackupURL          string `yaml:"backup_url"`
		PeerURL            string `yaml:"peer_url"`
		RemoteSerializeCmd string `yaml:"remote_serialize_cmd"`
		RemoteClearCmd     string `yaml:"remote_clear_cmd"`
		SyncInterval       string `yaml:"sync_interval"`
		LogFile            string `yaml:"log_file"`
	}{
		DatabasePath:       def.DatabasePath,
		DiaryDir:           def.DiaryDir,
		CloudURL:           def.CloudURL,
		BackupURL:          def.BackupURL,
		PeerURL:            def.PeerURL,
		RemoteSerializeCmd: def.RemoteSerializeCmd,
		RemoteClearCmd:     def.RemoteClearCmd,
		SyncInterval:       def.SyncInterval.String(),
		LogFile:            def.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
