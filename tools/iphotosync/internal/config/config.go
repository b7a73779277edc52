// Package cliconfig resolves the on-disk configuration file location and
// loads it, adding the filesystem-boundary options that pkg/config leaves
// abstract (where the file lives, where the database and lock file live).
package cliconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/HenningUe/iphoto-downloader/pkg/config"
)

const AppName = "iphoto-downloader"

// Config extends the core config with CLI-specific options.
type Config struct {
	config.Config `koanf:",squash"`
	LockFilePath  string `koanf:"lock_file_path"`
}

// Default returns the default CLI configuration.
func Default() (*Config, error) {
	coreCfg := config.Default()
	lockPath, err := xdg.DataFile(filepath.Join(AppName, "iphoto_downloader.lock"))
	if err != nil {
		return nil, fmt.Errorf("failed to get default lock path: %w", err)
	}

	return &Config{
		Config:       *coreCfg,
		LockFilePath: lockPath,
	}, nil
}

// Load loads the configuration from the given path, creating a default one
// on first run.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	defCfg, err := Default()
	if err != nil {
		return nil, err
	}
	cfgPath := path
	if cfgPath == "" {
		cfgPath, err = xdg.ConfigFile(filepath.Join(AppName, "config.yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to get default config path: %w", err)
		}
	}
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := createDefaultConfig(cfgPath, defCfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	cfg := defCfg
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.SyncDirectory == "" {
		return nil, fmt.Errorf("sync_directory must be set")
	}
	if cfg.ExecutionMode != "single" && cfg.ExecutionMode != "continuous" {
		return nil, fmt.Errorf("execution_mode must be \"single\" or \"continuous\", got %q", cfg.ExecutionMode)
	}

	return cfg, nil
}

// createDefaultConfig creates a default configuration file with explanatory
// comments, mirroring the shape a hand-written config would take.
func createDefaultConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	content := fmt.Sprintf(`# iphoto-downloader configuration file.
# Root directory photos are synced into; one subdirectory per album.
sync_directory: "%s"
# Set to true to run the reconcile logic without writing any files.
dry_run: %t
# Maximum photos to download in a single cycle. 0 = unlimited.
max_downloads: %d
# Skip photos larger than this, in megabytes. 0 = no cap.
max_file_size_mb: %d
# One of: debug, info, warning, error.
log_level: "%s"
# One of: single (run once and exit), continuous (repeat on an interval).
execution_mode: "%s"
# Refuse to start if another instance already holds the lock file.
allow_multi_instance: %t
include_personal_albums: %t
include_shared_albums: %t
# Empty list = include every discovered album of that kind.
personal_album_names_to_include: []
shared_album_names_to_include: []
# Directory the tracker database and its backups live under.
# Accepts the token %%LOCALAPPDATA%% (expands to the platform's local
# application-data directory).
database_parent_directory: "%s"
pushover:
  enabled: %t
  api_token: ""
  user_key: ""
  device: ""
auth_web_port_range:
  start: %d
  end: %d
sync_interval_minutes: %d
maintenance_interval_minutes: %d
icloud_username: "%s"
icloud_app_password_env: "%s"
`,
		cfg.SyncDirectory, cfg.DryRun, cfg.MaxDownloads, cfg.MaxFileSizeMB,
		cfg.LogLevel, cfg.ExecutionMode, cfg.AllowMultiInstance,
		cfg.IncludePersonalAlbums, cfg.IncludeSharedAlbums,
		cfg.DatabaseParentDirectory, cfg.Pushover.Enabled,
		cfg.AuthWebPortRange.Start, cfg.AuthWebPortRange.End,
		cfg.SyncIntervalMinutes, cfg.MaintenanceIntervalMinutes,
		cfg.ICloudUsername, cfg.ICloudAppPasswordEnv)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write default config file: %w", err)
	}
	return nil
}
