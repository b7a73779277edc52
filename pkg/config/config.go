// Package config holds the core, application-agnostic configuration for the
// sync engine. It carries every option enumerated in the specification's
// external-interfaces section; the CLI-boundary loader in
// tools/iphotosync/internal/config embeds this struct and adds the
// filesystem paths needed to actually locate a config file on disk.
package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// PushoverConfig holds the optional out-of-band notification settings.
type PushoverConfig struct {
	Enabled  bool   `koanf:"enabled"`
	APIToken string `koanf:"api_token"`
	UserKey  string `koanf:"user_key"`
	Device   string `koanf:"device"`
}

// PortRange is an inclusive [Start, End] range of TCP ports to try, in
// order, when binding the AuthCoordinator's loopback listener.
type PortRange struct {
	Start int `koanf:"start"`
	End   int `koanf:"end"`
}

// Config is the static record of every recognized sync-engine option.
type Config struct {
	SyncDirectory string `koanf:"sync_directory"`
	DryRun        bool   `koanf:"dry_run"`
	MaxDownloads  int    `koanf:"max_downloads"`
	MaxFileSizeMB int    `koanf:"max_file_size_mb"`
	LogLevel      string `koanf:"log_level"`
	ExecutionMode string `koanf:"execution_mode"`

	AllowMultiInstance bool `koanf:"allow_multi_instance"`

	IncludePersonalAlbums        bool     `koanf:"include_personal_albums"`
	IncludeSharedAlbums          bool     `koanf:"include_shared_albums"`
	PersonalAlbumNamesToInclude  []string `koanf:"personal_album_names_to_include"`
	SharedAlbumNamesToInclude    []string `koanf:"shared_album_names_to_include"`

	DatabaseParentDirectory string `koanf:"database_parent_directory"`

	Pushover PushoverConfig `koanf:"pushover"`

	AuthWebPortRange PortRange `koanf:"auth_web_port_range"`

	SyncIntervalMinutes        int `koanf:"sync_interval_minutes"`
	MaintenanceIntervalMinutes int `koanf:"maintenance_interval_minutes"`

	ICloudUsername       string `koanf:"icloud_username"`
	ICloudAppPasswordEnv string `koanf:"icloud_app_password_env"`
}

// Default returns the default core configuration.
func Default() *Config {
	var defaultSyncDir string
	picturesDir := xdg.UserDirs.Pictures
	if picturesDir != "" {
		defaultSyncDir = filepath.Join(picturesDir, "iphoto-downloader")
	} else {
		defaultSyncDir = filepath.Join("photos", "iphoto-downloader")
	}

	return &Config{
		SyncDirectory:                defaultSyncDir,
		DryRun:                       false,
		MaxDownloads:                 0,
		MaxFileSizeMB:                0,
		LogLevel:                     "info",
		ExecutionMode:                "single",
		AllowMultiInstance:           false,
		IncludePersonalAlbums:        true,
		IncludeSharedAlbums:          true,
		PersonalAlbumNamesToInclude:  nil,
		SharedAlbumNamesToInclude:    nil,
		DatabaseParentDirectory:      "%LOCALAPPDATA%",
		Pushover:                     PushoverConfig{Enabled: false, Device: ""},
		AuthWebPortRange:             PortRange{Start: 8080, End: 8090},
		SyncIntervalMinutes:          2,
		MaintenanceIntervalMinutes:   60,
		ICloudUsername:               "",
		ICloudAppPasswordEnv:         "ICLOUD_APP_PASSWORD",
	}
}
