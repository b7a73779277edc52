// Package cmd wires the sync engine's components into a cobra CLI:
// config -> tracker -> instance lock -> notifier -> logger -> cloud
// session -> auth coordinator -> sync engine -> scheduler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/HenningUe/iphoto-downloader/pkg/albumfilter"
	"github.com/HenningUe/iphoto-downloader/pkg/auth"
	"github.com/HenningUe/iphoto-downloader/pkg/cloud"
	"github.com/HenningUe/iphoto-downloader/pkg/cloud/icloud"
	"github.com/HenningUe/iphoto-downloader/pkg/instancelock"
	"github.com/HenningUe/iphoto-downloader/pkg/logging"
	"github.com/HenningUe/iphoto-downloader/pkg/notifier"
	"github.com/HenningUe/iphoto-downloader/pkg/notifier/pushover"
	"github.com/HenningUe/iphoto-downloader/pkg/scheduler"
	"github.com/HenningUe/iphoto-downloader/pkg/syncengine"
	"github.com/HenningUe/iphoto-downloader/pkg/tracker"
	"github.com/HenningUe/iphoto-downloader/pkg/tracker/sqlite"
	"github.com/HenningUe/iphoto-downloader/tools/iphotosync/internal/cli"
	cliconfig "github.com/HenningUe/iphoto-downloader/tools/iphotosync/internal/config"
)

// Sentinel errors mapped to the CLI's exit codes in main.go.
var (
	ErrConfig         = errors.New("cmd: configuration error")
	ErrAuthFailed     = errors.New("cmd: authentication failure")
	ErrInstanceLocked = instancelock.ErrAlreadyLocked
	ErrTrackerFatal   = tracker.ErrTrackerUnavailable
	ErrInterrupted    = errors.New("cmd: interrupted")
)

var (
	cfg     *cliconfig.Config
	console *cli.Console

	flagConfigPath         string
	flagQuiet              bool
	flagAllowMultiInstance bool

	version string
)

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	version = v
	if rootCmd != nil {
		rootCmd.Version = v
	}
}

var rootCmd = &cobra.Command{
	Use:   "iphotosync",
	Short: "Synchronizes iCloud Photos albums to a local directory tree.",
	Long: `iphotosync mirrors your iCloud Photos library to a local directory,
never re-downloading a photo you deleted locally and never deleting
anything in the cloud.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfg, err = cliconfig.Load(flagConfigPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		if flagAllowMultiInstance {
			cfg.AllowMultiInstance = true
		}

		console = cli.New(flagQuiet)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Quiet mode, no console output except for errors")
	rootCmd.PersistentFlags().BoolVar(&flagAllowMultiInstance, "allow-multi-instance", false, "Override config and allow more than one running instance")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// runSync builds every component and runs the configured execution mode.
func runSync(ctx context.Context) (err error) {
	track, closeTrack, err := openTracker(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrackerFatal, err)
	}
	defer func() {
		if cerr := closeTrack(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	lock, err := instancelock.Acquire(cfg.LockFilePath, cfg.AllowMultiInstance)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	notify := buildNotifier(cfg)
	logger := buildLogger(cfg, notify)

	session, err := buildCloudSession(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	authCo := auth.New(notify, cfg.AuthWebPortRange)

	engine := syncengine.New(syncengine.Options{
		SyncRoot:      cfg.SyncDirectory,
		Username:      cfg.ICloudUsername,
		Password:      os.Getenv(cfg.ICloudAppPasswordEnv),
		DryRun:        cfg.DryRun,
		MaxDownloads:  cfg.MaxDownloads,
		MaxFileSizeMB: cfg.MaxFileSizeMB,
		Rules: albumfilter.Rules{
			IncludePersonal:   cfg.IncludePersonalAlbums,
			IncludeShared:     cfg.IncludeSharedAlbums,
			PersonalAllowlist: cfg.PersonalAlbumNamesToInclude,
			SharedAllowlist:   cfg.SharedAlbumNamesToInclude,
		},
	}, session, track, authCo, notify, logger)
	engine.Progress = console

	backoffPath := filepath.Join(os.TempDir(), "iphoto_downloader_backoff.json")
	sched := scheduler.New(scheduler.Options{
		Mode:                cfg.ExecutionMode,
		SyncInterval:        time.Duration(cfg.SyncIntervalMinutes) * time.Minute,
		MaintenanceInterval: time.Duration(cfg.MaintenanceIntervalMinutes) * time.Minute,
		BackoffStatePath:    backoffPath,
	}, engine, track, logger)

	console.Info("Starting sync in %q mode against %s", cfg.ExecutionMode, cfg.SyncDirectory)
	if err := sched.Run(ctx); err != nil {
		console.StopRenderer()
		if errors.Is(err, context.Canceled) {
			return ErrInterrupted
		}
		return err
	}
	console.StopRenderer()
	console.Success("Sync finished")
	return nil
}

func openTracker(cfg *cliconfig.Config) (tracker.Tracker, func() error, error) {
	dbPath, err := tracker.ResolveDatabasePath(cfg.DatabaseParentDirectory, cfg.SyncDirectory)
	if err != nil {
		return nil, nil, err
	}
	logger := log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	db, err := sqlite.Open(dbPath, logger)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func buildNotifier(cfg *cliconfig.Config) notifier.Notifier {
	if !cfg.Pushover.Enabled {
		return notifier.Nop{}
	}
	return pushover.New(cfg.Pushover.APIToken, cfg.Pushover.UserKey, cfg.Pushover.Device)
}

func buildLogger(cfg *cliconfig.Config, notify notifier.Notifier) *log.Logger {
	secrets := []string{cfg.Pushover.APIToken, cfg.Pushover.UserKey, os.Getenv(cfg.ICloudAppPasswordEnv)}
	writer := logging.NewRedactingWriter(os.Stderr, cfg.SyncDirectory, secrets)
	return log.New(writer, "", log.LstdFlags)
}

func buildCloudSession(ctx context.Context, cfg *cliconfig.Config) (cloud.Session, error) {
	sessionPath, err := xdg.DataFile(filepath.Join(cliconfig.AppName, "sessions", "icloud.json"))
	if err != nil {
		return nil, err
	}
	return icloud.New(ctx, "https://www.icloud.com", sessionPath, 500*time.Millisecond)
}
