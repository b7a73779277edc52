// Package syncengine drives one reconcile cycle: authenticate against the
// remote service, resolve which albums are in scope, and bring the local
// directory tree in line with what the tracker has already recorded.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/HenningUe/iphoto-downloader/internal/fs"
	"github.com/HenningUe/iphoto-downloader/pkg/albumfilter"
	"github.com/HenningUe/iphoto-downloader/pkg/auth"
	"github.com/HenningUe/iphoto-downloader/pkg/cloud"
	"github.com/HenningUe/iphoto-downloader/pkg/notifier"
	"github.com/HenningUe/iphoto-downloader/pkg/tracker"
)

const twoFATimeout = 5 * time.Minute

// ErrTwoFactorNotCompleted is the proximate cause Scheduler checks for when
// deciding whether to apply 2FA back-off.
var ErrTwoFactorNotCompleted = errors.New("syncengine: two-factor authentication was not completed")

// ErrDiskSpace marks a download failure caused by insufficient free space on
// the sync root's filesystem. It is fatal for the whole cycle: syncAlbum
// aborts rather than treating it as a per-photo failure, and Run returns it
// without starting any further album, since every subsequent photo would
// fail the same way.
var ErrDiskSpace = errors.New("syncengine: insufficient disk space")

// Options configures one Engine.
type Options struct {
	SyncRoot               string
	Username               string
	Password               string
	DryRun                 bool
	MaxDownloads           int // 0 = unlimited
	MaxFileSizeMB          int // 0 = unlimited
	MaxConsecutiveFailures int // per album; 0 uses the default of 5

	Rules albumfilter.Rules
}

// Engine runs sync cycles against one CloudSession/Tracker pair.
// Gate lets the Scheduler cooperatively pause the loop for maintenance and
// signal shutdown, checked at per-photo and per-album boundaries.
type Gate interface {
	ShouldStop() bool
	// WaitIfPaused blocks while paused and returns true if a stop has been
	// requested or ctx is done, whether or not it had to wait.
	WaitIfPaused(ctx context.Context) bool
}

// nopGate never pauses or stops; used when the Scheduler is not involved
// (e.g. direct unit tests of Engine).
type nopGate struct{}

func (nopGate) ShouldStop() bool                          { return false }
func (nopGate) WaitIfPaused(ctx context.Context) bool { return false }

// ProgressKind distinguishes the two kinds of work a Progress implementation
// tracks, so a console renderer can style them differently (a spinner color
// for an active download versus a listing scan).
type ProgressKind int

const (
	ProgressAlbumScan ProgressKind = iota
	ProgressDownload
)

// Progress receives best-effort live-status events for one cycle.
// TaskStarted/TaskDone bracket a unit of work identified by id; TaskActivity
// marks it as still alive, and TaskMessage updates its displayed text. A nil
// Gate-style default (nopProgress) is used when no UI is attached.
type Progress interface {
	TaskStarted(id, message string, kind ProgressKind)
	TaskActivity(id string)
	TaskMessage(id, message string)
	TaskDone(id string)
}

type nopProgress struct{}

func (nopProgress) TaskStarted(string, string, ProgressKind) {}
func (nopProgress) TaskActivity(string)                      {}
func (nopProgress) TaskMessage(string, string)               {}
func (nopProgress) TaskDone(string)                          {}

type Engine struct {
	opts    Options
	session cloud.Session
	track   tracker.Tracker
	authCo  *auth.Coordinator
	notify  notifier.Notifier
	logger  *log.Logger

	// Gate is polled between photos and between albums. Defaults to a gate
	// that never pauses or stops if left nil.
	Gate Gate

	// Progress reports per-album and per-photo lifecycle events to an
	// attached console. Defaults to a no-op.
	Progress Progress
}

// CycleSummary reports what one Run call did.
type CycleSummary struct {
	AlbumsProcessed int
	Downloaded      int
	Skipped         int
	Failed          int
	DryRun          bool
}

// New builds an Engine.
func New(opts Options, session cloud.Session, track tracker.Tracker, authCo *auth.Coordinator, notify notifier.Notifier, logger *log.Logger) *Engine {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 5
	}
	return &Engine{
		opts:     opts,
		session:  session,
		track:    track,
		authCo:   authCo,
		notify:   notify,
		logger:   logger,
		Gate:     nopGate{},
		Progress: nopProgress{},
	}
}

// Run executes exactly one sync cycle. Authentication, album-listing,
// album-filter and disk-space failures abort the whole cycle and are
// returned. A tracker error does not abort the cycle: one raised while
// deciding on a photo ends that album, and one raised while recording a
// download counts as a failed photo. An album that ends early is only
// logged (it still counts in AlbumsProcessed); failed photos are counted in
// summary.Failed.
func (e *Engine) Run(ctx context.Context) (CycleSummary, error) {
	summary := CycleSummary{DryRun: e.opts.DryRun}

	if err := e.authenticate(ctx); err != nil {
		if !errors.Is(err, ErrTwoFactorNotCompleted) {
			e.notifyFatal(err)
		}
		return summary, err
	}

	albums, err := e.session.ListAlbums(ctx)
	if err != nil {
		e.notifyFatal(err)
		return summary, fmt.Errorf("syncengine: listing albums: %w", err)
	}
	selected, err := albumfilter.Resolve(e.opts.Rules, albums)
	if err != nil {
		e.notifyFatal(err)
		return summary, err
	}

	for _, album := range selected {
		if e.shuttingDown() {
			break
		}
		if e.pausedWait(ctx) {
			break
		}

		if err := e.syncAlbum(ctx, album, &summary); err != nil {
			e.logger.Printf("syncengine: album %q aborted: %v", album.Name, err)
			if errors.Is(err, ErrDiskSpace) {
				e.notifyFatal(err)
				return summary, err
			}
		}
		summary.AlbumsProcessed++

		if e.opts.MaxDownloads > 0 && summary.Downloaded >= e.opts.MaxDownloads {
			break
		}
	}

	return summary, nil
}

// authenticate runs Authenticate, and if the remote demands 2FA, drives the
// AuthCoordinator handshake, then Verify2FA and TrustSession.
func (e *Engine) authenticate(ctx context.Context) error {
	result, err := e.session.Authenticate(ctx, e.opts.Username, e.opts.Password)
	if err != nil {
		return fmt.Errorf("syncengine: authenticate: %w", err)
	}
	switch result {
	case cloud.AuthOK:
		return nil
	case cloud.AuthInvalidCredentials:
		return errors.New("syncengine: invalid credentials")
	case cloud.AuthServiceUnavailable:
		return errors.New("syncengine: remote service unavailable during authentication")
	case cloud.AuthTwoFactorRequired:
		// fall through to the 2FA handshake below.
	}

	onRequest := func(ctx context.Context) error {
		res, err := e.session.Request2FA(ctx)
		if err != nil {
			return err
		}
		if res != cloud.RequestOK {
			return fmt.Errorf("syncengine: 2FA resend rejected")
		}
		return nil
	}
	onSubmit := func(ctx context.Context, code string) (bool, error) {
		res, err := e.session.Verify2FA(ctx, code)
		if err != nil {
			return false, err
		}
		return res == cloud.VerifyOK, nil
	}

	if _, err := e.authCo.ObtainCode(ctx, onRequest, onSubmit, twoFATimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrTwoFactorNotCompleted, err)
	}
	if err := e.session.TrustSession(ctx); err != nil {
		// Best-effort: a persisted-session failure just means the next
		// cycle asks for 2FA again, it does not fail this cycle.
		e.logger.Printf("syncengine: trusting session: %v", err)
	}
	return nil
}

func (e *Engine) syncAlbum(ctx context.Context, album cloud.Album, summary *CycleSummary) error {
	albumDir := filepath.Join(e.opts.SyncRoot, album.Name)
	if !e.opts.DryRun {
		if err := os.MkdirAll(albumDir, 0755); err != nil {
			return fmt.Errorf("creating album directory: %w", err)
		}
	}

	scanID := "scan:" + album.Name
	e.Progress.TaskStarted(scanID, "listing photos", ProgressAlbumScan)
	photos, err := e.session.ListPhotos(ctx, album)
	if err != nil {
		e.Progress.TaskDone(scanID)
		return fmt.Errorf("listing photos: %w", err)
	}
	photos = dedupeByFilename(photos, album.Name, e.logger)
	e.Progress.TaskMessage(scanID, fmt.Sprintf("%d photos found", len(photos)))
	e.Progress.TaskDone(scanID)

	consecutiveFailures := 0
	for _, photo := range photos {
		if e.shuttingDown() {
			return nil
		}
		if e.pausedWait(ctx) {
			return nil
		}
		if e.opts.MaxDownloads > 0 && summary.Downloaded >= e.opts.MaxDownloads {
			return nil
		}

		// dedupeByFilename has already dropped every photo whose filename
		// normalizes to empty, so filename is always non-empty here.
		filename := normalizeFilename(photo.Filename)

		action, err := e.decide(album.Name, filename, photo, albumDir)
		if err != nil {
			return fmt.Errorf("deciding action for %q: %w", filename, err)
		}
		switch action {
		case actionSkip:
			summary.Skipped++
			continue
		case actionDownload:
			downloadID := "download:" + album.Name + "/" + filename
			e.Progress.TaskStarted(downloadID, "downloading "+filename, ProgressDownload)
			e.Progress.TaskActivity(downloadID)
			err := e.downloadOne(ctx, album, filename, photo, albumDir)
			e.Progress.TaskDone(downloadID)
			if err != nil {
				summary.Failed++
				e.logger.Printf("syncengine: download %q/%q failed: %v", album.Name, filename, err)
				if errors.Is(err, ErrDiskSpace) {
					return err
				}
				consecutiveFailures++
				if consecutiveFailures >= e.opts.MaxConsecutiveFailures {
					return fmt.Errorf("too many consecutive failures (%d)", consecutiveFailures)
				}
				continue
			}
			consecutiveFailures = 0
			summary.Downloaded++
		}
	}
	return nil
}

type action int

const (
	actionSkip action = iota
	actionDownload
)

// decide implements the tracker-consultation rules from the reconcile
// algorithm: honor prior local deletions, skip matching files, and detect
// files the user removed since the last cycle.
func (e *Engine) decide(albumName, filename string, photo cloud.RemotePhoto, albumDir string) (action, error) {
	rec, ok, err := e.track.Get(filename, albumName)
	if err != nil {
		return actionSkip, err
	}
	if !ok {
		return actionDownload, nil
	}
	if rec.DeletedLocally {
		return actionSkip, nil
	}

	localPath := filepath.Join(albumDir, filename)
	info, statErr := os.Stat(localPath)
	switch {
	case statErr == nil:
		if photo.SizeBytes == 0 || info.Size() == photo.SizeBytes {
			if err := e.track.TouchSeen(filename, albumName); err != nil {
				return actionSkip, err
			}
			return actionSkip, nil
		}
		// Size mismatch: treat as missing/changed and re-download.
		return actionDownload, nil
	case os.IsNotExist(statErr):
		if err := e.track.MarkDeleted(filename, albumName); err != nil {
			return actionSkip, err
		}
		return actionSkip, nil
	default:
		return actionSkip, statErr
	}
}

func (e *Engine) downloadOne(ctx context.Context, album cloud.Album, filename string, photo cloud.RemotePhoto, albumDir string) error {
	if e.opts.MaxFileSizeMB > 0 && photo.SizeBytes > int64(e.opts.MaxFileSizeMB)*1024*1024 {
		return fmt.Errorf("photo exceeds max_file_size_mb (%d bytes > %d MB)", photo.SizeBytes, e.opts.MaxFileSizeMB)
	}

	if e.opts.DryRun {
		e.logger.Printf("syncengine: [dry-run] would download %q into %q", filename, album.Name)
		return nil
	}

	if avail, err := fs.Available(albumDir); err == nil && photo.SizeBytes > 0 && avail < uint64(photo.SizeBytes) {
		return fmt.Errorf("%w: %d bytes available in %s, requires at least %d bytes", ErrDiskSpace, avail, albumDir, photo.SizeBytes)
	}

	body, err := e.session.Download(ctx, photo.RemoteID)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	finalPath := filepath.Join(albumDir, filename)
	tmp, err := os.CreateTemp(albumDir, ".sync-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	written, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	}
	if photo.SizeBytes > 0 && written != photo.SizeBytes {
		_ = os.Remove(tmpPath)
		return cloud.ErrTruncated
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %v", ErrDiskSpace, err)
		}
		return err
	}

	relPath := filepath.Join(album.Name, filename)
	if err := e.track.RecordDownload(filename, album.Name, photo.RemoteID, written, relPath); err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrTrackerWriteFailed, err)
	}
	return nil
}

func (e *Engine) notifyFatal(err error) {
	_ = e.notify.Notify(notifier.KindFatal, "Sync cycle aborted", err.Error(), "")
}

func (e *Engine) shuttingDown() bool {
	return e.Gate.ShouldStop()
}

// pausedWait blocks while the Gate is paused, returning true if a stop has
// been requested or ctx is done.
func (e *Engine) pausedWait(ctx context.Context) bool {
	return e.Gate.WaitIfPaused(ctx)
}

// dedupeByFilename keeps the first occurrence of each normalized filename
// within one album's listing, logging every collision it drops.
func dedupeByFilename(photos []cloud.RemotePhoto, albumName string, logger *log.Logger) []cloud.RemotePhoto {
	seen := make(map[string]bool, len(photos))
	out := make([]cloud.RemotePhoto, 0, len(photos))
	for _, p := range photos {
		name := normalizeFilename(p.Filename)
		if name == "" {
			logger.Printf("syncengine: album %q: photo (remote_id %q) has an empty normalized filename, skipped", albumName, p.RemoteID)
			continue
		}
		if seen[name] {
			logger.Printf("syncengine: album %q: duplicate filename %q (remote_id %q) skipped", albumName, name, p.RemoteID)
			continue
		}
		seen[name] = true
		out = append(out, p)
	}
	return out
}

// normalizeFilename strips path separators and NUL bytes and trims trailing
// dots and whitespace, matching the target filesystem's constraints.
func normalizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimRight(name, " .")
	return name
}
