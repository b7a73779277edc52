// Package tracker is the durable store of (filename, album) -> download
// record. It is the sync engine's memory of what has already been
// downloaded and what the user has deleted locally, so that a repeated
// cycle never re-downloads a photo the user removed on purpose.
package tracker

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Sentinel errors, checked with errors.Is by callers.
var (
	// ErrTrackerUnavailable means the store could not be opened and no
	// fresh store could be created either (disk full, permissions).
	ErrTrackerUnavailable = errors.New("tracker: unavailable")
	// ErrTrackerWriteFailed means a write could not be committed.
	ErrTrackerWriteFailed = errors.New("tracker: write failed")
)

// PhotoRecord is the primary record kept by the Tracker, keyed by the
// composite (Filename, AlbumName) pair.
type PhotoRecord struct {
	Filename       string
	AlbumName      string
	RemoteID       string
	SizeBytes      int64
	DownloadedAt   time.Time
	LocalRelPath   string
	DeletedLocally bool
	LastCheckedAt  time.Time
}

// Tracker is the interface the sync engine consumes; pkg/tracker/sqlite
// provides the only concrete implementation, but the interface keeps the
// engine and its tests decoupled from the storage backend.
type Tracker interface {
	// Get returns the record for (filename, album), or ok=false if none
	// exists.
	Get(filename, album string) (rec PhotoRecord, ok bool, err error)
	// RecordDownload inserts or updates a record, marking it as not
	// locally deleted.
	RecordDownload(filename, album, remoteID string, size int64, localRelPath string) error
	// MarkDeleted sets deleted_locally=true, preserving other fields.
	MarkDeleted(filename, album string) error
	// TouchSeen updates last_checked_at only.
	TouchSeen(filename, album string) error
	// IterAlbum returns every record for one album, ordered by filename.
	IterAlbum(album string) ([]PhotoRecord, error)
	// Backup copies the live store to the backup directory and rotates
	// old backups beyond the retention count. Returns the backup path.
	Backup() (string, error)
	// RestoreFromBackup replaces the live store with the newest backup
	// that passes an integrity check. Returns false if no backup could be
	// used.
	RestoreFromBackup() (bool, error)
	// Close releases the underlying handle.
	Close() error
}

// localAppDataToken is the placeholder accepted anywhere in a configured
// path, expanding to the host's user-local application-data directory.
const localAppDataToken = "%LOCALAPPDATA%"

// ResolveDatabasePath expands the %LOCALAPPDATA% token (if present),
// resolves relative paths against syncRoot, and returns the concrete path
// to the tracker database file.
func ResolveDatabasePath(parentDir, syncRoot string) (string, error) {
	if strings.Contains(parentDir, localAppDataToken) {
		localAppData := xdg.DataHome
		parentDir = strings.ReplaceAll(parentDir, localAppDataToken, localAppData)
	}
	if !filepath.IsAbs(parentDir) {
		parentDir = filepath.Join(syncRoot, parentDir)
	}
	return filepath.Join(parentDir, "deletion_tracker.db"), nil
}
