// Package sqlite is the SQLite-backed implementation of tracker.Tracker.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/HenningUe/iphoto-downloader/pkg/tracker"
	"github.com/HenningUe/iphoto-downloader/pkg/tracker/migrations"
)

//go:embed queries/*.sql
var queryFS embed.FS

const backupRetention = 5

// DB is the SQLite-backed Tracker. All writes are serialized through mu,
// matching the spec's single-writer requirement; readers see post-commit
// state because every method holds the same mutex.
type DB struct {
	mu     sync.Mutex
	conn   *sql.DB
	path   string
	logger *log.Logger
}

var _ tracker.Tracker = (*DB)(nil)

// Open opens or creates the store at path, running an integrity check and,
// on failure, attempting recovery from the newest valid backup before
// falling back to a fresh empty store.
func Open(path string, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %v", tracker.ErrTrackerUnavailable, err)
	}

	db := &DB{path: path, logger: logger}
	if err := db.openAndVerify(); err != nil {
		logger.Printf("tracker: integrity check failed for %s: %v", path, err)
		if db.conn != nil {
			_ = db.conn.Close()
			db.conn = nil
		}
		restored, rerr := db.RestoreFromBackup()
		if rerr != nil || !restored {
			logger.Printf("tracker: no usable backup, creating a fresh store")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: removing corrupt store: %v", tracker.ErrTrackerUnavailable, err)
			}
		}
		if err := db.openAndVerify(); err != nil {
			return nil, fmt.Errorf("%w: %v", tracker.ErrTrackerUnavailable, err)
		}
	}
	return db, nil
}

func (db *DB) openAndVerify() error {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", db.path))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("connecting to database: %w", err)
	}
	if err := migrations.Up(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("migrating schema: %w", err)
	}
	var ok string
	if err := conn.QueryRow("PRAGMA integrity_check;").Scan(&ok); err != nil || ok != "ok" {
		_ = conn.Close()
		return fmt.Errorf("integrity check failed: result=%q err=%v", ok, err)
	}
	db.conn = conn
	return nil
}

func getQuery(name string) (string, error) {
	b, err := queryFS.ReadFile("queries/" + name)
	if err != nil {
		return "", fmt.Errorf("reading embedded query %s: %w", name, err)
	}
	return string(b), nil
}

// Get returns the record for (filename, album), or ok=false if none exists.
func (db *DB) Get(filename, album string) (tracker.PhotoRecord, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	query, err := getQuery("get.sql")
	if err != nil {
		return tracker.PhotoRecord{}, false, err
	}

	var rec tracker.PhotoRecord
	var downloadedAt, lastCheckedAt sql.NullTime
	err = db.conn.QueryRow(query, filename, album).Scan(
		&rec.Filename, &rec.AlbumName, &rec.RemoteID, &rec.SizeBytes,
		&downloadedAt, &rec.LocalRelPath, &rec.DeletedLocally, &lastCheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tracker.PhotoRecord{}, false, nil
	}
	if err != nil {
		return tracker.PhotoRecord{}, false, fmt.Errorf("querying record: %w", err)
	}
	rec.DownloadedAt = downloadedAt.Time
	rec.LastCheckedAt = lastCheckedAt.Time
	return rec, true, nil
}

// RecordDownload inserts or updates a record, marking it as not locally
// deleted.
func (db *DB) RecordDownload(filename, album, remoteID string, size int64, localRelPath string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	query, err := getQuery("record_download.sql")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := db.conn.Exec(query, filename, album, remoteID, size, now, localRelPath, now); err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrTrackerWriteFailed, err)
	}
	return nil
}

// MarkDeleted sets deleted_locally=true, preserving other fields.
func (db *DB) MarkDeleted(filename, album string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	query, err := getQuery("mark_deleted.sql")
	if err != nil {
		return err
	}
	if _, err := db.conn.Exec(query, filename, album, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrTrackerWriteFailed, err)
	}
	return nil
}

// TouchSeen updates last_checked_at only.
func (db *DB) TouchSeen(filename, album string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	query, err := getQuery("touch_seen.sql")
	if err != nil {
		return err
	}
	if _, err := db.conn.Exec(query, time.Now().UTC(), filename, album); err != nil {
		return fmt.Errorf("%w: %v", tracker.ErrTrackerWriteFailed, err)
	}
	return nil
}

// IterAlbum returns every record for one album, ordered by filename.
func (db *DB) IterAlbum(album string) ([]tracker.PhotoRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	query, err := getQuery("iter_album.sql")
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(query, album)
	if err != nil {
		return nil, fmt.Errorf("querying album %s: %w", album, err)
	}
	defer func() { _ = rows.Close() }()

	var records []tracker.PhotoRecord
	for rows.Next() {
		var rec tracker.PhotoRecord
		var downloadedAt, lastCheckedAt sql.NullTime
		if err := rows.Scan(&rec.Filename, &rec.AlbumName, &rec.RemoteID, &rec.SizeBytes,
			&downloadedAt, &rec.LocalRelPath, &rec.DeletedLocally, &lastCheckedAt); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec.DownloadedAt = downloadedAt.Time
		rec.LastCheckedAt = lastCheckedAt.Time
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating album %s: %w", album, err)
	}
	return records, nil
}

// Backup copies the live store to <dir>/backups/<timestamp>-deletion_tracker.db
// using SQLite's VACUUM INTO, atomically producing a self-consistent copy
// even while WAL-mode writes are in flight.
func (db *DB) Backup() (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	backupDir := filepath.Join(filepath.Dir(db.path), "backups")
	if err := os.MkdirAll(backupDir, 0750); err != nil {
		return "", fmt.Errorf("%w: creating backup directory: %v", tracker.ErrTrackerWriteFailed, err)
	}

	name := fmt.Sprintf("%s-deletion_tracker.db", time.Now().UTC().Format("20060102T150405Z"))
	dest := filepath.Join(backupDir, name)

	if _, err := db.conn.Exec("VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("%w: backing up database: %v", tracker.ErrTrackerWriteFailed, err)
	}

	if err := rotateBackups(backupDir); err != nil {
		db.logger.Printf("tracker: failed to rotate old backups: %v", err)
	}
	return dest, nil
}

func rotateBackups(backupDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > backupRetention {
		oldest := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(backupDir, oldest)); err != nil {
			return fmt.Errorf("removing old backup %s: %w", oldest, err)
		}
	}
	return nil
}

// RestoreFromBackup selects the newest backup whose integrity check passes
// and atomically replaces the live file with it. Safe to call whether or
// not the connection is currently open: it closes it, replaces the file,
// then reopens it.
func (db *DB) RestoreFromBackup() (bool, error) {
	backupDir := filepath.Join(filepath.Dir(db.path), "backups")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("listing backups: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		candidate := filepath.Join(backupDir, name)
		if !backupIntegrityOK(candidate) {
			continue
		}

		db.mu.Lock()
		wasOpen := db.conn != nil
		if wasOpen {
			_ = db.conn.Close()
			db.conn = nil
		}
		replaceErr := atomicReplace(candidate, db.path)
		if replaceErr == nil && wasOpen {
			replaceErr = db.reopenLocked()
		}
		db.mu.Unlock()

		if replaceErr != nil {
			return false, fmt.Errorf("restoring from %s: %w", candidate, replaceErr)
		}
		db.logger.Printf("tracker: restored from backup %s", candidate)
		return true, nil
	}
	return false, nil
}

// reopenLocked reopens the connection. Callers must hold db.mu.
func (db *DB) reopenLocked() error {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", db.path))
	if err != nil {
		return err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return err
	}
	db.conn = conn
	return nil
}

func backupIntegrityOK(path string) bool {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	var ok string
	if err := conn.QueryRow("PRAGMA integrity_check;").Scan(&ok); err != nil {
		return false
	}
	return ok == "ok"
}

// atomicReplace copies src to a temp file next to dest, then renames it
// into place, so readers never observe a partially-written database.
func atomicReplace(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".deletion_tracker-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dest)
}

// Close releases the underlying handle.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}
