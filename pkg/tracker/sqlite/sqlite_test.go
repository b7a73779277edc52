package sqlite

import (
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/HenningUe/iphoto-downloader/pkg/tracker"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deletion_tracker.db")
	db, err := Open(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetMissingRecord(t *testing.T) {
	db := newTestDB(t)

	_, ok, err := db.Get("photo.jpg", "Vacation")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() ok = true for a record that was never recorded")
	}
}

func TestRecordDownloadThenGet(t *testing.T) {
	db := newTestDB(t)

	if err := db.RecordDownload("photo.jpg", "Vacation", "remote-1", 1024, "Vacation/photo.jpg"); err != nil {
		t.Fatalf("RecordDownload() error = %v", err)
	}

	rec, ok, err := db.Get("photo.jpg", "Vacation")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false after RecordDownload")
	}
	if rec.RemoteID != "remote-1" || rec.SizeBytes != 1024 || rec.LocalRelPath != "Vacation/photo.jpg" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.DeletedLocally {
		t.Fatal("freshly recorded download should not be marked deleted")
	}
}

func TestMarkDeletedPreservesOtherFields(t *testing.T) {
	db := newTestDB(t)

	if err := db.RecordDownload("photo.jpg", "Vacation", "remote-1", 1024, "Vacation/photo.jpg"); err != nil {
		t.Fatalf("RecordDownload() error = %v", err)
	}
	if err := db.MarkDeleted("photo.jpg", "Vacation"); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	rec, ok, err := db.Get("photo.jpg", "Vacation")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false after MarkDeleted")
	}
	if !rec.DeletedLocally {
		t.Fatal("DeletedLocally should be true after MarkDeleted")
	}
	if rec.RemoteID != "remote-1" {
		t.Fatalf("MarkDeleted must not clobber RemoteID, got %q", rec.RemoteID)
	}
}

func TestIterAlbumOrdersByFilename(t *testing.T) {
	db := newTestDB(t)

	for _, f := range []string{"c.jpg", "a.jpg", "b.jpg"} {
		if err := db.RecordDownload(f, "Vacation", "remote-"+f, 1, "Vacation/"+f); err != nil {
			t.Fatalf("RecordDownload(%s) error = %v", f, err)
		}
	}
	if err := db.RecordDownload("z.jpg", "OtherAlbum", "remote-z", 1, "OtherAlbum/z.jpg"); err != nil {
		t.Fatalf("RecordDownload() error = %v", err)
	}

	records, err := db.IterAlbum("Vacation")
	if err != nil {
		t.Fatalf("IterAlbum() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("want 3 records for Vacation, got %d", len(records))
	}
	for i, want := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		if records[i].Filename != want {
			t.Fatalf("records[%d].Filename = %q, want %q", i, records[i].Filename, want)
		}
	}
}

func TestBackupAndRestore(t *testing.T) {
	db := newTestDB(t)

	if err := db.RecordDownload("photo.jpg", "Vacation", "remote-1", 1024, "Vacation/photo.jpg"); err != nil {
		t.Fatalf("RecordDownload() error = %v", err)
	}
	backupPath, err := db.Backup()
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if backupPath == "" {
		t.Fatal("Backup() returned empty path")
	}

	// Record something new after the backup, then restore and confirm the
	// backup's content wins.
	if err := db.RecordDownload("second.jpg", "Vacation", "remote-2", 2048, "Vacation/second.jpg"); err != nil {
		t.Fatalf("RecordDownload() error = %v", err)
	}

	restored, err := db.RestoreFromBackup()
	if err != nil {
		t.Fatalf("RestoreFromBackup() error = %v", err)
	}
	if !restored {
		t.Fatal("RestoreFromBackup() = false, want true with a backup present")
	}

	_, ok, err := db.Get("second.jpg", "Vacation")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("restore should have reverted the post-backup write")
	}

	_, ok, err = db.Get("photo.jpg", "Vacation")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("restore should have kept the pre-backup record")
	}
}

func TestResolveDatabasePathRelativeToSyncRoot(t *testing.T) {
	path, err := tracker.ResolveDatabasePath(".iphoto_downloader", "/home/user/Photos")
	if err != nil {
		t.Fatalf("ResolveDatabasePath() error = %v", err)
	}
	want := filepath.Join("/home/user/Photos", ".iphoto_downloader", "deletion_tracker.db")
	if path != want {
		t.Fatalf("ResolveDatabasePath() = %q, want %q", path, want)
	}
}

func TestResolveDatabasePathAbsolute(t *testing.T) {
	path, err := tracker.ResolveDatabasePath("/var/lib/iphoto-downloader", "/home/user/Photos")
	if err != nil {
		t.Fatalf("ResolveDatabasePath() error = %v", err)
	}
	want := filepath.Join("/var/lib/iphoto-downloader", "deletion_tracker.db")
	if path != want {
		t.Fatalf("ResolveDatabasePath() = %q, want %q", path, want)
	}
}
