package syncengine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HenningUe/iphoto-downloader/pkg/albumfilter"
	"github.com/HenningUe/iphoto-downloader/pkg/auth"
	"github.com/HenningUe/iphoto-downloader/pkg/cloud"
	"github.com/HenningUe/iphoto-downloader/pkg/cloud/fake"
	"github.com/HenningUe/iphoto-downloader/pkg/config"
	"github.com/HenningUe/iphoto-downloader/pkg/notifier"
	"github.com/HenningUe/iphoto-downloader/pkg/tracker"
)

// fakeTracker is an in-memory tracker.Tracker double, in the same spirit as
// pkg/cloud/fake: no mocking library appears anywhere in the retrieved
// example pack.
type fakeTracker struct {
	mu      sync.Mutex
	records map[string]tracker.PhotoRecord
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{records: make(map[string]tracker.PhotoRecord)}
}

func key(filename, album string) string { return album + "\x00" + filename }

func (t *fakeTracker) Get(filename, album string) (tracker.PhotoRecord, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key(filename, album)]
	return rec, ok, nil
}

func (t *fakeTracker) RecordDownload(filename, album, remoteID string, size int64, localRelPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[key(filename, album)] = tracker.PhotoRecord{
		Filename: filename, AlbumName: album, RemoteID: remoteID,
		SizeBytes: size, LocalRelPath: localRelPath, DownloadedAt: time.Now(),
	}
	return nil
}

func (t *fakeTracker) MarkDeleted(filename, album string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[key(filename, album)]
	rec.Filename, rec.AlbumName = filename, album
	rec.DeletedLocally = true
	t.records[key(filename, album)] = rec
	return nil
}

func (t *fakeTracker) TouchSeen(filename, album string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[key(filename, album)]
	rec.LastCheckedAt = time.Now()
	t.records[key(filename, album)] = rec
	return nil
}

func (t *fakeTracker) IterAlbum(album string) ([]tracker.PhotoRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []tracker.PhotoRecord
	for _, rec := range t.records {
		if rec.AlbumName == album {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *fakeTracker) Backup() (string, error)          { return "", nil }
func (t *fakeTracker) RestoreFromBackup() (bool, error) { return false, nil }
func (t *fakeTracker) Close() error                     { return nil }

var _ tracker.Tracker = (*fakeTracker)(nil)

func testEngine(t *testing.T, syncRoot string, session *fake.Session, track tracker.Tracker) *Engine {
	t.Helper()
	authCo := auth.New(notifier.Nop{}, config.PortRange{Start: 19200, End: 19210})
	logger := log.New(io.Discard, "", 0)
	return New(Options{
		SyncRoot: syncRoot,
		Username: "alice@example.com",
		Password: "hunter2",
		Rules:    albumfilter.Rules{IncludePersonal: true, IncludeShared: true},
	}, session, track, authCo, notifier.Nop{}, logger)
}

func TestRunDownloadsNewPhoto(t *testing.T) {
	root := t.TempDir()
	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	session.Photos["Vacation"] = []cloud.RemotePhoto{
		{RemoteID: "r1", Filename: "beach.jpg", SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal},
	}
	session.Blobs["r1"] = []byte("hello")
	track := newFakeTracker()

	engine := testEngine(t, root, session, track)
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Downloaded != 1 || summary.Skipped != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	data, err := os.ReadFile(filepath.Join(root, "Vacation", "beach.jpg"))
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("downloaded content = %q, want %q", data, "hello")
	}

	rec, ok, err := track.Get("beach.jpg", "Vacation")
	if err != nil || !ok {
		t.Fatalf("tracker.Get() ok=%v err=%v", ok, err)
	}
	if rec.RemoteID != "r1" {
		t.Fatalf("recorded RemoteID = %q, want %q", rec.RemoteID, "r1")
	}
}

func TestRunSkipsAlreadyDownloadedUnchangedPhoto(t *testing.T) {
	root := t.TempDir()
	albumDir := filepath.Join(root, "Vacation")
	if err := os.MkdirAll(albumDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(albumDir, "beach.jpg"), []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	session.Photos["Vacation"] = []cloud.RemotePhoto{
		{RemoteID: "r1", Filename: "beach.jpg", SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal},
	}
	track := newFakeTracker()
	if err := track.RecordDownload("beach.jpg", "Vacation", "r1", 5, "Vacation/beach.jpg"); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	engine := testEngine(t, root, session, track)
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Skipped != 1 || summary.Downloaded != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(session.DownloadedIDs) != 0 {
		t.Fatalf("Download() should not have been called, got %v", session.DownloadedIDs)
	}
}

func TestRunNeverRedownloadsUserDeletedPhoto(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Vacation"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	session.Photos["Vacation"] = []cloud.RemotePhoto{
		{RemoteID: "r1", Filename: "beach.jpg", SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal},
	}
	track := newFakeTracker()
	if err := track.RecordDownload("beach.jpg", "Vacation", "r1", 5, "Vacation/beach.jpg"); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}
	if err := track.MarkDeleted("beach.jpg", "Vacation"); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	engine := testEngine(t, root, session, track)
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Downloaded != 0 {
		t.Fatalf("a locally-deleted photo must never be re-downloaded, got summary %+v", summary)
	}
	if len(session.DownloadedIDs) != 0 {
		t.Fatalf("Download() should not have been called for a deleted photo, got %v", session.DownloadedIDs)
	}
}

func TestRunDetectsLocalDeletionSinceLastCycle(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Vacation"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// No local file on disk, but the tracker thinks it was downloaded: the
	// user must have deleted it locally between cycles.
	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	session.Photos["Vacation"] = []cloud.RemotePhoto{
		{RemoteID: "r1", Filename: "beach.jpg", SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal},
	}
	track := newFakeTracker()
	if err := track.RecordDownload("beach.jpg", "Vacation", "r1", 5, "Vacation/beach.jpg"); err != nil {
		t.Fatalf("RecordDownload: %v", err)
	}

	engine := testEngine(t, root, session, track)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, ok, err := track.Get("beach.jpg", "Vacation")
	if err != nil || !ok {
		t.Fatalf("tracker.Get() ok=%v err=%v", ok, err)
	}
	if !rec.DeletedLocally {
		t.Fatal("engine should have marked the missing local file as deleted")
	}
	if len(session.DownloadedIDs) != 0 {
		t.Fatalf("Download() should not have been called, got %v", session.DownloadedIDs)
	}
}

func TestRunDedupesDuplicateFilenamesFirstWins(t *testing.T) {
	root := t.TempDir()
	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	session.Photos["Vacation"] = []cloud.RemotePhoto{
		{RemoteID: "first", Filename: "beach.jpg", SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal},
		{RemoteID: "second", Filename: "beach.jpg", SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal},
	}
	session.Blobs["first"] = []byte("hello")
	session.Blobs["second"] = []byte("world")
	track := newFakeTracker()

	engine := testEngine(t, root, session, track)
	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Downloaded != 1 {
		t.Fatalf("dedup should have collapsed to 1 download, got %+v", summary)
	}
	if len(session.DownloadedIDs) != 1 || session.DownloadedIDs[0] != "first" {
		t.Fatalf("first occurrence should win, got %v", session.DownloadedIDs)
	}
}

func TestRunRespectsMaxDownloadsPerCycle(t *testing.T) {
	root := t.TempDir()
	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	for i := 0; i < 5; i++ {
		name := string(rune('a'+i)) + ".jpg"
		session.Photos["Vacation"] = append(session.Photos["Vacation"], cloud.RemotePhoto{
			RemoteID: name, Filename: name, SizeBytes: 1, AlbumName: "Vacation", Kind: cloud.KindPersonal,
		})
		session.Blobs[name] = []byte("x")
	}
	track := newFakeTracker()

	authCo := auth.New(notifier.Nop{}, config.PortRange{Start: 19220, End: 19230})
	logger := log.New(io.Discard, "", 0)
	engine := New(Options{
		SyncRoot:     root,
		Username:     "alice@example.com",
		Password:     "hunter2",
		MaxDownloads: 2,
		Rules:        albumfilter.Rules{IncludePersonal: true},
	}, session, track, authCo, notifier.Nop{}, logger)

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Downloaded != 2 {
		t.Fatalf("Downloaded = %d, want 2 (MaxDownloads cap)", summary.Downloaded)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	root := t.TempDir()
	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	session.Photos["Vacation"] = []cloud.RemotePhoto{
		{RemoteID: "r1", Filename: "beach.jpg", SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal},
	}
	session.Blobs["r1"] = []byte("hello")
	track := newFakeTracker()

	authCo := auth.New(notifier.Nop{}, config.PortRange{Start: 19240, End: 19250})
	logger := log.New(io.Discard, "", 0)
	engine := New(Options{
		SyncRoot: root,
		Username: "alice@example.com",
		Password: "hunter2",
		DryRun:   true,
		Rules:    albumfilter.Rules{IncludePersonal: true},
	}, session, track, authCo, notifier.Nop{}, logger)

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.DryRun {
		t.Fatal("summary.DryRun should be true")
	}
	if _, err := os.Stat(filepath.Join(root, "Vacation")); !os.IsNotExist(err) {
		t.Fatal("dry-run must not create any directory")
	}
	if _, ok, _ := track.Get("beach.jpg", "Vacation"); ok {
		t.Fatal("dry-run must not write a tracker record")
	}
}

func TestRunAbortsAlbumAfterConsecutiveFailures(t *testing.T) {
	root := t.TempDir()
	session := fake.New()
	session.Albums = []cloud.Album{{Name: "Vacation", Kind: cloud.KindPersonal}}
	for i := 0; i < 3; i++ {
		name := string(rune('a'+i)) + ".jpg"
		session.Photos["Vacation"] = append(session.Photos["Vacation"], cloud.RemotePhoto{
			RemoteID: "missing-" + name, Filename: name, SizeBytes: 5, AlbumName: "Vacation", Kind: cloud.KindPersonal,
		})
	}
	// None of the blobs exist, so every download fails with cloud.ErrNotFound.
	track := newFakeTracker()

	authCo := auth.New(notifier.Nop{}, config.PortRange{Start: 19260, End: 19270})
	logger := log.New(io.Discard, "", 0)
	engine := New(Options{
		SyncRoot:               root,
		Username:               "alice@example.com",
		Password:               "hunter2",
		MaxConsecutiveFailures: 2,
		Rules:                  albumfilter.Rules{IncludePersonal: true},
	}, session, track, authCo, notifier.Nop{}, logger)

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Failed != 2 {
		t.Fatalf("Failed = %d, want 2 (aborted after MaxConsecutiveFailures)", summary.Failed)
	}
}

func TestRunAbortsCycleOnDiskFull(t *testing.T) {
	root := t.TempDir()
	session := fake.New()
	session.Albums = []cloud.Album{
		{Name: "Vacation", Kind: cloud.KindPersonal},
		{Name: "Zoo", Kind: cloud.KindPersonal},
	}
	// Albums run in (kind, name) order, so Vacation comes before Zoo.
	// No real filesystem has this much free space, so the pre-download
	// check in downloadOne deterministically reports ErrDiskSpace without
	// actually writing anything.
	session.Photos["Vacation"] = []cloud.RemotePhoto{
		{RemoteID: "r1", Filename: "beach.jpg", SizeBytes: 1 << 62, AlbumName: "Vacation", Kind: cloud.KindPersonal},
	}
	session.Photos["Zoo"] = []cloud.RemotePhoto{
		{RemoteID: "r2", Filename: "cat.jpg", SizeBytes: 5, AlbumName: "Zoo", Kind: cloud.KindPersonal},
	}
	session.Blobs["r2"] = []byte("hello")
	track := newFakeTracker()

	engine := testEngine(t, root, session, track)
	summary, err := engine.Run(context.Background())
	if !errors.Is(err, ErrDiskSpace) {
		t.Fatalf("Run() error = %v, want ErrDiskSpace", err)
	}
	if summary.AlbumsProcessed != 0 {
		t.Fatalf("cycle should abort before processing further albums, got summary %+v", summary)
	}
	if len(session.DownloadedIDs) != 0 {
		t.Fatalf("Download() should never have been called, got %v", session.DownloadedIDs)
	}
}

func TestAuthenticateTwoFactorNotCompletedReturnsSentinel(t *testing.T) {
	root := t.TempDir()
	session := fake.New()
	session.RequireTwoFactor = true
	session.ValidCode = "123456"
	track := newFakeTracker()

	authCo := auth.New(notifier.Nop{}, config.PortRange{Start: 19280, End: 19290})
	logger := log.New(io.Discard, "", 0)
	engine := New(Options{
		SyncRoot: root,
		Username: "alice@example.com",
		Password: "hunter2",
		Rules:    albumfilter.Rules{IncludePersonal: true},
	}, session, track, authCo, notifier.Nop{}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := engine.Run(ctx)
	if !errors.Is(err, ErrTwoFactorNotCompleted) {
		t.Fatalf("Run() error = %v, want ErrTwoFactorNotCompleted when nobody submits a code before ctx expires", err)
	}
}

func TestDedupeByFilenameDropsEmptyNormalizedNamesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	photos := []cloud.RemotePhoto{
		{RemoteID: "r1", Filename: "...", AlbumName: "Vacation"},
		{RemoteID: "r2", Filename: "beach.jpg", AlbumName: "Vacation"},
	}
	out := dedupeByFilename(photos, "Vacation", logger)
	if len(out) != 1 || out[0].RemoteID != "r2" {
		t.Fatalf("dedupeByFilename() = %+v, want only r2 to survive", out)
	}
	if !strings.Contains(buf.String(), "empty normalized filename") {
		t.Fatalf("dedupeByFilename() should log the dropped empty-filename photo, got log %q", buf.String())
	}
}

func TestNormalizeFilenameStripsUnsafeCharacters(t *testing.T) {
	cases := map[string]string{
		"beach.jpg":        "beach.jpg",
		"a/b.jpg":          "a_b.jpg",
		"a\\b.jpg":         "a_b.jpg",
		"trailing.":        "trailing",
		"trailing ":        "trailing",
		"has\x00null.jpg":  "hasnull.jpg",
	}
	for in, want := range cases {
		if got := normalizeFilename(in); got != want {
			t.Errorf("normalizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
