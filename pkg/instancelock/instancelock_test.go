package instancelock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iphoto_downloader.lock")

	h, err := Acquire(path, false)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file content = %q, want pid %d", data, os.Getpid())
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("Release() should remove the lock file")
	}
}

func TestAcquireSecondInstanceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iphoto_downloader.lock")

	h1, err := Acquire(path, false)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer h1.Release()

	_, err = Acquire(path, false)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrAlreadyLocked", err)
	}
}

func TestAcquireAllowMultiInstanceSkipsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iphoto_downloader.lock")

	h1, err := Acquire(path, true)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	h2, err := Acquire(path, true)
	if err != nil {
		t.Fatalf("second Acquire() error = %v, want success with allowMultiInstance", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("allowMultiInstance must never touch the filesystem")
	}
	_ = h1.Release()
	_ = h2.Release()
}

func TestReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iphoto_downloader.lock")

	h1, err := Acquire(path, false)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if err := h1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	h2, err := Acquire(path, false)
	if err != nil {
		t.Fatalf("re-Acquire() after Release() error = %v", err)
	}
	defer h2.Release()
}
