package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := Acquire(dir, "whatsapp")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, FileName) {
		t.Errorf("path = %s", lock.Path())
	}
	h, err := ReadHolder(lock.Path())
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if h.PID != os.Getpid() || h.Label != "whatsapp" {
		t.Errorf("holder = %+v", h)
	}
	if time.Since(h.Started) > time.Minute {
		t.Errorf("started = %v", h.Started)
	}
	if !h.Alive() {
		t.Error("own process should be alive")
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "first")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir, "second")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var lerr *LockError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lerr.Holder == nil || lerr.Holder.Label != "first" {
		t.Errorf("holder = %+v", lerr.Holder)
	}
	if !strings.Contains(err.Error(), "rm "+lerr.Path) {
		t.Errorf("message = %q", err.Error())
	}

	// the failed attempt must not clobber the record
	h, err := ReadHolder(first.Path())
	if err != nil || h.Label != "first" {
		t.Errorf("holder after conflict = %+v, %v", h, err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}

	again, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantPID int
		wantErr bool
	}{
		{"full", "pid=42\nstarted=2024-01-02T03:04:05Z\nlabel=twilio\n", 42, false},
		{"pid only", "pid=7", 7, false},
		{"legacy noise", "garbage\npid=9\n", 9, false},
		{"empty", "", 0, true},
		{"bad pid", "pid=abc\n", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			h, err := ReadHolder(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if h.PID != tt.wantPID {
				t.Errorf("pid = %d", h.PID)
			}
		})
	}
	if _, err := ReadHolder(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHolderString(t *testing.T) {
	h := Holder{PID: 1 << 30, Label: "local"}
	if s := h.String(); !strings.Contains(s, "stale") || !strings.Contains(s, "label=local") {
		t.Errorf("String() = %q", s)
	}
	if (Holder{}).Alive() {
		t.Error("zero holder should not be alive")
	}
}
