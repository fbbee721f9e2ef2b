// Package lockfile keeps two DuetPipe processes from sharing one state directory.
//
// The lock is an flock on a file inside the state directory, so the kernel drops it when the
// process exits for any reason. The file records who holds it, which makes conflicts readable.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileName is the lock file created in the state directory.
const FileName = "duetpipe.lock"

// ErrLocked is matched by the error Acquire returns when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another instance")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
	Label   string
}

// Alive reports whether the holder's process still exists.
func (h Holder) Alive() bool {
	if h.PID <= 0 {
		return false
	}
	p, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	// signal 0 only checks for existence
	return p.Signal(syscall.Signal(0)) == nil
}

func (h Holder) String() string {
	state := "not running, stale lock"
	if h.Alive() {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Label != "" {
		s += " label=" + h.Label
	}
	if !h.Started.IsZero() {
		s += " started=" + h.Started.Format(time.RFC3339)
	}
	return s
}

func (h Holder) encode() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\nlabel=%s\n", h.PID, h.Started.UTC().Format(time.RFC3339), h.Label)
}

// ReadHolder parses the lock file at path.
func ReadHolder(path string) (Holder, error) {
	f, err := os.Open(path)
	if err != nil {
		return Holder{}, err
	}
	defer f.Close()

	var h Holder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(val)
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, val)
		case "label":
			h.Label = val
		}
	}
	if err := sc.Err(); err != nil {
		return Holder{}, err
	}
	if h.PID == 0 {
		return Holder{}, fmt.Errorf("lock file %s has no pid", path)
	}
	return h, nil
}

// LockError is returned when the lock is held by someone else.
type LockError struct {
	Path   string
	Holder *Holder
	Cause  error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another DuetPipe instance is using this state directory (lock file %s)", e.Path)
	if e.Holder != nil {
		fmt.Fprintf(&b, "; holder: %s", e.Holder)
	}
	fmt.Fprintf(&b, "; if no other instance is running, remove the file with: rm %s", e.Path)
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

func (e *LockError) Is(target error) bool { return target == ErrLocked }

// Lock is a held state directory lock.
type Lock struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Acquire takes the lock in stateDir, creating the directory if needed. label is recorded for
// diagnostics, typically the transport name.
func Acquire(stateDir, label string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, FileName)

	// Not truncated before flock succeeds, so a failed attempt leaves the holder's record intact.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		lerr := &LockError{Path: path, Cause: err}
		if h, rerr := ReadHolder(path); rerr == nil {
			lerr.Holder = &h
		}
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "error", err)
		return nil, lerr
	}

	h := Holder{PID: os.Getpid(), Started: time.Now(), Label: label}
	if err := writeHolder(f, h); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", h.PID)
	return &Lock{file: f, path: path}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "path", f.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	// Remove first: once unlocked another process may create and lock a fresh file.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return err
}
