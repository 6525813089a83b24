// Package lockfile keeps two RoutinePipe processes from sharing one state
// directory. The lock is an flock on a file inside the directory, so the
// kernel drops it when the holder exits, even on a crash.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "routinepipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Info is the holder metadata written into the lock file.
type Info struct {
	PID       int
	StartedAt time.Time
	Transport string
}

func (i Info) encode() string {
	return fmt.Sprintf("pid=%d\nstarted_at=%s\ntransport=%s\n", i.PID, i.StartedAt.UTC().Format(time.RFC3339), i.Transport)
}

// parseInfo reads key=value lines. Unknown keys are ignored.
func parseInfo(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				info.StartedAt = ts
			}
		case "transport":
			info.Transport = value
		}
	}
	return info
}

// AcquireLock takes the exclusive lock for stateDir, creating the directory
// when needed. A held lock yields a *LockError describing the holder.
func AcquireLock(stateDir, transport string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the flock is ours so a losing process does
	// not wipe the holder's metadata.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("lockfile.AcquireLock: state directory already locked", "lockPath", lockPath, "holder", holder, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	info := Info{PID: os.Getpid(), StartedAt: time.Now(), Transport: transport}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lockPath", lockPath, "pid", info.PID, "transport", transport)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile: sync failed", "path", file.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale
	// metadata under its own lock.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "lockPath", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "lockPath", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}
	slog.Info("lockfile.Release: state directory unlocked", "lockPath", l.path)
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another RoutinePipe instance holds the state directory (lock file %s)", e.LockPath)
	if e.Holder != "" {
		fmt.Fprintf(&b, "; holder: %s", e.Holder)
	}
	fmt.Fprintf(&b, "; remove %s only if no other instance is running", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	info := parseInfo(string(data))
	if info.PID == 0 {
		return ""
	}
	state := "running"
	if !isProcessRunning(info.PID) {
		state = "not running"
	}
	desc := fmt.Sprintf("pid %d (%s)", info.PID, state)
	if info.Transport != "" {
		desc += ", transport " + info.Transport
	}
	if !info.StartedAt.IsZero() {
		desc += ", since " + info.StartedAt.Format(time.RFC3339)
	}
	return desc
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
