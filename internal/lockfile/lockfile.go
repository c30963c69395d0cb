// Package lockfile keeps two TriagePipe processes from sharing one state directory.
//
// The lock is an flock(2) on a file inside the directory, so the kernel drops it when the
// owning process exits, cleanly or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "triagepipe.lock"

// Owner describes the process holding a lock, as recorded in the lock file.
type Owner struct {
	PID     int
	Started time.Time
	Addr    string
}

func (o Owner) String() string {
	if o.PID <= 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if isProcessRunning(o.PID) {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", o.PID, state)
	if !o.Started.IsZero() {
		s += ", started " + o.Started.Format(time.RFC3339)
	}
	if o.Addr != "" {
		s += ", serving " + o.Addr
	}
	return s
}

func (o Owner) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", o.PID)
	fmt.Fprintf(&b, "started=%s\n", o.Started.UTC().Format(time.RFC3339))
	if o.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", o.Addr)
	}
	return b.String()
}

// parseOwner reads the key=value lines written by encode. Unknown keys and bad values are
// ignored.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				o.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				o.Started = t
			}
		case "addr":
			o.Addr = val
		}
	}
	return o
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive lock on stateDir, creating the directory if needed. addr is
// recorded so a second instance can report who holds the lock. A held lock yields a
// *LockError.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: acquiring", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	// O_TRUNC would wipe the owner record of a live holder, so truncate only once locked.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := readOwner(lockPath)
		slog.Error("AcquireLock: state directory is in use", "lock_path", lockPath, "owner", owner.String(), "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	owner := Owner{PID: os.Getpid(), Started: time.Now(), Addr: addr}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeOwner(file *os.File, o Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(o.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err)
	}
	return nil
}

func readOwner(lockPath string) Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still locked so a waiting process never sees our owner record.
	if err := os.Remove(l.path); err != nil {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, err)
	}
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another TriagePipe instance is using this state directory (lock %s, held by %s); "+
		"if no other instance is running, remove the lock file and retry", e.LockPath, e.Owner)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning reports whether pid exists, using signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
