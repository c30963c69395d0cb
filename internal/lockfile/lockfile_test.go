package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireLockRecordsOwner(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path = %s", lock.Path())
	}
	owner := readOwner(lock.Path())
	if owner.PID != os.Getpid() || owner.Addr != ":8080" || owner.Started.IsZero() {
		t.Errorf("owner = %+v", owner)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir, ":9090")
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock succeeded")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("err = %T, want *LockError", err)
	}
	if lockErr.Owner.PID != os.Getpid() || lockErr.Owner.Addr != ":8080" {
		t.Errorf("conflict owner = %+v", lockErr.Owner)
	}
	msg := err.Error()
	for _, want := range []string{"another TriagePipe instance", dir, "running", ":8080"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	again, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireLockCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")

	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestParseOwner(t *testing.T) {
	started := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Owner
	}{
		{"full record", "pid=12345\nstarted=2025-06-01T08:00:00Z\naddr=:8080\n", Owner{PID: 12345, Started: started, Addr: ":8080"}},
		{"pid only", "pid=67890\n", Owner{PID: 67890}},
		{"legacy trailing junk", "pid=42\nother=info", Owner{PID: 42}},
		{"bad pid", "pid=abc\n", Owner{}},
		{"no separator", "pid12345", Owner{}},
		{"empty", "", Owner{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOwner(tt.content)
			if got.PID != tt.want.PID || !got.Started.Equal(tt.want.Started) || got.Addr != tt.want.Addr {
				t.Errorf("parseOwner(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestOwnerString(t *testing.T) {
	if got := (Owner{}).String(); got != "unknown process" {
		t.Errorf("zero owner = %q", got)
	}
	got := Owner{PID: os.Getpid(), Addr: ":8080"}.String()
	if !strings.Contains(got, "(running)") || !strings.Contains(got, "serving :8080") {
		t.Errorf("owner = %q", got)
	}
}
