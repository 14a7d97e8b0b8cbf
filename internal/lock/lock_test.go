package lock

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRecordsOwner(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	owner, err := Read(dir)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", owner.PID, os.Getpid())
	}
	if owner.Since.IsZero() {
		t.Error("Since not recorded")
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %T: %v", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("HeldError.PID = %d, want %d", held.PID, os.Getpid())
	}
	if !Held(dir) {
		t.Error("Held() = false while locked")
	}
}

func TestReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("lock file still present: %v", err)
	}
	if Held(dir) {
		t.Error("Held() = true after release")
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestParseOwner(t *testing.T) {
	o := parseOwner("pid=42\ntime=2026-01-02T03:04:05Z\njunk\n")
	if o.PID != 42 || o.Since.Year() != 2026 {
		t.Errorf("parseOwner = %+v", o)
	}
}
