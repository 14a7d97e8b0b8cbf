// Package lock keeps a session's store to a single daemon process.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside a session directory.
const FileName = "LOCK"

// HeldError is returned when another process holds the session lock.
type HeldError struct {
	Owner
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d since %s (%s)", e.PID, e.Since.Format(time.RFC3339), e.Path)
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID   int
	Since time.Time
}

// Lock is an acquired session lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on dir/LOCK and records
// the current PID in it. It returns *HeldError if another process holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner, _ := Read(dir)
		_ = f.Close()
		return nil, &HeldError{Owner: owner, Path: path}
	}

	if err := writeOwner(f, Owner{PID: os.Getpid(), Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Read returns the owner recorded in dir/LOCK without taking the lock. A
// missing file yields a zero Owner and fs.ErrNotExist.
func Read(dir string) (Owner, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Owner{}, err
	}
	return parseOwner(string(data)), nil
}

// Held reports whether a live process currently holds dir/LOCK.
func Held(dir string) bool {
	l, err := Acquire(dir)
	if err != nil {
		var held *HeldError
		return errors.As(err, &held)
	}
	_ = l.Release()
	return false
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = l.file.Close()
		l.file = nil
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ntime=%s\n", o.PID, o.Since.Format(time.RFC3339))
	return err
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "time":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o
}
