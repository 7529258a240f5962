package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrLocked is returned when another writer already holds a store open.
var ErrLocked = errors.New("event store is locked by another writer")

// writeLock is an exclusive advisory lock held for the lifetime of an open
// durable store, so a second process cannot fork the chain.
type writeLock struct {
	f *os.File
}

// acquireLock takes the lock at path without blocking. The file records the
// holder's PID for operators; the lock itself is the kernel's.
func acquireLock(path string) (*writeLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		holder, _ := os.ReadFile(path)
		return nil, fmt.Errorf("%w: %s (held by pid %s): %v", ErrLocked, path, trimPID(holder), err)
	}
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &writeLock{f: f}, nil
}

// release drops the lock. The lock file itself is left in place.
func (l *writeLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockFile(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}

func trimPID(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	if s == "" {
		return "unknown"
	}
	return s
}
