// Package store provides the durable Event Store backends for the audit
// log: a JSONL journal and a SQLite table.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ctrlai/auditlog/internal/audit"
)

// Journal is an append-only JSONL event store.
//
// Storage layout:
//
//	<dir>/
//	├── .lock               # Held exclusively while the journal is open
//	├── 2026-02-10.jsonl    # One event per line, append-only
//	└── 2026-02-11.jsonl    # New file per UTC day of append
//
// The files are the source of truth. On open every file is read, in name
// (date) order, into an in-memory arena that serves all reads.
type Journal struct {
	mu       sync.Mutex // Guards the open file.
	dir      string
	mem      *audit.MemoryStore
	lock     *writeLock
	file     *os.File
	fileDate string
	now      func() time.Time
	syncFile func(*os.File) error
}

// OpenJournal opens or creates a journal in dir and loads its events. It
// fails with ErrLocked if another writer has the journal open.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory %s: %w", dir, err)
	}
	lock, err := acquireLock(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, err
	}

	events, err := readJournal(dir)
	if err != nil {
		lock.release()
		return nil, err
	}

	slog.Info("audit journal opened", "dir", dir, "events", len(events))
	return &Journal{
		dir:      dir,
		mem:      audit.NewMemoryStoreFrom(events),
		lock:     lock,
		now:      time.Now,
		syncFile: (*os.File).Sync,
	}, nil
}

// Append writes the event as a single JSON line, syncs the file, and only
// then makes the event visible to readers. A failed write or sync is
// truncated away, so the file never holds an event the caller was told
// failed.
func (j *Journal) Append(e audit.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotate(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	info, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("stat journal file: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		j.truncate(info.Size())
		return fmt.Errorf("writing audit event: %w", err)
	}

	// Flush immediately so committed events survive crashes.
	if err := j.syncFile(j.file); err != nil {
		j.truncate(info.Size())
		return fmt.Errorf("syncing journal: %w", err)
	}

	return j.mem.Append(e)
}

func (j *Journal) truncate(size int64) {
	if err := j.file.Truncate(size); err != nil {
		slog.Error("journal truncate after failed append", "file", j.file.Name(), "error", err)
	}
}

// rotate opens today's file, closing the previous one when the date changed.
func (j *Journal) rotate() error {
	today := j.now().UTC().Format("2006-01-02")
	if j.file != nil && j.fileDate == today {
		return nil
	}
	if j.file != nil {
		j.file.Close()
	}

	path := filepath.Join(j.dir, today+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal file %s: %w", path, err)
	}
	j.file = f
	j.fileDate = today
	return nil
}

func (j *Journal) Len() int { return j.mem.Len() }

func (j *Journal) At(pos int) (audit.Event, error) { return j.mem.At(pos) }

func (j *Journal) Snapshot() ([]audit.Event, error) { return j.mem.Snapshot() }

// Close closes the current journal file and releases the writer lock.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	if j.file != nil {
		err = j.file.Close()
		j.file = nil
	}
	if lerr := j.lock.release(); err == nil {
		err = lerr
	}
	return err
}

// readJournal reads every *.jsonl file in dir in name order.
func readJournal(dir string) ([]audit.Event, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing journal files: %w", err)
	}

	var all []audit.Event
	for _, file := range files {
		events, err := readEventsFromFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading journal file %s: %w", file, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

// readEventsFromFile reads all events from a single JSONL file. Lines have
// no length limit. Malformed lines are skipped with a warning; the resulting
// gap in the chain is then reported by integrity verification.
func readEventsFromFile(path string) ([]audit.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []audit.Event
	r := bufio.NewReaderSize(f, 64*1024)
	for line := 1; ; line++ {
		data, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if text := bytes.TrimSpace(data); len(text) > 0 {
			e, derr := audit.DecodeEvent(text)
			if derr != nil {
				slog.Warn("skipping malformed journal line", "file", path, "line", line, "error", derr)
			} else {
				events = append(events, e)
			}
		}
		if err == io.EOF {
			return events, nil
		}
	}
}
