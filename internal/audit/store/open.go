package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctrlai/auditlog/internal/audit"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendJournal = "journal"
	BackendSQLite  = "sqlite"
)

// Open returns the store for the named backend rooted at dir. The memory
// backend ignores dir and is lost when the process exits.
func Open(backend, dir string) (audit.Store, error) {
	switch backend {
	case BackendMemory:
		return audit.NewMemoryStore(), nil
	case BackendJournal, "":
		return OpenJournal(dir)
	case BackendSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
		return OpenSQLite(filepath.Join(dir, "events.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q (use memory, journal, or sqlite)", backend)
	}
}
