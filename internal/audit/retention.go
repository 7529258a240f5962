package audit

import (
	"fmt"
	"log/slog"
	"time"
)

// eligibleForArchive reports whether e is past its retention period at now
// and not under legal hold.
func eligibleForArchive(e *Event, now time.Time) bool {
	return !e.Retention.LegalHold && now.After(e.Expiry())
}

// ArchiveExpiredEvents counts the events whose retention period has
// elapsed and that are not under legal hold.
//
// Events are never deleted: removing an event from the middle of the chain
// would invalidate every later previousHash. With dryRun false the eligible
// events are additionally flagged as archived. Flags live beside the log
// rather than in the events, which stay immutable; see IsArchived.
func (l *Log) ArchiveExpiredEvents(dryRun bool) (int, error) {
	events, err := l.store.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("reading events for retention: %w", err)
	}

	now := l.now()
	var eligible []string
	for i := range events {
		if eligibleForArchive(&events[i], now) {
			eligible = append(eligible, events[i].ID)
		}
	}
	l.observer.ArchiveEvaluated(len(eligible))

	if dryRun {
		slog.Info("retention dry run", "eligible", len(eligible))
		return len(eligible), nil
	}

	l.archiveMu.Lock()
	flagged := 0
	for _, id := range eligible {
		if _, ok := l.archived[id]; !ok {
			l.archived[id] = now
			flagged++
		}
	}
	l.archiveMu.Unlock()

	slog.Warn("retention: events eligible for archival were flagged but not removed",
		"eligible", len(eligible), "newly_flagged", flagged)
	return len(eligible), nil
}

// IsArchived reports whether the event was flagged by ArchiveExpiredEvents,
// and when.
func (l *Log) IsArchived(id string) (time.Time, bool) {
	l.archiveMu.RLock()
	defer l.archiveMu.RUnlock()
	at, ok := l.archived[id]
	return at, ok
}
