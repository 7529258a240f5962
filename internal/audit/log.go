package audit

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// idPrefix and idDigits define the sequential event ID format, e.g.
// AE000000000042. Zero padding keeps IDs lexically sortable.
const (
	idPrefix = "AE"
	idDigits = 12
)

// Observer receives notifications about audit operations. The metrics
// package provides the production implementation.
type Observer interface {
	EventAppended(e Event)
	AppendFailed(err error)
	IntegrityVerified(r IntegrityResult, took time.Duration)
	ArchiveEvaluated(eligible int)
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used for default timestamps,
// retention evaluation and report dates.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithAppendHook registers a callback fired after every committed append,
// in commit order. Hooks run inside the writer critical section, so they
// must not block and must not call Append.
func WithAppendHook(h func(Event)) Option {
	return func(l *Log) { l.hooks = append(l.hooks, h) }
}

// WithObserver attaches an Observer, replacing the no-op default.
func WithObserver(o Observer) Option {
	return func(l *Log) { l.observer = o }
}

// Log is the audit service: the single writer in front of a Store plus
// the read-side query, verification, retention and export operations.
//
// Construct one per process with New and pass it to every caller. Append
// is serialized by an internal mutex; every other method is safe to call
// concurrently and never blocks on an append for longer than a store read.
type Log struct {
	mu       sync.Mutex // Serializes Append.
	store    Store
	seq      uint64 // Sequence number of the last committed event.
	lastHash string // Hash of the last committed event, or GenesisHash.

	now      func() time.Time
	hooks    []func(Event)
	observer Observer

	archiveMu sync.RWMutex
	archived  map[string]time.Time // Event ID -> time it was flagged archived.
}

// New wraps a store in an audit service. The chain head (sequence number
// and last hash) is recovered from the last stored event, so the chain
// continues correctly across restarts.
func New(s Store, opts ...Option) (*Log, error) {
	l := &Log{
		store:    s,
		lastHash: GenesisHash,
		now:      time.Now,
		observer: nopObserver{},
		archived: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}

	if n := s.Len(); n > 0 {
		last, err := s.At(n - 1)
		if err != nil {
			return nil, fmt.Errorf("reading chain head: %w", err)
		}
		seq, ok := parseID(last.ID)
		if !ok {
			return nil, fmt.Errorf("recovering chain head: malformed event id %q at position %d", last.ID, n-1)
		}
		l.seq = seq
		l.lastHash = last.Hash
	}

	slog.Info("audit log initialized", "events", s.Len(), "seq", l.seq)
	return l, nil
}

// Close closes the underlying store.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Close()
}

// Append validates, finalizes and commits a new event, returning the stored
// event. Nothing is committed if any step fails.
func (l *Log) Append(in NewEvent) (Event, error) {
	e, err := l.append(in)
	if err != nil {
		l.observer.AppendFailed(err)
		slog.Error("audit append failed", "domain", in.Domain, "action", in.Payload.Action, "error", err)
		return Event{}, err
	}
	return e, nil
}

func (l *Log) append(in NewEvent) (Event, error) {
	if err := in.validate(); err != nil {
		return Event{}, err
	}
	metadata, err := copyMetadata(in.Payload.Metadata)
	if err != nil {
		return Event{}, err
	}

	payload := in.Payload
	payload.Metadata = metadata
	if payload.Error != nil {
		errCopy := *payload.Error
		payload.Error = &errCopy
	}

	var tags []string
	if len(in.Tags) > 0 {
		tags = append([]string(nil), in.Tags...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Default timestamps are taken inside the critical section so they never
	// run backwards relative to append order.
	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	e := Event{
		ID:           formatID(l.seq + 1),
		Timestamp:    ts.UTC().Truncate(time.Millisecond),
		Domain:       in.Domain,
		Sensitivity:  in.Sensitivity,
		Actor:        in.Actor,
		Payload:      payload,
		PreviousHash: l.lastHash,
		Retention:    in.resolveRetention(),
		Tags:         tags,
	}
	e.Hash, err = HashEvent(&e)
	if err != nil {
		return Event{}, err
	}

	if err := l.store.Append(e); err != nil {
		return Event{}, fmt.Errorf("committing event %s: %w", e.ID, err)
	}
	l.seq++
	l.lastHash = e.Hash

	slog.Debug("audit event appended", "id", e.ID, "domain", e.Domain, "action", e.Payload.Action)
	l.observer.EventAppended(e)
	for _, h := range l.hooks {
		h(e.clone())
	}
	return e.clone(), nil
}

// GetByID returns the event with the given ID. The second result is false
// if no such event is stored.
func (l *Log) GetByID(id string) (Event, bool) {
	pos, ok := l.locate(id)
	if !ok {
		return Event{}, false
	}
	e, err := l.store.At(pos)
	if err != nil {
		return Event{}, false
	}
	return e.clone(), true
}

// locate finds the store position of id. IDs are dense, so the position is
// normally derived from the sequence number directly; a binary search over
// the (strictly increasing) IDs covers stores with gaps.
func (l *Log) locate(id string) (int, bool) {
	return locate(l.store.Len(), func(i int) string {
		e, err := l.store.At(i)
		if err != nil {
			return ""
		}
		return e.ID
	}, id)
}

func locate(n int, idAt func(int) string, id string) (int, bool) {
	seq, ok := parseID(id)
	if !ok {
		return 0, false
	}
	if pos := int(seq) - 1; pos >= 0 && pos < n && idAt(pos) == id {
		return pos, true
	}
	pos := sort.Search(n, func(i int) bool { return idAt(i) >= id })
	if pos < n && idAt(pos) == id {
		return pos, true
	}
	return 0, false
}

// Statistics summarizes the stored events.
type Statistics struct {
	TotalEvents    int                 `json:"totalEvents"`
	ByDomain       map[Domain]int      `json:"byDomain"`
	BySensitivity  map[Sensitivity]int `json:"bySensitivity"`
	ByOutcome      map[Outcome]int     `json:"byOutcome"`
	FirstEventAt   *time.Time          `json:"firstEventAt,omitempty"`
	LastEventAt    *time.Time          `json:"lastEventAt,omitempty"`
	ArchivedEvents int                 `json:"archivedEvents"`
}

// Statistics counts events by domain, sensitivity and outcome. First and
// last timestamps are those of the first and last events in append order.
func (l *Log) Statistics() (Statistics, error) {
	events, err := l.store.Snapshot()
	if err != nil {
		return Statistics{}, fmt.Errorf("reading events for statistics: %w", err)
	}

	st := Statistics{
		TotalEvents:   len(events),
		ByDomain:      make(map[Domain]int),
		BySensitivity: make(map[Sensitivity]int),
		ByOutcome:     make(map[Outcome]int),
	}
	for i := range events {
		st.ByDomain[events[i].Domain]++
		st.BySensitivity[events[i].Sensitivity]++
		st.ByOutcome[events[i].Payload.Outcome]++
	}
	if len(events) > 0 {
		first, last := events[0].Timestamp, events[len(events)-1].Timestamp
		st.FirstEventAt, st.LastEventAt = &first, &last
	}

	l.archiveMu.RLock()
	st.ArchivedEvents = len(l.archived)
	l.archiveMu.RUnlock()
	return st, nil
}

func formatID(seq uint64) string {
	return fmt.Sprintf("%s%0*d", idPrefix, idDigits, seq)
}

func parseID(id string) (uint64, bool) {
	digits, ok := strings.CutPrefix(id, idPrefix)
	if !ok || len(digits) != idDigits {
		return 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

type nopObserver struct{}

func (nopObserver) EventAppended(Event)                              {}
func (nopObserver) AppendFailed(error)                               {}
func (nopObserver) IntegrityVerified(IntegrityResult, time.Duration) {}
func (nopObserver) ArchiveEvaluated(int)                             {}
