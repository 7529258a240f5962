package audit

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/gobwas/glob"
)

// SortDirection orders query results by timestamp.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// TimeRange is an inclusive time window. A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Query filters, sorts and paginates events. All filters are optional and
// AND-combined; the zero Query matches every event, newest first.
type Query struct {
	Domains       []Domain      `json:"domain,omitempty"`
	Sensitivities []Sensitivity `json:"sensitivity,omitempty"`
	ActorID       string        `json:"actorId,omitempty"`
	ActorType     ActorType     `json:"actorType,omitempty"`
	Action        string        `json:"action,omitempty"`
	// ActionPattern is a glob over the action, with '.' as separator:
	// "login.*" matches "login.password" but not "login.mfa.totp".
	ActionPattern string     `json:"actionPattern,omitempty"`
	ResourceType  string     `json:"resourceType,omitempty"`
	ResourceID    string     `json:"resourceId,omitempty"`
	Outcome       Outcome    `json:"outcome,omitempty"`
	TimeRange     *TimeRange `json:"timeRange,omitempty"`
	// Tags matches events carrying at least one of the listed tags.
	Tags []string `json:"tags,omitempty"`

	Sort   SortDirection `json:"sortDirection,omitempty"`
	Offset int           `json:"offset,omitempty"`
	// Limit caps the number of results; 0 means no limit.
	Limit int `json:"limit,omitempty"`
}

// compiledQuery is a validated Query with its glob compiled once.
type compiledQuery struct {
	Query
	actionGlob glob.Glob
}

func compileQuery(q Query) (*compiledQuery, error) {
	if q.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must be non-negative, got %d", ErrInvalidQuery, q.Offset)
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be non-negative, got %d", ErrInvalidQuery, q.Limit)
	}
	switch q.Sort {
	case "", SortAsc, SortDesc:
	default:
		return nil, fmt.Errorf("%w: sort direction must be asc or desc, got %q", ErrInvalidQuery, q.Sort)
	}

	cq := &compiledQuery{Query: q}
	if q.ActionPattern != "" {
		g, err := glob.Compile(q.ActionPattern, '.')
		if err != nil {
			return nil, fmt.Errorf("%w: action pattern %q: %v", ErrInvalidQuery, q.ActionPattern, err)
		}
		cq.actionGlob = g
	}
	return cq, nil
}

// matches reports whether e satisfies every filter.
func (q *compiledQuery) matches(e *Event) bool {
	if len(q.Domains) > 0 && !slices.Contains(q.Domains, e.Domain) {
		return false
	}
	if len(q.Sensitivities) > 0 && !slices.Contains(q.Sensitivities, e.Sensitivity) {
		return false
	}
	if q.ActorID != "" && e.Actor.ID != q.ActorID {
		return false
	}
	if q.ActorType != "" && e.Actor.Type != q.ActorType {
		return false
	}
	if q.Action != "" && e.Payload.Action != q.Action {
		return false
	}
	if q.actionGlob != nil && !q.actionGlob.Match(e.Payload.Action) {
		return false
	}
	if q.ResourceType != "" && e.Payload.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && e.Payload.ResourceID != q.ResourceID {
		return false
	}
	if q.Outcome != "" && e.Payload.Outcome != q.Outcome {
		return false
	}
	if r := q.TimeRange; r != nil {
		if !r.From.IsZero() && e.Timestamp.Before(r.From) {
			return false
		}
		if !r.To.IsZero() && e.Timestamp.After(r.To) {
			return false
		}
	}
	if len(q.Tags) > 0 && !slices.ContainsFunc(q.Tags, func(t string) bool {
		return slices.Contains(e.Tags, t)
	}) {
		return false
	}
	return true
}

// Query returns the events matching q, sorted by timestamp and paginated.
// The store is never modified, and identical queries against an unchanged
// store return identical results: events with equal timestamps are ordered
// by append position, and descending order is the exact reverse of
// ascending order.
func (l *Log) Query(q Query) ([]Event, error) {
	cq, err := compileQuery(q)
	if err != nil {
		return nil, err
	}
	events, err := l.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("reading events for query: %w", err)
	}
	return runQuery(cq, events), nil
}

// Tail returns the n most recently appended events, newest first.
func (l *Log) Tail(n int) ([]Event, error) {
	if n <= 0 {
		return []Event{}, nil
	}
	events, err := l.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("reading events for tail: %w", err)
	}
	start := max(len(events)-n, 0)
	out := make([]Event, 0, len(events)-start)
	for i := len(events) - 1; i >= start; i-- {
		out = append(out, events[i].clone())
	}
	return out, nil
}

func runQuery(q *compiledQuery, events []Event) []Event {
	// Filtering walks in position order, so matched is already position
	// sorted and a stable sort keeps ties in append order.
	matched := make([]int, 0, len(events))
	for i := range events {
		if q.matches(&events[i]) {
			matched = append(matched, i)
		}
	}
	sort.SliceStable(matched, func(a, b int) bool {
		return events[matched[a]].Timestamp.Before(events[matched[b]].Timestamp)
	})
	if q.Sort != SortAsc {
		slices.Reverse(matched)
	}

	if q.Offset >= len(matched) {
		return []Event{}
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	out := make([]Event, len(matched))
	for i, pos := range matched {
		out[i] = events[pos].clone()
	}
	return out
}
