package audit

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		t := next
		next = next.Add(step)
		return t
	}
}

// seedQueryLog appends a small mixed log, one event per minute.
func seedQueryLog(t *testing.T) *Log {
	t.Helper()
	l, _ := newTestLog(t, WithClock(stepClock(testEpoch, time.Minute)))

	inputs := []NewEvent{
		{Domain: DomainAuthentication, Sensitivity: SensitivityPII,
			Actor:   Actor{Type: ActorUser, ID: "alice"},
			Payload: Payload{Action: "login.password", Outcome: OutcomeSuccess}, Tags: []string{"web"}},
		{Domain: DomainAuthentication, Sensitivity: SensitivityPII,
			Actor:   Actor{Type: ActorUser, ID: "bob"},
			Payload: Payload{Action: "login.mfa.totp", Outcome: OutcomeFailure}},
		{Domain: DomainDataAccess, Sensitivity: SensitivityConfidential,
			Actor:   Actor{Type: ActorService, ID: "indexer"},
			Payload: Payload{Action: "read", ResourceType: "widget", ResourceID: "w-1", Outcome: OutcomeSuccess}},
		{Domain: DomainWidgetLifecycle, Sensitivity: SensitivityInternal,
			Actor:   Actor{Type: ActorUser, ID: "alice"},
			Payload: Payload{Action: "widget.create", ResourceType: "widget", ResourceID: "w-2", Outcome: OutcomeSuccess,
				Metadata: map[string]any{"spec": map[string]any{"color": "red"}}},
			Tags:    []string{"web", "beta"}},
		{Domain: DomainSystem, Sensitivity: SensitivityPublic,
			Actor:   Actor{Type: ActorSystem, ID: "scheduler"},
			Payload: Payload{Action: "backup", Outcome: OutcomePartial}},
	}
	for _, in := range inputs {
		mustAppend(t, l, in)
	}
	return l
}

func ids(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestQuery_Filters(t *testing.T) {
	l := seedQueryLog(t)

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"no filters newest first", Query{},
			[]string{"AE000000000005", "AE000000000004", "AE000000000003", "AE000000000002", "AE000000000001"}},
		{"domain", Query{Domains: []Domain{DomainAuthentication}},
			[]string{"AE000000000002", "AE000000000001"}},
		{"several domains", Query{Domains: []Domain{DomainSystem, DomainDataAccess}},
			[]string{"AE000000000005", "AE000000000003"}},
		{"sensitivity", Query{Sensitivities: []Sensitivity{SensitivityPublic}},
			[]string{"AE000000000005"}},
		{"actor id", Query{ActorID: "alice"},
			[]string{"AE000000000004", "AE000000000001"}},
		{"actor type", Query{ActorType: ActorService},
			[]string{"AE000000000003"}},
		{"action", Query{Action: "read"},
			[]string{"AE000000000003"}},
		{"action pattern single segment", Query{ActionPattern: "login.*"},
			[]string{"AE000000000001"}},
		{"action pattern any depth", Query{ActionPattern: "login.**"},
			[]string{"AE000000000002", "AE000000000001"}},
		{"resource type", Query{ResourceType: "widget"},
			[]string{"AE000000000004", "AE000000000003"}},
		{"resource id", Query{ResourceID: "w-2"},
			[]string{"AE000000000004"}},
		{"outcome", Query{Outcome: OutcomeFailure},
			[]string{"AE000000000002"}},
		{"tags any", Query{Tags: []string{"beta", "missing"}},
			[]string{"AE000000000004"}},
		{"combined filters", Query{ActorID: "alice", Domains: []Domain{DomainAuthentication}},
			[]string{"AE000000000001"}},
		{"no match", Query{ActorID: "nobody"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("expected %v, got %v", tt.want, ids(got))
			}
		})
	}
}

func TestQuery_TimeRangeInclusive(t *testing.T) {
	l := seedQueryLog(t)

	tests := []struct {
		name string
		r    TimeRange
		want []string
	}{
		{"both bounds", TimeRange{From: testEpoch.Add(time.Minute), To: testEpoch.Add(3 * time.Minute)},
			[]string{"AE000000000004", "AE000000000003", "AE000000000002"}},
		{"open start", TimeRange{To: testEpoch},
			[]string{"AE000000000001"}},
		{"open end", TimeRange{From: testEpoch.Add(4 * time.Minute)},
			[]string{"AE000000000005"}},
		{"empty window", TimeRange{From: testEpoch.Add(time.Hour), To: testEpoch.Add(2 * time.Hour)},
			[]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.r
			got, err := l.Query(Query{TimeRange: &r})
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("expected %v, got %v", tt.want, ids(got))
			}
		})
	}
}

func TestQuery_SortAscending(t *testing.T) {
	l := seedQueryLog(t)

	got, err := l.Query(Query{Sort: SortAsc, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"AE000000000001", "AE000000000002"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("expected %v, got %v", want, ids(got))
	}
}

func TestQuery_EqualTimestampsFollowAppendOrder(t *testing.T) {
	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l, _ := newTestLog(t, WithClock(func() time.Time { return same }))
	for i := 0; i < 4; i++ {
		mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
	}

	asc, _ := l.Query(Query{Sort: SortAsc})
	desc, _ := l.Query(Query{Sort: SortDesc})

	wantAsc := []string{"AE000000000001", "AE000000000002", "AE000000000003", "AE000000000004"}
	if !reflect.DeepEqual(ids(asc), wantAsc) {
		t.Errorf("ascending ties: expected %v, got %v", wantAsc, ids(asc))
	}
	for i := range asc {
		if desc[i].ID != asc[len(asc)-1-i].ID {
			t.Fatalf("descending order should be the exact reverse of ascending: %v vs %v", ids(desc), ids(asc))
		}
	}
}

func TestQuery_Pagination(t *testing.T) {
	l := seedQueryLog(t)
	all, _ := l.Query(Query{})

	tests := []struct {
		offset, limit int
		want          []Event
	}{
		{0, 2, all[0:2]},
		{1, 3, all[1:4]},
		{3, 10, all[3:]},
		{2, 0, all[2:]},
		{5, 1, []Event{}},
		{99, 1, []Event{}},
	}

	for _, tt := range tests {
		got, err := l.Query(Query{Offset: tt.offset, Limit: tt.limit})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(ids(got), ids(tt.want)) {
			t.Errorf("offset=%d limit=%d: expected %v, got %v", tt.offset, tt.limit, ids(tt.want), ids(got))
		}
	}
}

func TestQuery_Deterministic(t *testing.T) {
	l := seedQueryLog(t)
	q := Query{Domains: []Domain{DomainAuthentication, DomainWidgetLifecycle}, Offset: 1}

	first, _ := l.Query(q)
	second, _ := l.Query(q)
	if !reflect.DeepEqual(first, second) {
		t.Error("identical queries on an unchanged store should return identical results")
	}
}

func TestQuery_ResultsAreCopies(t *testing.T) {
	l := seedQueryLog(t)

	got, _ := l.Query(Query{ActorID: "alice", Sort: SortAsc})
	got[0].Tags[0] = "tampered"
	got[0].Payload.Outcome = OutcomeFailure
	got[1].Payload.Metadata["spec"].(map[string]any)["color"] = "tampered"

	tail, _ := l.Tail(2)
	tail[1].Payload.Metadata["spec"].(map[string]any)["color"] = "tampered"

	if res := l.VerifyIntegrity(VerifyRange{}); !res.Valid {
		t.Errorf("mutating query results must not affect the store: %v", res.Errors)
	}
	again, _ := l.Query(Query{ActorID: "alice", Sort: SortAsc})
	if again[0].Tags[0] != "web" {
		t.Errorf("stored tags changed: %v", again[0].Tags)
	}
	if c := again[1].Payload.Metadata["spec"].(map[string]any)["color"]; c != "red" {
		t.Errorf("stored nested metadata changed: %v", c)
	}
}

func TestQuery_Invalid(t *testing.T) {
	l := seedQueryLog(t)

	tests := []struct {
		name  string
		query Query
	}{
		{"negative offset", Query{Offset: -1}},
		{"negative limit", Query{Limit: -1}},
		{"unknown sort", Query{Sort: "sideways"}},
		{"bad pattern", Query{ActionPattern: "login.[a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Query(tt.query); !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestTail(t *testing.T) {
	l := seedQueryLog(t)

	got, err := l.Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"AE000000000005", "AE000000000004"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("expected %v, got %v", want, ids(got))
	}

	got, _ = l.Tail(100)
	if len(got) != 5 {
		t.Errorf("tail larger than the log should return every event, got %d", len(got))
	}
	got, _ = l.Tail(0)
	if len(got) != 0 {
		t.Errorf("tail 0 should be empty, got %d", len(got))
	}
}
