package audit

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func newTestLog(t *testing.T, opts ...Option) (*Log, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	l, err := New(st, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, st
}

func newEvent(d Domain, s Sensitivity, o Outcome) NewEvent {
	return NewEvent{
		Domain:      d,
		Sensitivity: s,
		Actor:       Actor{Type: ActorUser, ID: "user-1"},
		Payload:     Payload{Action: "login", Outcome: o},
	}
}

func mustAppend(t *testing.T, l *Log, in NewEvent) Event {
	t.Helper()
	e, err := l.Append(in)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

func TestAppend_AssignsSequentialIDs(t *testing.T) {
	l, _ := newTestLog(t)

	want := []string{"AE000000000001", "AE000000000002", "AE000000000003"}
	for _, id := range want {
		e := mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
		if e.ID != id {
			t.Errorf("expected id %s, got %s", id, e.ID)
		}
	}
}

func TestAppend_ChainInvariant(t *testing.T) {
	l, st := newTestLog(t)

	for i := 0; i < 10; i++ {
		mustAppend(t, l, newEvent(DomainDataAccess, SensitivityInternal, OutcomeSuccess))
	}

	events, _ := st.Snapshot()
	if events[0].PreviousHash != GenesisHash {
		t.Errorf("first event previousHash: expected genesis, got %s", events[0].PreviousHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].PreviousHash != events[i-1].Hash {
			t.Errorf("event %d previousHash does not match event %d hash", i, i-1)
		}
	}
	for i := range events {
		if ok, _, _ := verifyEvent(&events[i]); !ok {
			t.Errorf("event %d hash does not match its content", i)
		}
	}
}

func TestAppend_DefaultRetention(t *testing.T) {
	tests := []struct {
		sensitivity Sensitivity
		want        Retention
	}{
		{SensitivityPublic, Retention{RetentionDays: 90}},
		{SensitivityInternal, Retention{RetentionDays: 365, ArchiveBeforeDelete: true}},
		{SensitivityConfidential, Retention{RetentionDays: 730, ArchiveBeforeDelete: true}},
		{SensitivityRestricted, Retention{RetentionDays: 2555, ArchiveBeforeDelete: true, LegalHold: true}},
		{SensitivityPII, Retention{RetentionDays: 365, ArchiveBeforeDelete: true}},
	}

	l, _ := newTestLog(t)
	for _, tt := range tests {
		t.Run(string(tt.sensitivity), func(t *testing.T) {
			e := mustAppend(t, l, newEvent(DomainSystem, tt.sensitivity, OutcomeSuccess))
			if e.Retention != tt.want {
				t.Errorf("retention: expected %+v, got %+v", tt.want, e.Retention)
			}
		})
	}
}

func TestAppend_RetentionOverride(t *testing.T) {
	l, _ := newTestLog(t)

	in := newEvent(DomainSystem, SensitivityRestricted, OutcomeSuccess)
	in.Retention = &Retention{RetentionDays: 30, ArchiveBeforeDelete: false, LegalHold: false}
	e := mustAppend(t, l, in)

	if e.Retention.RetentionDays != 30 || e.Retention.LegalHold || e.Retention.ArchiveBeforeDelete {
		t.Errorf("caller retention should be used as given, got %+v", e.Retention)
	}
}

func TestAppend_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(n *NewEvent)
	}{
		{"unknown domain", func(n *NewEvent) { n.Domain = "billing" }},
		{"unknown sensitivity", func(n *NewEvent) { n.Sensitivity = "secret" }},
		{"unknown actor type", func(n *NewEvent) { n.Actor.Type = "robot" }},
		{"missing actor id", func(n *NewEvent) { n.Actor.ID = "" }},
		{"missing action", func(n *NewEvent) { n.Payload.Action = "" }},
		{"unknown outcome", func(n *NewEvent) { n.Payload.Outcome = "maybe" }},
		{"zero retention days", func(n *NewEvent) { n.Retention = &Retention{RetentionDays: 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, st := newTestLog(t)
			in := newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess)
			tt.modify(&in)

			_, err := l.Append(in)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
			if st.Len() != 0 {
				t.Error("rejected event must not be committed")
			}
		})
	}
}

func TestAppend_UnhashableMetadataAborts(t *testing.T) {
	l, st := newTestLog(t)
	mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))

	in := newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess)
	in.Payload.Metadata = map[string]any{"ratio": math.NaN()}
	_, err := l.Append(in)
	if !errors.Is(err, ErrHashUnavailable) {
		t.Fatalf("expected ErrHashUnavailable, got %v", err)
	}
	if st.Len() != 1 {
		t.Errorf("failed append must not commit, store has %d events", st.Len())
	}

	// The chain continues from the last committed event.
	e := mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
	if e.ID != "AE000000000002" {
		t.Errorf("expected next id AE000000000002, got %s", e.ID)
	}
	if res := l.VerifyIntegrity(VerifyRange{}); !res.Valid {
		t.Errorf("chain should stay valid after an aborted append: %v", res.Errors)
	}
}

func TestAppend_TimestampNormalized(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 987_654_321, time.FixedZone("X", 3600))
	l, _ := newTestLog(t, WithClock(func() time.Time { return now }))

	e := mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
	want := time.Date(2026, 3, 1, 11, 0, 0, 987_000_000, time.UTC)
	if !e.Timestamp.Equal(want) || e.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp: expected %v, got %v", want, e.Timestamp)
	}

	in := newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess)
	in.Timestamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e = mustAppend(t, l, in)
	if !e.Timestamp.Equal(in.Timestamp) {
		t.Errorf("caller timestamp should be kept, got %v", e.Timestamp)
	}
}

func TestAppend_CallerMutationDoesNotLeak(t *testing.T) {
	l, st := newTestLog(t)

	in := newEvent(DomainConfiguration, SensitivityInternal, OutcomeSuccess)
	in.Payload.Metadata = map[string]any{
		"setting": "theme",
		"cfg":     map[string]any{"k": "v", "list": []any{"a"}},
	}
	in.Tags = []string{"ui"}
	out := mustAppend(t, l, in)

	in.Payload.Metadata["setting"] = "tampered"
	in.Payload.Metadata["cfg"].(map[string]any)["k"] = "tampered"
	in.Tags[0] = "tampered"

	// The returned event is a copy too, including nested values.
	cfg := out.Payload.Metadata["cfg"].(map[string]any)
	cfg["k"] = "tampered"
	cfg["list"].([]any)[0] = "tampered"

	got, _ := l.GetByID(out.ID)
	got.Payload.Metadata["cfg"].(map[string]any)["k"] = "tampered"

	stored, _ := st.At(0)
	storedCfg := stored.Payload.Metadata["cfg"].(map[string]any)
	if stored.Payload.Metadata["setting"] != "theme" || stored.Tags[0] != "ui" {
		t.Error("mutating the append input must not change the stored event")
	}
	if storedCfg["k"] != "v" || storedCfg["list"].([]any)[0] != "a" {
		t.Errorf("nested metadata leaked into the stored event: %v", storedCfg)
	}
	if res := l.VerifyIntegrity(VerifyRange{}); !res.Valid {
		t.Errorf("chain should stay valid: %v", res.Errors)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	l, st := newTestLog(t)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(newEvent(DomainDataAccess, SensitivityInternal, OutcomeSuccess)); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	// Readers run alongside the writers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			l.VerifyIntegrity(VerifyRange{})
			l.Query(Query{Limit: 5})
		}
	}()
	wg.Wait()

	if st.Len() != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, st.Len())
	}
	res := l.VerifyIntegrity(VerifyRange{})
	if !res.Valid || res.EventsVerified != writers*perWriter {
		t.Errorf("concurrent appends must form a single valid chain: %+v", res)
	}
}

func TestAppend_HooksFireInOrder(t *testing.T) {
	var seen []string
	l, _ := newTestLog(t, WithAppendHook(func(e Event) { seen = append(seen, e.ID) }))

	mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
	mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))

	if len(seen) != 2 || seen[0] != "AE000000000001" || seen[1] != "AE000000000002" {
		t.Errorf("hooks should see each event in commit order, got %v", seen)
	}
}

func TestNew_RecoversChainHead(t *testing.T) {
	l, st := newTestLog(t)
	mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
	last := mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))

	events, _ := st.Snapshot()
	reopened, err := New(NewMemoryStoreFrom(events))
	if err != nil {
		t.Fatal(err)
	}
	e := mustAppend(t, reopened, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
	if e.ID != "AE000000000003" {
		t.Errorf("expected id AE000000000003 after reopen, got %s", e.ID)
	}
	if e.PreviousHash != last.Hash {
		t.Error("reopened log should continue the chain from the last stored hash")
	}
}

func TestNew_MalformedHead(t *testing.T) {
	_, err := New(NewMemoryStoreFrom([]Event{{ID: "bogus"}}))
	if err == nil {
		t.Error("expected error for a store whose last event id is malformed")
	}
}

func TestGetByID(t *testing.T) {
	l, _ := newTestLog(t)
	mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))
	second := mustAppend(t, l, newEvent(DomainExport, SensitivityInternal, OutcomePartial))

	got, ok := l.GetByID(second.ID)
	if !ok {
		t.Fatalf("expected to find %s", second.ID)
	}
	if got.Hash != second.Hash || got.Domain != DomainExport {
		t.Errorf("GetByID returned the wrong event: %+v", got)
	}

	for _, id := range []string{"AE000000000003", "AE000000000000", "nope", ""} {
		if _, ok := l.GetByID(id); ok {
			t.Errorf("GetByID(%q) should be not found", id)
		}
	}
}

func TestLocate_WithGaps(t *testing.T) {
	ids := []string{"AE000000000002", "AE000000000005", "AE000000000009"}
	idAt := func(i int) string { return ids[i] }

	for want, id := range ids {
		pos, ok := locate(len(ids), idAt, id)
		if !ok || pos != want {
			t.Errorf("locate(%s): expected %d, got %d (found=%v)", id, want, pos, ok)
		}
	}
	if _, ok := locate(len(ids), idAt, "AE000000000003"); ok {
		t.Error("locate should not find an absent id")
	}
}

func TestStatistics(t *testing.T) {
	l, _ := newTestLog(t)

	st, err := l.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalEvents != 0 || st.FirstEventAt != nil || st.LastEventAt != nil {
		t.Errorf("empty log statistics: %+v", st)
	}

	first := mustAppend(t, l, newEvent(DomainAuthentication, SensitivityPII, OutcomeSuccess))
	mustAppend(t, l, newEvent(DomainAuthentication, SensitivityPublic, OutcomeFailure))
	last := mustAppend(t, l, newEvent(DomainSystem, SensitivityPublic, OutcomeSuccess))

	st, err = l.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalEvents != 3 {
		t.Errorf("total: expected 3, got %d", st.TotalEvents)
	}
	if st.ByDomain[DomainAuthentication] != 2 || st.ByDomain[DomainSystem] != 1 {
		t.Errorf("byDomain: %v", st.ByDomain)
	}
	if st.BySensitivity[SensitivityPublic] != 2 || st.BySensitivity[SensitivityPII] != 1 {
		t.Errorf("bySensitivity: %v", st.BySensitivity)
	}
	if st.ByOutcome[OutcomeSuccess] != 2 || st.ByOutcome[OutcomeFailure] != 1 {
		t.Errorf("byOutcome: %v", st.ByOutcome)
	}
	if !st.FirstEventAt.Equal(first.Timestamp) || !st.LastEventAt.Equal(last.Timestamp) {
		t.Errorf("first/last: %v %v", st.FirstEventAt, st.LastEventAt)
	}
}
