package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ctrlai/auditlog/internal/audit"
)

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:5123": true,
		"127.1.2.3:80":   true,
		"[::1]:3110":     true,
		"10.0.0.4:3110":  false,
		"[fe80::1]:3110": false,
	}
	for addr, want := range tests {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestQueryFlags_Build(t *testing.T) {
	f := queryFlags{
		domains:       []string{"authentication", "system"},
		sensitivities: []string{"pii"},
		actorID:       "u-1",
		actionPattern: "login.*",
		from:          "2026-02-10T09:00:00Z",
		to:            "2026-02-10T10:00:00Z",
		sort:          "asc",
		limit:         10,
	}
	q, err := f.build()
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Domains) != 2 || q.Domains[1] != audit.DomainSystem {
		t.Errorf("unexpected domains %v", q.Domains)
	}
	if q.Sort != audit.SortAsc || q.Limit != 10 || q.ActorID != "u-1" {
		t.Errorf("unexpected query %+v", q)
	}
	if q.TimeRange == nil || !q.TimeRange.From.Equal(time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time range %+v", q.TimeRange)
	}

	if q, _ := (&queryFlags{}).build(); q.TimeRange != nil {
		t.Error("no time flags should leave the range unset")
	}
	if _, err := (&queryFlags{from: "yesterday"}).build(); err == nil {
		t.Error("expected error for malformed --from")
	}
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, audit.Event{
		ID:          "AE000000000007",
		Timestamp:   time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		Domain:      audit.DomainAuthentication,
		Sensitivity: audit.SensitivityPII,
		Actor:       audit.Actor{Type: audit.ActorUser, ID: "u-1"},
		Payload:     audit.Payload{Action: "login", Outcome: audit.OutcomeFailure, ResourceType: "session", ResourceID: "s-9"},
	})
	out := buf.String()
	for _, want := range []string{"AE000000000007", "2026-02-10T09:00:00.000Z", "outcome=FAILURE", "resource=session/s-9"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}
