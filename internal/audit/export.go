package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Format is an export serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// csvHeader is the fixed column set of CSV exports.
var csvHeader = []string{"id", "timestamp", "domain", "sensitivity", "actor", "action", "outcome"}

// ExportEvents serializes the events matching q. JSON is the full event
// array; CSV has one row per event with the actor rendered as its ID. An
// empty result is "[]" or the header line alone.
func (l *Log) ExportEvents(q Query, format Format) (string, error) {
	switch format {
	case FormatJSON, FormatCSV:
	default:
		return "", fmt.Errorf("%w: %q (use json or csv)", ErrUnsupportedFormat, format)
	}

	events, err := l.Query(q)
	if err != nil {
		return "", err
	}

	if format == FormatJSON {
		return exportJSON(events)
	}
	return exportCSV(events)
}

func exportJSON(events []Event) (string, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding json export: %w", err)
	}
	return string(data), nil
}

func exportCSV(events []Event) (string, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(csvHeader); err != nil {
		return "", err
	}
	for _, e := range events {
		if err := cw.Write([]string{
			e.ID,
			e.Timestamp.UTC().Format(TimestampLayout),
			string(e.Domain),
			string(e.Sensitivity),
			e.Actor.ID,
			e.Payload.Action,
			string(e.Payload.Outcome),
		}); err != nil {
			return "", err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("encoding csv export: %w", err)
	}
	return buf.String(), nil
}

// ParseFormat maps a user-supplied format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q (use json or csv)", ErrUnsupportedFormat, s)
}

// SubjectEntry is one event in a data-subject report. It omits chain and
// retention internals.
type SubjectEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Domain       Domain         `json:"domain"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Outcome      Outcome        `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SubjectReport lists everything recorded about one actor, for data
// subject access and portability requests.
type SubjectReport struct {
	DataSubject    string         `json:"dataSubject"`
	ReportDate     time.Time      `json:"reportDate"`
	TotalEntries   int            `json:"totalEntries"`
	Entries        []SubjectEntry `json:"entries"`
	ChainIntegrity bool           `json:"chainIntegrity"`
}

// SubjectReport builds a report of every event performed by actorID, in
// append order, along with the integrity status of the whole chain.
func (l *Log) SubjectReport(actorID string) (SubjectReport, error) {
	events, err := l.Query(Query{ActorID: actorID, Sort: SortAsc})
	if err != nil {
		return SubjectReport{}, err
	}

	rep := SubjectReport{
		DataSubject:    actorID,
		ReportDate:     l.now().UTC(),
		TotalEntries:   len(events),
		Entries:        make([]SubjectEntry, 0, len(events)),
		ChainIntegrity: l.VerifyIntegrity(VerifyRange{}).Valid,
	}
	for _, e := range events {
		rep.Entries = append(rep.Entries, SubjectEntry{
			ID:           e.ID,
			Timestamp:    e.Timestamp,
			Domain:       e.Domain,
			Action:       e.Payload.Action,
			ResourceType: e.Payload.ResourceType,
			ResourceID:   e.Payload.ResourceID,
			Outcome:      e.Payload.Outcome,
			Metadata:     e.Payload.Metadata,
		})
	}
	return rep, nil
}
