package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Sentinel errors returned by the audit service. Integrity violations and
// unknown IDs are never errors: they are reported as data.
var (
	ErrInvalidEvent      = errors.New("invalid audit event")
	ErrInvalidQuery      = errors.New("invalid audit query")
	ErrHashUnavailable   = errors.New("audit chain hash unavailable")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// Domain is the audited subsystem. The set is closed.
type Domain string

const (
	DomainAuthentication  Domain = "authentication"
	DomainAuthorization   Domain = "authorization"
	DomainWidgetLifecycle Domain = "widget-lifecycle"
	DomainDataAccess      Domain = "data-access"
	DomainConfiguration   Domain = "configuration"
	DomainCollaboration   Domain = "collaboration"
	DomainExport          Domain = "export"
	DomainSystem          Domain = "system"
	DomainUserAction      Domain = "user-action"
)

// Domains lists every valid Domain in declaration order.
var Domains = []Domain{
	DomainAuthentication, DomainAuthorization, DomainWidgetLifecycle,
	DomainDataAccess, DomainConfiguration, DomainCollaboration,
	DomainExport, DomainSystem, DomainUserAction,
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool { return slices.Contains(Domains, d) }

// Sensitivity classifies the data an event refers to and drives the
// default retention policy.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
	SensitivityPII          Sensitivity = "pii"
)

// Sensitivities lists every valid Sensitivity in declaration order.
var Sensitivities = []Sensitivity{
	SensitivityPublic, SensitivityInternal, SensitivityConfidential,
	SensitivityRestricted, SensitivityPII,
}

func (s Sensitivity) Valid() bool { return slices.Contains(Sensitivities, s) }

// ActorType is the kind of principal that performed an action.
type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorSystem    ActorType = "system"
	ActorService   ActorType = "service"
	ActorAnonymous ActorType = "anonymous"
)

func (t ActorType) Valid() bool {
	switch t {
	case ActorUser, ActorSystem, ActorService, ActorAnonymous:
		return true
	}
	return false
}

// Outcome is the result of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Outcomes lists every valid Outcome.
var Outcomes = []Outcome{OutcomeSuccess, OutcomeFailure, OutcomePartial}

func (o Outcome) Valid() bool { return slices.Contains(Outcomes, o) }

// Actor identifies who or what performed the action.
type Actor struct {
	Type      ActorType `json:"type"`
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Source    string    `json:"source,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

// EventError describes why an action failed.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Payload describes the action itself. It carries resource identifiers and
// non-PII metadata only, never raw sensitive content.
type Payload struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Outcome      Outcome        `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Error        *EventError    `json:"error,omitempty"`
}

// Retention is the lifecycle policy attached to every event.
type Retention struct {
	RetentionDays       int    `json:"retentionDays"`
	ArchiveBeforeDelete bool   `json:"archiveBeforeDelete"`
	ArchiveLocation     string `json:"archiveLocation,omitempty"`
	LegalHold           bool   `json:"legalHold"`
}

// Event is a finalized, hash-chained audit record. Events are immutable once
// returned from Append; values handed out by the read API must be treated as
// read-only.
type Event struct {
	ID           string      `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	Domain       Domain      `json:"domain"`
	Sensitivity  Sensitivity `json:"sensitivity"`
	Actor        Actor       `json:"actor"`
	Payload      Payload     `json:"payload"`
	PreviousHash string      `json:"previousHash"`
	Hash         string      `json:"hash"`
	Retention    Retention   `json:"retention"`
	Tags         []string    `json:"tags,omitempty"`
}

// NewEvent is the caller-supplied part of an event. ID, hashes and (unless
// Retention is set) the retention policy are filled in by Append. A zero
// Timestamp means "now".
type NewEvent struct {
	Timestamp   time.Time   `json:"timestamp,omitempty"`
	Domain      Domain      `json:"domain"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Actor       Actor       `json:"actor"`
	Payload     Payload     `json:"payload"`
	Retention   *Retention  `json:"retention,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
}

// DefaultRetention is the retention table keyed by sensitivity.
var DefaultRetention = map[Sensitivity]Retention{
	SensitivityPublic:       {RetentionDays: 90, ArchiveBeforeDelete: false},
	SensitivityInternal:     {RetentionDays: 365, ArchiveBeforeDelete: true},
	SensitivityConfidential: {RetentionDays: 730, ArchiveBeforeDelete: true},
	SensitivityRestricted:   {RetentionDays: 2555, ArchiveBeforeDelete: true, LegalHold: true},
	SensitivityPII:          {RetentionDays: 365, ArchiveBeforeDelete: true},
}

// validate checks the closed enums and required fields of a new event.
func (n *NewEvent) validate() error {
	switch {
	case !n.Domain.Valid():
		return fmt.Errorf("%w: unknown domain %q", ErrInvalidEvent, n.Domain)
	case !n.Sensitivity.Valid():
		return fmt.Errorf("%w: unknown sensitivity %q", ErrInvalidEvent, n.Sensitivity)
	case !n.Actor.Type.Valid():
		return fmt.Errorf("%w: unknown actor type %q", ErrInvalidEvent, n.Actor.Type)
	case n.Actor.ID == "":
		return fmt.Errorf("%w: actor id is required", ErrInvalidEvent)
	case n.Payload.Action == "":
		return fmt.Errorf("%w: payload action is required", ErrInvalidEvent)
	case !n.Payload.Outcome.Valid():
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, n.Payload.Outcome)
	}
	if n.Retention != nil && n.Retention.RetentionDays <= 0 {
		return fmt.Errorf("%w: retentionDays must be positive, got %d", ErrInvalidEvent, n.Retention.RetentionDays)
	}
	return nil
}

// resolveRetention returns the caller override if present, otherwise the
// sensitivity default.
func (n *NewEvent) resolveRetention() Retention {
	if n.Retention != nil {
		return *n.Retention
	}
	return DefaultRetention[n.Sensitivity]
}

// Expiry is the instant after which the event is past its retention period.
func (e *Event) Expiry() time.Time {
	return e.Timestamp.Add(time.Duration(e.Retention.RetentionDays) * 24 * time.Hour)
}

// clone returns a copy that shares no mutable state with e, down to nested
// metadata maps and slices.
func (e Event) clone() Event {
	if e.Tags != nil {
		e.Tags = slices.Clone(e.Tags)
	}
	if e.Payload.Metadata != nil {
		e.Payload.Metadata = cloneValue(e.Payload.Metadata).(map[string]any)
	}
	if e.Payload.Error != nil {
		errCopy := *e.Payload.Error
		e.Payload.Error = &errCopy
	}
	return e
}

// copyMetadata deep-copies metadata through a JSON round trip. Numbers are
// kept as json.Number so that re-encoding is byte-identical. A value that
// cannot be encoded is reported as ErrHashUnavailable, since it could never
// be hashed.
func copyMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding metadata: %v", ErrHashUnavailable, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %v", ErrHashUnavailable, err)
	}
	return out, nil
}

// cloneValue deep-copies the container types produced by JSON decoding.
// Scalars (strings, bools, json.Number, nil) are immutable and returned as is.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = cloneValue(x)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, x := range v {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}
