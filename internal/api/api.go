// Package api serves the audit log REST API and live feed.
//
// Routes:
//
//	POST /api/events          Append an event
//	GET  /api/events          Query events (filters as query parameters)
//	GET  /api/events/{id}     Get one event
//	GET  /api/tail?n=20       Most recent events
//	GET  /api/verify          Verify the hash chain (?from=&to=)
//	GET  /api/stats           Statistics
//	POST /api/archive         Evaluate retention (?dryRun=true by default)
//	GET  /api/export          Export matching events (?format=json|csv)
//	GET  /api/report          Data-subject report (?actorId=)
//	GET  /api/ws              Live feed of appended events
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ctrlai/auditlog/internal/audit"
)

// maxBodyBytes caps an append request body.
const maxBodyBytes = 1 << 20

// Options holds the dependencies injected into the API.
type Options struct {
	Log *audit.Log
	// Hub serves /api/ws when set. It must also be registered as an
	// append hook on Log for events to reach subscribers.
	Hub *Hub
}

// API serves the REST endpoints over an audit.Log.
type API struct {
	log *audit.Log
	hub *Hub
}

// New creates an API with the given dependencies.
func New(opts Options) *API {
	return &API{log: opts.Log, hub: opts.Hub}
}

// Handler returns an http.Handler for the /api/ routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/events", a.handleAppend)
	mux.HandleFunc("GET /api/events", a.handleQuery)
	mux.HandleFunc("GET /api/events/{id}", a.handleGet)
	mux.HandleFunc("GET /api/tail", a.handleTail)
	mux.HandleFunc("GET /api/verify", a.handleVerify)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("POST /api/archive", a.handleArchive)
	mux.HandleFunc("GET /api/export", a.handleExport)
	mux.HandleFunc("GET /api/report", a.handleReport)
	if a.hub != nil {
		mux.Handle("GET /api/ws", a.hub)
	}

	return mux
}

// --- REST API Handlers ---

// handleAppend appends an event.
// POST /api/events  { "domain": "...", "sensitivity": "...", "actor": {...}, "payload": {...} }
func (a *API) handleAppend(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	// Keep metadata numbers as written so they hash exactly.
	dec.UseNumber()

	var in audit.NewEvent
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	e, err := a.log.Append(in)
	switch {
	case errors.Is(err, audit.ErrInvalidEvent), errors.Is(err, audit.ErrHashUnavailable):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "append failed")
		return
	}

	writeJSON(w, http.StatusCreated, e)
}

// handleQuery returns the events matching the query parameters.
// GET /api/events?domain=authentication,system&actorId=u-1&limit=50
func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := a.log.Query(q)
	if err != nil {
		a.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleGet returns a single event.
// GET /api/events/AE000000000042
func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := a.log.GetByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("event %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleTail returns the most recent events, newest first.
// GET /api/tail?n=20
func (a *API) handleTail(w http.ResponseWriter, r *http.Request) {
	n := 20
	if s := r.URL.Query().Get("n"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}

	events, err := a.log.Tail(n)
	if err != nil {
		a.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleVerify replays the hash chain. An invalid chain is still a 200
// response: the result body describes it.
// GET /api/verify?from=AE000000000001&to=AE000000000100
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	res := a.log.VerifyIntegrity(audit.VerifyRange{
		From: r.URL.Query().Get("from"),
		To:   r.URL.Query().Get("to"),
	})
	writeJSON(w, http.StatusOK, res)
}

// handleStats returns event counts.
// GET /api/stats
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.log.Statistics()
	if err != nil {
		a.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleArchive evaluates retention. Without dryRun=false nothing is flagged.
// POST /api/archive?dryRun=false
func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	dryRun := true
	if s := r.URL.Query().Get("dryRun"); s != "" {
		parsed, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dryRun must be true or false")
			return
		}
		dryRun = parsed
	}

	n, err := a.log.ArchiveExpiredEvents(dryRun)
	if err != nil {
		a.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eligible": n, "dryRun": dryRun})
}

// handleExport serializes the events matching the query parameters.
// GET /api/export?format=csv&domain=authentication
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	format := audit.FormatJSON
	if s := params.Get("format"); s != "" {
		f, err := audit.ParseFormat(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}
	q, err := ParseQuery(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.log.ExportEvents(q, format)
	if err != nil {
		a.queryError(w, err)
		return
	}

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-export.%s"`, format))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

// handleReport builds a data-subject report.
// GET /api/report?actorId=u-1
func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	actorID := r.URL.Query().Get("actorId")
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "actorId parameter required")
		return
	}

	rep, err := a.log.SubjectReport(actorID)
	if err != nil {
		a.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// queryError maps read-side errors to a response.
func (a *API) queryError(w http.ResponseWriter, err error) {
	if errors.Is(err, audit.ErrInvalidQuery) || errors.Is(err, audit.ErrUnsupportedFormat) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("audit read failed", "error", err)
	writeError(w, http.StatusInternalServerError, "audit read failed")
}

// ParseQuery builds an audit.Query from URL parameters. List parameters
// (domain, sensitivity, tags) are comma separated; from and to are RFC 3339.
func ParseQuery(v url.Values) (audit.Query, error) {
	q := audit.Query{
		ActorID:       v.Get("actorId"),
		ActorType:     audit.ActorType(v.Get("actorType")),
		Action:        v.Get("action"),
		ActionPattern: v.Get("actionPattern"),
		ResourceType:  v.Get("resourceType"),
		ResourceID:    v.Get("resourceId"),
		Outcome:       audit.Outcome(v.Get("outcome")),
		Sort:          audit.SortDirection(v.Get("sort")),
		Tags:          splitList(v.Get("tags")),
	}
	for _, d := range splitList(v.Get("domain")) {
		q.Domains = append(q.Domains, audit.Domain(d))
	}
	for _, s := range splitList(v.Get("sensitivity")) {
		q.Sensitivities = append(q.Sensitivities, audit.Sensitivity(s))
	}

	var err error
	if q.Offset, err = intParam(v, "offset"); err != nil {
		return audit.Query{}, err
	}
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return audit.Query{}, err
	}

	from, err := timeParam(v, "from")
	if err != nil {
		return audit.Query{}, err
	}
	to, err := timeParam(v, "to")
	if err != nil {
		return audit.Query{}, err
	}
	if !from.IsZero() || !to.IsZero() {
		q.TimeRange = &audit.TimeRange{From: from, To: to}
	}
	return q, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(v url.Values, name string) (int, error) {
	s := v.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", audit.ErrInvalidQuery, name, s)
	}
	return n, nil
}

func timeParam(v url.Values, name string) (time.Time, error) {
	s := v.Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 time, got %q", audit.ErrInvalidQuery, name, s)
	}
	return t, nil
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
