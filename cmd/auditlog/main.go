// Package main is the CLI entry point for auditlog, a tamper-evident,
// append-only audit event store.
//
// Every event is hash-chained to its predecessor: its hash covers a
// canonical serialization of the event plus the previous event's hash, so
// any retroactive edit is detected by `auditlog verify`.
//
// CLI commands (cobra):
//
//	auditlog serve       - Serve the REST API, live feed and metrics
//	auditlog stop        - Stop a running server
//	auditlog status      - Show server status and statistics
//	auditlog append      - Append an event
//	auditlog get         - Show one event by ID
//	auditlog query       - Query events with filters
//	auditlog tail        - Show the most recent events
//	auditlog verify      - Verify hash chain integrity
//	auditlog stats       - Show event statistics
//	auditlog archive     - Evaluate retention eligibility
//	auditlog export      - Export events as JSON or CSV
//	auditlog report      - Data-subject report for one actor
//	auditlog config      - View or initialize the configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ctrlai/auditlog/internal/api"
	"github.com/ctrlai/auditlog/internal/audit"
	"github.com/ctrlai/auditlog/internal/audit/store"
	"github.com/ctrlai/auditlog/internal/config"
	"github.com/ctrlai/auditlog/internal/metrics"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.auditlog/, where config.yaml and (by default)
// the event store live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditlog"
	}
	return filepath.Join(home, ".auditlog")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "auditlog",
	Short: "Tamper-evident audit event store",
	Long: `auditlog records security-relevant events in an append-only,
hash-chained log. Each event's hash covers its canonical content and the
previous event's hash, so editing, removing or reordering any stored event
is detected by 'auditlog verify'.

Run 'auditlog config init' to create a config file, then 'auditlog serve'
to expose the REST API.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to auditlog config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads config.yaml from the config directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the process-wide slog handler on stderr and returns
// the level variable so a config reload can change it.
func setupLogging(cfg *config.Config) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(cfg.Level())

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Logging.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return level
}

// openLog opens the configured store and wraps it in an audit log.
func openLog(cfg *config.Config, opts ...audit.Option) (*audit.Log, error) {
	s, err := store.Open(cfg.Storage.Backend, cfg.StorageDir(configDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	l, err := audit.New(s, opts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, nil
}

// withLog runs fn against the configured audit log, for one-shot commands.
func withLog(fn func(l *audit.Log) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	l, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

// ============================================================================
// auditlog serve: Serve the REST API
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API, live feed and metrics",
	Long: `Open the event store and serve it over HTTP on the address configured
in ~/.auditlog/config.yaml (default: 127.0.0.1:3110):
  - REST API:  http://127.0.0.1:3110/api/events
  - Live feed: ws://127.0.0.1:3110/api/ws
  - Metrics:   http://127.0.0.1:3110/metrics

The server holds an exclusive lock on its store while it runs, so other
commands that open the same journal or sqlite store (append, query, verify)
fail fast until it is stopped. Use the REST API to append while serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// runServe wires the stack together and blocks until SIGINT/SIGTERM or a
// POST /shutdown:
//
//  1. Load config and install the logger
//  2. Register Prometheus collectors
//  3. Open the event store and audit log (hub and metrics attached)
//  4. Mount the API, /health, /metrics and /shutdown
//  5. Write the PID file and start the config watcher
//  6. Listen, then drain in-flight requests and close the store
func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	// --- Step 1: Configuration and logging ---
	configPath := filepath.Join(configDir, "config.yaml")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := setupLogging(cfg)

	// --- Step 2: Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	// --- Step 3: Audit log ---
	// The hub is created first so it can be registered as an append hook.
	opts := []audit.Option{audit.WithObserver(m)}
	var hub *api.Hub
	if cfg.API.Enabled && cfg.API.LiveFeed {
		hub = api.NewHub()
		defer hub.Close()
		opts = append(opts, audit.WithAppendHook(hub.BroadcastEvent))
	}
	auditLog, err := openLog(cfg, opts...)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	// Chain health is reported at startup; a broken chain is served as-is
	// so it can be inspected.
	if res := auditLog.VerifyIntegrity(audit.VerifyRange{}); !res.Valid {
		fmt.Fprintf(os.Stderr, "[auditlog] Warning: hash chain BROKEN at positions %v\n", res.BrokenChainAt)
	}

	// --- Step 4: HTTP mux ---
	mux := http.NewServeMux()
	if cfg.API.Enabled {
		mux.Handle("/api/", api.New(api.Options{Log: auditLog, Hub: hub}).Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Health check endpoint, used by `auditlog status`.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint, used by `auditlog stop`. Loopback POST only.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
			// Already shutting down.
		}
	})

	addr := cfg.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Step 5: PID file and config watcher ---
	pidFile := filepath.Join(configDir, "auditlog.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// Only the log level is applied live; other settings need a restart.
	watcher, err := config.NewWatcher(configPath, config.WatchTargets{
		OnReload: func(newCfg *config.Config) {
			level.Set(newCfg.Level())
			slog.Info("log level applied", "level", newCfg.Level().String())
		},
		OnError: func(reloadErr error) {
			fmt.Fprintf(os.Stderr, "[auditlog] Warning: failed to reload config: %v\n", reloadErr)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 6: Serve until signal or /shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[auditlog] Listening on http://%s (%s store, %d events)\n",
			addr, cfg.Storage.Backend, mustStats(auditLog).TotalEvents)
		fmt.Println("[auditlog] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditlog] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[auditlog] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[auditlog] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[auditlog] Stopped")
	return nil
}

func mustStats(l *audit.Log) audit.Statistics {
	st, err := l.Statistics()
	if err != nil {
		slog.Warn("statistics unavailable", "error", err)
	}
	return st
}

// writePIDFile writes the current process ID to path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address (127.x.x.x or ::1).
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// auditlog stop: Stop the server
// ============================================================================

// stopCmd tries POST /shutdown first, then falls back to PID file + SIGTERM
// on Unix.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running auditlog server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := "http://" + cfg.Addr()

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(addr+"/shutdown", "application/json", nil)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("[auditlog] Stop signal sent to server")
				return nil
			}
		}

		if runtime.GOOS == "windows" {
			return fmt.Errorf("server is not responding at %s", addr)
		}

		pidFile := filepath.Join(configDir, "auditlog.pid")
		pidBytes, err := os.ReadFile(pidFile)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
			}
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
		if err != nil {
			return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			os.Remove(pidFile)
			return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
		}
		fmt.Printf("[auditlog] Sent stop signal to server (PID %d)\n", pid)
		return nil
	},
}

// ============================================================================
// auditlog status: Show server status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and event statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := "http://" + cfg.Addr()
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(addr + "/health")
		if err != nil {
			fmt.Println("[auditlog] Status: NOT RUNNING")
			fmt.Printf("[auditlog] Expected at: %s\n", addr)
			return nil
		}
		resp.Body.Close()

		fmt.Println("[auditlog] Status: RUNNING")
		fmt.Printf("[auditlog] Listening on: %s\n", addr)

		statsResp, err := client.Get(addr + "/api/stats")
		if err != nil {
			fmt.Println("[auditlog] Could not query statistics (API may be disabled)")
			return nil
		}
		defer statsResp.Body.Close()

		body, err := io.ReadAll(statsResp.Body)
		if err != nil {
			fmt.Println("[auditlog] Could not read statistics")
			return nil
		}
		var st audit.Statistics
		if err := json.Unmarshal(body, &st); err != nil {
			fmt.Println("[auditlog] Could not parse statistics")
			return nil
		}
		printStats(st)
		return nil
	},
}

// ============================================================================
// auditlog append: Append an event
// ============================================================================

var (
	appendFile          string
	appendDomain        string
	appendSensitivity   string
	appendActorType     string
	appendActorID       string
	appendActorName     string
	appendActorSource   string
	appendAction        string
	appendResourceType  string
	appendResourceID    string
	appendOutcome       string
	appendMetadata      string
	appendTags          []string
	appendRetentionDays int
	appendLegalHold     bool
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event",
	Long: `Append one event to the log and print the stored event as JSON.

The event is given either as flags or as a JSON document (--file, '-' for
stdin) with the fields domain, sensitivity, actor, payload and optionally
timestamp, retention and tags.

Examples:
  auditlog append --domain authentication --sensitivity pii \
    --actor-id u-1 --action login --outcome success
  echo '{"domain":"system",...}' | auditlog append --file -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := appendInput(cmd)
		if err != nil {
			return err
		}
		return withLog(func(l *audit.Log) error {
			e, err := l.Append(in)
			if err != nil {
				return err
			}
			return printJSON(e)
		})
	},
}

func init() {
	f := appendCmd.Flags()
	f.StringVar(&appendFile, "file", "", "Read the event as JSON from a file ('-' for stdin)")
	f.StringVar(&appendDomain, "domain", "", "Event domain (e.g. authentication, data-access)")
	f.StringVar(&appendSensitivity, "sensitivity", "internal", "Sensitivity: public, internal, confidential, restricted, pii")
	f.StringVar(&appendActorType, "actor-type", "user", "Actor type: user, system, service, anonymous")
	f.StringVar(&appendActorID, "actor-id", "", "Actor ID")
	f.StringVar(&appendActorName, "actor-name", "", "Actor display name")
	f.StringVar(&appendActorSource, "actor-source", "", "Actor source (IP, host, component)")
	f.StringVar(&appendAction, "action", "", "Action performed")
	f.StringVar(&appendResourceType, "resource-type", "", "Type of the affected resource")
	f.StringVar(&appendResourceID, "resource-id", "", "ID of the affected resource")
	f.StringVar(&appendOutcome, "outcome", "success", "Outcome: success, failure, partial")
	f.StringVar(&appendMetadata, "metadata", "", "Metadata as a JSON object")
	f.StringSliceVar(&appendTags, "tag", nil, "Tag (repeatable)")
	f.IntVar(&appendRetentionDays, "retention-days", 0, "Override retention days (0 = sensitivity default)")
	f.BoolVar(&appendLegalHold, "legal-hold", false, "Place the event under legal hold (with --retention-days)")
}

// appendInput builds the NewEvent from --file or the individual flags.
func appendInput(cmd *cobra.Command) (audit.NewEvent, error) {
	var in audit.NewEvent

	if appendFile != "" {
		var r io.Reader = os.Stdin
		if appendFile != "-" {
			f, err := os.Open(appendFile)
			if err != nil {
				return in, fmt.Errorf("opening event file: %w", err)
			}
			defer f.Close()
			r = f
		}
		dec := json.NewDecoder(r)
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			return in, fmt.Errorf("parsing event JSON: %w", err)
		}
		return in, nil
	}

	in = audit.NewEvent{
		Domain:      audit.Domain(appendDomain),
		Sensitivity: audit.Sensitivity(appendSensitivity),
		Actor: audit.Actor{
			Type:   audit.ActorType(appendActorType),
			ID:     appendActorID,
			Name:   appendActorName,
			Source: appendActorSource,
		},
		Payload: audit.Payload{
			Action:       appendAction,
			ResourceType: appendResourceType,
			ResourceID:   appendResourceID,
			Outcome:      audit.Outcome(appendOutcome),
		},
		Tags: appendTags,
	}
	if appendMetadata != "" {
		dec := json.NewDecoder(strings.NewReader(appendMetadata))
		dec.UseNumber()
		if err := dec.Decode(&in.Payload.Metadata); err != nil {
			return in, fmt.Errorf("parsing --metadata: %w", err)
		}
	}
	if cmd.Flags().Changed("retention-days") {
		r := audit.DefaultRetention[in.Sensitivity]
		r.RetentionDays = appendRetentionDays
		r.LegalHold = appendLegalHold
		in.Retention = &r
	}
	return in, nil
}

// ============================================================================
// auditlog get: Show one event
// ============================================================================

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one event by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(func(l *audit.Log) error {
			e, ok := l.GetByID(args[0])
			if !ok {
				return fmt.Errorf("event %s not found", args[0])
			}
			return printJSON(e)
		})
	},
}

// ============================================================================
// auditlog query: Query events
// ============================================================================

// queryFlags holds the filter flags shared by query and export.
type queryFlags struct {
	domains       []string
	sensitivities []string
	actorID       string
	actorType     string
	action        string
	actionPattern string
	resourceType  string
	resourceID    string
	outcome       string
	tags          []string
	since         time.Duration
	from          string
	to            string
	sort          string
	offset        int
	limit         int
}

func addQueryFlags(cmd *cobra.Command, q *queryFlags, defaultLimit int) {
	f := cmd.Flags()
	f.StringSliceVar(&q.domains, "domain", nil, "Filter by domain (repeatable or comma separated)")
	f.StringSliceVar(&q.sensitivities, "sensitivity", nil, "Filter by sensitivity (repeatable or comma separated)")
	f.StringVar(&q.actorID, "actor", "", "Filter by actor ID")
	f.StringVar(&q.actorType, "actor-type", "", "Filter by actor type")
	f.StringVar(&q.action, "action", "", "Filter by exact action")
	f.StringVar(&q.actionPattern, "action-pattern", "", "Filter by action glob (e.g. 'login.*', 'widget.**')")
	f.StringVar(&q.resourceType, "resource-type", "", "Filter by resource type")
	f.StringVar(&q.resourceID, "resource-id", "", "Filter by resource ID")
	f.StringVar(&q.outcome, "outcome", "", "Filter by outcome")
	f.StringSliceVar(&q.tags, "tag", nil, "Match events with any of these tags")
	f.DurationVar(&q.since, "since", 0, "Only events newer than this duration (e.g. 1h, 30m)")
	f.StringVar(&q.from, "from", "", "Only events at or after this RFC 3339 time")
	f.StringVar(&q.to, "to", "", "Only events at or before this RFC 3339 time")
	f.StringVar(&q.sort, "sort", "desc", "Sort by timestamp: asc or desc")
	f.IntVar(&q.offset, "offset", 0, "Skip this many matching events")
	f.IntVar(&q.limit, "limit", defaultLimit, "Maximum number of events (0 = all)")
}

// build converts the flags into an audit.Query.
func (f *queryFlags) build() (audit.Query, error) {
	q := audit.Query{
		ActorID:       f.actorID,
		ActorType:     audit.ActorType(f.actorType),
		Action:        f.action,
		ActionPattern: f.actionPattern,
		ResourceType:  f.resourceType,
		ResourceID:    f.resourceID,
		Outcome:       audit.Outcome(f.outcome),
		Tags:          f.tags,
		Sort:          audit.SortDirection(f.sort),
		Offset:        f.offset,
		Limit:         f.limit,
	}
	for _, d := range f.domains {
		q.Domains = append(q.Domains, audit.Domain(d))
	}
	for _, s := range f.sensitivities {
		q.Sensitivities = append(q.Sensitivities, audit.Sensitivity(s))
	}

	var r audit.TimeRange
	if f.since > 0 {
		r.From = time.Now().Add(-f.since)
	}
	if f.from != "" {
		t, err := time.Parse(time.RFC3339Nano, f.from)
		if err != nil {
			return q, fmt.Errorf("--from: %w", err)
		}
		r.From = t
	}
	if f.to != "" {
		t, err := time.Parse(time.RFC3339Nano, f.to)
		if err != nil {
			return q, fmt.Errorf("--to: %w", err)
		}
		r.To = t
	}
	if !r.From.IsZero() || !r.To.IsZero() {
		q.TimeRange = &r
	}
	return q, nil
}

var (
	queryOpts queryFlags
	queryJSON bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query events with filters",
	Long: `Query the log. Filters are AND-combined; results are sorted by
timestamp (newest first by default) and then paginated.

Examples:
  auditlog query --domain authentication --outcome failure --since 24h
  auditlog query --actor u-1 --sort asc --limit 0
  auditlog query --action-pattern 'widget.*' --offset 50 --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queryOpts.build()
		if err != nil {
			return err
		}
		return withLog(func(l *audit.Log) error {
			events, err := l.Query(q)
			if err != nil {
				return fmt.Errorf("audit query failed: %w", err)
			}
			if queryJSON {
				return printJSON(events)
			}
			if len(events) == 0 {
				fmt.Println("No matching events found.")
				return nil
			}
			for _, e := range events {
				printEvent(os.Stdout, e)
			}
			fmt.Printf("\n%d events found.\n", len(events))
			return nil
		})
	},
}

func init() {
	addQueryFlags(queryCmd, &queryOpts, 50)
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print events as JSON")
}

// ============================================================================
// auditlog tail: Most recent events
// ============================================================================

var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(func(l *audit.Log) error {
			events, err := l.Tail(tailLimit)
			if err != nil {
				return fmt.Errorf("failed to read audit log: %w", err)
			}
			// Oldest first, like tail(1).
			for i := len(events) - 1; i >= 0; i-- {
				printEvent(os.Stdout, events[i])
			}
			return nil
		})
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent events to show")
}

// ============================================================================
// auditlog verify: Verify chain integrity
// ============================================================================

var (
	verifyFrom string
	verifyTo   string
	verifyJSON bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Replay the hash chain. For every event the stored previousHash must equal
the previous event's hash and the stored hash must equal the SHA-256 of the
event's canonical form. Every broken position is reported, and the command
exits non-zero if any is found.

Use --from/--to to verify a range; the last verified ID is printed so a
long verification can be resumed with --from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(func(l *audit.Log) error {
			res := l.VerifyIntegrity(audit.VerifyRange{From: verifyFrom, To: verifyTo})
			if verifyJSON {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				printIntegrity(os.Stdout, res)
			}
			if !res.Valid {
				return fmt.Errorf("audit chain integrity violation detected")
			}
			return nil
		})
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFrom, "from", "", "First event ID to verify")
	verifyCmd.Flags().StringVar(&verifyTo, "to", "", "Last event ID to verify")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
}

func printIntegrity(w io.Writer, res audit.IntegrityResult) {
	if res.Valid {
		fmt.Fprintf(w, "[auditlog] Hash chain VALID (%d events verified)\n", res.EventsVerified)
	} else {
		fmt.Fprintf(w, "[auditlog] Hash chain BROKEN (%d events verified, broken at positions %v)\n",
			res.EventsVerified, res.BrokenChainAt)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	if res.LastVerifiedID != "" {
		fmt.Fprintf(w, "  Last verified: %s\n", res.LastVerifiedID)
	}
}

// ============================================================================
// auditlog stats: Statistics
// ============================================================================

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(func(l *audit.Log) error {
			st, err := l.Statistics()
			if err != nil {
				return err
			}
			printStats(st)
			return nil
		})
	},
}

func printStats(st audit.Statistics) {
	fmt.Printf("Total events: %d\n", st.TotalEvents)
	if st.FirstEventAt != nil {
		fmt.Printf("First event:  %s\n", st.FirstEventAt.Format(time.RFC3339))
		fmt.Printf("Last event:   %s\n", st.LastEventAt.Format(time.RFC3339))
	}
	fmt.Printf("Archived:     %d\n", st.ArchivedEvents)

	fmt.Println("\nBy domain:")
	for _, d := range audit.Domains {
		if n := st.ByDomain[d]; n > 0 {
			fmt.Printf("  %-18s %d\n", d, n)
		}
	}
	fmt.Println("By sensitivity:")
	for _, s := range audit.Sensitivities {
		if n := st.BySensitivity[s]; n > 0 {
			fmt.Printf("  %-18s %d\n", s, n)
		}
	}
	fmt.Println("By outcome:")
	for _, o := range audit.Outcomes {
		if n := st.ByOutcome[o]; n > 0 {
			fmt.Printf("  %-18s %d\n", o, n)
		}
	}
}

// ============================================================================
// auditlog archive: Retention evaluation
// ============================================================================

var archiveDryRun bool

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Count events past their retention period",
	Long: `Count the events whose retention period has elapsed and that are not
under legal hold. Events are never removed: deleting from the middle of the
chain would break every later link.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(func(l *audit.Log) error {
			n, err := l.ArchiveExpiredEvents(archiveDryRun)
			if err != nil {
				return err
			}
			fmt.Printf("[auditlog] %d events eligible for archival\n", n)
			return nil
		})
	},
}

func init() {
	archiveCmd.Flags().BoolVar(&archiveDryRun, "dry-run", true, "Only count eligible events")
}

// ============================================================================
// auditlog export: Export events
// ============================================================================

var (
	exportOpts   queryFlags
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export events as JSON or CSV",
	Long: `Export the matching events to stdout. Accepts the same filters as
'auditlog query'.

Example:
  auditlog export --format csv --domain authentication > auth.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := audit.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		q, err := exportOpts.build()
		if err != nil {
			return err
		}
		return withLog(func(l *audit.Log) error {
			out, err := l.ExportEvents(q, format)
			if err != nil {
				return err
			}
			fmt.Print(out)
			if format == audit.FormatJSON {
				fmt.Println()
			}
			return nil
		})
	},
}

func init() {
	addQueryFlags(exportCmd, &exportOpts, 0)
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: json or csv")
}

// ============================================================================
// auditlog report: Data-subject report
// ============================================================================

var reportCmd = &cobra.Command{
	Use:   "report <actor-id>",
	Short: "Report everything recorded about one actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLog(func(l *audit.Log) error {
			rep, err := l.SubjectReport(args[0])
			if err != nil {
				return err
			}
			return printJSON(rep)
		})
	},
}

// ============================================================================
// auditlog config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and initialize configuration",
	Long: `Manage the auditlog configuration. The config file lives at
~/.auditlog/config.yaml and defines the server address, event store,
API toggles and logging.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults in use)\n", configPath)
				fmt.Println("Run 'auditlog config init' to create one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[auditlog] Wrote %s\n", configPath)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
}

// ============================================================================
// Output helpers
// ============================================================================

// printEvent prints a one-line summary of an event.
func printEvent(w io.Writer, e audit.Event) {
	outcome := string(e.Payload.Outcome)
	// Uppercase failures for terminal visibility.
	if e.Payload.Outcome == audit.OutcomeFailure {
		outcome = "FAILURE"
	}
	line := fmt.Sprintf("[%s] %s %-16s %-12s actor=%-12s action=%-20s outcome=%s",
		e.Timestamp.UTC().Format(audit.TimestampLayout), e.ID, e.Domain, e.Sensitivity,
		e.Actor.ID, e.Payload.Action, outcome)
	if e.Payload.ResourceID != "" {
		line += fmt.Sprintf(" resource=%s/%s", e.Payload.ResourceType, e.Payload.ResourceID)
	}
	fmt.Fprintln(w, line)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
