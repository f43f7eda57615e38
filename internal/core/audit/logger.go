package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/haasonsaas/r-core/internal/core/observability"
)

// DefaultMaxFileMB is the default rotation threshold.
const DefaultMaxFileMB = 100

// DefaultBackups is the default retained rotated-file count.
const DefaultBackups = 10

// Config configures a Logger.
type Config struct {
	// LogDir is the directory the rotating log file lives in.
	LogDir string
	// LogFile is the base file name within LogDir. Defaults to "audit.log".
	LogFile string
	// MaxFileMB is the rotation threshold in megabytes.
	MaxFileMB int
	// Backups is the number of rotated files retained.
	Backups int
	// Metrics, if set, is incremented per event written.
	Metrics interface {
		IncAuditEvent(action, severity string)
	}
}

func (c Config) sanitized() Config {
	out := c
	if out.LogFile == "" {
		out.LogFile = "audit.log"
	}
	if out.MaxFileMB <= 0 {
		out.MaxFileMB = DefaultMaxFileMB
	}
	if out.Backups <= 0 {
		out.Backups = DefaultBackups
	}
	return out
}

// Logger is the append-only, rotating audit event writer. Writes are
// serialized to preserve line integrity.
type Logger struct {
	mu       sync.Mutex
	path     string
	rotating *lumberjack.Logger
	slogger  *slog.Logger
	human    *slog.Logger
	metrics  interface {
		IncAuditEvent(action, severity string)
	}
}

// NewLogger constructs a Logger, creating LogDir if necessary.
func NewLogger(cfg Config) (*Logger, error) {
	cfg = cfg.sanitized()
	if cfg.LogDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default audit log dir: %w", err)
		}
		cfg.LogDir = filepath.Join(home, ".r-core", "logs")
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}

	path := filepath.Join(cfg.LogDir, cfg.LogFile)
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxFileMB,
		MaxBackups: cfg.Backups,
		Compress:   false,
	}

	l := &Logger{
		path:     path,
		rotating: rotating,
		slogger:  slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelDebug})),
		human:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})).With("component", "audit"),
		metrics:  cfg.Metrics,
	}
	return l, nil
}

// Close releases the underlying rotating file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotating.Close()
}

// Log writes one event, assigning ID/Timestamp/TraceID/SpanID if unset.
// Records of severity warning or above additionally emit to the
// human-readable stream.
func (l *Logger) Log(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = observability.GetTraceID(ctx)
	}
	if e.SpanID == "" {
		e.SpanID = observability.GetSpanID(ctx)
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	l.mu.Lock()
	l.writeLocked(e)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.IncAuditEvent(string(e.Action), string(e.Severity))
	}
}

func (l *Logger) writeLocked(e Event) {
	attrs := eventAttrs(e)
	l.slogger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)

	if severityRank[e.Severity] >= severityRank[SeverityWarning] {
		l.human.LogAttrs(context.Background(), severityToSlog(e.Severity), "audit", attrs...)
	}
}

func severityToSlog(s Severity) slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func eventAttrs(e Event) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.Time("timestamp", e.Timestamp),
		slog.String("action", string(e.Action)),
		slog.String("severity", string(e.Severity)),
		slog.Bool("success", e.Success),
	}
	addStr := func(k, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	addStr("user_id", e.UserID)
	addStr("username", e.Username)
	addStr("auth_type", e.AuthType)
	addStr("client_ip", e.ClientIP)
	addStr("request_id", e.RequestID)
	addStr("method", e.Method)
	addStr("path", e.Path)
	addStr("resource", e.Resource)
	addStr("resource_id", e.ResourceID)
	addStr("error_message", e.ErrorMessage)
	addStr("trace_id", e.TraceID)
	addStr("span_id", e.SpanID)
	if e.DurationMs > 0 {
		attrs = append(attrs, slog.Float64("duration_ms", e.DurationMs))
	}
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			attrs = append(attrs, slog.String("details", string(b)))
		}
	}
	return attrs
}

// Recent returns up to limit most-recent events matching filter, read
// from the live log file's tail. Malformed lines are skipped silently.
// Retrieval is advisory: rotation means full history requires archived
// files.
func (l *Logger) Recent(limit int, filter Filter) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	lines, err := tailLines(f, limit*4)
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		var rec slogJSONRecord
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil {
			continue
		}
		e, ok := rec.toEvent()
		if !ok {
			continue
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// tailLines reads the file and returns up to max trailing non-empty
// lines. Implemented as a simple full scan: audit files are bounded by
// rotation, so this stays cheap in practice.
func tailLines(r io.Reader, max int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var ring []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ring = append(ring, line)
		if len(ring) > max {
			ring = ring[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return ring, nil
}

// slogJSONRecord mirrors the shape slog.JSONHandler emits, enough to
// reconstruct an Event for retrieval.
type slogJSONRecord struct {
	Time         time.Time `json:"time"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`
	Severity     string    `json:"severity"`
	Success      bool      `json:"success"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	AuthType     string    `json:"auth_type"`
	ClientIP     string    `json:"client_ip"`
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Resource     string    `json:"resource"`
	ResourceID   string    `json:"resource_id"`
	ErrorMessage string    `json:"error_message"`
	DurationMs   float64   `json:"duration_ms"`
	TraceID      string    `json:"trace_id"`
	SpanID       string    `json:"span_id"`
}

func (r slogJSONRecord) toEvent() (Event, bool) {
	if r.Action == "" {
		return Event{}, false
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = r.Time
	}
	return Event{
		ID:           r.ID,
		Timestamp:    ts,
		Action:       Action(r.Action),
		Severity:     Severity(r.Severity),
		UserID:       r.UserID,
		Username:     r.Username,
		AuthType:     r.AuthType,
		ClientIP:     r.ClientIP,
		RequestID:    r.RequestID,
		Method:       r.Method,
		Path:         r.Path,
		Resource:     r.Resource,
		ResourceID:   r.ResourceID,
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage,
		DurationMs:   r.DurationMs,
		TraceID:      r.TraceID,
		SpanID:       r.SpanID,
	}, true
}

// Audited wraps fn, measuring wall time and logging an event on both
// success and failure. The wrapped function's return value and error
// are passed through untouched.
func Audited[T any](l *Logger, action Action, resource string, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := fn()
	duration := float64(time.Since(start).Milliseconds())

	e := Event{
		Action:     action,
		Resource:   resource,
		Success:    err == nil,
		DurationMs: duration,
	}
	if err != nil {
		e.Severity = SeverityError
		e.ErrorMessage = err.Error()
	}
	l.Log(context.Background(), e)
	return result, err
}
