// Package sqlhistory serves configuration item event history from SQLite.
package sqlhistory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aescanero/opsquery/pkg/adapters/tools"
	"github.com/aescanero/opsquery/pkg/domain"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Event is one recorded change or incident on a configuration item
type Event struct {
	TenantID   string
	CIID       string
	EventType  string
	Message    string
	OccurredAt time.Time
}

// Store implements ports.ToolExecutor over a SQLite event table.
//
// Params: ci_id (string or list, required), since_hours (default 24),
// event_type (optional), limit (default 100). Data is {"rows": [...]}.
type Store struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *zap.Logger
}

// Open opens or creates the history database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ci_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		ci_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL,
		occurred_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ci_events_ci ON ci_events(tenant_id, ci_id, occurred_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts an event
func (s *Store) Record(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ci_events (tenant_id, ci_id, event_type, message, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.TenantID, ev.CIID, ev.EventType, ev.Message, ev.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const (
	defaultSinceHours = 24
	defaultLimit      = 100
)

// Execute returns the recent events of the requested items for the call's tenant
func (s *Store) Execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	ciIDs, err := tools.StringList(call.Params["ci_id"])
	if err != nil {
		return invalid("ci_id", err), nil
	}
	if len(ciIDs) == 0 {
		return domain.ToolResult{Success: false, Error: "ci_id is required"}, nil
	}
	sinceHours, err := tools.Int(call.Params["since_hours"], defaultSinceHours)
	if err != nil || sinceHours < 1 {
		return invalid("since_hours", err), nil
	}
	limit, err := tools.Int(call.Params["limit"], defaultLimit)
	if err != nil || limit < 1 {
		return invalid("limit", err), nil
	}
	eventType, _ := call.Params["event_type"].(string)

	query, args := buildQuery(call.Context.TenantID, ciIDs, eventType,
		s.now().Add(-time.Duration(sinceHours)*time.Hour).UTC(), limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []any{}
	for rows.Next() {
		var ciID, typ, msg string
		var at time.Time
		if err := rows.Scan(&ciID, &typ, &msg, &at); err != nil {
			return domain.ToolResult{}, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, map[string]any{
			"ci_id":       ciID,
			"event_type":  typ,
			"message":     msg,
			"occurred_at": at.Format(time.RFC3339),
		})
	}
	if err := rows.Err(); err != nil {
		return domain.ToolResult{}, fmt.Errorf("read events: %w", err)
	}

	s.logger.Debug("history queried",
		zap.String("trace_id", call.Context.TraceID),
		zap.Strings("ci_ids", ciIDs),
		zap.Int("rows", len(out)))

	return domain.ToolResult{Success: true, Data: map[string]any{"rows": out}}, nil
}

func buildQuery(tenantID string, ciIDs []string, eventType string, since time.Time, limit int) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ciIDs)), ",")

	var b strings.Builder
	b.WriteString(`SELECT ci_id, event_type, message, occurred_at FROM ci_events WHERE tenant_id = ? AND ci_id IN (`)
	b.WriteString(placeholders)
	b.WriteString(`) AND occurred_at >= ?`)

	args := make([]any, 0, len(ciIDs)+4)
	args = append(args, tenantID)
	for _, id := range ciIDs {
		args = append(args, id)
	}
	args = append(args, since)

	if eventType != "" {
		b.WriteString(` AND event_type = ?`)
		args = append(args, eventType)
	}
	b.WriteString(` ORDER BY occurred_at DESC, id DESC LIMIT ?`)
	args = append(args, limit)

	return b.String(), args
}

func invalid(param string, err error) domain.ToolResult {
	msg := fmt.Sprintf("invalid %s", param)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return domain.ToolResult{Success: false, Error: msg}
}
