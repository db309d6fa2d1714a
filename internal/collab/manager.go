// Package collab persists capability results shared with a project.
package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Kind string

const (
	KindToolResult   Kind = "tool_result"
	KindPromptResult Kind = "prompt_result"
	KindResource     Kind = "resource"
)

// Entry is one shared memory record.
type Entry struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Kind      Kind            `json:"kind" validate:"required,oneof=tool_result prompt_result resource"`
	Server    string          `json:"server" validate:"required"`
	Name      string          `json:"name" validate:"required"`
	Content   json.RawMessage `json:"content" validate:"required"`
	SharedBy  string          `json:"sharedBy" validate:"required"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Manager stores entries in the shared_memories table of either the sqlite
// or the postgres schema.
type Manager struct {
	DB       *sql.DB
	driver   string
	clock    clock.Clock
	log      *slog.Logger
	validate *validator.Validate
}

func NewManager(db *sql.DB, driver string, clk clock.Clock, log *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		DB:       db,
		driver:   driver,
		clock:    clk,
		log:      log.With("component", "collab"),
		validate: validator.New(),
	}
}

// ShareMemory stores entry under projectID and returns the new record id.
func (m *Manager) ShareMemory(ctx context.Context, e Entry, projectID string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("share memory: project id is required")
	}
	if err := m.validate.Struct(e); err != nil {
		return "", fmt.Errorf("share memory: %w", err)
	}
	if !json.Valid(e.Content) {
		return "", fmt.Errorf("share memory: content is not valid JSON")
	}

	id := uuid.NewString()
	now := m.clock.Now()
	_, err := m.DB.ExecContext(ctx, m.rebind(`INSERT INTO shared_memories
		(id, project_id, kind, server_id, name, content, shared_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		id, projectID, string(e.Kind), e.Server, e.Name, string(e.Content), e.SharedBy, now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("share memory: %w", err)
	}
	m.log.Debug("memory shared", "id", id, "project", projectID, "kind", e.Kind, "server", e.Server)
	return id, nil
}

// ListShared returns a project's entries, newest first. limit <= 0 means 50.
func (m *Manager) ListShared(ctx context.Context, projectID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.DB.QueryContext(ctx, m.rebind(`SELECT id, project_id, kind, server_id, name, content, shared_by, created_at
		FROM shared_memories WHERE project_id = ? ORDER BY created_at DESC, id LIMIT ?`), projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list shared: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			kind    string
			content []byte
			created int64
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &kind, &e.Server, &e.Name, &content, &e.SharedBy, &created); err != nil {
			return nil, fmt.Errorf("list shared: %w", err)
		}
		e.Kind = Kind(kind)
		e.Content = json.RawMessage(content)
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $n for postgres.
func (m *Manager) rebind(q string) string {
	if m.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type EventType string

const (
	EventToolExecuted     EventType = "tool_executed"
	EventPromptExecuted   EventType = "prompt_executed"
	EventResourceShared   EventType = "resource_shared"
	EventApprovalRequired EventType = "approval_required"
)

// Event is the data of a collaboration_event message.
type Event struct {
	Event     EventType         `json:"event"`
	ProjectID string            `json:"projectId"`
	SharedID  string            `json:"sharedId,omitempty"`
	Server    string            `json:"server"`
	Name      string            `json:"name"`
	By        string            `json:"by"`
	Arguments map[string]string `json:"arguments,omitempty"`
}
