// Package audit records configuration and lifecycle events. With a database
// configured the records go to the audit_events table; otherwise the most
// recent ones are kept in memory.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modhost"
)

// Name is the manifest name the factory is registered under.
const Name = "audit"

// MemoryLimit bounds the in-memory record buffer.
const MemoryLimit = 100

func init() {
	modhost.Register(Name, New)
}

// Record is one audited event.
type Record struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Audit is the audit module.
type Audit struct {
	db     *sql.DB
	logger modhost.Logger
	now    func() time.Time

	events atomic.Int64
	failed atomic.Int64

	mu     sync.Mutex
	recent []Record
}

// New is the module factory.
func New(deps modhost.Dependencies) (modhost.Module, error) {
	return &Audit{
		db:     deps.Database,
		logger: deps.Logger,
		now:    time.Now,
	}, nil
}

const createTable = `CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
)`

func (a *Audit) Initialize(ctx context.Context, _ modhost.Dependencies) error {
	if a.db == nil {
		a.logger.Info("No database configured, keeping audit records in memory", "limit", MemoryLimit)
		return nil
	}
	if _, err := a.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

func (a *Audit) HandleEvent(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(payload)))
	}
	rec := Record{Topic: topic, Payload: string(data), RecordedAt: a.now().UTC()}
	a.events.Add(1)

	if a.db == nil {
		a.mu.Lock()
		a.recent = append(a.recent, rec)
		if len(a.recent) > MemoryLimit {
			a.recent = a.recent[len(a.recent)-MemoryLimit:]
		}
		a.mu.Unlock()
		return nil
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO audit_events (topic, payload, recorded_at) VALUES (?, ?, ?)`,
		rec.Topic, rec.Payload, rec.RecordedAt)
	if err != nil {
		a.failed.Add(1)
		return fmt.Errorf("record %s: %w", topic, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (a *Audit) Recent(ctx context.Context, limit int) ([]Record, error) {
	if a.db == nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		n := min(limit, len(a.recent))
		out := make([]Record, 0, n)
		for i := len(a.recent) - 1; i >= len(a.recent)-n; i-- {
			out = append(out, a.recent[i])
		}
		return out, nil
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT topic, payload, recorded_at FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Topic, &rec.Payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (a *Audit) Stats() map[string]any {
	return map[string]any{
		"events":    a.events.Load(),
		"failed":    a.failed.Load(),
		"persisted": a.db != nil,
	}
}

func (a *Audit) Cleanup(context.Context) error {
	a.logger.Info("Audit stopped", "events", a.events.Load())
	return nil
}
