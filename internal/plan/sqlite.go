package plan

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plans (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	short_id        TEXT NOT NULL,
	summary         TEXT NOT NULL DEFAULT '',
	actions         TEXT NOT NULL,
	action_statuses TEXT NOT NULL,
	status          TEXT NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	resolved_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_plans_conversation ON plans (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_plans_short ON plans (short_id);
CREATE INDEX IF NOT EXISTS idx_plans_message ON plans (message_id);
`

// SQLiteStore persists plans across restarts. Single-winner resolution
// rides on a conditional UPDATE instead of an in-process lock, so it holds
// even with several processes sharing the file.
type SQLiteStore struct {
	db     *sql.DB
	maxAge time.Duration
	logger *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewSQLiteStore opens (creating if needed) the plan database at path.
func NewSQLiteStore(path string, maxAge, sweepInterval time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("plan: open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent resolution attempts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("plan: apply schema: %w", err)
	}
	s := &SQLiteStore{
		db:     db,
		maxAge: maxAge,
		logger: logger.With("component", "planstore"),
		done:   make(chan struct{}),
	}
	if sweepInterval > 0 && maxAge > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s, nil
}

func (s *SQLiteStore) Put(p *Plan) error {
	if p.ID == "" {
		return fmt.Errorf("plan: id is required")
	}
	cp := p.Clone()
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if len(cp.ActionStatuses) == 0 {
		cp.ActionStatuses = make([]ActionStatus, len(cp.Actions))
		for i := range cp.ActionStatuses {
			cp.ActionStatuses[i] = ActionPending
		}
	}
	actions, err := json.Marshal(cp.Actions)
	if err != nil {
		return fmt.Errorf("plan: marshal actions: %w", err)
	}
	statuses, err := json.Marshal(cp.ActionStatuses)
	if err != nil {
		return fmt.Errorf("plan: marshal statuses: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO plans (id, conversation_id, short_id, summary, actions, action_statuses, status, message_id, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		cp.ID, cp.ConversationID, cp.Short(), cp.Summary, string(actions), string(statuses), string(cp.Status), cp.MessageID, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("plan: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BindMessage(planID, messageID string) error {
	res, err := s.db.Exec(`UPDATE plans SET message_id = ? WHERE id = ?`, messageID, planID)
	if err != nil {
		return fmt.Errorf("plan: bind message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const planColumns = `id, conversation_id, summary, actions, action_statuses, status, message_id, created_at, resolved_at`

func (s *SQLiteStore) Get(planID string) (*Plan, error) {
	row := s.db.QueryRow(`SELECT `+planColumns+` FROM plans WHERE id = ?`, planID)
	return scanPlan(row)
}

func (s *SQLiteStore) GetByShort(short string) (*Plan, error) {
	rows, err := s.db.Query(`SELECT `+planColumns+` FROM plans WHERE short_id = ? AND status = ?`, short, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("plan: query short: %w", err)
	}
	defer rows.Close()
	var found *Plan
	for rows.Next() {
		p, err := scanPlanRows(rows)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return nil, ErrAmbiguous
		}
		found = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("plan: query short: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *SQLiteStore) GetByConversation(conversationID string) (*Plan, error) {
	row := s.db.QueryRow(
		`SELECT `+planColumns+` FROM plans WHERE conversation_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		conversationID, string(StatusPending),
	)
	return scanPlan(row)
}

func (s *SQLiteStore) GetByMessage(messageID string) (*Plan, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(
		`SELECT `+planColumns+` FROM plans WHERE message_id = ? AND status = ? LIMIT 1`,
		messageID, string(StatusPending),
	)
	return scanPlan(row)
}

func (s *SQLiteStore) Resolve(planID string, status Status) (*Plan, bool, error) {
	if !status.Resolved() {
		return nil, false, fmt.Errorf("plan: %q is not a terminal status", status)
	}
	res, err := s.db.Exec(
		`UPDATE plans SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(status), time.Now().UnixNano(), planID, string(StatusPending),
	)
	if err != nil {
		return nil, false, fmt.Errorf("plan: resolve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("plan: resolve: %w", err)
	}
	p, err := s.Get(planID)
	if err != nil {
		return nil, false, err
	}
	return p, n == 1, nil
}

func (s *SQLiteStore) SetActionStatus(planID string, idx int, status ActionStatus) error {
	p, err := s.Get(planID)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(p.ActionStatuses) {
		return fmt.Errorf("plan: action index %d out of range", idx)
	}
	p.ActionStatuses[idx] = status
	statuses, err := json.Marshal(p.ActionStatuses)
	if err != nil {
		return fmt.Errorf("plan: marshal statuses: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE plans SET action_statuses = ? WHERE id = ?`, string(statuses), planID); err != nil {
		return fmt.Errorf("plan: update statuses: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkExecuted(planID string) error {
	res, err := s.db.Exec(
		`UPDATE plans SET status = ? WHERE id = ? AND status = ?`,
		string(StatusExecuted), planID, string(StatusApproved),
	)
	if err != nil {
		return fmt.Errorf("plan: mark executed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	// Nothing updated: either the plan is missing or it is not approved.
	_, err = s.Get(planID)
	return err
}

func (s *SQLiteStore) Pending() ([]*Plan, error) {
	rows, err := s.db.Query(
		`SELECT `+planColumns+` FROM plans WHERE status = ? ORDER BY created_at DESC`,
		string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("plan: query pending: %w", err)
	}
	defer rows.Close()
	var out []*Plan
	for rows.Next() {
		p, err := scanPlanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("plan: query pending: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.db.Close()
}

func (s *SQLiteStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *SQLiteStore) sweep(now time.Time) {
	cutoff := now.Add(-s.maxAge).UnixNano()
	res, err := s.db.Exec(
		`UPDATE plans SET status = ?, resolved_at = ? WHERE status = ? AND created_at < ?`,
		string(StatusExpired), now.UnixNano(), string(StatusPending), cutoff,
	)
	if err != nil {
		s.logger.Warn("plan sweep failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("expired stale plans", "count", n)
	}
	dropCutoff := now.Add(-2 * s.maxAge).UnixNano()
	if _, err := s.db.Exec(
		`DELETE FROM plans WHERE status != ? AND created_at < ?`,
		string(StatusPending), dropCutoff,
	); err != nil {
		s.logger.Warn("plan prune failed", "error", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	p, err := scanPlanRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPlanRows(row rowScanner) (*Plan, error) {
	var (
		p          Plan
		actions    string
		statuses   string
		status     string
		createdAt  int64
		resolvedAt int64
	)
	err := row.Scan(&p.ID, &p.ConversationID, &p.Summary, &actions, &statuses, &status, &p.MessageID, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actions), &p.Actions); err != nil {
		return nil, fmt.Errorf("plan: decode actions: %w", err)
	}
	if err := json.Unmarshal([]byte(statuses), &p.ActionStatuses); err != nil {
		return nil, fmt.Errorf("plan: decode statuses: %w", err)
	}
	p.Status = Status(status)
	p.CreatedAt = time.Unix(0, createdAt)
	if resolvedAt > 0 {
		p.ResolvedAt = time.Unix(0, resolvedAt)
	}
	return &p, nil
}
