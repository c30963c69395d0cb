package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore implements Store on database/sql. Queries are written with '?' placeholders and
// rebound for drivers that number them.
type sqlStore struct {
	db     *sql.DB
	driver string
}

func (s *sqlStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) SaveClient(ctx context.Context, p models.ClientProfile) (models.ClientProfile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	profile, err := json.Marshal(p)
	if err != nil {
		return p, fmt.Errorf("failed to encode client %s: %w", p.ID, err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO clients (id, name, phone_key, profile, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, phone_key = excluded.phone_key,
			profile = excluded.profile, updated_at = excluded.updated_at`,
		p.ID, p.Name, PhoneKey(p.Phone), string(profile), time.Now().Unix())
	if err != nil {
		slog.Error("Store.SaveClient failed", "driver", s.driver, "client", p.ID, "error", err)
		return p, fmt.Errorf("failed to save client %s: %w", p.ID, err)
	}
	slog.Debug("Store.SaveClient succeeded", "driver", s.driver, "client", p.ID)
	return p, nil
}

func (s *sqlStore) GetClient(ctx context.Context, id string) (models.ClientProfile, error) {
	return s.scanClient(s.queryRow(ctx, `SELECT profile FROM clients WHERE id = ?`, id))
}

func (s *sqlStore) GetClientByPhone(ctx context.Context, phone string) (models.ClientProfile, error) {
	key := PhoneKey(phone)
	if key == "" {
		return models.ClientProfile{}, ErrNotFound
	}
	return s.scanClient(s.queryRow(ctx, `SELECT profile FROM clients WHERE phone_key = ? ORDER BY seq LIMIT 1`, key))
}

func (s *sqlStore) scanClient(row *sql.Row) (models.ClientProfile, error) {
	var p models.ClientProfile
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, fmt.Errorf("failed to load client: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to decode client: %w", err)
	}
	return p, nil
}

func (s *sqlStore) ListClients(ctx context.Context) ([]models.ClientProfile, error) {
	rows, err := s.query(ctx, `SELECT profile FROM clients ORDER BY seq`)
	if err != nil {
		slog.Error("Store.ListClients query failed", "driver", s.driver, "error", err)
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	return scanJSONRows[models.ClientProfile](rows)
}

func (s *sqlStore) AppendMessage(ctx context.Context, clientID string, m models.ConversationMessage) error {
	_, err := s.exec(ctx, `INSERT INTO messages (client_id, sender, content, sent_at) VALUES (?, ?, ?, ?)`,
		clientID, m.Sender, m.Content, m.Timestamp)
	if err != nil {
		slog.Error("Store.AppendMessage failed", "driver", s.driver, "client", clientID, "error", err)
		return fmt.Errorf("failed to append message for %s: %w", clientID, err)
	}
	return nil
}

func (s *sqlStore) History(ctx context.Context, clientID string, limit int) ([]models.ConversationMessage, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.query(ctx, `
			SELECT sender, content, sent_at FROM (
				SELECT seq, sender, content, sent_at FROM messages WHERE client_id = ? ORDER BY seq DESC LIMIT ?
			) AS recent ORDER BY seq`, clientID, limit)
	} else {
		rows, err = s.query(ctx, `SELECT sender, content, sent_at FROM messages WHERE client_id = ? ORDER BY seq`, clientID)
	}
	if err != nil {
		slog.Error("Store.History query failed", "driver", s.driver, "client", clientID, "error", err)
		return nil, fmt.Errorf("failed to query history for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		if err := rows.Scan(&m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveDecision(ctx context.Context, d models.FinalDecision) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode decision: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO decisions (id, client_id, action, processed_at, payload) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.ClientID, string(d.Action), d.ProcessedAt.Unix(), string(payload))
	if err != nil {
		slog.Error("Store.SaveDecision failed", "driver", s.driver, "client", d.ClientID, "error", err)
		return "", fmt.Errorf("failed to save decision for %s: %w", d.ClientID, err)
	}
	slog.Debug("Store.SaveDecision succeeded", "driver", s.driver, "id", d.ID, "action", d.Action)
	return d.ID, nil
}

func (s *sqlStore) ListDecisions(ctx context.Context, clientID string) ([]models.FinalDecision, error) {
	rows, err := s.query(ctx, `SELECT payload FROM decisions WHERE client_id = ? ORDER BY seq DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions for %s: %w", clientID, err)
	}
	return scanJSONRows[models.FinalDecision](rows)
}

func (s *sqlStore) SaveInsights(ctx context.Context, insights []models.Insight) ([]models.Insight, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin insight transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	out := make([]models.Insight, len(insights))
	for i, in := range insights {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode insight: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO insights (id, client_id, status, payload) VALUES (?, ?, ?, ?)`),
			in.ID, in.ClientID, string(in.Status), string(payload)); err != nil {
			slog.Error("Store.SaveInsights insert failed", "driver", s.driver, "client", in.ClientID, "error", err)
			return nil, fmt.Errorf("failed to save insight for %s: %w", in.ClientID, err)
		}
		out[i] = in
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insights: %w", err)
	}
	slog.Debug("Store.SaveInsights succeeded", "driver", s.driver, "count", len(out))
	return out, nil
}

func (s *sqlStore) ListInsights(ctx context.Context, clientID string) ([]models.Insight, error) {
	rows, err := s.query(ctx, `SELECT payload FROM insights WHERE client_id = ? ORDER BY seq DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights for %s: %w", clientID, err)
	}
	return scanJSONRows[models.Insight](rows)
}

func (s *sqlStore) SaveFollowUp(ctx context.Context, item models.ActionItem) (models.ActionItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `
		INSERT INTO follow_ups (id, client_id, task, type, priority, scheduled_at, done) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET task = excluded.task, type = excluded.type, priority = excluded.priority,
			scheduled_at = excluded.scheduled_at, done = excluded.done`,
		item.ID, item.ClientID, item.Task, item.Type, string(item.Priority), item.ScheduledDate.Unix(), item.Done)
	if err != nil {
		slog.Error("Store.SaveFollowUp failed", "driver", s.driver, "client", item.ClientID, "error", err)
		return item, fmt.Errorf("failed to save follow-up for %s: %w", item.ClientID, err)
	}
	return item, nil
}

func (s *sqlStore) DueFollowUps(ctx context.Context, now time.Time) ([]models.ActionItem, error) {
	rows, err := s.query(ctx, `
		SELECT id, client_id, task, type, priority, scheduled_at, done FROM follow_ups
		WHERE done = ? AND scheduled_at <= ? ORDER BY scheduled_at, id`, false, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query due follow-ups: %w", err)
	}
	defer rows.Close()

	var out []models.ActionItem
	for rows.Next() {
		var (
			item      models.ActionItem
			priority  string
			scheduled int64
		)
		if err := rows.Scan(&item.ID, &item.ClientID, &item.Task, &item.Type, &priority, &scheduled, &item.Done); err != nil {
			return nil, fmt.Errorf("failed to scan follow-up row: %w", err)
		}
		item.Priority = models.ParsePriority(priority)
		item.ScheduledDate = time.Unix(scheduled, 0)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate follow-up rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) MarkFollowUpDone(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE follow_ups SET done = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("failed to complete follow-up %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "driver", s.driver)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "driver", s.driver, "error", err)
	}
	return err
}

// scanJSONRows decodes a single JSON column from every row and closes rows.
func scanJSONRows[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}
