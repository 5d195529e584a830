package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, ev *UserEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	var device, uctx []byte
	if ev.Device != nil {
		if device, err = json.Marshal(ev.Device); err != nil {
			return err
		}
	}
	if ev.Context != nil {
		if uctx, err = json.Marshal(ev.Context); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_events (event_id, user_id, session_id, event_type, event_ts, event_data, device_info, user_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.UserID, ev.SessionID, string(ev.EventType), ev.Timestamp, data, nullable(device), nullable(uctx))
	return err
}

func (s *PostgresStore) RecentByUser(ctx context.Context, userID string, since time.Time) ([]*UserEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, session_id, event_type, event_ts, event_data, device_info, user_context
		FROM user_events
		WHERE user_id = $1 AND event_ts >= $2
		ORDER BY event_ts
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserEvent
	for rows.Next() {
		ev := &UserEvent{}
		var (
			eventType string
			data      []byte
			device    []byte
			uctx      []byte
		)
		if err := rows.Scan(&ev.EventID, &ev.UserID, &ev.SessionID, &eventType, &ev.Timestamp, &data, &device, &uctx); err != nil {
			return nil, err
		}
		ev.EventType = Type(eventType)
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, err
		}
		if len(device) > 0 {
			ev.Device = &DeviceInfo{}
			if err := json.Unmarshal(device, ev.Device); err != nil {
				return nil, err
			}
		}
		if len(uctx) > 0 {
			ev.Context = &UserContext{}
			if err := json.Unmarshal(uctx, ev.Context); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_events WHERE user_id = $1
	`, userID).Scan(&n)
	return n, err
}

// nullable converts an empty JSON blob to a SQL NULL.
func nullable(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
