package profile

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*UserProfile, error) {
	p := &UserProfile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_segment, support_interactions, total_sessions, last_login_at, risk_factors, updated_at
		FROM user_profiles
		WHERE user_id = $1
	`, userID).Scan(
		&p.UserID, &p.UserSegment,
		&p.Metrics.SupportInteractions, &p.Metrics.TotalSessions, &p.Metrics.LastLoginAt,
		pq.Array(&p.RiskFactors), &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Put(ctx context.Context, p *UserProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, user_segment, support_interactions, total_sessions, last_login_at, risk_factors, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			user_segment         = EXCLUDED.user_segment,
			support_interactions = EXCLUDED.support_interactions,
			total_sessions       = EXCLUDED.total_sessions,
			last_login_at        = EXCLUDED.last_login_at,
			risk_factors         = EXCLUDED.risk_factors,
			updated_at           = EXCLUDED.updated_at
	`, p.UserID, p.UserSegment,
		p.Metrics.SupportInteractions, p.Metrics.TotalSessions, p.Metrics.LastLoginAt,
		pq.Array(p.RiskFactors))
	return err
}
