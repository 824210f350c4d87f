package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
)

const uniqueViolation = "23505"

// errUndecodable marks a row whose actions document cannot be decoded at all.
var errUndecodable = errors.New("undecodable actions document")

const sessionColumns = `code, title, description, mode, host_start_time, ended_at, actions, version, created_at`

// Repository is the PostgreSQL Store. Each session is one row whose actions live in a JSONB column.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// CodeExists reports whether any session uses code.
func (r *Repository) CodeExists(ctx context.Context, code string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM sessions WHERE code = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("query code: %w", err)
	}
	return exists, nil
}

// Insert creates a session row. A duplicate code returns ErrCodeTaken.
func (r *Repository) Insert(ctx context.Context, s *models.Session) error {
	actions, err := encodeActions(s.Actions)
	if err != nil {
		return err
	}
	const query = `INSERT INTO sessions (code, title, description, mode, host_start_time, actions, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`
	_, err = r.pool.Exec(ctx, query, s.Code, s.Title, s.Description, string(s.Mode), s.HostStartTime, actions, s.Version, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrCodeTaken
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns the session with this code.
func (r *Repository) Get(ctx context.Context, code string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE code = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// UpdateActions replaces the action list when version still equals expectedVersion.
func (r *Repository) UpdateActions(ctx context.Context, code string, expectedVersion int64, actions []models.Action) (*models.Session, error) {
	raw, err := encodeActions(actions)
	if err != nil {
		return nil, err
	}
	query := `UPDATE sessions SET actions = $1::jsonb, version = version + 1
		WHERE code = $2 AND version = $3
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, query, raw, code, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		exists, exErr := r.CodeExists(ctx, code)
		if exErr != nil {
			return nil, exErr
		}
		if !exists {
			return nil, ErrSessionNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update actions: %w", err)
	}
	return s, nil
}

// MarkEnded sets ended_at if it is not already set and returns the stored session.
func (r *Repository) MarkEnded(ctx context.Context, code string, at time.Time) (*models.Session, error) {
	query := `UPDATE sessions
		SET ended_at = COALESCE(ended_at, $2),
			version = CASE WHEN ended_at IS NULL THEN version + 1 ELSE version END
		WHERE code = $1
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, query, code, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark ended: %w", err)
	}
	return s, nil
}

// ListSweepable returns open sessions with at least one action.
// Rows whose actions cannot be decoded are logged and left out so they cannot stall the sweep.
func (r *Repository) ListSweepable(ctx context.Context) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE ended_at IS NULL AND jsonb_array_length(actions) > 0
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sweepable: %w", err)
	}
	defer rows.Close()
	var list []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if errors.Is(err, errUndecodable) {
			metrics.SessionDecodeFailures.Inc()
			r.logger.Warn("skipping session with undecodable actions", zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s       models.Session
		mode    string
		actions []byte
	)
	if err := row.Scan(&s.Code, &s.Title, &s.Description, &mode, &s.HostStartTime, &s.EndedAt, &actions, &s.Version, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Mode = models.Mode(mode)
	s.Actions = []models.Action{}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &s.Actions); err != nil {
			return nil, fmt.Errorf("%w: session %s: %w", errUndecodable, s.Code, err)
		}
	}
	return &s, nil
}

func encodeActions(actions []models.Action) (string, error) {
	if actions == nil {
		actions = []models.Action{}
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("encode actions: %w", err)
	}
	return string(raw), nil
}
