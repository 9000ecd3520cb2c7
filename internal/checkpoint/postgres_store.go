package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ricmars/visualization-sub001/internal/repository"
)

// PostgresStore keeps sessions in the checkpoint_sessions and
// checkpoint_operations tables. It joins a transaction carried by the
// context so a rollback and its status change commit together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (st *PostgresStore) db(ctx context.Context) repository.DBTX {
	return repository.Conn(ctx, st.pool)
}

func (st *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	_, err := st.db(ctx).Exec(ctx,
		`INSERT INTO checkpoint_sessions (id, target_id, description, origin, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.TargetID, s.Description, s.Origin, s.Status, s.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrTargetBusy
	}
	return err
}

func (st *PostgresStore) AppendOperation(ctx context.Context, id string, op Operation) error {
	var before any
	if len(op.Before) > 0 {
		before = []byte(op.Before)
	}
	tag, err := st.db(ctx).Exec(ctx,
		`INSERT INTO checkpoint_operations (session_id, seq, kind, entity_type, primary_key, before)
		 SELECT id, $2, $3, $4, $5, $6 FROM checkpoint_sessions WHERE id = $1 AND status = 'active'`,
		id, op.Seq, op.Kind, op.EntityType, op.PrimaryKey, before)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := st.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionClosed
	}
	return nil
}

const sessionColumns = "id, target_id, description, origin, status, created_at, finished_at"

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.TargetID, &s.Description, &s.Origin, &s.Status, &s.CreatedAt, &s.FinishedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	s.Operations = []Operation{}
	return &s, nil
}

func (st *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(st.db(ctx).QueryRow(ctx, "SELECT "+sessionColumns+" FROM checkpoint_sessions WHERE id = $1", id))
	if err != nil {
		return nil, err
	}
	if err := st.loadOperations(ctx, []*Session{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (st *PostgresStore) ListSessions(ctx context.Context, targetID int64) ([]*Session, error) {
	return st.list(ctx, "SELECT "+sessionColumns+" FROM checkpoint_sessions WHERE target_id = $1 ORDER BY created_at DESC", targetID)
}

func (st *PostgresStore) ActiveSessions(ctx context.Context) ([]*Session, error) {
	return st.list(ctx, "SELECT "+sessionColumns+" FROM checkpoint_sessions WHERE status = 'active' ORDER BY created_at")
}

func (st *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]*Session, error) {
	rows, err := st.db(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := st.loadOperations(ctx, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (st *PostgresStore) loadOperations(ctx context.Context, sessions []*Session) error {
	if len(sessions) == 0 {
		return nil
	}
	byID := make(map[string]*Session, len(sessions))
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	rows, err := st.db(ctx).Query(ctx,
		`SELECT session_id, seq, kind, entity_type, primary_key, before
		 FROM checkpoint_operations WHERE session_id = ANY($1::uuid[]) ORDER BY session_id, seq`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sid string
		var op Operation
		var before []byte
		if err := rows.Scan(&sid, &op.Seq, &op.Kind, &op.EntityType, &op.PrimaryKey, &before); err != nil {
			return err
		}
		if len(before) > 0 {
			op.Before = before
		}
		byID[sid].Operations = append(byID[sid].Operations, op)
	}
	return rows.Err()
}

func (st *PostgresStore) SetStatus(ctx context.Context, id string, status Status, finishedAt time.Time) error {
	tag, err := st.db(ctx).Exec(ctx,
		"UPDATE checkpoint_sessions SET status = $1, finished_at = $2 WHERE id = $3", status, finishedAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetTarget checks for a competing session in the same statement so a
// caller's transaction is not aborted by the unique index.
func (st *PostgresStore) SetTarget(ctx context.Context, id string, targetID int64) error {
	tag, err := st.db(ctx).Exec(ctx,
		`UPDATE checkpoint_sessions SET target_id = $1
		 WHERE id = $2 AND status = 'active'
		   AND NOT EXISTS (SELECT 1 FROM checkpoint_sessions WHERE target_id = $1 AND status = 'active')`,
		targetID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	s, err := st.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != StatusActive {
		return ErrSessionClosed
	}
	return ErrTargetBusy
}
