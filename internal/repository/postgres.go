package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables used by the service if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type txKey struct{}

// Conn returns the transaction carried by ctx, or pool when there is none.
func Conn(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// InTx runs fn with a transaction stored in its context. When ctx already
// carries a transaction, a savepoint is used so that a failing fn only
// discards its own statements.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := Conn(ctx, pool).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Postgres is a PostgreSQL implementation of Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new Postgres store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) db(ctx context.Context) DBTX {
	return Conn(ctx, s.pool)
}

// InTx runs fn inside a transaction.
func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return InTx(ctx, s.pool, fn)
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Detail)
		}
	}
	return err
}

func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const caseColumns = "id, name, description, model, created_at, updated_at"

func scanCase(row pgx.Row) (*models.WorkflowCase, error) {
	var c models.WorkflowCase
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// CreateCase inserts c and sets its id and timestamps.
func (s *Postgres) CreateCase(ctx context.Context, c *models.WorkflowCase) error {
	if c.Model.Stages == nil {
		c.Model.Stages = []models.Stage{}
	}
	err := s.db(ctx).QueryRow(ctx,
		"INSERT INTO cases (name, description, model) VALUES ($1, $2, $3) RETURNING id, created_at, updated_at",
		c.Name, c.Description, c.Model,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return mapErr(err)
}

// GetCase retrieves a case by its id.
func (s *Postgres) GetCase(ctx context.Context, id int64) (*models.WorkflowCase, error) {
	return scanCase(s.db(ctx).QueryRow(ctx, "SELECT "+caseColumns+" FROM cases WHERE id = $1", id))
}

// ListCases returns all cases ordered by id.
func (s *Postgres) ListCases(ctx context.Context) ([]*models.WorkflowCase, error) {
	rows, err := s.db(ctx).Query(ctx, "SELECT "+caseColumns+" FROM cases ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*models.WorkflowCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// UpdateCase overwrites name, description and model of an existing case.
func (s *Postgres) UpdateCase(ctx context.Context, c *models.WorkflowCase) error {
	err := s.db(ctx).QueryRow(ctx,
		"UPDATE cases SET name = $1, description = $2, model = $3, updated_at = now() WHERE id = $4 RETURNING updated_at",
		c.Name, c.Description, c.Model, c.ID,
	).Scan(&c.UpdatedAt)
	return mapErr(err)
}

// DeleteCase deletes a case. Fields and views cascade.
func (s *Postgres) DeleteCase(ctx context.Context, id int64) error {
	return expectOne(s.db(ctx).Exec(ctx, "DELETE FROM cases WHERE id = $1", id))
}

const fieldColumns = "id, case_id, name, type, label, description, required, is_primary, sort_order, options, default_value"

func scanField(row pgx.Row) (*models.Field, error) {
	var f models.Field
	var def []byte
	if err := row.Scan(&f.ID, &f.CaseID, &f.Name, &f.Type, &f.Label, &f.Description,
		&f.Required, &f.Primary, &f.Order, &f.Options, &def); err != nil {
		return nil, mapErr(err)
	}
	if len(def) > 0 {
		f.DefaultValue = json.RawMessage(def)
	}
	return &f, nil
}

func fieldArgs(f *models.Field) (options []string, def any) {
	options = f.Options
	if options == nil {
		options = []string{}
	}
	if len(f.DefaultValue) > 0 {
		def = []byte(f.DefaultValue)
	}
	return options, def
}

// CreateField inserts f and sets its id.
func (s *Postgres) CreateField(ctx context.Context, f *models.Field) error {
	options, def := fieldArgs(f)
	err := s.db(ctx).QueryRow(ctx,
		`INSERT INTO fields (case_id, name, type, label, description, required, is_primary, sort_order, options, default_value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		f.CaseID, f.Name, f.Type, f.Label, f.Description, f.Required, f.Primary, f.Order, options, def,
	).Scan(&f.ID)
	return mapErr(err)
}

// GetField retrieves a field by its id.
func (s *Postgres) GetField(ctx context.Context, id int64) (*models.Field, error) {
	return scanField(s.db(ctx).QueryRow(ctx, "SELECT "+fieldColumns+" FROM fields WHERE id = $1", id))
}

// GetFieldByName retrieves a field of a case by its name.
func (s *Postgres) GetFieldByName(ctx context.Context, caseID int64, name string) (*models.Field, error) {
	return scanField(s.db(ctx).QueryRow(ctx,
		"SELECT "+fieldColumns+" FROM fields WHERE case_id = $1 AND name = $2", caseID, name))
}

// ListFields returns the fields of a case ordered by sort order.
func (s *Postgres) ListFields(ctx context.Context, caseID int64) ([]*models.Field, error) {
	rows, err := s.db(ctx).Query(ctx,
		"SELECT "+fieldColumns+" FROM fields WHERE case_id = $1 ORDER BY sort_order, id", caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []*models.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// UpdateField overwrites every column of an existing field.
func (s *Postgres) UpdateField(ctx context.Context, f *models.Field) error {
	options, def := fieldArgs(f)
	return expectOne(s.db(ctx).Exec(ctx,
		`UPDATE fields SET name = $1, type = $2, label = $3, description = $4, required = $5,
		 is_primary = $6, sort_order = $7, options = $8, default_value = $9 WHERE id = $10`,
		f.Name, f.Type, f.Label, f.Description, f.Required, f.Primary, f.Order, options, def, f.ID))
}

// DeleteField deletes a field.
func (s *Postgres) DeleteField(ctx context.Context, id int64) error {
	return expectOne(s.db(ctx).Exec(ctx, "DELETE FROM fields WHERE id = $1", id))
}

const viewColumns = "id, case_id, name, model"

func scanView(row pgx.Row) (*models.View, error) {
	var v models.View
	if err := row.Scan(&v.ID, &v.CaseID, &v.Name, &v.Model); err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

// CreateView inserts v and sets its id.
func (s *Postgres) CreateView(ctx context.Context, v *models.View) error {
	err := s.db(ctx).QueryRow(ctx,
		"INSERT INTO views (case_id, name, model) VALUES ($1, $2, $3) RETURNING id",
		v.CaseID, v.Name, v.Model,
	).Scan(&v.ID)
	return mapErr(err)
}

// GetView retrieves a view by its id.
func (s *Postgres) GetView(ctx context.Context, id int64) (*models.View, error) {
	return scanView(s.db(ctx).QueryRow(ctx, "SELECT "+viewColumns+" FROM views WHERE id = $1", id))
}

// GetViewByName retrieves a view of a case by its name.
func (s *Postgres) GetViewByName(ctx context.Context, caseID int64, name string) (*models.View, error) {
	return scanView(s.db(ctx).QueryRow(ctx,
		"SELECT "+viewColumns+" FROM views WHERE case_id = $1 AND name = $2", caseID, name))
}

// ListViews returns the views of a case ordered by id.
func (s *Postgres) ListViews(ctx context.Context, caseID int64) ([]*models.View, error) {
	rows, err := s.db(ctx).Query(ctx, "SELECT "+viewColumns+" FROM views WHERE case_id = $1 ORDER BY id", caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*models.View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// UpdateView overwrites the name and model of an existing view.
func (s *Postgres) UpdateView(ctx context.Context, v *models.View) error {
	return expectOne(s.db(ctx).Exec(ctx,
		"UPDATE views SET name = $1, model = $2 WHERE id = $3", v.Name, v.Model, v.ID))
}

// DeleteView deletes a view.
func (s *Postgres) DeleteView(ctx context.Context, id int64) error {
	return expectOne(s.db(ctx).Exec(ctx, "DELETE FROM views WHERE id = $1", id))
}

// Restore upserts a before-image under its original id.
func (s *Postgres) Restore(ctx context.Context, entity models.EntityType, snapshot json.RawMessage) error {
	row, err := decodeSnapshot(entity, snapshot)
	if err != nil {
		return fmt.Errorf("decoding %s snapshot: %w", entity, err)
	}
	db := s.db(ctx)
	switch r := row.(type) {
	case *models.WorkflowCase:
		_, err = db.Exec(ctx,
			`INSERT INTO cases (id, name, description, model, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
			 model = EXCLUDED.model, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`,
			r.ID, r.Name, r.Description, r.Model, r.CreatedAt, r.UpdatedAt)
	case *models.Field:
		options, def := fieldArgs(r)
		_, err = db.Exec(ctx,
			`INSERT INTO fields (id, case_id, name, type, label, description, required, is_primary, sort_order, options, default_value)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (id) DO UPDATE SET case_id = EXCLUDED.case_id, name = EXCLUDED.name, type = EXCLUDED.type,
			 label = EXCLUDED.label, description = EXCLUDED.description, required = EXCLUDED.required,
			 is_primary = EXCLUDED.is_primary, sort_order = EXCLUDED.sort_order, options = EXCLUDED.options,
			 default_value = EXCLUDED.default_value`,
			r.ID, r.CaseID, r.Name, r.Type, r.Label, r.Description, r.Required, r.Primary, r.Order, options, def)
	case *models.View:
		_, err = db.Exec(ctx,
			`INSERT INTO views (id, case_id, name, model) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET case_id = EXCLUDED.case_id, name = EXCLUDED.name, model = EXCLUDED.model`,
			r.ID, r.CaseID, r.Name, r.Model)
	}
	return mapErr(err)
}

// Remove deletes a row by id; a missing row is not an error.
func (s *Postgres) Remove(ctx context.Context, entity models.EntityType, id int64) error {
	var table string
	switch entity {
	case models.EntityCase:
		table = "cases"
	case models.EntityField:
		table = "fields"
	case models.EntityView:
		table = "views"
	default:
		return fmt.Errorf("unknown entity type %s", entity)
	}
	_, err := s.db(ctx).Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	return mapErr(err)
}
