package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ricmars/visualization-sub001/pkg/models"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := startPostgres(t)
	exerciseStore(t, NewPostgres(pool))
}

func TestPostgresSavepoints(t *testing.T) {
	pool := startPostgres(t)
	store := NewPostgres(pool)
	ctx := context.Background()

	c := &models.WorkflowCase{Name: "Outer"}
	require.NoError(t, store.CreateCase(ctx, c))

	err := store.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.CreateField(ctx, &models.Field{CaseID: c.ID, Name: "a", Type: models.FieldText, Label: "A"}))

		// the failing inner statement must not poison the outer transaction
		inner := store.InTx(ctx, func(ctx context.Context) error {
			return store.CreateField(ctx, &models.Field{CaseID: c.ID, Name: "a", Type: models.FieldText, Label: "dup"})
		})
		assert.ErrorIs(t, inner, ErrConflict)

		return store.CreateField(ctx, &models.Field{CaseID: c.ID, Name: "b", Type: models.FieldText, Label: "B"})
	})
	require.NoError(t, err)

	fields, err := store.ListFields(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, fields, 2)
}
