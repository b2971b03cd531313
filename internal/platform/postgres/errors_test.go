package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/shelf/internal/platform/postgres"
	"github.com/phrazzld/shelf/internal/store"
	"github.com/stretchr/testify/assert"
)

func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "queue_jobs",
		ColumnName:     "status",
		ConstraintName: "queue_jobs_idempotency_idx",
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique violation", newPgError("23505"), store.ErrDuplicate},
		{"foreign key violation", newPgError("23503"), store.ErrInvalidEntity},
		{"check violation", newPgError("23514"), store.ErrInvalidEntity},
		{"not null violation", newPgError("23502"), store.ErrInvalidEntity},
		{"serialization failure", newPgError("40001"), store.ErrTransactionFailed},
		{"wrapped unique violation", fmt.Errorf("insert: %w", newPgError("23505")), store.ErrDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, postgres.MapError(tt.err), tt.expected)
		})
	}
}

func TestMapErrorPassthrough(t *testing.T) {
	t.Parallel()

	assert.NoError(t, postgres.MapError(nil))

	other := errors.New("connection reset")
	assert.Same(t, other, postgres.MapError(other))

	unknown := newPgError("XX000")
	assert.Equal(t, error(unknown), postgres.MapError(unknown))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsUniqueViolation(newPgError("23505")))
	assert.True(t, postgres.IsUniqueViolation(fmt.Errorf("wrapped: %w", newPgError("23505"))))
	assert.False(t, postgres.IsUniqueViolation(newPgError("23503")))
	assert.False(t, postgres.IsUniqueViolation(errors.New("plain")))
	assert.False(t, postgres.IsUniqueViolation(nil))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsRetryable(newPgError("40001")))
	assert.True(t, postgres.IsRetryable(newPgError("40P01")))
	assert.False(t, postgres.IsRetryable(newPgError("23505")))
	assert.False(t, postgres.IsRetryable(errors.New("plain")))
}

func TestDialect(t *testing.T) {
	t.Parallel()

	d := postgres.Dialect{}
	assert.Equal(t, "postgres", d.Name())
	assert.Equal(t, "$1", d.Placeholder(1))
	assert.Equal(t, "$12", d.Placeholder(12))
	assert.Equal(t, "FOR UPDATE SKIP LOCKED", d.ClaimLock())
	assert.ErrorIs(t, d.MapError(newPgError("23505")), store.ErrDuplicate)
}
