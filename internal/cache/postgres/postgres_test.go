package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rewrite-core/internal/cache"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, "")
	require.NoError(t, err)
	return s, mock
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "cache; DROP TABLE x")
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT value FROM rewrite_cache").
		WithArgs("k1").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("v1")))
	got, err := s.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	mock.ExpectQuery("SELECT value FROM rewrite_cache").
		WithArgs("k2").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.Load(ctx, "k2")
	require.ErrorIs(t, err, cache.ErrNotFound)

	mock.ExpectQuery("SELECT value FROM rewrite_cache").
		WithArgs("k3").
		WillReturnError(errors.New("connection reset"))
	_, err = s.Load(ctx, "k3")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUpserts(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	s.now = func() time.Time { return now }

	mock.ExpectExec("INSERT INTO rewrite_cache").
		WithArgs("k1", []byte("v1"), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Save(context.Background(), "k1", []byte("v1")))

	mock.ExpectExec("INSERT INTO rewrite_cache").
		WithArgs("k1", []byte("v2"), now).
		WillReturnError(errors.New("boom"))
	require.Error(t, s.Save(context.Background(), "k1", []byte("v2")))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM rewrite_cache").
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.Remove(context.Background(), "k1"))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, "postgres", s.Name())
}
