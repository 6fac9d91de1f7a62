package dedup

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockRegistry(t *testing.T) (*PostgresRegistry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS processed_messages")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	reg, err := NewPostgresRegistry(context.Background(), db)
	require.NoError(t, err)
	return reg, mock
}

func TestPostgresTryMarkProcessedWinner(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_messages")).
		WithArgs("finality-consumer", "msg-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := reg.TryMarkProcessed(context.Background(), "finality-consumer", "msg-1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTryMarkProcessedLoser(t *testing.T) {
	reg, mock := newMockRegistry(t)

	// ON CONFLICT DO NOTHING reports zero rows for the second delivery.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_messages")).
		WithArgs("finality-consumer", "msg-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := reg.TryMarkProcessed(context.Background(), "finality-consumer", "msg-1")
	require.NoError(t, err)
	require.False(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnmarkReleasesClaim(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM processed_messages WHERE consumer_name = $1 AND message_id = $2")).
		WithArgs("finality-consumer", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, reg.Unmark(context.Background(), "finality-consumer", "msg-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIsProcessed(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM processed_messages WHERE consumer_name = $1 AND message_id = $2")).
		WithArgs("actions-consumer", "seen").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM processed_messages WHERE consumer_name = $1 AND message_id = $2")).
		WithArgs("actions-consumer", "unseen").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	seen, err := reg.IsProcessed(context.Background(), "actions-consumer", "seen")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = reg.IsProcessed(context.Background(), "actions-consumer", "unseen")
	require.NoError(t, err)
	require.False(t, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}
