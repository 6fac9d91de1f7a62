package state

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/swarm/core/pkg/policy"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
)

const selectForUpdate = "SELECT scope_id, run_id, last_node, epoch, updated_at FROM swarm_state WHERE scope_id = $1 FOR UPDATE"

func newMockMachine(t *testing.T) (*Machine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS context_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	log, err := wal.NewPostgresLog(ctx, db)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS swarm_state")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	m, err := NewMachine(ctx, db, log)
	require.NoError(t, err)
	return m, mock
}

func stateRow(node NodeName, epoch uint64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"scope_id", "run_id", "last_node", "epoch", "updated_at"}).
		AddRow("s1", "run-1", string(node), epoch, time.Now().UTC())
}

func TestAdvanceWritesTransitionEventInSameTx(t *testing.T) {
	m, mock := newMockMachine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
		WithArgs("s1").
		WillReturnRows(stateRow(ContextIngested, 4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swarm_state")).
		WithArgs("s1", string(FactsExtracted), 5, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO context_events (ts, data) VALUES ($1, $2) RETURNING seq")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(12))
	mock.ExpectCommit()

	st, err := m.Advance(context.Background(), 4, AdvanceRequest{Scope: "s1"})
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, FactsExtracted, st.LastNode)
	require.Equal(t, uint64(5), st.Epoch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceEpochMismatchReturnsNil(t *testing.T) {
	m, mock := newMockMachine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
		WithArgs("s1").
		WillReturnRows(stateRow(ContextIngested, 7))
	mock.ExpectRollback()

	st, err := m.Advance(context.Background(), 4, AdvanceRequest{Scope: "s1"})
	require.NoError(t, err)
	require.Nil(t, st)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceLostRaceReturnsNil(t *testing.T) {
	m, mock := newMockMachine(t)

	// The row lock read and the UPDATE can still disagree when a competing
	// commit lands between them; zero rows affected means the CAS lost.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
		WithArgs("s1").
		WillReturnRows(stateRow(ContextIngested, 4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE swarm_state")).
		WithArgs("s1", string(FactsExtracted), 5, 4).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	st, err := m.Advance(context.Background(), 4, AdvanceRequest{Scope: "s1"})
	require.NoError(t, err)
	require.Nil(t, st)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceBlockedByPolicyGate(t *testing.T) {
	m, mock := newMockMachine(t)

	cfg := &policy.Config{
		TransitionRules: []policy.TransitionRule{{
			From:      string(DriftChecked),
			To:        string(ContextIngested),
			BlockWhen: policy.BlockWhen{DriftLevel: []string{"critical"}},
			Reason:    "critical_drift_blocks_restart",
		}},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
		WithArgs("s1").
		WillReturnRows(stateRow(DriftChecked, 4))
	mock.ExpectRollback()

	st, err := m.Advance(context.Background(), 4, AdvanceRequest{
		Scope:  "s1",
		Drift:  &policy.DriftSnapshot{Level: "critical"},
		Policy: cfg,
	})
	require.NoError(t, err)
	require.Nil(t, st)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextCycles(t *testing.T) {
	require.Equal(t, FactsExtracted, Next(ContextIngested))
	require.Equal(t, DriftChecked, Next(FactsExtracted))
	require.Equal(t, ContextIngested, Next(DriftChecked))
}
