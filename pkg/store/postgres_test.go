package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferun-dev/saferun/pkg/vault"
)

func TestRebindPostgres(t *testing.T) {
	cases := map[string]string{
		`SELECT 1`:                              `SELECT 1`,
		`SELECT * FROM t WHERE a = ?`:           `SELECT * FROM t WHERE a = $1`,
		`UPDATE t SET a = ?, b = ? WHERE c = ?`: `UPDATE t SET a = $1, b = $2 WHERE c = $3`,
	}
	for in, want := range cases {
		assert.Equal(t, want, rebindPostgres(in))
	}
}

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	return &sqlStore{db: db, vault: v, rebind: rebindPostgres, clock: time.Now}, mock
}

// TestVerifyAndConsumeSingleRow pins down the atomic consume: one UPDATE
// statement whose affected-row count decides the winner.
func TestVerifyAndConsumeSingleRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE approval_tokens SET used = \$1, used_at = \$2`).
		WithArgs(true, sqlmock.AnyArg(), "tok", "c1", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.VerifyAndConsumeToken(context.Background(), "c1", "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`UPDATE approval_tokens SET used = \$1, used_at = \$2`).
		WithArgs(true, sqlmock.AnyArg(), "tok", "c1", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.VerifyAndConsumeToken(context.Background(), "c1", "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestExpirePendingConditionalUpdate verifies the sweep issues a single
// conditional UPDATE ... RETURNING, never a read-modify-write.
func TestExpirePendingConditionalUpdate(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"change_id"}).AddRow("c1").AddRow("c2")
	mock.ExpectQuery(`UPDATE changes SET status = 'expired'`).
		WillReturnRows(rows)

	ids, err := s.ExpirePending(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
