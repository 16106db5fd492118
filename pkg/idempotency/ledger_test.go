package idempotency

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLedgers(t *testing.T) {
	t.Parallel()

	ledgers := map[string]func(t *testing.T) Ledger{
		"SQLite": func(t *testing.T) Ledger {
			l, err := NewSQLiteLedger(newTestDB(t))
			require.NoError(t, err)
			return l
		},
		"Memory": func(_ *testing.T) Ledger { return NewMemoryLedger() },
	}

	for name, newLedger := range ledgers {
		t.Run(name+"_未記録のキーは未処理であること", func(t *testing.T) {
			t.Parallel()

			processed, err := newLedger(t).Processed(context.Background(), "k")
			require.NoError(t, err)
			assert.False(t, processed)
		})

		t.Run(name+"_記録したキーは処理済みになり再記録してもエラーにならないこと", func(t *testing.T) {
			t.Parallel()

			l := newLedger(t)
			ctx := context.Background()
			require.NoError(t, l.MarkProcessed(ctx, "k", "COURSE_ENROLLMENT"))
			require.NoError(t, l.MarkProcessed(ctx, "k", "COURSE_ENROLLMENT"))

			processed, err := l.Processed(ctx, "k")
			require.NoError(t, err)
			assert.True(t, processed)
		})
	}
}

func TestSQLiteLedger_reopen(t *testing.T) {
	t.Parallel()

	t.Run("同じデータベースで作り直しても記録が残ること", func(t *testing.T) {
		t.Parallel()

		db := newTestDB(t)
		ctx := context.Background()
		l, err := NewSQLiteLedger(db)
		require.NoError(t, err)
		require.NoError(t, l.MarkProcessed(ctx, "k", "COURSE_ENROLLMENT"))

		reopened, err := NewSQLiteLedger(db)
		require.NoError(t, err)
		processed, err := reopened.Processed(ctx, "k")
		require.NoError(t, err)
		assert.True(t, processed)
	})
}
