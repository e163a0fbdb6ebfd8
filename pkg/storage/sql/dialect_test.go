package sql_test

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	sqlbackend "github.com/senpuki/senpuki/pkg/storage/sql"
)

func TestDialectRebind(t *testing.T) {
	pg := sqlbackend.Postgres{}
	require.Equal(t, "postgres", pg.Name())
	rebound := sqlx.Rebind(pg.BindType(), "SELECT * FROM tasks WHERE id = ? AND state = ?")
	require.Equal(t, "SELECT * FROM tasks WHERE id = $1 AND state = $2", rebound)

	my := sqlbackend.MySQL{}
	require.Equal(t, "mysql", my.Name())
	require.Equal(t, "SELECT * FROM tasks WHERE id = ? AND state = ?",
		sqlx.Rebind(my.BindType(), "SELECT * FROM tasks WHERE id = ? AND state = ?"))
}

func TestCacheUpsertSyntaxDiffersByDialect(t *testing.T) {
	require.Contains(t, sqlbackend.Postgres{}.CacheUpsertSQL(), "ON CONFLICT")
	require.Contains(t, sqlbackend.MySQL{}.CacheUpsertSQL(), "INSERT IGNORE")
}

func TestCounterUpsertSyntaxDiffersByDialect(t *testing.T) {
	pg := sqlbackend.Postgres{}.CounterUpsertSQL()
	require.Contains(t, pg, "ON CONFLICT")
	require.Contains(t, pg, "RETURNING value")

	my := sqlbackend.MySQL{}.CounterUpsertSQL()
	require.Contains(t, my, "ON DUPLICATE KEY UPDATE")
	require.NotContains(t, my, "RETURNING")
}

func TestCustomStateUpsertSyntaxDiffersByDialect(t *testing.T) {
	require.Contains(t, sqlbackend.Postgres{}.CustomStateUpsertSQL(), "ON CONFLICT")
	require.Contains(t, sqlbackend.MySQL{}.CustomStateUpsertSQL(), "ON DUPLICATE KEY UPDATE")
}
