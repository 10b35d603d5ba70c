package option

import (
	"testing"

	"adgate/pkg/db/pagination"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/utils/tests"
)

type row struct {
	ID       string
	Sequence int64
}

func dryRun(t *testing.T, opts ...QueryOption) *gorm.Statement {
	t.Helper()

	db, err := gorm.Open(tests.DummyDialector{}, &gorm.Config{DryRun: true})
	require.NoError(t, err)

	q := db.Model(&row{})
	for _, opt := range opts {
		q = opt(q)
	}
	var out []row
	return q.Find(&out).Statement
}

func sqlOf(t *testing.T, opts ...QueryOption) string {
	t.Helper()
	return dryRun(t, opts...).SQL.String()
}

func TestWithLockingUpdate(t *testing.T) {
	require.Contains(t, sqlOf(t, WithLockingUpdate()), "FOR UPDATE")
	require.NotContains(t, sqlOf(t), "FOR UPDATE")
}

func TestWithLimit(t *testing.T) {
	stmt := dryRun(t, WithLimit(5))
	require.Contains(t, stmt.SQL.String(), "LIMIT ?")
	require.Equal(t, []any{5}, stmt.Vars)
	require.NotContains(t, sqlOf(t, WithLimit(0)), "LIMIT")
}

func TestWithSortByIgnoresUnknownColumns(t *testing.T) {
	allow := map[string]bool{"sequence": true}
	require.Contains(t, sqlOf(t, WithSortBy(QuerySortBy{SortBy: "sequence", OrderBy: "desc", Allow: allow})), "ORDER BY `sequence` DESC")
	require.NotContains(t, sqlOf(t, WithSortBy(QuerySortBy{SortBy: "id; drop", Allow: allow})), "ORDER BY")
}

func TestApplyPaginationSeeksPastCursor(t *testing.T) {
	cursor, err := pagination.EncodeCursor(pagination.Cursor{After: 7})
	require.NoError(t, err)

	stmt := dryRun(t, ApplyPagination(pagination.Pagination{Limit: 2, Cursor: cursor}, "sequence"))
	require.Contains(t, stmt.SQL.String(), "sequence > ?")
	require.Equal(t, []any{int64(7), 3}, stmt.Vars)
}
