package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
)

func ordersSource() Source {
	return Source{
		Alias:   "orders",
		Columns: []string{"id", "customer", "total"},
		Rows: []canonical.Row{
			{"id": int64(1), "customer": "a", "total": 9.5},
			{"id": int64(2), "customer": "b", "total": 3.0},
			{"id": int64(3), "customer": "a", "total": 1.5},
		},
	}
}

func TestExecuteSelect(t *testing.T) {
	result, err := Execute(context.Background(), []Source{ordersSource()},
		`SELECT customer, SUM(total) AS spend FROM orders GROUP BY customer ORDER BY customer`)
	require.NoError(t, err)

	assert.Equal(t, []string{"customer", "spend"}, result.Columns)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "a", result.Rows[0]["customer"])
	assert.Equal(t, 11.0, result.Rows[0]["spend"])
	assert.Equal(t, "b", result.Rows[1]["customer"])
}

func TestExecuteJoinAcrossSources(t *testing.T) {
	customers := Source{
		Alias:   "customers",
		Columns: []string{"name", "region"},
		Rows: []canonical.Row{
			{"name": "a", "region": "east"},
			{"name": "b", "region": "west"},
		},
	}
	result, err := Execute(context.Background(), []Source{ordersSource(), customers},
		`SELECT o.id, c.region FROM orders o JOIN customers c ON c.name = o.customer ORDER BY o.id`)
	require.NoError(t, err)

	require.Len(t, result.Rows, 3)
	assert.Equal(t, int64(1), result.Rows[0]["id"])
	assert.Equal(t, "east", result.Rows[0]["region"])
	assert.Equal(t, "west", result.Rows[1]["region"])
}

func TestExecuteRejectsWrites(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"insert", `INSERT INTO orders (id) VALUES (99)`},
		{"update", `UPDATE orders SET total = 0`},
		{"delete", `DELETE FROM orders`},
		{"ddl", `DROP TABLE orders`},
		{"create", `CREATE TABLE sneaky (x)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Execute(context.Background(), []Source{ordersSource()}, tt.sql)
			assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "got %v", err)
		})
	}
}

func TestExecuteRejectsMultipleStatements(t *testing.T) {
	_, err := Execute(context.Background(), []Source{ordersSource()},
		`SELECT 1; SELECT * FROM orders`)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestExecuteAllowsTrailingSemicolon(t *testing.T) {
	result, err := Execute(context.Background(), []Source{ordersSource()},
		`SELECT id FROM orders ORDER BY id;  `)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 3)
}

func TestExecuteSemicolonInsideLiteral(t *testing.T) {
	result, err := Execute(context.Background(), []Source{ordersSource()},
		`SELECT id FROM orders WHERE customer != 'x;y' ORDER BY id`)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 3)
}

func TestExecuteEmptySQL(t *testing.T) {
	_, err := Execute(context.Background(), []Source{ordersSource()}, "   ")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestExecuteInvalidAlias(t *testing.T) {
	src := ordersSource()
	src.Alias = "bad-alias;drop"
	_, err := Execute(context.Background(), []Source{src}, `SELECT 1`)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestExecuteBadQueryReportsValidation(t *testing.T) {
	_, err := Execute(context.Background(), []Source{ordersSource()},
		`SELECT nope FROM missing_table`)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestExecuteNullsSurviveRoundTrip(t *testing.T) {
	src := Source{
		Alias:   "t",
		Columns: []string{"id", "opt"},
		Rows: []canonical.Row{
			{"id": int64(1), "opt": nil},
			{"id": int64(2), "opt": "set"},
		},
	}
	result, err := Execute(context.Background(), []Source{src}, `SELECT id, opt FROM t ORDER BY id`)
	require.NoError(t, err)
	assert.Nil(t, result.Rows[0]["opt"])
	assert.Equal(t, "set", result.Rows[1]["opt"])
}
