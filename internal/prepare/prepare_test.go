package prepare

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulahq/tabula/internal/canonical"
)

func TestPrepareTablesAssignsLogicalIDs(t *testing.T) {
	p, err := PrepareTables([]Table{{
		Key: "primary",
		Rows: []canonical.Row{
			{"id": int64(1), "name": "a"},
			{"id": int64(2), "name": "b"},
		},
	}})
	require.NoError(t, err)

	require.Len(t, p.Manifest, 2)
	assert.Equal(t, "primary:0", p.Manifest[0].LogicalRowID)
	assert.Equal(t, "primary:1", p.Manifest[1].LogicalRowID)
	assert.Equal(t, 0, p.Manifest[0].Position)
	assert.Equal(t, 1, p.Manifest[1].Position)
	assert.Len(t, p.Rows, 2)
	assert.Equal(t, 2, p.TotalRowCount())
}

func TestPrepareTablesDeduplicatesIdenticalRows(t *testing.T) {
	row := canonical.Row{"id": int64(1), "name": "a"}
	p, err := PrepareTables([]Table{{
		Key:  "primary",
		Rows: []canonical.Row{row, row, {"id": int64(2)}},
	}})
	require.NoError(t, err)

	// Three logical rows, two stored rows.
	assert.Len(t, p.Manifest, 3)
	assert.Len(t, p.Rows, 2)
	assert.Equal(t, p.Manifest[0].RowHash, p.Manifest[1].RowHash)
}

func TestPrepareTablesDeduplicatesAcrossTables(t *testing.T) {
	row := canonical.Row{"id": int64(1)}
	p, err := PrepareTables([]Table{
		{Key: "left", Rows: []canonical.Row{row}},
		{Key: "right", Rows: []canonical.Row{row}},
	})
	require.NoError(t, err)

	assert.Len(t, p.Manifest, 2)
	assert.Len(t, p.Rows, 1)
	assert.ElementsMatch(t, []string{"left", "right"}, p.TableKeys())
}

func TestPrepareTablesRejectsEmptyKey(t *testing.T) {
	_, err := PrepareTables([]Table{{Key: ""}})
	assert.Error(t, err)
}

func TestDeriveSchemaTypes(t *testing.T) {
	p, err := PrepareTables([]Table{{
		Key: "primary",
		Rows: []canonical.Row{
			{"n": int64(1), "f": 1.5, "b": true, "s": "x", "t": time.Now(), "opt": nil},
			{"n": int64(2), "f": 2.0, "b": false, "s": "y", "t": time.Now(), "opt": "set"},
		},
	}})
	require.NoError(t, err)

	schema := p.Schema["primary"]
	assert.Equal(t, 2, schema.RowCount)

	byName := make(map[string]string)
	nullable := make(map[string]bool)
	for _, col := range schema.Columns {
		byName[col.Name] = col.Type
		nullable[col.Name] = col.Nullable
	}
	assert.Equal(t, "integer", byName["n"])
	assert.Equal(t, "number", byName["f"]) // integer/number mix widens
	assert.Equal(t, "boolean", byName["b"])
	assert.Equal(t, "string", byName["s"])
	assert.Equal(t, "datetime", byName["t"])
	assert.True(t, nullable["opt"])
	assert.False(t, nullable["n"])
}

func TestDeriveSchemaMixedKindsFallBackToString(t *testing.T) {
	p, err := PrepareTables([]Table{{
		Key: "primary",
		Rows: []canonical.Row{
			{"v": int64(1)},
			{"v": "oops"},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, "string", p.Schema["primary"].Columns[0].Type)
}

func TestProfileRows(t *testing.T) {
	stats := ProfileRows([]canonical.Row{
		{"score": int64(10), "tag": "a"},
		{"score": int64(30), "tag": "a"},
		{"score": nil, "tag": "b"},
	})

	require.Equal(t, 3, stats.RowCount)
	score := stats.Columns["score"]
	assert.Equal(t, "integer", score.Type)
	assert.Equal(t, 1, score.NullCount)
	assert.Equal(t, 2, score.DistinctCount)
	require.NotNil(t, score.Min)
	require.NotNil(t, score.Max)
	assert.Equal(t, 10.0, *score.Min)
	assert.Equal(t, 30.0, *score.Max)

	tag := stats.Columns["tag"]
	assert.Equal(t, 2, tag.DistinctCount)
	assert.Nil(t, tag.Min)
}

func TestBuildCommitDeterministic(t *testing.T) {
	rows := []canonical.Row{{"id": int64(1)}, {"id": int64(2)}}
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	p1, err := PrepareTables([]Table{{Key: "primary", Rows: rows}})
	require.NoError(t, err)
	p2, err := PrepareTables([]Table{{Key: "primary", Rows: rows}})
	require.NoError(t, err)

	c1, entries1 := BuildCommit("ds-1", nil, "import", "user-1", ts, p1)
	c2, entries2 := BuildCommit("ds-1", nil, "import", "user-1", ts, p2)

	assert.Equal(t, c1.CommitID, c2.CommitID)
	require.Len(t, entries1, 2)
	assert.Equal(t, c1.CommitID, entries1[0].CommitID)
	assert.Equal(t, entries1, entries2)

	// Any changed input yields a different id.
	c3, _ := BuildCommit("ds-1", nil, "other message", "user-1", ts, p1)
	assert.NotEqual(t, c1.CommitID, c3.CommitID)
	parent := c1.CommitID
	c4, _ := BuildCommit("ds-1", &parent, "import", "user-1", ts, p1)
	assert.NotEqual(t, c1.CommitID, c4.CommitID)
}
