package canonical

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysCompact(t *testing.T) {
	cj, err := Canonicalize(Row{"name": "a", "id": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"name":"a"}`, cj)
}

func TestCanonicalizeNormalizesNonFinite(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
	}{
		{"NaN", Row{"v": math.NaN()}, `{"v":null}`},
		{"PosInf", Row{"v": math.Inf(1)}, `{"v":null}`},
		{"NegInf", Row{"v": math.Inf(-1)}, `{"v":null}`},
		{"nil", Row{"v": nil}, `{"v":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cj, err := Canonicalize(tt.row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cj)
		})
	}
}

func TestCanonicalizeNumbers(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
	}{
		{"int64", Row{"v": int64(42)}, `{"v":42}`},
		{"whole float folds to integer", Row{"v": float64(2)}, `{"v":2}`},
		{"fractional float", Row{"v": 2.5}, `{"v":2.5}`},
		{"uint64 overflow stringified", Row{"v": uint64(math.MaxUint64)}, `{"v":"18446744073709551615"}`},
		{"uint64 in range", Row{"v": uint64(7)}, `{"v":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cj, err := Canonicalize(tt.row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cj)
		})
	}
}

func TestCanonicalizeTimestampWithOffset(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	cj, err := Canonicalize(Row{"at": ts})
	require.NoError(t, err)
	assert.Equal(t, `{"at":"2024-03-01T10:30:00Z"}`, cj)
}

func TestCanonicalizeNoHTMLEscaping(t *testing.T) {
	cj, err := Canonicalize(Row{"v": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"v":"<a&b>"}`, cj)
}

func TestHashDeterminism(t *testing.T) {
	row := Row{"id": 1, "name": "a", "score": 3.25}
	first, err := HashRow(row)
	require.NoError(t, err)
	second, err := HashRow(Row{"score": 3.25, "name": "a", "id": 1})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Len(t, first.Hash, 64)
}

func TestHashEquivalentNumericTypes(t *testing.T) {
	a, err := HashRow(Row{"id": int64(5)})
	require.NoError(t, err)
	b, err := HashRow(Row{"id": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestCommitIDDeterministic(t *testing.T) {
	ts := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	manifest := []ManifestItem{
		{TableKey: "primary", LogicalRowID: "primary:1", RowHash: "bb"},
		{TableKey: "primary", LogicalRowID: "primary:0", RowHash: "aa"},
	}
	in := CommitInput{
		DatasetID: "ds1",
		Message:   "initial",
		AuthorID:  "u1",
		Timestamp: ts,
		Manifest:  manifest,
	}
	first := CommitID(in)

	// Same content, different manifest order.
	in.Manifest = []ManifestItem{manifest[1], manifest[0]}
	second := CommitID(in)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestCommitIDChangesWithParent(t *testing.T) {
	ts := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	base := CommitInput{DatasetID: "ds1", Message: "m", AuthorID: "u1", Timestamp: ts}
	root := CommitID(base)

	parent := "deadbeef"
	base.ParentCommitID = &parent
	child := CommitID(base)
	assert.NotEqual(t, root, child)
}
