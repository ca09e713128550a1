package prepare

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/models"
)

const distinctTrackLimit = 1000

// ColumnStats is the profile of one column across a table.
type ColumnStats struct {
	Type          string   `json:"type"`
	NullCount     int      `json:"null_count"`
	DistinctCount int      `json:"distinct_count"`
	DistinctCap   bool     `json:"distinct_capped,omitempty"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
}

// TableStats profiles one table: row count plus per-column statistics.
type TableStats struct {
	RowCount int                    `json:"row_count"`
	Columns  map[string]ColumnStats `json:"columns"`
}

// MarshalStats renders per-table statistics as the opaque JSON blob stored
// alongside a commit's schema.
func MarshalStats(stats map[string]TableStats) (json.RawMessage, error) {
	return json.Marshal(stats)
}

type columnAccum struct {
	nulls    int
	kinds    map[string]int
	distinct map[string]struct{}
	capped   bool
	min      float64
	max      float64
	hasRange bool
}

// deriveSchema infers an advisory schema from observed values. Column order
// is first-seen order across the rows.
func deriveSchema(rows []canonical.Row) models.TableSchema {
	names, accums := accumulate(rows)
	schema := models.TableSchema{RowCount: len(rows)}
	for _, name := range names {
		acc := accums[name]
		schema.Columns = append(schema.Columns, models.Column{
			Name:     name,
			Type:     resolveType(acc.kinds),
			Nullable: acc.nulls > 0,
		})
	}
	return schema
}

// ProfileRows computes per-column statistics over a table's rows.
func ProfileRows(rows []canonical.Row) TableStats {
	names, accums := accumulate(rows)
	stats := TableStats{RowCount: len(rows), Columns: make(map[string]ColumnStats, len(names))}
	for _, name := range names {
		acc := accums[name]
		cs := ColumnStats{
			Type:          resolveType(acc.kinds),
			NullCount:     acc.nulls,
			DistinctCount: len(acc.distinct),
			DistinctCap:   acc.capped,
		}
		if acc.hasRange {
			lo, hi := acc.min, acc.max
			cs.Min, cs.Max = &lo, &hi
		}
		stats.Columns[name] = cs
	}
	return stats
}

func accumulate(rows []canonical.Row) ([]string, map[string]*columnAccum) {
	var names []string
	accums := make(map[string]*columnAccum)

	get := func(name string) *columnAccum {
		acc, ok := accums[name]
		if !ok {
			acc = &columnAccum{kinds: make(map[string]int), distinct: make(map[string]struct{})}
			accums[name] = acc
			names = append(names, name)
		}
		return acc
	}

	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc := get(k)
			v := row[k]
			if v == nil {
				acc.nulls++
				continue
			}
			kind, num, numeric, repr := observe(v)
			acc.kinds[kind]++
			if numeric && !math.IsNaN(num) && !math.IsInf(num, 0) {
				if !acc.hasRange {
					acc.min, acc.max, acc.hasRange = num, num, true
				} else {
					acc.min = math.Min(acc.min, num)
					acc.max = math.Max(acc.max, num)
				}
			}
			if len(acc.distinct) < distinctTrackLimit {
				acc.distinct[repr] = struct{}{}
			} else if _, seen := acc.distinct[repr]; !seen {
				acc.capped = true
			}
		}
	}
	return names, accums
}

// observe classifies one non-null value: its type name, numeric value when
// applicable, and a string representation used for distinct counting.
func observe(v interface{}) (kind string, num float64, numeric bool, repr string) {
	switch val := v.(type) {
	case bool:
		if val {
			return "boolean", 0, false, "true"
		}
		return "boolean", 0, false, "false"
	case int:
		return "integer", float64(val), true, itoaRepr(int64(val))
	case int64:
		return "integer", float64(val), true, itoaRepr(val)
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) && math.Abs(val) < 1e15 {
			return "integer", val, true, itoaRepr(int64(val))
		}
		return "number", val, true, floatRepr(val)
	case time.Time:
		return "datetime", 0, false, val.UTC().Format(time.RFC3339Nano)
	case string:
		return "string", 0, false, val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "string", 0, false, ""
		}
		return "string", 0, false, string(b)
	}
}

func itoaRepr(v int64) string { return strconv.FormatInt(v, 10) }

func floatRepr(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// resolveType collapses the observed kinds to one advisory type. Pure
// integer columns stay integer; an integer/number mix widens to number; any
// other mix (or an all-null column) falls back to string.
func resolveType(kinds map[string]int) string {
	if len(kinds) == 0 {
		return "string"
	}
	if len(kinds) == 1 {
		for k := range kinds {
			return k
		}
	}
	if len(kinds) == 2 && kinds["integer"] > 0 && kinds["number"] > 0 {
		return "number"
	}
	return "string"
}
