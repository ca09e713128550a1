// Package sampling selects rows from a materialized source table using
// random, stratified, systematic or cluster methods. Rounds compose without
// replacement: each round draws only from rows no earlier round selected.
package sampling

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/canonical"
)

// Method names accepted in a round spec.
const (
	MethodRandom     = "random"
	MethodStratified = "stratified"
	MethodSystematic = "systematic"
	MethodCluster    = "cluster"
)

// Filter keeps only rows whose column equals the given value. Filters on a
// round narrow its candidate pool; rows excluded by a filter stay available
// to later rounds.
type Filter struct {
	Column string      `json:"column"`
	Value  interface{} `json:"value"`
}

// RoundSpec describes one sampling round.
type RoundSpec struct {
	Method            string   `json:"method"`
	SampleSize        *int     `json:"sample_size,omitempty"`
	StrataColumns     []string `json:"strata_columns,omitempty"`
	SamplesPerStratum *int     `json:"samples_per_stratum,omitempty"`
	Interval          *int     `json:"interval,omitempty"`
	Start             *int     `json:"start,omitempty"`
	ClusterColumn     *string  `json:"cluster_column,omitempty"`
	NumClusters       *int     `json:"num_clusters,omitempty"`
	RandomSeed        *int64   `json:"random_seed,omitempty"`
	Filters           []Filter `json:"filters,omitempty"`
	Selection         []string `json:"selection,omitempty"`
}

// RoundDetail reports what one round selected.
type RoundDetail struct {
	Round    int    `json:"round"`
	Method   string `json:"method"`
	Selected int    `json:"selected"`

	// StratumCounts is populated for stratified rounds only.
	StratumCounts map[string]int `json:"stratum_counts,omitempty"`
}

// Summary is the opaque result attached to a completed sampling job.
type Summary struct {
	RoundDetails  []RoundDetail `json:"round_details"`
	TotalSamples  int           `json:"total_samples"`
	ResidualCount int           `json:"residual_count"`
}

// Result maps the selection back onto source row indexes, both in original
// source order. RoundIndexes holds each round's own picks so per-round
// column selections can be applied downstream.
type Result struct {
	SelectedIndexes []int
	ResidualIndexes []int
	RoundIndexes    [][]int
	Details         []RoundDetail
}

// Summary renders the result for a job's output summary.
func (r *Result) Summary() Summary {
	return Summary{
		RoundDetails:  r.Details,
		TotalSamples:  len(r.SelectedIndexes),
		ResidualCount: len(r.ResidualIndexes),
	}
}

// Run applies the rounds in order over the source rows. Selection across
// rounds is without replacement; the residual is everything no round chose.
// A round that selects zero rows fails the run.
func Run(rows []canonical.Row, rounds []RoundSpec) (*Result, error) {
	if len(rounds) == 0 {
		return nil, apperrors.Validationf("sampling requires at least one round")
	}

	selected := make(map[int]struct{})
	result := &Result{}

	for i, round := range rounds {
		remaining := remainingIndexes(len(rows), selected)
		candidates, err := applyFilters(rows, remaining, round.Filters)
		if err != nil {
			return nil, err
		}

		picked, strata, err := runRound(rows, candidates, round)
		if err != nil {
			return nil, fmt.Errorf("sampling round %d: %w", i+1, err)
		}
		if len(picked) == 0 {
			return nil, apperrors.Validationf("sampling round %d selected no rows", i+1)
		}
		for _, idx := range picked {
			selected[idx] = struct{}{}
		}
		result.RoundIndexes = append(result.RoundIndexes, picked)
		result.Details = append(result.Details, RoundDetail{
			Round:         i + 1,
			Method:        round.Method,
			Selected:      len(picked),
			StratumCounts: strata,
		})
	}

	for i := range rows {
		if _, ok := selected[i]; ok {
			result.SelectedIndexes = append(result.SelectedIndexes, i)
		} else {
			result.ResidualIndexes = append(result.ResidualIndexes, i)
		}
	}
	return result, nil
}

// ApplySelection projects a row onto the requested columns. An empty
// selection returns the row unchanged.
func ApplySelection(row canonical.Row, selection []string) canonical.Row {
	if len(selection) == 0 {
		return row
	}
	out := make(canonical.Row, len(selection))
	for _, col := range selection {
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	return out
}

func runRound(rows []canonical.Row, candidates []int, round RoundSpec) ([]int, map[string]int, error) {
	rng := newRNG(round.RandomSeed)
	switch round.Method {
	case MethodRandom:
		picked, err := sampleRandom(candidates, round, rng)
		return picked, nil, err
	case MethodStratified:
		return sampleStratified(rows, candidates, round, rng)
	case MethodSystematic:
		picked, err := sampleSystematic(candidates, round)
		return picked, nil, err
	case MethodCluster:
		picked, err := sampleCluster(rows, candidates, round, rng)
		return picked, nil, err
	default:
		return nil, nil, apperrors.Validationf("unknown sampling method %q", round.Method)
	}
}

func sampleRandom(candidates []int, round RoundSpec, rng *rand.Rand) ([]int, error) {
	if round.SampleSize == nil || *round.SampleSize <= 0 {
		return nil, apperrors.Validationf("random sampling requires a positive sample_size")
	}
	return drawUniform(candidates, *round.SampleSize, rng), nil
}

func sampleStratified(rows []canonical.Row, candidates []int, round RoundSpec, rng *rand.Rand) ([]int, map[string]int, error) {
	if len(round.StrataColumns) == 0 {
		return nil, nil, apperrors.Validationf("stratified sampling requires strata_columns")
	}
	hasSize := round.SampleSize != nil
	hasPer := round.SamplesPerStratum != nil
	if hasSize == hasPer {
		return nil, nil, apperrors.Validationf("stratified sampling requires exactly one of sample_size and samples_per_stratum")
	}

	// Strata keyed by the canonical form of the strata tuple; iteration
	// order is first appearance in the candidate stream.
	var order []string
	byStratum := make(map[string][]int)
	for _, idx := range candidates {
		key, err := stratumKey(rows[idx], round.StrataColumns)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := byStratum[key]; !ok {
			order = append(order, key)
		}
		byStratum[key] = append(byStratum[key], idx)
	}
	if len(order) == 0 {
		return nil, nil, nil
	}

	quotas := make(map[string]int, len(order))
	if hasPer {
		if *round.SamplesPerStratum <= 0 {
			return nil, nil, apperrors.Validationf("samples_per_stratum must be positive")
		}
		for _, key := range order {
			quotas[key] = *round.SamplesPerStratum
		}
	} else {
		if *round.SampleSize <= 0 {
			return nil, nil, apperrors.Validationf("sample_size must be positive")
		}
		allocateProportional(quotas, order, byStratum, *round.SampleSize, len(candidates))
	}

	var picked []int
	counts := make(map[string]int, len(order))
	for _, key := range order {
		chosen := drawUniform(byStratum[key], quotas[key], rng)
		counts[key] = len(chosen)
		picked = append(picked, chosen...)
	}
	sort.Ints(picked)
	return picked, counts, nil
}

func sampleSystematic(candidates []int, round RoundSpec) ([]int, error) {
	if round.Interval == nil || *round.Interval <= 0 {
		return nil, apperrors.Validationf("systematic sampling requires a positive interval")
	}
	start := 0
	if round.Start != nil {
		start = *round.Start
	}
	if start < 0 {
		return nil, apperrors.Validationf("systematic sampling start must not be negative")
	}
	var picked []int
	for i := start; i < len(candidates); i += *round.Interval {
		picked = append(picked, candidates[i])
	}
	return picked, nil
}

func sampleCluster(rows []canonical.Row, candidates []int, round RoundSpec, rng *rand.Rand) ([]int, error) {
	if round.ClusterColumn == nil || *round.ClusterColumn == "" {
		return nil, apperrors.Validationf("cluster sampling requires cluster_column")
	}
	if round.NumClusters == nil || *round.NumClusters <= 0 {
		return nil, apperrors.Validationf("cluster sampling requires a positive num_clusters")
	}

	var order []string
	byCluster := make(map[string][]int)
	for _, idx := range candidates {
		key, err := stratumKey(rows[idx], []string{*round.ClusterColumn})
		if err != nil {
			return nil, err
		}
		if _, ok := byCluster[key]; !ok {
			order = append(order, key)
		}
		byCluster[key] = append(byCluster[key], idx)
	}

	chosen := order
	if *round.NumClusters < len(order) {
		perm := rng.Perm(len(order))[:*round.NumClusters]
		sort.Ints(perm)
		chosen = make([]string, 0, *round.NumClusters)
		for _, p := range perm {
			chosen = append(chosen, order[p])
		}
	}

	var picked []int
	for _, key := range chosen {
		picked = append(picked, byCluster[key]...)
	}
	sort.Ints(picked)
	return picked, nil
}

// drawUniform picks size candidates without replacement, returning them in
// source order. Asking for more than available takes everything.
func drawUniform(candidates []int, size int, rng *rand.Rand) []int {
	if size >= len(candidates) {
		out := make([]int, len(candidates))
		copy(out, candidates)
		return out
	}
	perm := rng.Perm(len(candidates))[:size]
	sort.Ints(perm)
	out := make([]int, 0, size)
	for _, p := range perm {
		out = append(out, candidates[p])
	}
	return out
}

// allocateProportional splits total across strata by size, distributing
// rounding remainders to the largest fractional parts in stratum order.
func allocateProportional(quotas map[string]int, order []string, byStratum map[string][]int, total, candidateCount int) {
	if total > candidateCount {
		total = candidateCount
	}
	type frac struct {
		key  string
		part float64
	}
	assigned := 0
	fracs := make([]frac, 0, len(order))
	for _, key := range order {
		exact := float64(total) * float64(len(byStratum[key])) / float64(candidateCount)
		base := int(exact)
		quotas[key] = base
		assigned += base
		fracs = append(fracs, frac{key: key, part: exact - float64(base)})
	}
	sort.SliceStable(fracs, func(i, j int) bool { return fracs[i].part > fracs[j].part })
	for i := 0; assigned < total && i < len(fracs); i++ {
		quotas[fracs[i].key]++
		assigned++
	}
}

func remainingIndexes(n int, selected map[int]struct{}) []int {
	out := make([]int, 0, n-len(selected))
	for i := 0; i < n; i++ {
		if _, ok := selected[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

func applyFilters(rows []canonical.Row, candidates []int, filters []Filter) ([]int, error) {
	if len(filters) == 0 {
		return candidates, nil
	}
	for _, f := range filters {
		if f.Column == "" {
			return nil, apperrors.Validationf("filter column must not be empty")
		}
	}
	var out []int
	for _, idx := range candidates {
		match := true
		for _, f := range filters {
			got, err := valueKey(rows[idx][f.Column])
			if err != nil {
				return nil, err
			}
			want, err := valueKey(f.Value)
			if err != nil {
				return nil, err
			}
			if got != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, idx)
		}
	}
	return out, nil
}

// stratumKey builds a stable identity for the tuple of stratum column
// values, reusing row canonicalization so 2 and 2.0 land in one stratum.
func stratumKey(row canonical.Row, columns []string) (string, error) {
	tuple := make(canonical.Row, len(columns))
	for _, col := range columns {
		tuple[col] = row[col]
	}
	key, err := canonical.Canonicalize(tuple)
	if err != nil {
		return "", apperrors.Validationf("stratum value not comparable: %v", err)
	}
	return key, nil
}

func valueKey(v interface{}) (string, error) {
	return canonical.Canonicalize(canonical.Row{"v": v})
}

func newRNG(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
