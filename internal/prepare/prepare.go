// Package prepare turns parsed tables into the ingredients of a commit:
// hashed rows, a manifest, a derived schema and per-table profiles. The
// output is deterministic: repeated runs over the same input produce
// byte-identical commits.
package prepare

import (
	"fmt"
	"time"

	"github.com/tabulahq/tabula/internal/canonical"
	"github.com/tabulahq/tabula/internal/models"
)

// Table is one ordered logical table to be committed.
type Table struct {
	Key  string
	Rows []canonical.Row
}

// Prepared holds everything the storage layer needs to write a commit.
// Manifest entries carry an empty CommitID until BuildCommit assigns it.
type Prepared struct {
	Rows     []canonical.HashedRow
	Manifest []models.ManifestEntry
	Schema   models.CommitSchema
	Stats    map[string]TableStats
}

// TotalRowCount sums manifest entries across tables.
func (p *Prepared) TotalRowCount() int {
	return len(p.Manifest)
}

// TableKeys returns the prepared table keys in input order.
func (p *Prepared) TableKeys() []string {
	var keys []string
	seen := make(map[string]struct{})
	for _, e := range p.Manifest {
		if _, ok := seen[e.TableKey]; !ok {
			seen[e.TableKey] = struct{}{}
			keys = append(keys, e.TableKey)
		}
	}
	// Tables that are empty appear only in the schema.
	for key := range p.Schema {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

// PrepareTables canonicalizes every row, assigns logical ids
// "{table_key}:{index}" in iteration order, and derives schemas and
// profiles. Duplicate rows map to one stored row but keep distinct logical
// ids.
func PrepareTables(tables []Table) (*Prepared, error) {
	p := &Prepared{
		Schema: make(models.CommitSchema, len(tables)),
		Stats:  make(map[string]TableStats, len(tables)),
	}
	seenHashes := make(map[string]struct{})

	// Position is a single running index across tables so table order at
	// read time follows ingestion order, not key sorting.
	pos := 0
	for _, table := range tables {
		if table.Key == "" {
			return nil, fmt.Errorf("prepare: empty table key")
		}
		for i, row := range table.Rows {
			hashed, err := canonical.HashRow(row)
			if err != nil {
				return nil, fmt.Errorf("prepare table %q row %d: %w", table.Key, i, err)
			}
			if _, dup := seenHashes[hashed.Hash]; !dup {
				seenHashes[hashed.Hash] = struct{}{}
				p.Rows = append(p.Rows, hashed)
			}
			p.Manifest = append(p.Manifest, models.ManifestEntry{
				TableKey:     table.Key,
				LogicalRowID: fmt.Sprintf("%s:%d", table.Key, i),
				RowHash:      hashed.Hash,
				Position:     pos,
			})
			pos++
		}
		p.Schema[table.Key] = deriveSchema(table.Rows)
		p.Stats[table.Key] = ProfileRows(table.Rows)
	}
	return p, nil
}

// BuildCommit computes the content-hash commit id for the prepared data and
// stamps it onto the manifest entries.
func BuildCommit(datasetID string, parent *string, message, authorID string, timestamp time.Time, p *Prepared) (*models.Commit, []models.ManifestEntry) {
	items := make([]canonical.ManifestItem, len(p.Manifest))
	for i, e := range p.Manifest {
		items[i] = canonical.ManifestItem{
			TableKey:     e.TableKey,
			LogicalRowID: e.LogicalRowID,
			RowHash:      e.RowHash,
		}
	}
	commitID := canonical.CommitID(canonical.CommitInput{
		DatasetID:      datasetID,
		ParentCommitID: parent,
		Message:        message,
		AuthorID:       authorID,
		Timestamp:      timestamp,
		Manifest:       items,
	})

	commit := &models.Commit{
		CommitID:       commitID,
		DatasetID:      datasetID,
		ParentCommitID: parent,
		Message:        message,
		AuthorID:       authorID,
		CreatedAt:      timestamp,
	}
	entries := make([]models.ManifestEntry, len(p.Manifest))
	for i, e := range p.Manifest {
		e.CommitID = commitID
		entries[i] = e
	}
	return commit, entries
}
