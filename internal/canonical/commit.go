package canonical

import (
	"sort"
	"time"
)

// ManifestItem is one manifest triple as seen by the commit hasher.
type ManifestItem struct {
	TableKey     string
	LogicalRowID string
	RowHash      string
}

// CommitInput is everything that determines a commit id. Equal inputs
// produce equal ids across runs and processes.
type CommitInput struct {
	DatasetID      string
	ParentCommitID *string
	Message        string
	AuthorID       string
	Timestamp      time.Time
	Manifest       []ManifestItem
}

// CommitID computes the SHA-256 content hash of a commit. The manifest is
// serialized with tables sorted by key and entries sorted by logical row id,
// independent of input order.
func CommitID(in CommitInput) string {
	byTable := make(map[string]interface{})
	grouped := make(map[string][]ManifestItem)
	for _, item := range in.Manifest {
		grouped[item.TableKey] = append(grouped[item.TableKey], item)
	}
	for key, items := range grouped {
		sort.Slice(items, func(i, j int) bool {
			return items[i].LogicalRowID < items[j].LogicalRowID
		})
		entries := make([]interface{}, len(items))
		for i, item := range items {
			entries[i] = []interface{}{item.LogicalRowID, item.RowHash}
		}
		byTable[key] = entries
	}

	var parent interface{}
	if in.ParentCommitID != nil {
		parent = *in.ParentCommitID
	}
	payload := map[string]interface{}{
		"dataset_id":       in.DatasetID,
		"parent_commit_id": parent,
		"message":          in.Message,
		"author_id":        in.AuthorID,
		"timestamp":        in.Timestamp.UTC().Format(time.RFC3339Nano),
		"manifest":         byTable,
	}
	cj, err := Canonicalize(payload)
	if err != nil {
		// The payload is built from strings and slices only; a failure here
		// is a programming error.
		panic(err)
	}
	return Hash(cj)
}
