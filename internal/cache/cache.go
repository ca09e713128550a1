// Package cache provides an optional read-through cache for derived commit
// schemas. Schemas are immutable once written, so cached entries never go
// stale; the TTL only bounds memory in the cache backend.
package cache

import (
	"context"

	"github.com/tabulahq/tabula/internal/models"
)

// SchemaCache caches commit schemas by commit id. A miss returns found ==
// false, never an error.
type SchemaCache interface {
	GetSchema(ctx context.Context, commitID string) (models.CommitSchema, bool, error)
	SetSchema(ctx context.Context, commitID string, schema models.CommitSchema) error
	Close() error
}

// Noop satisfies SchemaCache when no cache backend is configured.
type Noop struct{}

func (Noop) GetSchema(context.Context, string) (models.CommitSchema, bool, error) {
	return nil, false, nil
}

func (Noop) SetSchema(context.Context, string, models.CommitSchema) error { return nil }

func (Noop) Close() error { return nil }
