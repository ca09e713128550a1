// Package staging holds uploaded files on local disk between the upload
// request and the worker that consumes them. A bbolt ledger records every
// staged file so files orphaned by a crash can be swept at startup.
package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/tabulahq/tabula/internal/apperrors"
)

const copyChunkSize = 1 << 20 // 1 MiB

var bucketStaged = []byte("staged")

// StagedFile is one upload spooled to disk.
type StagedFile struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	JobID    string    `json:"job_id,omitempty"`
	StagedAt time.Time `json:"staged_at"`
}

// Ledger stages uploads under dir and tracks them in a bbolt database.
type Ledger struct {
	db       *bolt.DB
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// Open opens (or creates) the ledger database and the staging directory.
func Open(ledgerPath, dir string, maxBytes int64) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := bolt.Open(ledgerPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open staging ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStaged)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init staging ledger: %w", err)
	}
	return &Ledger{
		db:       db,
		dir:      dir,
		maxBytes: maxBytes,
		logger:   slog.Default().With("component", "staging"),
	}, nil
}

// Close closes the ledger database. Staged files stay on disk for the next
// process to sweep or consume.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Stage copies the reader to a temp file in bounded chunks, enforcing the
// configured size limit, and records the file in the ledger.
func (l *Ledger) Stage(ctx context.Context, r io.Reader, filename string) (*StagedFile, error) {
	id := uuid.New().String()
	path := filepath.Join(l.dir, id+filepath.Ext(filename))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}

	size, err := l.copyBounded(ctx, f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	staged := &StagedFile{
		ID:       id,
		Path:     path,
		Filename: filename,
		Size:     size,
		StagedAt: time.Now().UTC(),
	}
	if err := l.put(staged); err != nil {
		os.Remove(path)
		return nil, err
	}
	l.logger.Debug("file staged", "id", id, "filename", filename, "size", size)
	return staged, nil
}

func (l *Ledger) copyBounded(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if l.maxBytes > 0 && total > l.maxBytes {
				return total, apperrors.ResourceExhaustedf("upload exceeds limit of %d bytes", l.maxBytes)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write staged file: %w", err)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read upload: %w", readErr)
		}
	}
}

// AttachJob marks a staged file as owned by a queued job.
func (l *Ledger) AttachJob(id, jobID string) error {
	staged, err := l.Get(id)
	if err != nil {
		return err
	}
	staged.JobID = jobID
	return l.put(staged)
}

func (l *Ledger) put(staged *StagedFile) error {
	raw, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("encode staged file: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStaged).Put([]byte(staged.ID), raw)
	})
}

// Get returns the ledger record for a staged file.
func (l *Ledger) Get(id string) (*StagedFile, error) {
	var staged *StagedFile
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketStaged).Get([]byte(id))
		if raw == nil {
			return apperrors.NotFound("staged file", id)
		}
		staged = &StagedFile{}
		return json.Unmarshal(raw, staged)
	})
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// Remove deletes the staged file and its ledger record. Removing an already
// removed file is not an error.
func (l *Ledger) Remove(id string) error {
	staged, err := l.Get(id)
	if apperrors.IsKind(err, apperrors.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(staged.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStaged).Delete([]byte(id))
	})
}

// SweepOrphans removes staged files older than maxAge, plus any file in the
// staging directory the ledger does not know about. Run at startup before
// workers begin.
func (l *Ledger) SweepOrphans(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0

	var stale []string
	known := make(map[string]struct{})
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStaged).ForEach(func(k, v []byte) error {
			var staged StagedFile
			if err := json.Unmarshal(v, &staged); err != nil {
				stale = append(stale, string(k))
				return nil
			}
			known[filepath.Base(staged.Path)] = struct{}{}
			if staged.StagedAt.Before(cutoff) {
				stale = append(stale, staged.ID)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan staging ledger: %w", err)
	}
	for _, id := range stale {
		if err := l.Remove(id); err != nil {
			return removed, err
		}
		removed++
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return removed, fmt.Errorf("read staging dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := known[entry.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove orphan file: %w", err)
		}
		removed++
	}

	if removed > 0 {
		l.logger.Info("swept staging orphans", "removed", removed)
	}
	return removed, nil
}
