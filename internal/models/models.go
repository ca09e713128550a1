package models

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/tabulahq/tabula/internal/apperrors"
)

// User is the minimal principal record; token issuance and identity live
// upstream, this row exists for foreign-key integrity and display names.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Dataset is a named container owning refs, commits and permissions.
type Dataset struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description" db:"description"`
	CreatedBy     string    `json:"created_by" db:"created_by"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
	Tags          []string  `json:"tags" db:"-"`
}

// PermissionLevel forms the hierarchy admin > write > read.
type PermissionLevel string

const (
	LevelRead  PermissionLevel = "read"
	LevelWrite PermissionLevel = "write"
	LevelAdmin PermissionLevel = "admin"
)

var levelRank = map[PermissionLevel]int{
	LevelRead:  1,
	LevelWrite: 2,
	LevelAdmin: 3,
}

// Valid reports whether l is a known level.
func (l PermissionLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Satisfies reports whether a stored level l grants the required level.
func (l PermissionLevel) Satisfies(required PermissionLevel) bool {
	return levelRank[l] >= levelRank[required]
}

// Permission grants a user a level on a dataset.
type Permission struct {
	DatasetID string          `json:"dataset_id" db:"dataset_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Level     PermissionLevel `json:"level" db:"level"`
}

// Commit is an immutable snapshot. CommitID is the SHA-256 content hash over
// dataset, parent, message, author, timestamp and the serialized manifest.
type Commit struct {
	CommitID       string    `json:"commit_id" db:"commit_id"`
	DatasetID      string    `json:"dataset_id" db:"dataset_id"`
	ParentCommitID *string   `json:"parent_commit_id" db:"parent_commit_id"`
	Message        string    `json:"message" db:"message"`
	AuthorID       string    `json:"author_id" db:"author_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ManifestEntry maps one logical row of one table to its content hash.
// LogicalRowID has the form "{table_key}:{zero-based-index}"; Position keeps
// the ingestion order so reads do not depend on string sorting of the id.
type ManifestEntry struct {
	CommitID     string `json:"commit_id" db:"commit_id"`
	TableKey     string `json:"table_key" db:"table_key"`
	LogicalRowID string `json:"logical_row_id" db:"logical_row_id"`
	RowHash      string `json:"row_hash" db:"row_hash"`
	Position     int    `json:"position" db:"position"`
}

// Column describes one observed column of a table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // integer, number, boolean, datetime, string
	Nullable bool   `json:"nullable"`
}

// TableSchema is the advisory schema derived for one table of a commit.
type TableSchema struct {
	Columns  []Column `json:"columns"`
	RowCount int      `json:"row_count"`
}

// CommitSchema maps table keys to their derived schemas.
type CommitSchema map[string]TableSchema

// Ref is a mutable named pointer to a commit, advanced only by CAS.
// CommitID is nil for a freshly created dataset whose initial commit has not
// been written yet.
type Ref struct {
	DatasetID string    `json:"dataset_id" db:"dataset_id"`
	Name      string    `json:"name" db:"name"`
	CommitID  *string   `json:"commit_id" db:"commit_id"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RunType enumerates the asynchronous job kinds.
type RunType string

const (
	RunTypeImport       RunType = "import"
	RunTypeSampling     RunType = "sampling"
	RunTypeSQLTransform RunType = "sql_transform"
	RunTypeExploration  RunType = "exploration"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeImport, RunTypeSampling, RunTypeSQLTransform, RunTypeExploration:
		return true
	}
	return false
}

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// CanTransitionTo enforces the lifecycle state machine:
// pending -> running -> {completed|failed}, {pending|running} -> cancelled.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is an enqueued asynchronous unit of work.
type Job struct {
	ID              string          `json:"job_id" db:"id"`
	RunType         RunType         `json:"run_type" db:"run_type"`
	Status          JobStatus       `json:"status" db:"status"`
	DatasetID       string          `json:"dataset_id" db:"dataset_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	SourceCommitID  *string         `json:"source_commit_id" db:"source_commit_id"`
	RunParameters   json.RawMessage `json:"run_parameters" db:"run_parameters"`
	OutputSummary   json.RawMessage `json:"output_summary" db:"output_summary"`
	ErrorMessage    *string         `json:"error_message" db:"error_message"`
	CancelRequested bool            `json:"cancel_requested" db:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at" db:"completed_at"`
}

var refNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-/]{0,99}$`)

// ValidateRefName enforces the branch naming rules: charset, length, no
// leading/trailing/duplicate slashes, not HEAD.
func ValidateRefName(name string) error {
	if name == "HEAD" {
		return apperrors.Validationf("ref name must not be HEAD")
	}
	if !refNamePattern.MatchString(name) {
		return apperrors.Validationf("ref name %q must match ^[A-Za-z0-9][A-Za-z0-9_\\-/]{0,99}$", name)
	}
	if strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return apperrors.Validationf("ref name %q must not contain trailing or duplicate slashes", name)
	}
	return nil
}

// ValidateCommitMessage enforces the 1..1000 character rule.
func ValidateCommitMessage(message string) error {
	if len(message) == 0 || len(message) > 1000 {
		return apperrors.Validationf("commit message must be 1..1000 characters")
	}
	return nil
}

const (
	maxTags   = 20
	maxTagLen = 50
)

// ValidateTags enforces the tag set limits.
func ValidateTags(tags []string) error {
	if len(tags) > maxTags {
		return apperrors.Validationf("at most %d tags allowed", maxTags)
	}
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag == "" || len(tag) > maxTagLen {
			return apperrors.Validationf("tags must be 1..%d characters", maxTagLen)
		}
		if _, dup := seen[tag]; dup {
			return apperrors.Validationf("duplicate tag %q", tag)
		}
		seen[tag] = struct{}{}
	}
	return nil
}
