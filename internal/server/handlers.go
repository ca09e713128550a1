package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tabulahq/tabula/internal/apperrors"
	"github.com/tabulahq/tabula/internal/models"
	"github.com/tabulahq/tabula/internal/service"
)

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var in service.CreateDatasetInput
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	ds, err := s.svc.CreateDataset(r.Context(), principal(r), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	page, err := s.svc.ListDatasets(r.Context(), principal(r), offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.svc.GetDataset(r.Context(), principal(r), chi.URLParam(r, "datasetID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ds)
}

func (s *Server) handleUpdateDataset(w http.ResponseWriter, r *http.Request) {
	var in service.UpdateDatasetInput
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	ds, err := s.svc.UpdateDataset(r.Context(), principal(r), chi.URLParam(r, "datasetID"), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ds)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteDataset(r.Context(), principal(r), chi.URLParam(r, "datasetID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

type grantRequest struct {
	UserID string                 `json:"user_id"`
	Level  models.PermissionLevel `json:"level"`
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var in grantRequest
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	if in.UserID == "" {
		s.respondError(w, r, apperrors.Validationf("user_id must not be empty"))
		return
	}
	err := s.svc.GrantPermission(r.Context(), principal(r), chi.URLParam(r, "datasetID"), in.UserID, in.Level)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	err := s.svc.RevokePermission(r.Context(), principal(r), chi.URLParam(r, "datasetID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.svc.ListPermissions(r.Context(), principal(r), chi.URLParam(r, "datasetID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"items": perms})
}

func (s *Server) handleCreateRef(w http.ResponseWriter, r *http.Request) {
	var in service.CreateRefInput
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	ref, err := s.svc.CreateRef(r.Context(), principal(r), chi.URLParam(r, "datasetID"), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, ref)
}

func (s *Server) handleListRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := s.svc.ListRefs(r.Context(), principal(r), chi.URLParam(r, "datasetID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"items": refs})
}

// handleDeleteRef reads the ref name from the wildcard tail so slashed names
// like "feature/x" resolve.
func (s *Server) handleDeleteRef(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		s.respondError(w, r, apperrors.Validationf("ref name must not be empty"))
		return
	}
	if err := s.svc.DeleteRef(r.Context(), principal(r), chi.URLParam(r, "datasetID"), name); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	refName := r.URL.Query().Get("ref")
	if refName == "" {
		refName = s.cfg.DefaultBranch
	}
	offset, limit := pageParams(r)
	page, err := s.svc.GetHistory(r.Context(), principal(r), chi.URLParam(r, "datasetID"), refName, offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	commit, err := s.svc.GetCommit(r.Context(), principal(r), chi.URLParam(r, "datasetID"), chi.URLParam(r, "commitID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, commit)
}

// handleCheckout resolves ?at= as a ref name, full commit id, or commit id
// prefix.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	commit, err := s.svc.Checkout(r.Context(), principal(r), chi.URLParam(r, "datasetID"), s.atParam(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, commit)
}

func (s *Server) handleCommitSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.svc.GetCommitSchema(r.Context(), principal(r), chi.URLParam(r, "datasetID"), s.atParam(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, schema)
}

func (s *Server) handleCommitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.GetCommitStats(r.Context(), principal(r), chi.URLParam(r, "datasetID"), s.atParam(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if stats == nil {
		stats = json.RawMessage("null")
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.ListTables(r.Context(), principal(r), chi.URLParam(r, "datasetID"), s.atParam(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"tables": keys})
}

func (s *Server) handleTableData(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	page, err := s.svc.GetTableData(r.Context(), principal(r), chi.URLParam(r, "datasetID"), s.atParam(r), chi.URLParam(r, "tableKey"), offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleTableSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.svc.GetTableSchema(r.Context(), principal(r), chi.URLParam(r, "datasetID"), s.atParam(r), chi.URLParam(r, "tableKey"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, schema)
}

// handleImport accepts a multipart upload, spools it through the staging
// ledger, and queues the import job against the target ref's current tip.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, r, apperrors.Internalf("file uploads are not configured"))
		return
	}
	userID := principal(r)
	if !s.uploadLimiter(userID).Allow() {
		s.respondError(w, r, apperrors.ResourceExhaustedf("upload rate limit exceeded"))
		return
	}

	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, apperrors.Validationf("multipart field %q is required: %v", "file", err))
		return
	}
	defer file.Close()

	staged, err := s.ledger.Stage(r.Context(), file, header.Filename)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	params := service.ImportParams{
		StagedFileID:  staged.ID,
		SourcePath:    staged.Path,
		Filename:      header.Filename,
		TargetRef:     r.FormValue("target_ref"),
		CommitMessage: r.FormValue("commit_message"),
	}
	job, err := s.svc.QueueImport(r.Context(), userID, chi.URLParam(r, "datasetID"), params)
	if err != nil {
		// The job never existed, so the spooled file is ours to reclaim.
		if rmErr := s.ledger.Remove(staged.ID); rmErr != nil {
			s.logger.Warn("staged file cleanup failed", "staged_file_id", staged.ID, "error", rmErr)
		}
		s.respondError(w, r, err)
		return
	}
	if err := s.ledger.AttachJob(staged.ID, job.ID); err != nil {
		s.logger.Warn("staged file job attach failed", "staged_file_id", staged.ID, "job_id", job.ID, "error", err)
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleSampling(w http.ResponseWriter, r *http.Request) {
	var in service.SamplingParams
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.svc.QueueSampling(r.Context(), principal(r), chi.URLParam(r, "datasetID"), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var in service.TransformParams
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.svc.QueueTransform(r.Context(), principal(r), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleExploration(w http.ResponseWriter, r *http.Request) {
	var in service.ExplorationParams
	if err := decodeBody(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	job, err := s.svc.QueueExploration(r.Context(), principal(r), chi.URLParam(r, "datasetID"), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), principal(r), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	page, err := s.svc.ListJobs(r.Context(), principal(r), chi.URLParam(r, "datasetID"), offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.CancelJob(r.Context(), principal(r), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}
