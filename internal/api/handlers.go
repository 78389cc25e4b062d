package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"protoeval/internal/jobstore"
	"protoeval/internal/registry"
)

// maxUploadBytes bounds the whole multipart submission.
const maxUploadBytes = 32 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleSubmit handles POST /protocols. The multipart form carries the
// protocol file, optional labware and csv files, the version selection
// ("version" token or "api_version"), and optional "rtp" runtime parameters.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	token, err := s.resolveVersionField(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	protocol, err := readFormFile(r, "protocol")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if protocol == nil {
		s.writeError(w, http.StatusBadRequest, "missing required file field \"protocol\"")
		return
	}

	req := jobstore.SubmitRequest{
		VersionToken: token,
		Protocol:     *protocol,
	}

	for _, fh := range r.MultipartForm.File["labware"] {
		file, err := readFileHeader(fh)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Labware = append(req.Labware, *file)
	}

	csv, err := readFormFile(r, "csv")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.CSV = csv

	if rtp := r.FormValue("rtp"); rtp != "" {
		if !json.Valid([]byte(rtp)) {
			s.writeError(w, http.StatusBadRequest, "field \"rtp\" must be valid JSON")
			return
		}
		req.Params = json.RawMessage(rtp)
	}

	jobID, err := s.store.Submit(r.Context(), req)
	if err != nil {
		s.logger.Error("job submission failed", "error", err)
		s.writeError(w, http.StatusBadRequest, "submission rejected: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, SubmitResponse{
		JobID:        jobID,
		Status:       string(jobstore.StatusQueued),
		VersionToken: token,
	})
}

// resolveVersionField picks the version token from the "version" field, or
// maps "api_version" through the published table. Exactly one must be given.
func (s *Server) resolveVersionField(r *http.Request) (string, error) {
	version := r.FormValue("version")
	apiVersion := r.FormValue("api_version")

	switch {
	case version != "" && apiVersion != "":
		return "", fmt.Errorf("provide either \"version\" or \"api_version\", not both")
	case version == "" && apiVersion == "":
		return "", fmt.Errorf("missing version selection: provide \"version\" or \"api_version\"")
	case apiVersion != "":
		token, ok := registry.StackForAPIVersion(apiVersion)
		if !ok {
			return "", fmt.Errorf("unsupported api_version %q", apiVersion)
		}
		return token, nil
	}

	// Validate the token up front so a bad submission fails at the door
	// instead of at claim time.
	if _, err := s.registry.Resolve(version); err != nil {
		return "", err
	}
	return version, nil
}

func readFormFile(r *http.Request, field string) (*jobstore.NamedFile, error) {
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, nil
	}
	if len(headers) > 1 {
		return nil, fmt.Errorf("field %q accepts a single file", field)
	}
	return readFileHeader(headers[0])
}

func readFileHeader(fh *multipart.FileHeader) (*jobstore.NamedFile, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file %q: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read uploaded file %q: %w", fh.Filename, err)
	}
	return &jobstore.NamedFile{Name: fh.Filename, Data: data}, nil
}

// handleStatus handles GET /protocols/{jobID}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Load(r.Context(), jobID)
	if err != nil {
		var nf *jobstore.NotFoundError
		if errors.As(err, &nf) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		VersionToken: job.VersionToken,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		Error:        job.Error,
	})
}

// handleResult handles GET /protocols/{jobID}/result. The result exists only
// once the job completed; anything earlier is a 404 pointing at the status
// endpoint.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Load(r.Context(), jobID)
	if err != nil {
		var nf *jobstore.NotFoundError
		if errors.As(err, &nf) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if job.Status != jobstore.StatusCompleted {
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("no result: job is %s (see /protocols/%s/status)", job.Status, job.ID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(job.Result)
}

// handleSimulation handles GET /protocols/{jobID}/simulation. The record
// exists only for completed jobs whose processor recorded a simulation
// outcome (success, skipped or error alike).
func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Load(r.Context(), jobID)
	if err != nil {
		var nf *jobstore.NotFoundError
		if errors.As(err, &nf) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if job.Status != jobstore.StatusCompleted || len(job.Simulation) == 0 {
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("no simulation record: job is %s (see /protocols/%s/status)", job.Status, job.ID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(job.Simulation)
}

// handleVersions handles GET /versions.
func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, VersionsResponse{
		Versions:      s.registry.Tokens(),
		APIVersionMap: registry.APIVersionMap(),
	})
}
