package jobstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"protoeval/internal/log"
)

const (
	metadataFile   = "metadata.json"
	statusFile     = "status.json"
	resultFile     = "result.json"
	simulationFile = "simulation.json"
	labwareDir     = "labware"

	// transitionLock serializes compare-and-set transitions on one job.
	// O_EXCL creation is atomic on a local filesystem; contention always
	// means a concurrent claim, so losing the create is reported as a
	// conflict rather than retried.
	transitionLock = "transition.lock"
)

// jobIDPattern matches the ids this store hands out (UUIDs) and rejects
// anything that could escape the root directory.
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// fileNamePattern is the allowed shape for uploaded input file names.
var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._()-]*$`)

// metadata is the immutable part of the on-disk record, written once at
// submission and never rewritten.
type metadata struct {
	ID           string            `json:"id"`
	VersionToken string            `json:"version_token"`
	ProtocolFile string            `json:"protocol_file"`
	LabwareFiles []string          `json:"labware_files,omitempty"`
	CSVFile      string            `json:"csv_file,omitempty"`
	Params       json.RawMessage   `json:"params,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Fingerprints map[string]string `json:"fingerprints"`
}

// statusRecord is the mutable part of the record. ResultDigest binds the
// status to the result.json contents so a torn write is detectable on Load.
type statusRecord struct {
	Status       Status    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
	Error        *JobError `json:"error,omitempty"`
	ResultDigest string    `json:"result_blake3,omitempty"`
}

// FSStore keeps each job as a directory under root: the uploaded inputs,
// metadata.json and status.json, plus result.json once the job completes.
type FSStore struct {
	root string
}

// NewFS opens (creating if needed) a filesystem-backed store rooted at root.
func NewFS(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("jobstore root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jobstore root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) jobDir(jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(s.root, jobID), nil
}

func fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validFileName(name string) error {
	if name == "" || name != filepath.Base(name) || !fileNamePattern.MatchString(name) {
		return fmt.Errorf("invalid input file name %q", name)
	}
	return nil
}

// Submit writes inputs and metadata first and status.json last, so a job
// is never visible to ListQueued with incomplete inputs.
func (s *FSStore) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.VersionToken == "" {
		return "", fmt.Errorf("submit: version token is empty")
	}
	if err := validFileName(req.Protocol.Name); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if len(req.Protocol.Data) == 0 {
		return "", fmt.Errorf("submit: protocol file %q is empty", req.Protocol.Name)
	}

	jobID := uuid.NewString()
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}

	now := time.Now().UTC()
	meta := metadata{
		ID:           jobID,
		VersionToken: req.VersionToken,
		ProtocolFile: req.Protocol.Name,
		Params:       req.Params,
		CreatedAt:    now,
		Fingerprints: map[string]string{
			req.Protocol.Name: fingerprint(req.Protocol.Data),
		},
	}

	if err := writeFileAtomic(filepath.Join(dir, req.Protocol.Name), req.Protocol.Data, 0o644); err != nil {
		return "", fmt.Errorf("write protocol file: %w", err)
	}

	if len(req.Labware) > 0 {
		if err := os.MkdirAll(filepath.Join(dir, labwareDir), 0o755); err != nil {
			return "", fmt.Errorf("create labware directory: %w", err)
		}
	}
	for _, lw := range req.Labware {
		if err := validFileName(lw.Name); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
		if err := writeFileAtomic(filepath.Join(dir, labwareDir, lw.Name), lw.Data, 0o644); err != nil {
			return "", fmt.Errorf("write labware file: %w", err)
		}
		meta.LabwareFiles = append(meta.LabwareFiles, lw.Name)
		meta.Fingerprints[filepath.Join(labwareDir, lw.Name)] = fingerprint(lw.Data)
	}

	if req.CSV != nil {
		if err := validFileName(req.CSV.Name); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
		if err := writeFileAtomic(filepath.Join(dir, req.CSV.Name), req.CSV.Data, 0o644); err != nil {
			return "", fmt.Errorf("write csv file: %w", err)
		}
		meta.CSVFile = req.CSV.Name
		meta.Fingerprints[req.CSV.Name] = fingerprint(req.CSV.Data)
	}

	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), meta); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	rec := statusRecord{Status: StatusQueued, UpdatedAt: now}
	if err := writeJSONAtomic(filepath.Join(dir, statusFile), rec); err != nil {
		return "", fmt.Errorf("write status: %w", err)
	}

	log.WithComponent("jobstore").Debug("job submitted",
		"job_id", jobID, "version_token", req.VersionToken)
	return jobID, nil
}

// ListQueued enumerates job directories in name order. Directories without a
// status record are mid-submission or foreign and are skipped.
func (s *FSStore) ListQueued(ctx context.Context) ([]*Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read jobstore root: %w", err)
	}

	var queued []*Job
	for _, e := range entries {
		if !e.IsDir() || !jobIDPattern.MatchString(e.Name()) {
			continue
		}
		rec, err := s.readStatus(filepath.Join(s.root, e.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.WithComponent("jobstore").Warn("skipping unreadable job record",
				"job_id", e.Name(), "error", err)
			continue
		}
		if rec.Status != StatusQueued {
			continue
		}
		job, err := s.Load(ctx, e.Name())
		if err != nil {
			log.WithComponent("jobstore").Warn("skipping unloadable queued job",
				"job_id", e.Name(), "error", err)
			continue
		}
		queued = append(queued, job)
	}
	return queued, nil
}

// Load reconstructs a job from its directory. A completed job whose result
// digest no longer matches result.json is reported as corrupted.
func (s *FSStore) Load(ctx context.Context, jobID string) (*Job, error) {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return nil, err
	}

	var meta metadata
	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	rec, err := s.readStatus(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("read status: %w", err)
	}

	job := &Job{
		ID:           meta.ID,
		VersionToken: meta.VersionToken,
		ProtocolFile: filepath.Join(dir, meta.ProtocolFile),
		CSVFile:      "",
		Params:       meta.Params,
		Status:       rec.Status,
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		Error:        rec.Error,
		Fingerprints: meta.Fingerprints,
	}
	for _, lw := range meta.LabwareFiles {
		job.LabwareFiles = append(job.LabwareFiles, filepath.Join(dir, labwareDir, lw))
	}
	if meta.CSVFile != "" {
		job.CSVFile = filepath.Join(dir, meta.CSVFile)
	}

	if rec.Status == StatusCompleted {
		result, err := os.ReadFile(filepath.Join(dir, resultFile))
		if err != nil {
			return nil, fmt.Errorf("read result: %w", err)
		}
		if rec.ResultDigest != "" && fingerprint(result) != rec.ResultDigest {
			return nil, fmt.Errorf("job %s: result record digest mismatch", jobID)
		}
		job.Result = result

		// The simulation record is advisory; a missing file just means the
		// processor recorded none.
		sim, err := os.ReadFile(filepath.Join(dir, simulationFile))
		if err == nil {
			job.Simulation = sim
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read simulation: %w", err)
		}
	}
	return job, nil
}

// Transition performs the compare-and-set status change. The result record is
// written before the status record so a completed status always has a result
// behind it.
func (s *FSStore) Transition(ctx context.Context, jobID string, from, to Status, payload *TransitionPayload) error {
	if !legalTransition(from, to) {
		return &IllegalTransitionError{JobID: jobID, From: from, To: to}
	}
	if err := validatePayload(to, payload); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	dir, err := s.jobDir(jobID)
	if err != nil {
		return err
	}

	lockPath := filepath.Join(dir, transitionLock)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			rec, rerr := s.readStatus(dir)
			if rerr != nil {
				return &ConflictError{JobID: jobID, Expected: from, Actual: StatusRunning}
			}
			return &ConflictError{JobID: jobID, Expected: from, Actual: rec.Status}
		}
		if os.IsNotExist(err) {
			return &NotFoundError{JobID: jobID}
		}
		return fmt.Errorf("acquire transition lock: %w", err)
	}
	_ = lf.Close()
	defer os.Remove(lockPath)

	rec, err := s.readStatus(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{JobID: jobID}
		}
		return fmt.Errorf("read status: %w", err)
	}
	if rec.Status != from {
		return &ConflictError{JobID: jobID, Expected: from, Actual: rec.Status}
	}

	next := statusRecord{Status: to, UpdatedAt: time.Now().UTC()}
	if to == StatusCompleted {
		if err := writeFileAtomic(filepath.Join(dir, resultFile), payload.Result, 0o644); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		next.ResultDigest = fingerprint(payload.Result)
		if len(payload.Simulation) > 0 {
			if err := writeFileAtomic(filepath.Join(dir, simulationFile), payload.Simulation, 0o644); err != nil {
				return fmt.Errorf("write simulation: %w", err)
			}
		}
	}
	if to == StatusFailed {
		next.Error = payload.Error
	}
	if err := writeJSONAtomic(filepath.Join(dir, statusFile), next); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// RequeueAbandoned returns running jobs to the queue and clears stale
// transition locks. Safe only under the single-instance startup lock.
func (s *FSStore) RequeueAbandoned(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read jobstore root: %w", err)
	}

	requeued := 0
	for _, e := range entries {
		if !e.IsDir() || !jobIDPattern.MatchString(e.Name()) {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		_ = os.Remove(filepath.Join(dir, transitionLock))

		rec, err := s.readStatus(dir)
		if err != nil {
			continue
		}
		if rec.Status != StatusRunning {
			continue
		}
		rec.Status = StatusQueued
		rec.UpdatedAt = time.Now().UTC()
		if err := writeJSONAtomic(filepath.Join(dir, statusFile), rec); err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", e.Name(), err)
		}
		log.WithComponent("jobstore").Info("requeued abandoned job", "job_id", e.Name())
		requeued++
	}
	return requeued, nil
}

// Depth counts queued jobs.
func (s *FSStore) Depth(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read jobstore root: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() || !jobIDPattern.MatchString(e.Name()) {
			continue
		}
		rec, err := s.readStatus(filepath.Join(s.root, e.Name()))
		if err == nil && rec.Status == StatusQueued {
			n++
		}
	}
	return n, nil
}

func (s *FSStore) readStatus(dir string) (statusRecord, error) {
	var rec statusRecord
	err := readJSON(filepath.Join(dir, statusFile), &rec)
	return rec, err
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b, 0o644)
}

// writeFileAtomic writes to a temp file in the target directory and renames
// into place, so readers never observe a partially written record.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
