package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"protoeval/internal/log"
)

// SQLiteStore keeps job state in a jobs table while the uploaded input files
// live on disk under root, in the same per-job layout as FSStore. The
// compare-and-set transition is a guarded UPDATE; rows-affected zero means the
// claim lost.
type SQLiteStore struct {
	db   *sql.DB
	root string
}

// NewSQLite wraps an opened database (see storage.OpenSQLite) and a root
// directory for input files.
func NewSQLite(db *sql.DB, root string) (*SQLiteStore, error) {
	if root == "" {
		return nil, fmt.Errorf("jobstore root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jobstore root: %w", err)
	}
	return &SQLiteStore{db: db, root: root}, nil
}

func (s *SQLiteStore) Submit(ctx context.Context, req SubmitRequest) (string, error) {
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

	fingerprints := map[string]string{
		req.Protocol.Name: fingerprint(req.Protocol.Data),
	}
	if err := writeFileAtomic(filepath.Join(dir, req.Protocol.Name), req.Protocol.Data, 0o644); err != nil {
		return "", fmt.Errorf("write protocol file: %w", err)
	}

	var labware []string
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
		labware = append(labware, lw.Name)
		fingerprints[filepath.Join(labwareDir, lw.Name)] = fingerprint(lw.Data)
	}

	csvFile := ""
	if req.CSV != nil {
		if err := validFileName(req.CSV.Name); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
		if err := writeFileAtomic(filepath.Join(dir, req.CSV.Name), req.CSV.Data, 0o644); err != nil {
			return "", fmt.Errorf("write csv file: %w", err)
		}
		csvFile = req.CSV.Name
		fingerprints[req.CSV.Name] = fingerprint(req.CSV.Data)
	}

	labwareJSON, err := json.Marshal(labware)
	if err != nil {
		return "", err
	}
	fpJSON, err := json.Marshal(fingerprints)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, version_token, protocol_file, labware_files, csv_file,
                  params, fingerprints, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, req.VersionToken, req.Protocol.Name, string(labwareJSON),
		nullable(csvFile), nullableRaw(req.Params), string(fpJSON),
		string(StatusQueued), now, now)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	log.WithComponent("jobstore").Debug("job submitted",
		"job_id", jobID, "version_token", req.VersionToken)
	return jobID, nil
}

const jobColumns = `id, version_token, protocol_file, labware_files, csv_file,
params, fingerprints, status, created_at, updated_at, result, simulation, error_category, error_message`

func (s *SQLiteStore) ListQueued(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, id`,
		string(StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var queued []*Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		queued = append(queued, job)
	}
	return queued, rows.Err()
}

func (s *SQLiteStore) Load(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := s.scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{JobID: jobID}
	}
	return job, err
}

func (s *SQLiteStore) Transition(ctx context.Context, jobID string, from, to Status, payload *TransitionPayload) error {
	if !legalTransition(from, to) {
		return &IllegalTransitionError{JobID: jobID, From: from, To: to}
	}
	if err := validatePayload(to, payload); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}

	var result, simulation, errCategory, errMessage any
	if to == StatusCompleted {
		result = string(payload.Result)
		simulation = nullableRaw(payload.Simulation)
	}
	if to == StatusFailed {
		errCategory = string(payload.Error.Category)
		errMessage = payload.Error.Message
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, updated_at = ?, result = ?, simulation = ?, error_category = ?, error_message = ?
WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano),
		result, simulation, errCategory, errMessage, jobID, string(from))
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Guarded update missed: distinguish a lost claim from a missing job.
	var actual string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return &ConflictError{JobID: jobID, Expected: from, Actual: Status(actual)}
}

func (s *SQLiteStore) RequeueAbandoned(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusQueued), time.Now().UTC().Format(time.RFC3339Nano), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("requeue abandoned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue abandoned jobs: %w", err)
	}
	if n > 0 {
		log.WithComponent("jobstore").Info("requeued abandoned jobs", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(StatusQueued)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanJob(row rowScanner) (*Job, error) {
	var (
		job                     Job
		protocolFile            string
		labwareJSON, fpJSON     sql.NullString
		csvFile, params         sql.NullString
		createdAt, updatedAt    string
		result, simulation      sql.NullString
		errCategory, errMessage sql.NullString
	)
	err := row.Scan(&job.ID, &job.VersionToken, &protocolFile, &labwareJSON, &csvFile,
		&params, &fpJSON, &job.Status, &createdAt, &updatedAt,
		&result, &simulation, &errCategory, &errMessage)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, job.ID)
	job.ProtocolFile = filepath.Join(dir, protocolFile)

	if labwareJSON.Valid && labwareJSON.String != "" {
		var names []string
		if err := json.Unmarshal([]byte(labwareJSON.String), &names); err != nil {
			return nil, fmt.Errorf("job %s: parse labware list: %w", job.ID, err)
		}
		for _, name := range names {
			job.LabwareFiles = append(job.LabwareFiles, filepath.Join(dir, labwareDir, name))
		}
	}
	if csvFile.Valid && csvFile.String != "" {
		job.CSVFile = filepath.Join(dir, csvFile.String)
	}
	if params.Valid && params.String != "" {
		job.Params = json.RawMessage(params.String)
	}
	if fpJSON.Valid && fpJSON.String != "" {
		if err := json.Unmarshal([]byte(fpJSON.String), &job.Fingerprints); err != nil {
			return nil, fmt.Errorf("job %s: parse fingerprints: %w", job.ID, err)
		}
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("job %s: parse created_at: %w", job.ID, err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("job %s: parse updated_at: %w", job.ID, err)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if simulation.Valid {
		job.Simulation = json.RawMessage(simulation.String)
	}
	if errCategory.Valid {
		job.Error = &JobError{
			Category: ErrorCategory(errCategory.String),
			Message:  errMessage.String,
		}
	}
	return &job, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
