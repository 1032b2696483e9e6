package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
)

// Type selects what a report export contains.
type Type string

const (
	TypeSOV          Type = "sov"
	TypeDistributors Type = "distributors"
)

// Status is a report's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Pending reports whether the report still occupies the organization's
// pending quota.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusInProgress
}

// MaxPendingReports bounds how many unfinished reports one organization
// may have at a time.
const MaxPendingReports = 2

// Request is the persisted parameters of a report, stored as metadata.
type Request struct {
	Period  Period  `json:"period"`
	Filters Filters `json:"filters"`
}

// Report tracks one export through its lifecycle.
type Report struct {
	ID             string
	OrganizationID int64
	Type           Type
	Status         Status
	Request        Request
	FailureLog     string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists report records.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewReportStore creates a report store. logger may be nil.
func NewReportStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: log}
}

const reportColumns = `id, organization_id, report_type, status, metadata,
	failure_log, started_at, finished_at, created_at, updated_at`

// Create inserts a queued report, enforcing the pending quota per
// organization.
func (s *Store) Create(ctx context.Context, orgID int64, t Type, req Request) (*Report, error) {
	if t != TypeSOV && t != TypeDistributors {
		return nil, errors.NewInvalidf("unknown report type %q", t)
	}
	if req.Filters.OrganizationID == 0 {
		req.Filters.OrganizationID = orgID
	}
	if req.Filters.OrganizationID != orgID {
		return nil, errors.NewInvalidf("report filters target organization %d, record belongs to %d",
			req.Filters.OrganizationID, orgID)
	}

	pending, err := s.countPending(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if pending >= MaxPendingReports {
		return nil, errors.NewInvalidf("organization %d already has %d pending reports", orgID, pending)
	}

	metadata, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal report request")
	}

	now := time.Now().UTC()
	report := &Report{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Type:           t,
		Status:         StatusQueued,
		Request:        req,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, orgID, t, report.Status, string(metadata),
		"", nil, nil, now, now)
	if err != nil {
		return nil, errors.Wrapf(err, "create report for organization %d", orgID)
	}

	if s.logger != nil {
		s.logger.Infow("Report created",
			logger.FieldReportID, report.ID,
			logger.FieldOrganizationID, orgID,
			"report_type", t,
		)
	}
	return report, nil
}

// Get loads a report by ID.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("report %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get report %s", id)
	}
	return report, nil
}

// List returns an organization's reports, newest first.
func (s *Store) List(ctx context.Context, orgID int64) ([]*Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+` FROM reports
		WHERE organization_id = ?
		ORDER BY created_at DESC, id`, orgID)
	if err != nil {
		return nil, errors.Wrapf(err, "list reports for organization %d", orgID)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan report")
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// MarkInProgress moves a report into in_progress. A cancelled or completed
// report stays put and is reported as invalid.
func (s *Store) MarkInProgress(ctx context.Context, id string) (*Report, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch report.Status {
	case StatusQueued, StatusInProgress, StatusFailed:
	default:
		return nil, errors.NewInvalidf("report %s is %s, cannot start", id, report.Status)
	}

	now := time.Now().UTC()
	report.Status = StatusInProgress
	report.StartedAt = &now
	report.UpdatedAt = now
	return report, s.update(ctx, report)
}

// MarkCompleted finishes a report successfully.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*Report, error) {
	return s.finish(ctx, id, StatusCompleted, nil)
}

// MarkFailed finishes a report with a failure, appending to its log.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (*Report, error) {
	return s.finish(ctx, id, StatusFailed, cause)
}

// Cancel aborts a queued or in-progress report.
func (s *Store) Cancel(ctx context.Context, id string) (*Report, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !report.Status.Pending() {
		return nil, errors.NewInvalidf("report %s is %s, cannot cancel", id, report.Status)
	}

	now := time.Now().UTC()
	report.Status = StatusCancelled
	report.FinishedAt = &now
	report.UpdatedAt = now
	if err := s.update(ctx, report); err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Infow("Report cancelled", logger.FieldReportID, id)
	}
	return report, nil
}

func (s *Store) finish(ctx context.Context, id string, status Status, cause error) (*Report, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report.Status = status
	report.FinishedAt = &now
	report.UpdatedAt = now
	if cause != nil {
		line := now.Format(time.RFC3339) + " " + cause.Error()
		if report.FailureLog != "" {
			report.FailureLog += "\n"
		}
		report.FailureLog += line
	}
	return report, s.update(ctx, report)
}

func (s *Store) update(ctx context.Context, r *Report) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reports
		SET status = ?, failure_log = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, r.FailureLog, r.StartedAt, r.FinishedAt, r.UpdatedAt, r.ID)
	if err != nil {
		return errors.Wrapf(err, "update report %s", r.ID)
	}
	return nil
}

func (s *Store) countPending(ctx context.Context, orgID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reports
		WHERE organization_id = ? AND status IN (?, ?)`,
		orgID, StatusQueued, StatusInProgress).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count pending reports for organization %d", orgID)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(r rowScanner) (*Report, error) {
	var report Report
	var metadata string
	err := r.Scan(&report.ID, &report.OrganizationID, &report.Type, &report.Status,
		&metadata, &report.FailureLog, &report.StartedAt, &report.FinishedAt,
		&report.CreatedAt, &report.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &report.Request); err != nil {
		return nil, errors.Wrapf(err, "decode metadata of report %s", report.ID)
	}
	return &report, nil
}
