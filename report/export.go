package report

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
	"github.com/looperhq/looper/pulse/async"
)

// HandlerExportReport is the job registry name of the export handler.
const HandlerExportReport = "report.export"

// ExportPayload identifies the report an export job drives.
type ExportPayload struct {
	ReportID string `json:"report_id"`
}

// ScheduleExport enqueues the background export of a report. The job is
// deduplicated against an active export of the same report.
func ScheduleExport(ctx context.Context, queue *async.Queue, reportID string) error {
	payload, err := json.Marshal(ExportPayload{ReportID: reportID})
	if err != nil {
		return errors.Wrap(err, "marshal export payload")
	}
	job, err := async.NewJob(HandlerExportReport, "report:"+reportID, payload)
	if err != nil {
		return err
	}
	if _, err := queue.Enqueue(ctx, job, true); err != nil {
		return errors.Wrapf(err, "schedule export of report %s", reportID)
	}
	return nil
}

// Serializer receives the assembled view. File formats live outside this
// package; the handler only guarantees the view reaches the serializer
// before the report is marked completed.
type Serializer interface {
	Serialize(ctx context.Context, report *Report, view *View) error
}

// ExportHandler runs report exports off the job queue, moving the record
// through its statuses. A cancelled report is skipped; an assembly or
// serialization failure is appended to the report's failure log.
type ExportHandler struct {
	store      *Store
	assembler  *Assembler
	serializer Serializer
	logger     *zap.SugaredLogger
}

// NewExportHandler creates the handler. serializer may be nil, in which
// case the view is assembled for its side effect of warming the cache and
// the report completes without an artifact.
func NewExportHandler(store *Store, assembler *Assembler, serializer Serializer, log *zap.SugaredLogger) *ExportHandler {
	return &ExportHandler{store: store, assembler: assembler, serializer: serializer, logger: log}
}

func (h *ExportHandler) Name() string { return HandlerExportReport }

func (h *ExportHandler) Execute(ctx context.Context, job *async.Job) error {
	var payload ExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrapf(err, "decode payload of job %s", job.ID)
	}
	ctx = logger.WithReportID(ctx, payload.ReportID)

	report, err := h.store.Get(ctx, payload.ReportID)
	if errors.IsNotFound(err) {
		if h.logger != nil {
			h.logger.Warnw("Report gone before export", logger.FieldReportID, payload.ReportID)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if report.Status == StatusCancelled || report.Status == StatusCompleted {
		if h.logger != nil {
			h.logger.Infow("Skipping export",
				logger.FieldReportID, report.ID,
				logger.FieldStatus, report.Status,
			)
		}
		return nil
	}

	report, err = h.store.MarkInProgress(ctx, report.ID)
	if err != nil {
		return err
	}

	view, err := h.assembler.Assemble(ctx, report.Request.Period, report.Request.Filters)
	if err == nil && h.serializer != nil {
		err = h.serializer.Serialize(ctx, report, view)
	}
	if err != nil {
		if _, markErr := h.store.MarkFailed(ctx, report.ID, err); markErr != nil {
			return markErr
		}
		return errors.Wrapf(err, "export report %s", report.ID)
	}

	if _, err := h.store.MarkCompleted(ctx, report.ID); err != nil {
		return err
	}
	if h.logger != nil {
		h.logger.Infow("Report exported",
			logger.FieldReportID, report.ID,
			"rows", len(view.Rows),
		)
	}
	return nil
}
