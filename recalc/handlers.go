package recalc

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/looperhq/looper/atf"
	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
	"github.com/looperhq/looper/pulse/async"
	"github.com/looperhq/looper/stats"
)

// RuleHandler reclassifies the spots a rule governs. It sets the true-atf
// flag on every spot inside the rule's column range and clears it on the
// rest of the row, then schedules a statistics rebuild for each scan it
// touched. The flag update is a plain overwrite, so rerunning the job
// converges on the same state.
type RuleHandler struct {
	rules     *atf.Store
	db        *sql.DB
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

// NewRuleHandler creates the handler. db must be the same database the
// rule and catalog stores use.
func NewRuleHandler(rules *atf.Store, db *sql.DB, scheduler *Scheduler, log *zap.SugaredLogger) *RuleHandler {
	return &RuleHandler{rules: rules, db: db, scheduler: scheduler, logger: log}
}

func (h *RuleHandler) Name() string { return HandlerRecalculateRule }

func (h *RuleHandler) Execute(ctx context.Context, job *async.Job) error {
	var payload RulePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrapf(err, "decode payload of job %s", job.ID)
	}

	rule, err := h.rules.GetRule(ctx, payload.RuleID)
	if errors.IsNotFound(err) {
		// Deleted after the job was queued; deletion cleans up its own
		// spot flags.
		if h.logger != nil {
			h.logger.Debugw("Rule gone before recalculation", "rule_id", payload.RuleID)
		}
		return nil
	}
	if err != nil {
		return err
	}

	scanIDs, err := h.reclassify(ctx, rule)
	if err != nil {
		return err
	}

	if h.logger != nil {
		h.logger.Infow("Rule recalculated",
			"rule_id", rule.ID,
			"scans_touched", len(scanIDs),
		)
	}
	for _, scanID := range scanIDs {
		if err := h.scheduler.ScheduleScan(ctx, scanID); err != nil {
			return err
		}
	}
	return nil
}

// rowSpotsQuery selects the spots on the rule's row across all scans of
// the rule's device. Placeholders: device_id, page_name, row.
const rowSpotsQuery = `
	SELECT sp.id
	FROM spots sp
	JOIN sections sec ON sec.id = sp.section_id
	JOIN pages pg ON pg.id = sec.page_id
	JOIN scans sc ON sc.id = pg.scan_id
	WHERE sc.device_id = ?
	  AND COALESCE(pg.platform_identifier, '') = ?
	  AND sec.position = ?`

func (h *RuleHandler) reclassify(ctx context.Context, rule *atf.Rule) ([]int64, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin reclassify")
	}
	defer tx.Rollback()

	scanIDs, err := h.touchedScans(ctx, tx, rule)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE spots SET true_atf = 1, updated_at = CURRENT_TIMESTAMP
		WHERE true_atf = 0
		  AND position BETWEEN ? AND ?
		  AND id IN (`+rowSpotsQuery+`)`,
		rule.ColumnStart, rule.ColumnEnd, rule.DeviceID, rule.PageName, rule.Row)
	if err != nil {
		return nil, errors.Wrapf(err, "mark spots for rule %d", rule.ID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE spots SET true_atf = 0, updated_at = CURRENT_TIMESTAMP
		WHERE true_atf = 1
		  AND (position < ? OR position > ?)
		  AND id IN (`+rowSpotsQuery+`)`,
		rule.ColumnStart, rule.ColumnEnd, rule.DeviceID, rule.PageName, rule.Row)
	if err != nil {
		return nil, errors.Wrapf(err, "clear spots for rule %d", rule.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit reclassify")
	}
	return scanIDs, nil
}

// touchedScans lists the scans whose flags the reclassification may move:
// any spot on the row whose current flag disagrees with the rule's range.
func (h *RuleHandler) touchedScans(ctx context.Context, tx *sql.Tx, rule *atf.Rule) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT pg.scan_id
		FROM spots sp
		JOIN sections sec ON sec.id = sp.section_id
		JOIN pages pg ON pg.id = sec.page_id
		JOIN scans sc ON sc.id = pg.scan_id
		WHERE sc.device_id = ?
		  AND COALESCE(pg.platform_identifier, '') = ?
		  AND sec.position = ?
		  AND sp.true_atf != CASE WHEN sp.position BETWEEN ? AND ? THEN 1 ELSE 0 END
		ORDER BY pg.scan_id`,
		rule.DeviceID, rule.PageName, rule.Row, rule.ColumnStart, rule.ColumnEnd)
	if err != nil {
		return nil, errors.Wrapf(err, "scans touched by rule %d", rule.ID)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan touched scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ScanHandler rebuilds one scan's cached statistics from its spots.
type ScanHandler struct {
	cache  *stats.Cache
	logger *zap.SugaredLogger
}

// NewScanHandler creates the handler over a writable statistics cache.
func NewScanHandler(cache *stats.Cache, log *zap.SugaredLogger) *ScanHandler {
	return &ScanHandler{cache: cache, logger: log}
}

func (h *ScanHandler) Name() string { return HandlerRecomputeScan }

func (h *ScanHandler) Execute(ctx context.Context, job *async.Job) error {
	var payload ScanPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errors.Wrapf(err, "decode payload of job %s", job.ID)
	}

	err := h.cache.RecomputeAll(ctx, payload.ScanID)
	if errors.IsNotFound(err) {
		// Scan deleted while the job waited; nothing left to rebuild.
		if h.logger != nil {
			h.logger.Debugw("Scan gone before recompute", logger.FieldScanID, payload.ScanID)
		}
		return nil
	}
	return err
}
