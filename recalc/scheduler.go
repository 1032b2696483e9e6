// Package recalc keeps spot flags and cached scan statistics consistent
// with the true-ATF rule table. Rule mutations schedule background jobs;
// the handlers reclassify the affected spots and rebuild each touched
// scan's statistics cache.
package recalc

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
	"github.com/looperhq/looper/pulse/async"
)

// Handler names for the job registry.
const (
	HandlerRecalculateRule = "atf.recalculate-rule"
	HandlerRecomputeScan   = "stats.recompute-scan"
)

// RulePayload identifies the rule a recalculation job applies.
type RulePayload struct {
	RuleID int64 `json:"rule_id"`
}

// ScanPayload identifies the scan a recompute job rebuilds.
type ScanPayload struct {
	ScanID int64 `json:"scan_id"`
}

// Scheduler enqueues recalculation work when rules change. It satisfies
// atf.RecalcNotifier. Jobs are deduplicated by source, so a burst of edits
// to the same rule queues a single recalculation.
type Scheduler struct {
	queue  *async.Queue
	logger *zap.SugaredLogger
}

// NewScheduler creates a scheduler over the job queue. logger may be nil.
func NewScheduler(queue *async.Queue, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{queue: queue, logger: log}
}

// RuleChanged schedules reclassification of the spots a rule governs.
func (s *Scheduler) RuleChanged(ctx context.Context, ruleID int64) error {
	payload, err := json.Marshal(RulePayload{RuleID: ruleID})
	if err != nil {
		return errors.Wrap(err, "marshal rule payload")
	}
	job, err := async.NewJob(HandlerRecalculateRule, ruleSource(ruleID), payload)
	if err != nil {
		return err
	}
	queued, err := s.queue.Enqueue(ctx, job, true)
	if err != nil {
		return errors.Wrapf(err, "schedule recalculation for rule %d", ruleID)
	}
	if s.logger != nil {
		s.logger.Debugw("Rule recalculation scheduled",
			"rule_id", ruleID,
			logger.FieldJobID, queued.ID,
		)
	}
	return nil
}

// RuleRemoved schedules a statistics rebuild for every scan whose spots
// lost their flag when the rule was deleted.
func (s *Scheduler) RuleRemoved(ctx context.Context, scanIDs []int64) error {
	for _, scanID := range scanIDs {
		if err := s.ScheduleScan(ctx, scanID); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleScan enqueues a full statistics recompute for one scan.
func (s *Scheduler) ScheduleScan(ctx context.Context, scanID int64) error {
	payload, err := json.Marshal(ScanPayload{ScanID: scanID})
	if err != nil {
		return errors.Wrap(err, "marshal scan payload")
	}
	job, err := async.NewJob(HandlerRecomputeScan, scanSource(scanID), payload)
	if err != nil {
		return err
	}
	queued, err := s.queue.Enqueue(ctx, job, true)
	if err != nil {
		return errors.Wrapf(err, "schedule recompute for scan %d", scanID)
	}
	if s.logger != nil {
		s.logger.Debugw("Scan recompute scheduled",
			logger.FieldScanID, scanID,
			logger.FieldJobID, queued.ID,
		)
	}
	return nil
}

func ruleSource(ruleID int64) string { return fmt.Sprintf("rule:%d", ruleID) }
func scanSource(scanID int64) string { return fmt.Sprintf("scan:%d", scanID) }
