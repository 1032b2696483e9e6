package atf

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"github.com/looperhq/looper/errors"
)

// Rule marks the visible column range of one row on one (device, page).
// At most one rule may exist per (device, page, row).
type Rule struct {
	ID          int64
	DeviceID    int64
	PageName    string
	Row         int
	ColumnStart int
	ColumnEnd   int
}

// Covers reports whether a column falls inside the rule's visible range.
func (r *Rule) Covers(column int) bool {
	return column >= r.ColumnStart && column <= r.ColumnEnd
}

func (r *Rule) validate() error {
	if r.DeviceID == 0 {
		return errors.NewInvalidf("rule requires a device")
	}
	if r.Row < 1 {
		return errors.NewInvalidf("rule row must be positive, got %d", r.Row)
	}
	if r.ColumnStart < 1 {
		return errors.NewInvalidf("rule column_start must be positive, got %d", r.ColumnStart)
	}
	if r.ColumnEnd < r.ColumnStart {
		return errors.NewInvalidf("rule column range inverted: %d > %d", r.ColumnStart, r.ColumnEnd)
	}
	return nil
}

// RecalcNotifier is told after rule mutations commit so dependent spot flags
// and cached scan statistics can be recomputed asynchronously. Notification
// failures are reported to the caller but the mutation itself stands.
type RecalcNotifier interface {
	// RuleChanged fires after a rule is created or its column range updated.
	RuleChanged(ctx context.Context, ruleID int64) error
	// RuleRemoved fires after a rule deletion, with the scans whose spots
	// lost their true-atf flag.
	RuleRemoved(ctx context.Context, scanIDs []int64) error
}

// Store persists true-ATF rules and keeps spot flags consistent on deletion.
type Store struct {
	db       *sql.DB
	logger   *zap.SugaredLogger
	notifier RecalcNotifier
}

func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

// SetNotifier wires the recalc scheduler in. A nil notifier disables
// notifications, which is what tests and one-shot tools want.
func (s *Store) SetNotifier(n RecalcNotifier) { s.notifier = n }

// CreateRule inserts a rule. A second rule for the same (device, page, row)
// is rejected with a conflict error.
func (s *Store) CreateRule(ctx context.Context, r Rule) (*Rule, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tatf_rules (device_id, page_name, row, column_start, column_end)
		VALUES (?, ?, ?, ?, ?)`,
		r.DeviceID, r.PageName, r.Row, r.ColumnStart, r.ColumnEnd)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConflict,
				"rule already exists for device %d page %q row %d", r.DeviceID, r.PageName, r.Row)
		}
		return nil, errors.Wrap(err, "create rule")
	}
	r.ID, _ = res.LastInsertId()

	if s.logger != nil {
		s.logger.Infow("True-ATF rule created",
			"rule_id", r.ID,
			"device_id", r.DeviceID,
			"page_name", r.PageName,
			"row", r.Row,
		)
	}
	if err := s.notifyChanged(ctx, r.ID); err != nil {
		return &r, err
	}
	return &r, nil
}

// UpdateRule replaces a rule's column range. The identity columns
// (device, page, row) are immutable; delete and recreate to move a rule.
func (s *Store) UpdateRule(ctx context.Context, id int64, columnStart, columnEnd int) (*Rule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.ColumnStart = columnStart
	rule.ColumnEnd = columnEnd
	if err := rule.validate(); err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tatf_rules SET column_start = ?, column_end = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, columnStart, columnEnd, id)
	if err != nil {
		return nil, errors.Wrapf(err, "update rule %d", id)
	}

	if s.logger != nil {
		s.logger.Infow("True-ATF rule updated",
			"rule_id", id,
			"column_start", columnStart,
			"column_end", columnEnd,
		)
	}
	if err := s.notifyChanged(ctx, id); err != nil {
		return rule, err
	}
	return rule, nil
}

// DeleteRule removes a rule and clears the true-atf flag on every spot the
// rule had marked, in one transaction. The touched scans are handed to the
// notifier so their cached statistics get recomputed.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete rule")
	}
	defer tx.Rollback()

	scanIDs, err := s.markedScans(ctx, tx, rule)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE spots SET true_atf = 0
		WHERE true_atf = 1 AND id IN (`+markedSpotsQuery+`)`,
		rule.DeviceID, rule.PageName, rule.Row)
	if err != nil {
		return errors.Wrapf(err, "clear true-atf for rule %d", id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tatf_rules WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "delete rule %d", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit delete rule")
	}

	if s.logger != nil {
		s.logger.Infow("True-ATF rule deleted",
			"rule_id", id,
			"scans_touched", len(scanIDs),
		)
	}
	if s.notifier != nil && len(scanIDs) > 0 {
		if err := s.notifier.RuleRemoved(ctx, scanIDs); err != nil {
			return errors.Wrapf(err, "notify rule %d removed", id)
		}
	}
	return nil
}

// markedSpotsQuery selects the spots a rule currently governs: same device,
// same page identifier, same row. Placeholders: device_id, page_name, row.
const markedSpotsQuery = `
	SELECT sp.id
	FROM spots sp
	JOIN sections sec ON sec.id = sp.section_id
	JOIN pages pg ON pg.id = sec.page_id
	JOIN scans sc ON sc.id = pg.scan_id
	WHERE sc.device_id = ?
	  AND COALESCE(pg.platform_identifier, '') = ?
	  AND sec.position = ?`

func (s *Store) markedScans(ctx context.Context, tx *sql.Tx, rule *Rule) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT pg.scan_id
		FROM spots sp
		JOIN sections sec ON sec.id = sp.section_id
		JOIN pages pg ON pg.id = sec.page_id
		JOIN scans sc ON sc.id = pg.scan_id
		WHERE sc.device_id = ?
		  AND COALESCE(pg.platform_identifier, '') = ?
		  AND sec.position = ?
		  AND sp.true_atf = 1
		ORDER BY pg.scan_id`,
		rule.DeviceID, rule.PageName, rule.Row)
	if err != nil {
		return nil, errors.Wrapf(err, "scans marked by rule %d", rule.ID)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan marked scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRule loads a rule by ID.
func (s *Store) GetRule(ctx context.Context, id int64) (*Rule, error) {
	rule, err := s.queryRule(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, errors.NewNotFoundf("rule %d", id)
	}
	return rule, nil
}

// RuleFor implements RuleLookup. It returns nil, nil when no rule governs
// the row, which callers treat as "not true ATF".
func (s *Store) RuleFor(ctx context.Context, deviceID int64, pageName string, row int) (*Rule, error) {
	return s.queryRule(ctx, `WHERE device_id = ? AND page_name = ? AND row = ?`,
		deviceID, pageName, row)
}

// ListRules returns every rule, ordered for stable display.
func (s *Store) ListRules(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, page_name, row, column_start, column_end
		FROM tatf_rules
		ORDER BY device_id, page_name, row`)
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.PageName, &r.Row, &r.ColumnStart, &r.ColumnEnd); err != nil {
			return nil, errors.Wrap(err, "scan rule")
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func (s *Store) queryRule(ctx context.Context, where string, args ...interface{}) (*Rule, error) {
	var r Rule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, page_name, row, column_start, column_end
		FROM tatf_rules `+where, args...).
		Scan(&r.ID, &r.DeviceID, &r.PageName, &r.Row, &r.ColumnStart, &r.ColumnEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query rule")
	}
	return &r, nil
}

func (s *Store) notifyChanged(ctx context.Context, ruleID int64) error {
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.RuleChanged(ctx, ruleID); err != nil {
		return errors.Wrapf(err, "notify rule %d changed", ruleID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
