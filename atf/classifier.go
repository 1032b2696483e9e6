// Package atf classifies spot placements into above-the-fold tiers.
//
// Medium ATF is a fixed grid window: the top-left 10x10 of any page.
// True ATF is rule-driven: a tatf_rule names a (device, page, row) and the
// column range within that row that a real device screen shows without
// scrolling. A spot with no governing rule is never true ATF.
package atf

import (
	"context"

	"github.com/looperhq/looper/errors"
)

// Grid window for the medium-ATF heuristic. Rows and columns are 1-based.
const (
	MediumATFMaxRow    = 10
	MediumATFMaxColumn = 10
)

// Placement locates a spot on a scanned page.
type Placement struct {
	DeviceID int64
	PageName string
	Row      int
	Column   int
}

// RuleLookup resolves the rule governing a placement's row, if any.
// Implementations return nil, nil when no rule exists; that is not an error.
type RuleLookup interface {
	RuleFor(ctx context.Context, deviceID int64, pageName string, row int) (*Rule, error)
}

// MediumATF reports whether a grid position falls in the fixed top-left
// window. It depends on nothing but the coordinates.
func MediumATF(row, column int) bool {
	return row <= MediumATFMaxRow && column <= MediumATFMaxColumn
}

// Classify computes both ATF flags for a placement. The medium flag is pure;
// the true flag consults the rule table through rules. A nil rules lookup
// means no rules are configured, so trueATF is always false.
func (p Placement) Classify(ctx context.Context, rules RuleLookup) (mediumATF, trueATF bool, err error) {
	mediumATF = MediumATF(p.Row, p.Column)
	if rules == nil {
		return mediumATF, false, nil
	}
	rule, err := rules.RuleFor(ctx, p.DeviceID, p.PageName, p.Row)
	if err != nil {
		return false, false, errors.Wrap(err, "lookup true-atf rule")
	}
	if rule == nil {
		return mediumATF, false, nil
	}
	return mediumATF, rule.Covers(p.Column), nil
}

// Classify is the package-level form of Placement.Classify.
func Classify(ctx context.Context, p Placement, rules RuleLookup) (mediumATF, trueATF bool, err error) {
	return p.Classify(ctx, rules)
}
