package report

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/stats"
)

// ScanSource resolves trend comparison scans.
type ScanSource interface {
	PreviousScan(ctx context.Context, scan *catalog.Scan) (*catalog.Scan, error)
}

// Totals are the summed per-scan statistics over a set of scans.
type Totals struct {
	SpotsCount          int64
	MediumATFSpotsCount int64
	TrueATFSpotsCount   int64
	MPVTotal            decimal.Decimal
}

func (t *Totals) add(o Totals) {
	t.SpotsCount += o.SpotsCount
	t.MediumATFSpotsCount += o.MediumATFSpotsCount
	t.TrueATFSpotsCount += o.TrueATFSpotsCount
	t.MPVTotal = t.MPVTotal.Add(o.MPVTotal)
}

// Aggregate is one summary row: scoped totals against the global totals of
// the same scans, with each share ratio present only when its denominator
// is positive.
type Aggregate struct {
	Scans  int
	Total  Totals
	Scoped Totals

	SOV          *float64
	MediumATFSOV *float64
	TrueATFSOV   *float64
	ShareOfMPV   *float64
}

// Engine sums cached per-scan statistics. Reads go through the statistics
// cache, so scans without cached values are computed on demand.
type Engine struct {
	cache  *stats.Cache
	scans  ScanSource
	logger *zap.SugaredLogger
}

// NewEngine creates an aggregation engine. scans may be nil when trend
// summaries are not needed; logger may be nil.
func NewEngine(cache *stats.Cache, scans ScanSource, log *zap.SugaredLogger) *Engine {
	return &Engine{cache: cache, scans: scans, logger: log}
}

// Aggregate sums the scans' statistics for the scope against their global
// totals. For a fixed set of scans and placements the result is
// deterministic. A global scope yields equal Total and Scoped with no
// ratios.
func (e *Engine) Aggregate(ctx context.Context, scans []*catalog.Scan, scope catalog.SpotScope) (*Aggregate, error) {
	agg := &Aggregate{Scans: len(scans)}
	for _, scan := range scans {
		total, err := e.scanTotals(ctx, scan.ID, catalog.SpotScope{})
		if err != nil {
			return nil, errors.Wrapf(err, "aggregate scan %d", scan.ID)
		}
		agg.Total.add(total)

		if scope.Global() {
			agg.Scoped.add(total)
			continue
		}
		scoped, err := e.scanTotals(ctx, scan.ID, scope)
		if err != nil {
			return nil, errors.Wrapf(err, "aggregate scan %d", scan.ID)
		}
		agg.Scoped.add(scoped)
	}

	if !scope.Global() {
		agg.SOV = ratio(agg.Scoped.SpotsCount, agg.Total.SpotsCount)
		agg.MediumATFSOV = ratio(agg.Scoped.MediumATFSpotsCount, agg.Total.MediumATFSpotsCount)
		agg.TrueATFSOV = ratio(agg.Scoped.TrueATFSpotsCount, agg.Total.TrueATFSpotsCount)
		agg.ShareOfMPV = mpvRatio(agg.Scoped.MPVTotal, agg.Total.MPVTotal)
	}
	return agg, nil
}

// TrendPair is a scan paired with its comparison predecessor. Previous is
// nil when the device has no earlier scan.
type TrendPair struct {
	Current  *Aggregate
	Previous *Aggregate
}

// Trend aggregates a scan and its previous scan on the same device. The
// pairing prefers exactly 7 days back, then 6, 8, 14, then the nearest
// earlier scan; see catalog.PreviousScan for the cadence-tolerance caveat.
func (e *Engine) Trend(ctx context.Context, scan *catalog.Scan, scope catalog.SpotScope) (*TrendPair, error) {
	if e.scans == nil {
		return nil, errors.NewInvalidf("engine has no scan source for trends")
	}
	current, err := e.Aggregate(ctx, []*catalog.Scan{scan}, scope)
	if err != nil {
		return nil, err
	}
	pair := &TrendPair{Current: current}

	prev, err := e.scans.PreviousScan(ctx, scan)
	if err != nil {
		return nil, errors.Wrapf(err, "previous scan for %d", scan.ID)
	}
	if prev == nil {
		return pair, nil
	}
	pair.Previous, err = e.Aggregate(ctx, []*catalog.Scan{prev}, scope)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// scanTotals reads one scan's four summable statistics through the cache.
// A failed write-back still yields a valid value, so it does not fail the
// aggregation.
func (e *Engine) scanTotals(ctx context.Context, scanID int64, scope catalog.SpotScope) (Totals, error) {
	var t Totals
	var err error

	if t.SpotsCount, err = e.cache.SpotsCount(ctx, scanID, scope); tolerate(err) != nil {
		return t, err
	}
	if t.MediumATFSpotsCount, err = e.cache.MediumATFSpotsCount(ctx, scanID, scope); tolerate(err) != nil {
		return t, err
	}
	if t.TrueATFSpotsCount, err = e.cache.TrueATFSpotsCount(ctx, scanID, scope); tolerate(err) != nil {
		return t, err
	}
	if t.MPVTotal, err = e.cache.MPVTotal(ctx, scanID, scope); tolerate(err) != nil {
		return t, err
	}
	return t, nil
}

func tolerate(err error) error {
	if errors.Is(err, stats.ErrWriteBack) {
		return nil
	}
	return err
}

func ratio(num, den int64) *float64 {
	if den <= 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}

func mpvRatio(num, den decimal.Decimal) *float64 {
	if !den.IsPositive() {
		return nil
	}
	v, _ := num.Div(den).Float64()
	return &v
}
