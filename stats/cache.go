package stats

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
)

// casAttempts bounds the optimistic write-back retry loop. Losing this many
// races in a row means heavy concurrent recomputation; the caller keeps the
// computed value and the next reader tries again.
const casAttempts = 3

// SpotQuerier computes statistics from the live placement set.
// *catalog.Store satisfies it.
type SpotQuerier interface {
	SpotCounts(ctx context.Context, scanID int64, scope catalog.SpotScope) (catalog.SpotCounts, error)
	MPVTotal(ctx context.Context, scanID int64, scope catalog.SpotScope) (decimal.Decimal, error)
	StudioIDs(ctx context.Context, scanID int64) ([]int64, error)
	TitleIDs(ctx context.Context, scanID int64) ([]int64, error)
}

// BlobStore reads and conditionally writes the persisted cache blob.
// *catalog.Store satisfies it.
type BlobStore interface {
	ScanStatistics(ctx context.Context, scanID int64) (json.RawMessage, int64, error)
	CompareAndSwapStatistics(ctx context.Context, scanID int64, blob json.RawMessage, oldVersion int64) (bool, error)
}

// Cache is the read-through statistics cache. Safe for concurrent use; all
// coordination happens through the blob store's compare-and-swap.
type Cache struct {
	spots    SpotQuerier
	blobs    BlobStore
	logger   *zap.SugaredLogger
	readOnly bool
}

// New creates a cache over the given collaborators. logger may be nil.
func New(spots SpotQuerier, blobs BlobStore, log *zap.SugaredLogger) *Cache {
	return &Cache{spots: spots, blobs: blobs, logger: log}
}

// ReadOnly returns a view of the cache that computes on miss but never
// persists, for use against replicas or other read-only data paths.
func (c *Cache) ReadOnly() *Cache {
	view := *c
	view.readOnly = true
	return &view
}

// Get returns one statistic for a scan, computing and persisting it on a
// cache miss. On write-back failure the computed value is returned together
// with an error wrapping ErrWriteBack; the value is correct, only the
// persistence is missing.
func (c *Cache) Get(ctx context.Context, scanID int64, kind Kind, scope catalog.SpotScope) (Value, error) {
	if kind == KindShareOfVoice {
		ratio, err := c.ShareOfVoice(ctx, scanID, scope)
		return Value{Kind: kind, Ratio: ratio}, err
	}

	raw, _, err := c.blobs.ScanStatistics(ctx, scanID)
	if err != nil {
		return Value{}, err
	}
	b, err := parseBlob(raw)
	if err != nil {
		return Value{}, err
	}
	if e := b.lookup(scope); e != nil {
		if v, ok := e.value(kind); ok {
			return v, nil
		}
	}

	v, err := c.compute(ctx, scanID, kind, scope)
	if err != nil {
		return Value{}, err
	}
	if c.logger != nil {
		c.logger.Debugw("Statistics cache miss",
			logger.FieldScanID, scanID,
			logger.FieldStatistic, string(kind),
			logger.FieldScope, scopeLabel(scope),
		)
	}
	if c.readOnly {
		return v, nil
	}
	if err := c.persist(ctx, scanID, scope, v); err != nil {
		return v, err
	}
	return v, nil
}

// SpotsCount returns the scoped placement count through the cache.
func (c *Cache) SpotsCount(ctx context.Context, scanID int64, scope catalog.SpotScope) (int64, error) {
	v, err := c.Get(ctx, scanID, KindSpotsCount, scope)
	return v.Count, err
}

// MediumATFSpotsCount returns the scoped medium-ATF count through the cache.
func (c *Cache) MediumATFSpotsCount(ctx context.Context, scanID int64, scope catalog.SpotScope) (int64, error) {
	v, err := c.Get(ctx, scanID, KindMediumATFSpotsCount, scope)
	return v.Count, err
}

// TrueATFSpotsCount returns the scoped true-ATF count through the cache.
func (c *Cache) TrueATFSpotsCount(ctx context.Context, scanID int64, scope catalog.SpotScope) (int64, error) {
	v, err := c.Get(ctx, scanID, KindTrueATFSpotsCount, scope)
	return v.Count, err
}

// MPVTotal returns the scoped media value total through the cache.
func (c *Cache) MPVTotal(ctx context.Context, scanID int64, scope catalog.SpotScope) (decimal.Decimal, error) {
	v, err := c.Get(ctx, scanID, KindMPVTotal, scope)
	return v.Total, err
}

// ShareOfVoice returns the scoped spot count divided by the scan's total
// spot count, both read through the cache. A zero denominator makes the
// ratio undefined: the call returns an error wrapping ErrUndefined and
// nothing is cached.
func (c *Cache) ShareOfVoice(ctx context.Context, scanID int64, scope catalog.SpotScope) (float64, error) {
	if scope.Global() {
		return 0, errors.Wrap(ErrUndefined, "share of voice requires a studio or title scope")
	}

	raw, _, err := c.blobs.ScanStatistics(ctx, scanID)
	if err != nil {
		return 0, err
	}
	b, err := parseBlob(raw)
	if err != nil {
		return 0, err
	}
	if e := b.lookup(scope); e != nil && e.ShareOfVoice != nil {
		return *e.ShareOfVoice, nil
	}

	// The denominator goes through the cache too, forcing its computation
	// when absent so the ratio never divides by a stale value.
	total, err := c.SpotsCount(ctx, scanID, catalog.SpotScope{})
	if err != nil && !errors.Is(err, ErrWriteBack) {
		return 0, err
	}
	if total == 0 {
		return 0, errors.Wrapf(ErrUndefined, "scan %d has no spots", scanID)
	}
	scoped, err := c.SpotsCount(ctx, scanID, scope)
	if err != nil && !errors.Is(err, ErrWriteBack) {
		return 0, err
	}

	ratio := float64(scoped) / float64(total)
	if c.readOnly {
		return ratio, nil
	}
	if err := c.persist(ctx, scanID, scope, Value{Kind: KindShareOfVoice, Ratio: ratio}); err != nil {
		return ratio, err
	}
	return ratio, nil
}

// Invalidate removes one cached statistic so the next read recomputes it.
func (c *Cache) Invalidate(ctx context.Context, scanID int64, kind Kind, scope catalog.SpotScope) error {
	if c.readOnly {
		return errors.NewInvalidf("read-only cache cannot invalidate")
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, version, err := c.blobs.ScanStatistics(ctx, scanID)
		if err != nil {
			return err
		}
		b, err := parseBlob(raw)
		if err != nil {
			return err
		}
		e := b.lookup(scope)
		if e == nil {
			return nil
		}
		if _, ok := e.value(kind); !ok {
			return nil
		}
		e.clear(kind)
		b.drop(scope)

		out, err := b.marshal()
		if err != nil {
			return err
		}
		ok, err := c.blobs.CompareAndSwapStatistics(ctx, scanID, out, version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrConflict, "invalidate scan %d: lost %d write races", scanID, casAttempts)
}

// InvalidateAll resets a scan's cache to empty.
func (c *Cache) InvalidateAll(ctx context.Context, scanID int64) error {
	if c.readOnly {
		return errors.NewInvalidf("read-only cache cannot invalidate")
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		_, version, err := c.blobs.ScanStatistics(ctx, scanID)
		if err != nil {
			return err
		}
		ok, err := c.blobs.CompareAndSwapStatistics(ctx, scanID, json.RawMessage("{}"), version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrConflict, "invalidate scan %d: lost %d write races", scanID, casAttempts)
}

// RecomputeAll rebuilds the scan's entire cache from the live placement set:
// the global statistics plus every studio and title with placements,
// including share of voice where defined. The fresh blob replaces whatever
// was stored, retrying the swap until it lands.
func (c *Cache) RecomputeAll(ctx context.Context, scanID int64) error {
	if c.readOnly {
		return errors.NewInvalidf("read-only cache cannot recompute")
	}

	b := &blob{}
	counts, err := c.spots.SpotCounts(ctx, scanID, catalog.SpotScope{})
	if err != nil {
		return errors.Wrapf(err, "recompute scan %d", scanID)
	}
	mpv, err := c.spots.MPVTotal(ctx, scanID, catalog.SpotScope{})
	if err != nil {
		return errors.Wrapf(err, "recompute scan %d", scanID)
	}
	fillCounts(&b.entry, counts, mpv)

	studios, err := c.spots.StudioIDs(ctx, scanID)
	if err != nil {
		return errors.Wrapf(err, "recompute scan %d", scanID)
	}
	for _, id := range studios {
		if err := c.recomputeScope(ctx, b, scanID, catalog.ForStudio(id), counts.Total); err != nil {
			return err
		}
	}
	titles, err := c.spots.TitleIDs(ctx, scanID)
	if err != nil {
		return errors.Wrapf(err, "recompute scan %d", scanID)
	}
	for _, id := range titles {
		if err := c.recomputeScope(ctx, b, scanID, catalog.ForTitle(id), counts.Total); err != nil {
			return err
		}
	}

	out, err := b.marshal()
	if err != nil {
		return err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		_, version, err := c.blobs.ScanStatistics(ctx, scanID)
		if err != nil {
			return err
		}
		ok, err := c.blobs.CompareAndSwapStatistics(ctx, scanID, out, version)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "persist recomputed scan %d", scanID), ErrWriteBack)
		}
		if !ok {
			continue
		}
		if c.logger != nil {
			c.logger.Infow("Scan statistics recomputed",
				logger.FieldScanID, scanID,
				"studios", len(studios),
				"titles", len(titles),
				"spots", counts.Total,
			)
		}
		return nil
	}
	return errors.Wrapf(ErrWriteBack, "recompute scan %d: lost %d write races", scanID, casAttempts)
}

func (c *Cache) recomputeScope(ctx context.Context, b *blob, scanID int64, scope catalog.SpotScope, total int64) error {
	counts, err := c.spots.SpotCounts(ctx, scanID, scope)
	if err != nil {
		return errors.Wrapf(err, "recompute scan %d scope %s", scanID, scopeLabel(scope))
	}
	mpv, err := c.spots.MPVTotal(ctx, scanID, scope)
	if err != nil {
		return errors.Wrapf(err, "recompute scan %d scope %s", scanID, scopeLabel(scope))
	}
	e := b.ensure(scope)
	fillCounts(e, counts, mpv)
	if total > 0 {
		ratio := float64(counts.Total) / float64(total)
		e.ShareOfVoice = &ratio
	}
	return nil
}

func fillCounts(e *entry, counts catalog.SpotCounts, mpv decimal.Decimal) {
	e.set(Value{Kind: KindSpotsCount, Count: counts.Total})
	e.set(Value{Kind: KindMediumATFSpotsCount, Count: counts.MediumATF})
	e.set(Value{Kind: KindTrueATFSpotsCount, Count: counts.TrueATF})
	e.set(Value{Kind: KindMPVTotal, Total: mpv})
}

func (c *Cache) compute(ctx context.Context, scanID int64, kind Kind, scope catalog.SpotScope) (Value, error) {
	switch kind {
	case KindSpotsCount, KindMediumATFSpotsCount, KindTrueATFSpotsCount:
		counts, err := c.spots.SpotCounts(ctx, scanID, scope)
		if err != nil {
			return Value{}, errors.Wrapf(err, "compute %s for scan %d", kind, scanID)
		}
		v := Value{Kind: kind}
		switch kind {
		case KindSpotsCount:
			v.Count = counts.Total
		case KindMediumATFSpotsCount:
			v.Count = counts.MediumATF
		case KindTrueATFSpotsCount:
			v.Count = counts.TrueATF
		}
		return v, nil
	case KindMPVTotal:
		total, err := c.spots.MPVTotal(ctx, scanID, scope)
		if err != nil {
			return Value{}, errors.Wrapf(err, "compute %s for scan %d", kind, scanID)
		}
		return Value{Kind: kind, Total: total}, nil
	default:
		return Value{}, errors.NewInvalidf("unknown statistic kind %q", kind)
	}
}

// persist writes one computed value into the stored blob under optimistic
// concurrency. A concurrent writer that already filled the key wins; both
// computations saw the same placement set, so the values agree.
func (c *Cache) persist(ctx context.Context, scanID int64, scope catalog.SpotScope, v Value) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, version, err := c.blobs.ScanStatistics(ctx, scanID)
		if err != nil {
			return errors.Mark(err, ErrWriteBack)
		}
		b, err := parseBlob(raw)
		if err != nil {
			return errors.Mark(err, ErrWriteBack)
		}
		if e := b.lookup(scope); e != nil {
			if _, ok := e.value(v.Kind); ok {
				return nil
			}
		}
		b.ensure(scope).set(v)

		out, err := b.marshal()
		if err != nil {
			return errors.Mark(err, ErrWriteBack)
		}
		ok, err := c.blobs.CompareAndSwapStatistics(ctx, scanID, out, version)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "write back %s for scan %d", v.Kind, scanID), ErrWriteBack)
		}
		if ok {
			return nil
		}
	}
	return errors.Wrapf(ErrWriteBack, "scan %d: lost %d consecutive write races on %s", scanID, casAttempts, v.Kind)
}

func scopeLabel(scope catalog.SpotScope) string {
	switch {
	case scope.StudioID != 0:
		return "studio:" + scopeKey(scope.StudioID)
	case scope.TitleID != 0:
		return "title:" + scopeKey(scope.TitleID)
	default:
		return "global"
	}
}
