package stats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/errors"
)

type fakeQuerier struct {
	counts     map[catalog.SpotScope]catalog.SpotCounts
	mpv        map[catalog.SpotScope]decimal.Decimal
	studios    []int64
	titles     []int64
	countCalls int
}

func (q *fakeQuerier) SpotCounts(_ context.Context, _ int64, scope catalog.SpotScope) (catalog.SpotCounts, error) {
	q.countCalls++
	return q.counts[scope], nil
}

func (q *fakeQuerier) MPVTotal(_ context.Context, _ int64, scope catalog.SpotScope) (decimal.Decimal, error) {
	if v, ok := q.mpv[scope]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

func (q *fakeQuerier) StudioIDs(context.Context, int64) ([]int64, error) { return q.studios, nil }
func (q *fakeQuerier) TitleIDs(context.Context, int64) ([]int64, error)  { return q.titles, nil }

// fakeBlobs is an in-memory blob store with the same compare-and-swap
// contract as the scans table.
type fakeBlobs struct {
	raw       json.RawMessage
	version   int64
	swapErr   error
	loseRaces int
	swaps     int
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{raw: json.RawMessage("{}")} }

func (f *fakeBlobs) ScanStatistics(context.Context, int64) (json.RawMessage, int64, error) {
	return f.raw, f.version, nil
}

func (f *fakeBlobs) CompareAndSwapStatistics(_ context.Context, _ int64, blob json.RawMessage, oldVersion int64) (bool, error) {
	if f.swapErr != nil {
		return false, f.swapErr
	}
	if f.loseRaces > 0 {
		f.loseRaces--
		f.version++
		return false, nil
	}
	if oldVersion != f.version {
		return false, nil
	}
	f.raw = blob
	f.version++
	f.swaps++
	return true, nil
}

func globalCounts(total, medium, trueATF int64) map[catalog.SpotScope]catalog.SpotCounts {
	return map[catalog.SpotScope]catalog.SpotCounts{
		{}: {Total: total, MediumATF: medium, TrueATF: trueATF},
	}
}

func TestGetComputesOnMissAndCachesResult(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: globalCounts(10, 4, 2)}
	blobs := newFakeBlobs()
	cache := New(querier, blobs, nil)

	v, err := cache.Get(ctx, 1, KindSpotsCount, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Count)
	assert.Equal(t, 1, querier.countCalls)
	assert.JSONEq(t, `{"spotsCount":10}`, string(blobs.raw))

	// Second read hits the cache: same value, no recomputation.
	v, err = cache.Get(ctx, 1, KindSpotsCount, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Count)
	assert.Equal(t, 1, querier.countCalls)
}

func TestGetKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{
		counts: globalCounts(10, 4, 2),
		mpv:    map[catalog.SpotScope]decimal.Decimal{{}: decimal.RequireFromString("3.25")},
	}
	cache := New(querier, newFakeBlobs(), nil)

	count, err := cache.MediumATFSpotsCount(ctx, 1, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	total, err := cache.MPVTotal(ctx, 1, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, "3.25", total.String())

	// Filling mediumAtfSpotsCount did not fill spotsCount.
	b, err := parseBlob(cache.blobs.(*fakeBlobs).raw)
	require.NoError(t, err)
	_, ok := b.entry.value(KindSpotsCount)
	assert.False(t, ok)
}

func TestGetReturnsValueOnWriteBackError(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: globalCounts(10, 4, 2)}
	blobs := newFakeBlobs()
	blobs.swapErr = errors.New("disk full")
	cache := New(querier, blobs, nil)

	v, err := cache.Get(ctx, 1, KindSpotsCount, catalog.SpotScope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteBack), "write-back failures are recoverable")
	assert.Equal(t, int64(10), v.Count, "computed value still returned")

	// Failed write-back leaves the cache empty: the next read recomputes.
	blobs.swapErr = nil
	_, err = cache.Get(ctx, 1, KindSpotsCount, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, 2, querier.countCalls)
}

func TestGetExhaustsWriteRaces(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: globalCounts(10, 4, 2)}
	blobs := newFakeBlobs()
	blobs.loseRaces = casAttempts
	cache := New(querier, blobs, nil)

	v, err := cache.Get(ctx, 1, KindSpotsCount, catalog.SpotScope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteBack))
	assert.Equal(t, int64(10), v.Count)
}

func TestPersistYieldsToConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: globalCounts(10, 4, 2)}
	blobs := newFakeBlobs()
	// Another writer already landed the same key.
	blobs.raw = json.RawMessage(`{"spotsCount":10}`)
	blobs.version = 3
	cache := New(querier, blobs, nil)

	// Miss the cache by asking for a different key first, then observe that
	// a retry against an already-filled key does not rewrite it.
	require.NoError(t, cache.persist(ctx, 1, catalog.SpotScope{}, Value{Kind: KindSpotsCount, Count: 10}))
	assert.Zero(t, blobs.swaps, "existing value wins, no swap issued")
}

func TestReadOnlyCacheNeverPersists(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: globalCounts(10, 4, 2)}
	blobs := newFakeBlobs()
	cache := New(querier, blobs, nil).ReadOnly()

	count, err := cache.SpotsCount(ctx, 1, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
	assert.JSONEq(t, "{}", string(blobs.raw))
	assert.Zero(t, blobs.swaps)

	require.Error(t, cache.RecomputeAll(ctx, 1))
	require.Error(t, cache.InvalidateAll(ctx, 1))
}

func TestShareOfVoice(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: map[catalog.SpotScope]catalog.SpotCounts{
		{}:                   {Total: 10},
		catalog.ForStudio(7): {Total: 4},
		catalog.ForStudio(8): {Total: 6},
	}}
	blobs := newFakeBlobs()
	cache := New(querier, blobs, nil)

	sov, err := cache.ShareOfVoice(ctx, 1, catalog.ForStudio(7))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, sov, 1e-9)

	sov, err = cache.ShareOfVoice(ctx, 1, catalog.ForStudio(8))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, sov, 1e-9)

	// The denominator was cached by the first call.
	b, err := parseBlob(blobs.raw)
	require.NoError(t, err)
	v, ok := b.entry.value(KindSpotsCount)
	require.True(t, ok)
	assert.Equal(t, int64(10), v.Count)

	// Cached ratio is served without recomputation.
	calls := querier.countCalls
	_, err = cache.ShareOfVoice(ctx, 1, catalog.ForStudio(7))
	require.NoError(t, err)
	assert.Equal(t, calls, querier.countCalls)
}

func TestShareOfVoiceUndefinedOnZeroDenominator(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: map[catalog.SpotScope]catalog.SpotCounts{}}
	blobs := newFakeBlobs()
	cache := New(querier, blobs, nil)

	_, err := cache.ShareOfVoice(ctx, 1, catalog.ForStudio(7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUndefined))

	// The undefined ratio is never cached; only the denominator landed.
	b, err := parseBlob(blobs.raw)
	require.NoError(t, err)
	assert.Nil(t, b.lookup(catalog.ForStudio(7)))
}

func TestShareOfVoiceRequiresEntityScope(t *testing.T) {
	cache := New(&fakeQuerier{}, newFakeBlobs(), nil)
	_, err := cache.ShareOfVoice(context.Background(), 1, catalog.SpotScope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUndefined))
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: globalCounts(10, 4, 2)}
	blobs := newFakeBlobs()
	cache := New(querier, blobs, nil)

	_, err := cache.SpotsCount(ctx, 1, catalog.SpotScope{})
	require.NoError(t, err)
	_, err = cache.MediumATFSpotsCount(ctx, 1, catalog.SpotScope{})
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, 1, KindSpotsCount, catalog.SpotScope{}))
	assert.JSONEq(t, `{"mediumAtfSpotsCount":4}`, string(blobs.raw),
		"only the invalidated key is dropped")

	querier.counts = globalCounts(12, 4, 2)
	count, err := cache.SpotsCount(ctx, 1, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, int64(12), count, "next read recomputes")
}

func TestRecomputeAll(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{
		counts: map[catalog.SpotScope]catalog.SpotCounts{
			{}:                   {Total: 10, MediumATF: 6, TrueATF: 3},
			catalog.ForStudio(7): {Total: 4, MediumATF: 2, TrueATF: 1},
			catalog.ForTitle(9):  {Total: 5, MediumATF: 3, TrueATF: 2},
		},
		mpv: map[catalog.SpotScope]decimal.Decimal{
			{}:                   decimal.RequireFromString("20.5"),
			catalog.ForStudio(7): decimal.RequireFromString("8.25"),
			catalog.ForTitle(9):  decimal.RequireFromString("10"),
		},
		studios: []int64{7},
		titles:  []int64{9},
	}
	blobs := newFakeBlobs()
	// Stale junk gets fully replaced.
	blobs.raw = json.RawMessage(`{"spotsCount":999}`)
	cache := New(querier, blobs, nil)

	require.NoError(t, cache.RecomputeAll(ctx, 1))
	assert.JSONEq(t, `{
		"spotsCount": 10, "mediumAtfSpotsCount": 6, "trueAtfSpotsCount": 3, "mpvTotal": 20.5,
		"studio": {"7": {"spotsCount": 4, "mediumAtfSpotsCount": 2, "trueAtfSpotsCount": 1,
		                 "shareOfVoice": 0.4, "mpvTotal": 8.25}},
		"title":  {"9": {"spotsCount": 5, "mediumAtfSpotsCount": 3, "trueAtfSpotsCount": 2,
		                 "shareOfVoice": 0.5, "mpvTotal": 10}}
	}`, string(blobs.raw))

	// Recomputing again converges to the identical blob.
	before := string(blobs.raw)
	require.NoError(t, cache.RecomputeAll(ctx, 1))
	assert.JSONEq(t, before, string(blobs.raw))
}

func TestRecomputeAllEmptyScan(t *testing.T) {
	ctx := context.Background()
	querier := &fakeQuerier{counts: map[catalog.SpotScope]catalog.SpotCounts{}}
	blobs := newFakeBlobs()
	cache := New(querier, blobs, nil)

	require.NoError(t, cache.RecomputeAll(ctx, 1))
	assert.JSONEq(t, `{"spotsCount":0,"mediumAtfSpotsCount":0,"trueAtfSpotsCount":0,"mpvTotal":0}`,
		string(blobs.raw), "computed zeros are cached as zeros, not absence")
}
