package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looperhq/looper/catalog"
	loopertest "github.com/looperhq/looper/internal/testing"
	"github.com/looperhq/looper/stats"
)

// buildScan creates a scan with ten spots: four attributed to studio A and
// six to studio B, across two titles.
func buildScan(t *testing.T, store *catalog.Store) (scanID, studioA, studioB int64) {
	t.Helper()
	ctx := context.Background()

	platform, err := store.CreatePlatform(ctx, "itunes", "iTunes")
	require.NoError(t, err)
	territory, err := store.CreateTerritory(ctx, "US", "United States")
	require.NoError(t, err)
	device, err := store.CreateDevice(ctx, platform.ID, territory.ID)
	require.NoError(t, err)
	scan, err := store.CreateScan(ctx, device.ID, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	page, err := store.CreatePage(ctx, scan.ID, "Movies Home", "home")
	require.NoError(t, err)
	section, err := store.CreateSection(ctx, page.ID, "New Releases", 1)
	require.NoError(t, err)

	titleA, err := store.CreateTitle(ctx, "Dune", 2021)
	require.NoError(t, err)
	titleB, err := store.CreateTitle(ctx, "Oppenheimer", 2023)
	require.NoError(t, err)
	a, err := store.CreateStudio(ctx, "Studio A", catalog.DistributorStudio)
	require.NoError(t, err)
	b, err := store.CreateStudio(ctx, "Studio B", catalog.DistributorStudio)
	require.NoError(t, err)
	pubA, err := store.CreatePublication(ctx, a.ID, territory.ID, titleA.ID, catalog.DistributorStudio)
	require.NoError(t, err)
	pubB, err := store.CreatePublication(ctx, b.ID, territory.ID, titleB.ID, catalog.DistributorStudio)
	require.NoError(t, err)

	for column := 1; column <= 10; column++ {
		titleID, pubID := titleA.ID, pubA.ID
		if column > 4 {
			titleID, pubID = titleB.ID, pubB.ID
		}
		sp, err := store.CreateSpot(ctx, section.ID, titleID, "spot", column, time.Now(), nil)
		require.NoError(t, err)
		require.NoError(t, store.AttachPublication(ctx, pubID, sp.ID))
	}
	return scan.ID, a.ID, b.ID
}

func TestShareOfVoiceEndToEnd(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	store := catalog.NewStore(db, nil)
	cache := stats.New(store, store, nil)
	ctx := context.Background()

	scanID, studioA, studioB := buildScan(t, store)

	sovA, err := cache.ShareOfVoice(ctx, scanID, catalog.ForStudio(studioA))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, sovA, 1e-9)

	sovB, err := cache.ShareOfVoice(ctx, scanID, catalog.ForStudio(studioB))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, sovB, 1e-9)

	// The results round-trip through the persisted blob.
	blob, _, err := store.ScanStatistics(ctx, scanID)
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"spotsCount":10`)

	// Per-studio counts partition the total: no spot here lacks attribution.
	total, err := cache.SpotsCount(ctx, scanID, catalog.SpotScope{})
	require.NoError(t, err)
	countA, err := cache.SpotsCount(ctx, scanID, catalog.ForStudio(studioA))
	require.NoError(t, err)
	countB, err := cache.SpotsCount(ctx, scanID, catalog.ForStudio(studioB))
	require.NoError(t, err)
	assert.Equal(t, total, countA+countB)
	assert.LessOrEqual(t, sovA, 1.0)
	assert.LessOrEqual(t, sovB, 1.0)
}

func TestRecomputeAllAgainstStore(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	store := catalog.NewStore(db, nil)
	cache := stats.New(store, store, nil)
	ctx := context.Background()

	scanID, studioA, _ := buildScan(t, store)
	require.NoError(t, cache.RecomputeAll(ctx, scanID))

	blob, version, err := store.ScanStatistics(ctx, scanID)
	require.NoError(t, err)
	assert.Positive(t, version)
	assert.Contains(t, string(blob), `"studio"`)
	assert.Contains(t, string(blob), `"title"`)

	// A recomputed cache serves reads without touching the spot tables
	// again; the cached studio share matches the direct computation.
	sov, err := cache.ShareOfVoice(ctx, scanID, catalog.ForStudio(studioA))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, sov, 1e-9)

	// Idempotent: a second full recompute leaves the same blob.
	require.NoError(t, cache.RecomputeAll(ctx, scanID))
	after, _, err := store.ScanStatistics(ctx, scanID)
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(after))
}
