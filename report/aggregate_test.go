package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looperhq/looper/catalog"
	loopertest "github.com/looperhq/looper/internal/testing"
	"github.com/looperhq/looper/report"
	"github.com/looperhq/looper/stats"
)

// reportEnv is a two-week corpus for one organization: scans on 2024-01-01
// and 2024-01-08, each with ten spots split four to the organization's own
// studio and six to a granted competitor, plus an ungranted studio with
// spots of its own.
type reportEnv struct {
	cat    *catalog.Store
	cache  *stats.Cache
	engine *report.Engine

	org       *catalog.Organization
	platform  *catalog.Platform
	territory *catalog.Territory
	device    *catalog.Device
	studioA   *catalog.Studio // own
	studioB   *catalog.Studio // granted competitor
	studioC   *catalog.Studio // not granted
	scans     []*catalog.Scan
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(catalog.DateLayout, s)
	require.NoError(t, err)
	return d
}

func newReportEnv(t *testing.T) *reportEnv {
	t.Helper()
	ctx := context.Background()

	db := loopertest.CreateTestDB(t)
	cat := catalog.NewStore(db, nil)
	cache := stats.New(cat, cat, nil)
	e := &reportEnv{cat: cat, cache: cache, engine: report.NewEngine(cache, cat, nil)}

	var err error
	e.platform, err = cat.CreatePlatform(ctx, "itunes", "iTunes")
	require.NoError(t, err)
	e.territory, err = cat.CreateTerritory(ctx, "US", "United States")
	require.NoError(t, err)
	e.device, err = cat.CreateDevice(ctx, e.platform.ID, e.territory.ID)
	require.NoError(t, err)

	e.studioA, err = cat.CreateStudio(ctx, "Studio A", catalog.DistributorStudio)
	require.NoError(t, err)
	e.studioB, err = cat.CreateStudio(ctx, "Studio B", catalog.DistributorStudio)
	require.NoError(t, err)
	e.studioC, err = cat.CreateStudio(ctx, "Studio C", catalog.DistributorStudio)
	require.NoError(t, err)

	e.org, err = cat.CreateOrganization(ctx, "Acme", e.studioA.ID)
	require.NoError(t, err)
	require.NoError(t, cat.GrantCompetitor(ctx, e.org.ID, e.studioB.ID, e.territory.ID))
	require.NoError(t, cat.AddOrganizationDevice(ctx, e.org.ID, e.device.ID))

	titleA, err := cat.CreateTitle(ctx, "Dune", 2021)
	require.NoError(t, err)
	titleB, err := cat.CreateTitle(ctx, "Oppenheimer", 2023)
	require.NoError(t, err)
	titleC, err := cat.CreateTitle(ctx, "Barbie", 2023)
	require.NoError(t, err)
	pubA, err := cat.CreatePublication(ctx, e.studioA.ID, e.territory.ID, titleA.ID, catalog.DistributorStudio)
	require.NoError(t, err)
	pubB, err := cat.CreatePublication(ctx, e.studioB.ID, e.territory.ID, titleB.ID, catalog.DistributorStudio)
	require.NoError(t, err)
	pubC, err := cat.CreatePublication(ctx, e.studioC.ID, e.territory.ID, titleC.ID, catalog.DistributorStudio)
	require.NoError(t, err)

	for _, scanDate := range []string{"2024-01-01", "2024-01-08"} {
		scan, err := cat.CreateScan(ctx, e.device.ID, date(t, scanDate))
		require.NoError(t, err)
		require.NoError(t, cat.LinkScan(ctx, e.org.ID, scan.ID))

		page, err := cat.CreatePage(ctx, scan.ID, "Movies Home", "home")
		require.NoError(t, err)
		section, err := cat.CreateSection(ctx, page.ID, "New Releases", 1)
		require.NoError(t, err)
		for column := 1; column <= 10; column++ {
			titleID, pubID := titleA.ID, pubA.ID
			if column > 4 {
				titleID, pubID = titleB.ID, pubB.ID
			}
			sp, err := cat.CreateSpot(ctx, section.ID, titleID, "spot", column, time.Now(), nil)
			require.NoError(t, err)
			require.NoError(t, cat.AttachPublication(ctx, pubID, sp.ID))
		}

		// Two more spots on a second row for the ungranted studio.
		back, err := cat.CreateSection(ctx, page.ID, "Editor Picks", 2)
		require.NoError(t, err)
		for column := 1; column <= 2; column++ {
			sp, err := cat.CreateSpot(ctx, back.ID, titleC.ID, "spot", column, time.Now(), nil)
			require.NoError(t, err)
			require.NoError(t, cat.AttachPublication(ctx, pubC.ID, sp.ID))
		}

		e.scans = append(e.scans, scan)
	}
	return e
}

func TestAggregateSumsAcrossScans(t *testing.T) {
	e := newReportEnv(t)
	ctx := context.Background()

	agg, err := e.engine.Aggregate(ctx, e.scans, catalog.ForStudio(e.studioA.ID))
	require.NoError(t, err)

	assert.Equal(t, 2, agg.Scans)
	assert.Equal(t, int64(24), agg.Total.SpotsCount, "12 spots per scan")
	assert.Equal(t, int64(8), agg.Scoped.SpotsCount, "4 per scan for studio A")
	require.NotNil(t, agg.SOV)
	assert.InDelta(t, 8.0/24.0, *agg.SOV, 1e-9)
}

func TestAggregateGlobalScopeHasNoRatios(t *testing.T) {
	e := newReportEnv(t)

	agg, err := e.engine.Aggregate(context.Background(), e.scans, catalog.SpotScope{})
	require.NoError(t, err)
	assert.Equal(t, agg.Total, agg.Scoped)
	assert.Nil(t, agg.SOV)
	assert.Nil(t, agg.ShareOfMPV)
}

func TestAggregateOmitsRatiosOnZeroDenominator(t *testing.T) {
	e := newReportEnv(t)
	ctx := context.Background()

	empty, err := e.cat.CreateScan(ctx, e.device.ID, date(t, "2024-02-01"))
	require.NoError(t, err)

	agg, err := e.engine.Aggregate(ctx, []*catalog.Scan{empty}, catalog.ForStudio(e.studioA.ID))
	require.NoError(t, err)
	assert.Nil(t, agg.SOV, "zero denominator omits the ratio, not zero")
	assert.Nil(t, agg.MediumATFSOV)
	assert.Nil(t, agg.TrueATFSOV)
	assert.Nil(t, agg.ShareOfMPV)
}

func TestAggregateIsDeterministic(t *testing.T) {
	e := newReportEnv(t)
	ctx := context.Background()
	scope := catalog.ForStudio(e.studioB.ID)

	first, err := e.engine.Aggregate(ctx, e.scans, scope)
	require.NoError(t, err)
	second, err := e.engine.Aggregate(ctx, e.scans, scope)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTrendPairsWithSevenDayPrior(t *testing.T) {
	e := newReportEnv(t)
	ctx := context.Background()

	pair, err := e.engine.Trend(ctx, e.scans[1], catalog.ForStudio(e.studioA.ID))
	require.NoError(t, err)
	require.NotNil(t, pair.Previous, "the scan exactly 7 days earlier pairs")
	assert.Equal(t, pair.Current.Scoped.SpotsCount, pair.Previous.Scoped.SpotsCount)

	// The earliest scan has nothing before it.
	pair, err = e.engine.Trend(ctx, e.scans[0], catalog.ForStudio(e.studioA.ID))
	require.NoError(t, err)
	assert.Nil(t, pair.Previous)
}
