package atf_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looperhq/looper/atf"
	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/errors"
	loopertest "github.com/looperhq/looper/internal/testing"
)

type recordingNotifier struct {
	changed []int64
	removed [][]int64
}

func (n *recordingNotifier) RuleChanged(_ context.Context, ruleID int64) error {
	n.changed = append(n.changed, ruleID)
	return nil
}

func (n *recordingNotifier) RuleRemoved(_ context.Context, scanIDs []int64) error {
	n.removed = append(n.removed, scanIDs)
	return nil
}

type fixture struct {
	cat     *catalog.Store
	device  *catalog.Device
	scan    *catalog.Scan
	section *catalog.Section
	title   *catalog.Title
}

func newFixture(t *testing.T, cat *catalog.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	platform, err := cat.CreatePlatform(ctx, "itunes", "iTunes")
	require.NoError(t, err)
	territory, err := cat.CreateTerritory(ctx, "US", "United States")
	require.NoError(t, err)
	device, err := cat.CreateDevice(ctx, platform.ID, territory.ID)
	require.NoError(t, err)
	scan, err := cat.CreateScan(ctx, device.ID, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	page, err := cat.CreatePage(ctx, scan.ID, "Movies Home", "home")
	require.NoError(t, err)
	section, err := cat.CreateSection(ctx, page.ID, "New Releases", 3)
	require.NoError(t, err)
	title, err := cat.CreateTitle(ctx, "Arrival", 2016)
	require.NoError(t, err)

	return &fixture{cat: cat, device: device, scan: scan, section: section, title: title}
}

func TestCreateRule(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	cat := catalog.NewStore(db, nil)
	store := atf.NewStore(db, nil)
	fx := newFixture(t, cat)
	ctx := context.Background()

	rule, err := store.CreateRule(ctx, atf.Rule{
		DeviceID: fx.device.ID, PageName: "home", Row: 3, ColumnStart: 1, ColumnEnd: 5,
	})
	require.NoError(t, err)
	assert.NotZero(t, rule.ID)

	got, err := store.RuleFor(ctx, fx.device.ID, "home", 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rule.ID, got.ID)
	assert.Equal(t, 1, got.ColumnStart)
	assert.Equal(t, 5, got.ColumnEnd)
}

func TestCreateRuleConflict(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	cat := catalog.NewStore(db, nil)
	store := atf.NewStore(db, nil)
	fx := newFixture(t, cat)
	ctx := context.Background()

	_, err := store.CreateRule(ctx, atf.Rule{
		DeviceID: fx.device.ID, PageName: "home", Row: 1, ColumnStart: 1, ColumnEnd: 4,
	})
	require.NoError(t, err)

	_, err = store.CreateRule(ctx, atf.Rule{
		DeviceID: fx.device.ID, PageName: "home", Row: 1, ColumnStart: 2, ColumnEnd: 6,
	})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestCreateRuleValidation(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	store := atf.NewStore(db, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		rule atf.Rule
	}{
		{"missing device", atf.Rule{Row: 1, ColumnStart: 1, ColumnEnd: 2}},
		{"zero row", atf.Rule{DeviceID: 1, Row: 0, ColumnStart: 1, ColumnEnd: 2}},
		{"zero column start", atf.Rule{DeviceID: 1, Row: 1, ColumnStart: 0, ColumnEnd: 2}},
		{"inverted range", atf.Rule{DeviceID: 1, Row: 1, ColumnStart: 5, ColumnEnd: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateRule(ctx, tt.rule)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestRuleForMissing(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	store := atf.NewStore(db, nil)

	rule, err := store.RuleFor(context.Background(), 42, "home", 1)
	require.NoError(t, err)
	assert.Nil(t, rule, "absent rule is nil, nil")
}

func TestUpdateRule(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	cat := catalog.NewStore(db, nil)
	store := atf.NewStore(db, nil)
	fx := newFixture(t, cat)
	ctx := context.Background()

	notifier := &recordingNotifier{}
	store.SetNotifier(notifier)

	rule, err := store.CreateRule(ctx, atf.Rule{
		DeviceID: fx.device.ID, PageName: "home", Row: 2, ColumnStart: 1, ColumnEnd: 3,
	})
	require.NoError(t, err)

	updated, err := store.UpdateRule(ctx, rule.ID, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ColumnStart)
	assert.Equal(t, 8, updated.ColumnEnd)

	_, err = store.UpdateRule(ctx, rule.ID, 9, 4)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.Equal(t, []int64{rule.ID, rule.ID}, notifier.changed,
		"create and successful update each notify")
}

func TestDeleteRuleClearsSpots(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	cat := catalog.NewStore(db, nil)
	store := atf.NewStore(db, nil)
	fx := newFixture(t, cat)
	ctx := context.Background()

	rule, err := store.CreateRule(ctx, atf.Rule{
		DeviceID: fx.device.ID, PageName: "home", Row: 3, ColumnStart: 1, ColumnEnd: 5,
	})
	require.NoError(t, err)

	inRange, err := fx.cat.CreateSpot(ctx, fx.section.ID, fx.title.ID, "Arrival", 2, time.Now(), store)
	require.NoError(t, err)
	require.True(t, inRange.TrueATF)

	outOfRange, err := fx.cat.CreateSpot(ctx, fx.section.ID, fx.title.ID, "Arrival", 9, time.Now(), store)
	require.NoError(t, err)
	require.False(t, outOfRange.TrueATF)

	notifier := &recordingNotifier{}
	store.SetNotifier(notifier)
	require.NoError(t, store.DeleteRule(ctx, rule.ID))

	got, err := fx.cat.GetSpot(ctx, inRange.ID)
	require.NoError(t, err)
	assert.False(t, got.TrueATF, "deletion clears the flag")

	require.Len(t, notifier.removed, 1)
	assert.Equal(t, []int64{fx.scan.ID}, notifier.removed[0])

	_, err = store.GetRule(ctx, rule.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteRuleWithoutSpots(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	cat := catalog.NewStore(db, nil)
	store := atf.NewStore(db, nil)
	fx := newFixture(t, cat)
	ctx := context.Background()

	notifier := &recordingNotifier{}
	store.SetNotifier(notifier)

	rule, err := store.CreateRule(ctx, atf.Rule{
		DeviceID: fx.device.ID, PageName: "home", Row: 7, ColumnStart: 1, ColumnEnd: 2,
	})
	require.NoError(t, err)
	require.NoError(t, store.DeleteRule(ctx, rule.ID))

	assert.Empty(t, notifier.removed, "no touched scans means no notification")
}

func TestListRules(t *testing.T) {
	db := loopertest.CreateTestDB(t)
	cat := catalog.NewStore(db, nil)
	store := atf.NewStore(db, nil)
	fx := newFixture(t, cat)
	ctx := context.Background()

	for _, row := range []int{5, 1, 3} {
		_, err := store.CreateRule(ctx, atf.Rule{
			DeviceID: fx.device.ID, PageName: "home", Row: row, ColumnStart: 1, ColumnEnd: 4,
		})
		require.NoError(t, err)
	}

	rules, err := store.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []int{1, 3, 5}, []int{rules[0].Row, rules[1].Row, rules[2].Row})
}
