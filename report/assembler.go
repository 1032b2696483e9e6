package report

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/errors"
	"github.com/looperhq/looper/logger"
)

// Filters narrows a report to a subset of what the organization can see.
// Empty slices mean "everything visible".
type Filters struct {
	OrganizationID    int64    `json:"organization_id"`
	PlatformCodes     []string `json:"platform_codes,omitempty"`
	TerritoryISOCodes []string `json:"territory_iso_codes,omitempty"`
	StudioIDs         []int64  `json:"studio_ids,omitempty"`
}

// Row is one line of the assembled report: a studio on a platform in a
// territory, over the whole period (Week nil) or one week bucket.
type Row struct {
	StudioID  int64
	Studio    *catalog.Studio
	Platform  *catalog.Platform
	Territory *catalog.Territory
	Week      *Week
	Aggregate *Aggregate
}

// View is the assembled report, ordered studio, platform, territory, week,
// ready for an external serializer.
type View struct {
	Period      Period
	Weeks       []Week
	GeneratedAt time.Time
	Rows        []Row
}

// Assembler resolves an organization's visible studio, platform and
// territory combinations and aggregates each. It holds no state between
// calls; every report is freshly computed.
type Assembler struct {
	cat    *catalog.Store
	engine *Engine
	logger *zap.SugaredLogger
}

// NewAssembler creates a report assembler. logger may be nil.
func NewAssembler(cat *catalog.Store, engine *Engine, log *zap.SugaredLogger) *Assembler {
	return &Assembler{cat: cat, engine: engine, logger: log}
}

// Assemble builds the report for one organization and period. Combinations
// with no visible spots are skipped; when the period spans more than one
// week, each surviving combination also gets per-week rows.
func (a *Assembler) Assemble(ctx context.Context, period Period, f Filters) (*View, error) {
	if f.OrganizationID == 0 {
		return nil, errors.NewInvalidf("report requires an organization")
	}
	org, err := a.cat.GetOrganization(ctx, f.OrganizationID)
	if err != nil {
		return nil, err
	}

	studioIDs, err := a.cat.AccessibleStudioIDs(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	studioIDs = filterIDs(studioIDs, f.StudioIDs)

	grants, err := a.cat.CompetitorGrants(ctx, org.ID)
	if err != nil {
		return nil, err
	}

	platforms, err := a.cat.OrganizationPlatforms(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	platforms = filterPlatforms(platforms, f.PlatformCodes)

	territories, err := a.cat.OrganizationTerritories(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	territories = filterTerritories(territories, f.TerritoryISOCodes)

	weeks := period.Weeks()
	view := &View{Period: period, Weeks: weeks, GeneratedAt: time.Now().UTC()}

	// One scan fetch per platform x territory, shared across studios.
	type combo struct{ platformID, territoryID int64 }
	scansByCombo := make(map[combo][]*catalog.Scan)
	for _, pl := range platforms {
		for _, terr := range territories {
			filter := period.Filter()
			filter.OrganizationID = org.ID
			filter.PlatformIDs = []int64{pl.ID}
			filter.TerritoryIDs = []int64{terr.ID}
			scans, err := a.cat.ScansForPeriod(ctx, filter)
			if err != nil {
				return nil, err
			}
			scansByCombo[combo{pl.ID, terr.ID}] = scans
		}
	}

	studios := make(map[int64]*catalog.Studio, len(studioIDs))
	for _, id := range studioIDs {
		studio, err := a.cat.GetStudio(ctx, id)
		if err != nil {
			return nil, err
		}
		studios[id] = studio
	}

	for _, studioID := range studioIDs {
		for _, pl := range platforms {
			for _, terr := range territories {
				if !visibleIn(studioID, org, grants[terr.ID]) {
					continue
				}
				scans := scansByCombo[combo{pl.ID, terr.ID}]
				if len(scans) == 0 {
					continue
				}

				agg, err := a.engine.Aggregate(ctx, scans, catalog.ForStudio(studioID))
				if err != nil {
					return nil, err
				}
				if agg.Scoped.SpotsCount == 0 {
					continue
				}
				view.Rows = append(view.Rows, Row{
					StudioID: studioID, Studio: studios[studioID],
					Platform: pl, Territory: terr, Aggregate: agg,
				})

				if len(weeks) < 2 {
					continue
				}
				for i := range weeks {
					week := weeks[i]
					weekScans := scansInWeek(scans, week)
					if len(weekScans) == 0 {
						continue
					}
					weekAgg, err := a.engine.Aggregate(ctx, weekScans, catalog.ForStudio(studioID))
					if err != nil {
						return nil, err
					}
					if weekAgg.Scoped.SpotsCount == 0 {
						continue
					}
					view.Rows = append(view.Rows, Row{
						StudioID: studioID, Studio: studios[studioID],
						Platform: pl, Territory: terr, Week: &week, Aggregate: weekAgg,
					})
				}
			}
		}
	}

	if a.logger != nil {
		a.logger.Infow("Report assembled",
			logger.FieldOrganizationID, org.ID,
			"rows", len(view.Rows),
			"weeks", len(weeks),
		)
	}
	return view, nil
}

// visibleIn applies the visibility rule: an organization always sees its
// own studio; competitor studios only in territories where granted.
func visibleIn(studioID int64, org *catalog.Organization, granted []int64) bool {
	if studioID == org.StudioID {
		return true
	}
	for _, id := range granted {
		if id == studioID {
			return true
		}
	}
	return false
}

func scansInWeek(scans []*catalog.Scan, w Week) []*catalog.Scan {
	var out []*catalog.Scan
	for _, sc := range scans {
		if w.Contains(sc.ScanDate) {
			out = append(out, sc)
		}
	}
	return out
}

func filterIDs(ids, allowed []int64) []int64 {
	if len(allowed) == 0 {
		return ids
	}
	keep := make(map[int64]bool, len(allowed))
	for _, id := range allowed {
		keep[id] = true
	}
	var out []int64
	for _, id := range ids {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}

func filterPlatforms(platforms []*catalog.Platform, codes []string) []*catalog.Platform {
	if len(codes) == 0 {
		return platforms
	}
	keep := make(map[string]bool, len(codes))
	for _, c := range codes {
		keep[c] = true
	}
	var out []*catalog.Platform
	for _, p := range platforms {
		if keep[p.Code] {
			out = append(out, p)
		}
	}
	return out
}

func filterTerritories(territories []*catalog.Territory, isoCodes []string) []*catalog.Territory {
	if len(isoCodes) == 0 {
		return territories
	}
	keep := make(map[string]bool, len(isoCodes))
	for _, c := range isoCodes {
		keep[c] = true
	}
	var out []*catalog.Territory
	for _, t := range territories {
		if keep[t.ISOCode] {
			out = append(out, t)
		}
	}
	return out
}
