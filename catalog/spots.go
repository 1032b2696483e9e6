package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/looperhq/looper/atf"
	"github.com/looperhq/looper/errors"
)

// MPVCalculator computes the media placement value of a single spot.
// Implementations are expected to be deterministic; the store memoizes the
// result so the calculator runs at most once per spot unless forced.
type MPVCalculator interface {
	ComputeMPV(ctx context.Context, spot *Spot) (decimal.Decimal, error)
}

// spotScopeQuery builds the spot-id subquery and arguments for a scope.
// Studio attribution goes through publications restricted to the scan
// device's territory; title attribution is direct.
func spotScopeQuery(scanID int64, scope SpotScope, territoryID int64) (string, []interface{}) {
	base := `
		SELECT DISTINCT s.id
		FROM spots s
		JOIN sections sec ON sec.id = s.section_id
		JOIN pages pg ON pg.id = sec.page_id`

	switch {
	case scope.StudioID != 0:
		return base + `
		JOIN publications_spots ps ON ps.spot_id = s.id
		JOIN publications p ON p.id = ps.publication_id
		WHERE pg.scan_id = ? AND p.studio_id = ? AND p.territory_id = ?`,
			[]interface{}{scanID, scope.StudioID, territoryID}
	case scope.TitleID != 0:
		return base + `
		WHERE pg.scan_id = ? AND s.title_id = ?`,
			[]interface{}{scanID, scope.TitleID}
	default:
		return base + `
		WHERE pg.scan_id = ?`,
			[]interface{}{scanID}
	}
}

// SpotCounts returns total, medium-ATF and true-ATF counts for the scoped
// placements of a scan in one query.
func (s *Store) SpotCounts(ctx context.Context, scanID int64, scope SpotScope) (SpotCounts, error) {
	var territoryID int64
	if scope.StudioID != 0 {
		dc, err := s.scanDevice(ctx, scanID)
		if err != nil {
			return SpotCounts{}, err
		}
		territoryID = dc.TerritoryID
	}

	sub, args := spotScopeQuery(scanID, scope, territoryID)
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(medium_atf), 0),
		       COALESCE(SUM(true_atf), 0)
		FROM spots WHERE id IN (` + sub + `)`

	var counts SpotCounts
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&counts.Total, &counts.MediumATF, &counts.TrueATF)
	if err != nil {
		return SpotCounts{}, errors.Wrapf(err, "count spots for scan %d", scanID)
	}
	return counts, nil
}

// MPVTotal sums the stored media placement values of the scoped placements.
// Spots whose MPV has not been computed yet contribute nothing; callers that
// need full totals compute MPVs first via SpotMPV.
func (s *Store) MPVTotal(ctx context.Context, scanID int64, scope SpotScope) (decimal.Decimal, error) {
	var territoryID int64
	if scope.StudioID != 0 {
		dc, err := s.scanDevice(ctx, scanID)
		if err != nil {
			return decimal.Zero, err
		}
		territoryID = dc.TerritoryID
	}

	sub, args := spotScopeQuery(scanID, scope, territoryID)
	query := `SELECT mpv FROM spots WHERE mpv IS NOT NULL AND id IN (` + sub + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "sum mpv for scan %d", scanID)
	}
	defer rows.Close()

	// Summed in Go to keep decimal precision; SQLite would coerce to float.
	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, errors.Wrap(err, "scan mpv")
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "malformed mpv %q", raw)
		}
		total = total.Add(v)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, errors.Wrap(err, "iterate mpv rows")
	}
	return total, nil
}

// StudioIDs returns the distinct studios with placements attributed in the
// scan's territory.
func (s *Store) StudioIDs(ctx context.Context, scanID int64) ([]int64, error) {
	dc, err := s.scanDevice(ctx, scanID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.studio_id
		FROM publications p
		JOIN publications_spots ps ON ps.publication_id = p.id
		JOIN spots s ON s.id = ps.spot_id
		JOIN sections sec ON sec.id = s.section_id
		JOIN pages pg ON pg.id = sec.page_id
		WHERE pg.scan_id = ? AND p.territory_id = ?
		ORDER BY p.studio_id`, scanID, dc.TerritoryID)
	if err != nil {
		return nil, errors.Wrapf(err, "studio ids for scan %d", scanID)
	}
	defer rows.Close()
	return scanIDs(rows, "studio ids")
}

// TitleIDs returns the distinct titles with placements in the scan.
func (s *Store) TitleIDs(ctx context.Context, scanID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.title_id
		FROM spots s
		JOIN sections sec ON sec.id = s.section_id
		JOIN pages pg ON pg.id = sec.page_id
		WHERE pg.scan_id = ?
		ORDER BY s.title_id`, scanID)
	if err != nil {
		return nil, errors.Wrapf(err, "title ids for scan %d", scanID)
	}
	defer rows.Close()
	return scanIDs(rows, "title ids")
}

func scanIDs(rows *sql.Rows, context string) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrapf(err, "scan %s", context)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s", context)
	}
	return ids, nil
}

// CreateSpot inserts a placement into a section, classifying its ATF flags
// from the rules in effect at creation time. The flags are never touched by
// ordinary updates afterwards; only bulk rule recalculation rewrites them.
func (s *Store) CreateSpot(ctx context.Context, sectionID, titleID int64, name string, column int, scrapedAt time.Time, rules atf.RuleLookup) (*Spot, error) {
	var (
		row      int
		pageName string
		deviceID int64
		scanID   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sec.position, COALESCE(pg.platform_identifier, ''), sc.device_id, sc.id
		FROM sections sec
		JOIN pages pg ON pg.id = sec.page_id
		JOIN scans sc ON sc.id = pg.scan_id
		WHERE sec.id = ?`, sectionID).
		Scan(&row, &pageName, &deviceID, &scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("section %d", sectionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve section %d", sectionID)
	}

	mediumATF, trueATF, err := atf.Classify(ctx, atf.Placement{
		DeviceID: deviceID,
		PageName: pageName,
		Row:      row,
		Column:   column,
	}, rules)
	if err != nil {
		return nil, errors.Wrap(err, "classify spot")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO spots (section_id, title_id, name, position, medium_atf, true_atf, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sectionID, titleID, name, column, boolToInt(mediumATF), boolToInt(trueATF), scrapedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "create spot in section %d", sectionID)
	}
	id, _ := res.LastInsertId()

	if s.logger != nil {
		s.logger.Debugw("Spot created",
			"spot_id", id,
			"scan_id", scanID,
			"row", row,
			"column", column,
			"medium_atf", mediumATF,
			"true_atf", trueATF,
		)
	}

	return &Spot{
		ID:        id,
		SectionID: sectionID,
		TitleID:   titleID,
		Name:      name,
		Row:       row,
		Column:    column,
		MediumATF: mediumATF,
		TrueATF:   trueATF,
		ScrapedAt: scrapedAt,
	}, nil
}

// AttachPublication links a spot to a publication (studio attribution).
func (s *Store) AttachPublication(ctx context.Context, publicationID, spotID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO publications_spots (publication_id, spot_id) VALUES (?, ?)`,
		publicationID, spotID)
	if err != nil {
		return errors.Wrapf(err, "attach publication %d to spot %d", publicationID, spotID)
	}
	return nil
}

// GetSpot loads a spot with its grid position.
func (s *Store) GetSpot(ctx context.Context, id int64) (*Spot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.section_id, s.title_id, COALESCE(s.name, ''),
		       sec.position, s.position, s.medium_atf, s.true_atf, s.mpv
		FROM spots s
		JOIN sections sec ON sec.id = s.section_id
		WHERE s.id = ?`, id)

	var sp Spot
	var mediumATF, trueATF int
	var mpv sql.NullString
	err := row.Scan(&sp.ID, &sp.SectionID, &sp.TitleID, &sp.Name,
		&sp.Row, &sp.Column, &mediumATF, &trueATF, &mpv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("spot %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get spot %d", id)
	}
	sp.MediumATF = mediumATF == 1
	sp.TrueATF = trueATF == 1
	if mpv.Valid {
		v, err := decimal.NewFromString(mpv.String)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed mpv for spot %d", id)
		}
		sp.MPV = &v
	}
	return &sp, nil
}

// SpotMPV returns the spot's media placement value, computing and persisting
// it on first access. With force set, the stored value is recomputed.
func (s *Store) SpotMPV(ctx context.Context, spotID int64, calc MPVCalculator, force bool) (decimal.Decimal, error) {
	spot, err := s.GetSpot(ctx, spotID)
	if err != nil {
		return decimal.Zero, err
	}
	if spot.MPV != nil && !force {
		return *spot.MPV, nil
	}

	value, err := calc.ComputeMPV(ctx, spot)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "compute mpv for spot %d", spotID)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE spots SET mpv = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		value.String(), spotID); err != nil {
		return decimal.Zero, errors.Wrapf(err, "persist mpv for spot %d", spotID)
	}
	return value, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
