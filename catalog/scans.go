package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/looperhq/looper/errors"
)

// ScanFilter selects scans for aggregation. Dates, Start and End operate on
// scan_date; platform and territory filters go through the scan's device.
type ScanFilter struct {
	PlatformCodes     []string
	TerritoryISOCodes []string
	PlatformIDs       []int64
	TerritoryIDs      []int64
	Dates             []time.Time
	Start             *time.Time
	End               *time.Time
	OrganizationID    int64
}

// ScansForPeriod returns the scans matching the filter, ordered by scan date
// then id for deterministic aggregation input.
func (s *Store) ScansForPeriod(ctx context.Context, f ScanFilter) ([]*Scan, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT DISTINCT sc.id, sc.device_id, sc.scan_date, sc.saved_statistics, sc.stats_version
		FROM scans sc
		JOIN devices d ON d.id = sc.device_id
		JOIN platforms pl ON pl.id = d.platform_id
		JOIN territories t ON t.id = d.territory_id`)

	var (
		conds []string
		args  []interface{}
	)

	if f.OrganizationID != 0 {
		query.WriteString(`
		JOIN organizations_scans os ON os.scan_id = sc.id`)
		conds = append(conds, "os.organization_id = ?")
		args = append(args, f.OrganizationID)
	}

	if len(f.PlatformCodes) > 0 {
		conds = append(conds, "pl.code IN ("+placeholders(len(f.PlatformCodes))+")")
		for _, c := range f.PlatformCodes {
			args = append(args, c)
		}
	}
	if len(f.TerritoryISOCodes) > 0 {
		conds = append(conds, "t.iso_code IN ("+placeholders(len(f.TerritoryISOCodes))+")")
		for _, c := range f.TerritoryISOCodes {
			args = append(args, c)
		}
	}
	if len(f.PlatformIDs) > 0 {
		conds = append(conds, "d.platform_id IN ("+placeholders(len(f.PlatformIDs))+")")
		for _, id := range f.PlatformIDs {
			args = append(args, id)
		}
	}
	if len(f.TerritoryIDs) > 0 {
		conds = append(conds, "d.territory_id IN ("+placeholders(len(f.TerritoryIDs))+")")
		for _, id := range f.TerritoryIDs {
			args = append(args, id)
		}
	}
	if len(f.Dates) > 0 {
		conds = append(conds, "sc.scan_date IN ("+placeholders(len(f.Dates))+")")
		for _, d := range f.Dates {
			args = append(args, d.Format(DateLayout))
		}
	}
	if f.Start != nil {
		conds = append(conds, "sc.scan_date >= ?")
		args = append(args, f.Start.Format(DateLayout))
	}
	if f.End != nil {
		conds = append(conds, "sc.scan_date <= ?")
		args = append(args, f.End.Format(DateLayout))
	}

	if len(conds) > 0 {
		query.WriteString("\n\t\tWHERE " + strings.Join(conds, " AND "))
	}
	query.WriteString("\n\t\tORDER BY sc.scan_date, sc.id")

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "select scans for period")
	}
	defer rows.Close()

	var scans []*Scan
	for rows.Next() {
		sc, err := scanScanRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate scans")
	}
	return scans, nil
}

// PreviousScan resolves the comparison scan for trend summaries: the most
// recent sibling on the same device at exactly 7 days prior, then 6, then 8,
// then 14, then the nearest earlier scan of any spacing. First match wins.
//
// The ladder of offsets tolerates irregular scan cadences; it is a heuristic,
// not a guarantee that the pair is meaningfully comparable.
func (s *Store) PreviousScan(ctx context.Context, scan *Scan) (*Scan, error) {
	for _, daysBack := range []int{7, 6, 8, 14} {
		date := scan.ScanDate.AddDate(0, 0, -daysBack).Format(DateLayout)
		prev, err := s.scanOnDate(ctx, scan.DeviceID, date)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return prev, nil
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, scan_date, saved_statistics, stats_version
		FROM scans
		WHERE device_id = ? AND scan_date < ?
		ORDER BY scan_date DESC, id DESC
		LIMIT 1`, scan.DeviceID, scan.ScanDate.Format(DateLayout))
	prev, err := scanScanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "previous scan for %d", scan.ID)
	}
	return prev, nil
}

func (s *Store) scanOnDate(ctx context.Context, deviceID int64, date string) (*Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, scan_date, saved_statistics, stats_version
		FROM scans
		WHERE device_id = ? AND scan_date = ?
		ORDER BY id DESC
		LIMIT 1`, deviceID, date)
	sc, err := scanScanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "scan on %s for device %d", date, deviceID)
	}
	return sc, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScanRow(r rowScanner) (*Scan, error) {
	var sc Scan
	var date, blob string
	if err := r.Scan(&sc.ID, &sc.DeviceID, &date, &blob, &sc.StatsVersion); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(DateLayout, date)
	if err != nil {
		return nil, errors.Wrapf(err, "parse scan_date %q", date)
	}
	sc.ScanDate = parsed
	sc.SavedStatistics = json.RawMessage(blob)
	return &sc, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
