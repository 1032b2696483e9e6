package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/looperhq/looper/errors"
)

// Store provides SQL-backed access to the placement catalog.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a catalog store. logger may be nil for silent operation.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle for collaborators that share the database.
func (s *Store) DB() *sql.DB { return s.db }

// CreatePlatform inserts a platform and returns it with its assigned ID.
func (s *Store) CreatePlatform(ctx context.Context, code, name string) (*Platform, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO platforms (code, name) VALUES (?, ?)`, code, name)
	if err != nil {
		return nil, errors.Wrapf(err, "create platform %s", code)
	}
	id, _ := res.LastInsertId()
	return &Platform{ID: id, Code: code, Name: name}, nil
}

// CreateTerritory inserts a territory and returns it with its assigned ID.
func (s *Store) CreateTerritory(ctx context.Context, isoCode, name string) (*Territory, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO territories (iso_code, name) VALUES (?, ?)`, isoCode, name)
	if err != nil {
		return nil, errors.Wrapf(err, "create territory %s", isoCode)
	}
	id, _ := res.LastInsertId()
	return &Territory{ID: id, ISOCode: isoCode, Name: name}, nil
}

// CreateDevice inserts a device for the (platform, territory) pair.
// The pair is unique; a duplicate maps to errors.ErrConflict.
func (s *Store) CreateDevice(ctx context.Context, platformID, territoryID int64) (*Device, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (platform_id, territory_id) VALUES (?, ?)`, platformID, territoryID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConflict,
				"device already exists for platform %d territory %d", platformID, territoryID)
		}
		return nil, errors.Wrap(err, "create device")
	}
	id, _ := res.LastInsertId()
	return &Device{ID: id, PlatformID: platformID, TerritoryID: territoryID}, nil
}

// CreateStudio inserts a studio.
func (s *Store) CreateStudio(ctx context.Context, name string, dt DistributorType) (*Studio, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO studios (name, distributor_type) VALUES (?, ?)`, name, string(dt))
	if err != nil {
		return nil, errors.Wrapf(err, "create studio %s", name)
	}
	id, _ := res.LastInsertId()
	return &Studio{ID: id, Name: name, DistributorType: dt}, nil
}

// CreateTitle inserts a title.
func (s *Store) CreateTitle(ctx context.Context, name string, year int) (*Title, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO titles (name, year) VALUES (?, ?)`, name, year)
	if err != nil {
		return nil, errors.Wrapf(err, "create title %s", name)
	}
	id, _ := res.LastInsertId()
	return &Title{ID: id, Name: name, Year: year}, nil
}

// CreatePublication attributes a title to a studio within a territory.
func (s *Store) CreatePublication(ctx context.Context, studioID, territoryID, titleID int64, dt DistributorType) (*Publication, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO publications (studio_id, territory_id, title_id, distributor_type) VALUES (?, ?, ?, ?)`,
		studioID, territoryID, titleID, string(dt))
	if err != nil {
		return nil, errors.Wrap(err, "create publication")
	}
	id, _ := res.LastInsertId()
	return &Publication{ID: id, StudioID: studioID, TerritoryID: territoryID, TitleID: titleID, DistributorType: dt}, nil
}

// CreateScan inserts a scan with an empty statistics cache.
func (s *Store) CreateScan(ctx context.Context, deviceID int64, scanDate time.Time) (*Scan, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (device_id, scan_date) VALUES (?, ?)`,
		deviceID, scanDate.Format(DateLayout))
	if err != nil {
		return nil, errors.Wrapf(err, "create scan for device %d", deviceID)
	}
	id, _ := res.LastInsertId()
	return &Scan{ID: id, DeviceID: deviceID, ScanDate: scanDate, SavedStatistics: json.RawMessage("{}")}, nil
}

// CreatePage inserts a page into a scan.
func (s *Store) CreatePage(ctx context.Context, scanID int64, name, platformIdentifier string) (*Page, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (scan_id, name, platform_identifier) VALUES (?, ?, ?)`,
		scanID, name, platformIdentifier)
	if err != nil {
		return nil, errors.Wrapf(err, "create page in scan %d", scanID)
	}
	id, _ := res.LastInsertId()
	return &Page{ID: id, ScanID: scanID, Name: name, PlatformIdentifier: platformIdentifier}, nil
}

// CreateSection inserts a section (one page row) at the given position.
func (s *Store) CreateSection(ctx context.Context, pageID int64, name string, position int) (*Section, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sections (page_id, name, position) VALUES (?, ?, ?)`, pageID, name, position)
	if err != nil {
		return nil, errors.Wrapf(err, "create section on page %d", pageID)
	}
	id, _ := res.LastInsertId()
	return &Section{ID: id, PageID: pageID, Name: name, Position: position}, nil
}

// GetScan loads a scan by ID.
func (s *Store) GetScan(ctx context.Context, id int64) (*Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, scan_date, COALESCE(scraper, ''), COALESCE(url, ''),
		       saved_statistics, stats_version
		FROM scans WHERE id = ?`, id)

	var sc Scan
	var date string
	var blob string
	err := row.Scan(&sc.ID, &sc.DeviceID, &date, &sc.Scraper, &sc.URL, &blob, &sc.StatsVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("scan %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get scan %d", id)
	}
	sc.ScanDate, err = time.Parse(DateLayout, date)
	if err != nil {
		return nil, errors.Wrapf(err, "parse scan_date for scan %d", id)
	}
	sc.SavedStatistics = json.RawMessage(blob)
	return &sc, nil
}

// ScanStatistics returns the raw statistics blob and its version for CAS.
func (s *Store) ScanStatistics(ctx context.Context, scanID int64) (json.RawMessage, int64, error) {
	var blob string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT saved_statistics, stats_version FROM scans WHERE id = ?`, scanID).
		Scan(&blob, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, errors.NewNotFoundf("scan %d", scanID)
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "load statistics for scan %d", scanID)
	}
	return json.RawMessage(blob), version, nil
}

// CompareAndSwapStatistics persists a statistics blob only if the scan's
// stats_version still matches oldVersion. Returns false when the version
// moved underneath the caller (lost race); the caller re-reads and retries.
func (s *Store) CompareAndSwapStatistics(ctx context.Context, scanID int64, blob json.RawMessage, oldVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scans
		SET saved_statistics = ?, stats_version = stats_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND stats_version = ?`,
		string(blob), scanID, oldVersion)
	if err != nil {
		return false, errors.Wrapf(err, "write statistics for scan %d", scanID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return affected == 1, nil
}

// deviceContext resolves the device, territory and platform of a scan.
type deviceContext struct {
	DeviceID    int64
	PlatformID  int64
	TerritoryID int64
}

func (s *Store) scanDevice(ctx context.Context, scanID int64) (deviceContext, error) {
	var dc deviceContext
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.platform_id, d.territory_id
		FROM scans sc JOIN devices d ON d.id = sc.device_id
		WHERE sc.id = ?`, scanID).
		Scan(&dc.DeviceID, &dc.PlatformID, &dc.TerritoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return dc, errors.NewNotFoundf("scan %d", scanID)
	}
	if err != nil {
		return dc, errors.Wrapf(err, "resolve device for scan %d", scanID)
	}
	return dc, nil
}

// isUniqueViolation detects SQLite unique-constraint failures. The driver
// returns its own error type, so message matching is the portable check.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
