package catalog

import (
	"context"
	"database/sql"

	"github.com/looperhq/looper/errors"
)

// Organization is a tenant: it sees its own studio plus the competitor
// studios it has been granted, per territory.
type Organization struct {
	ID       int64
	Name     string
	StudioID int64
}

// CreateOrganization inserts an organization. studioID of zero means the
// organization has no studio of its own.
func (s *Store) CreateOrganization(ctx context.Context, name string, studioID int64) (*Organization, error) {
	var sid interface{}
	if studioID != 0 {
		sid = studioID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (name, studio_id) VALUES (?, ?)`, name, sid)
	if err != nil {
		return nil, errors.Wrapf(err, "create organization %s", name)
	}
	id, _ := res.LastInsertId()
	return &Organization{ID: id, Name: name, StudioID: studioID}, nil
}

// GetOrganization loads an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	var org Organization
	var sid sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, studio_id FROM organizations WHERE id = ?`, id).
		Scan(&org.ID, &org.Name, &sid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("organization %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get organization %d", id)
	}
	org.StudioID = sid.Int64
	return &org, nil
}

// GrantCompetitor lets the organization see a competitor studio within one
// territory.
func (s *Store) GrantCompetitor(ctx context.Context, orgID, studioID, territoryID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO competitors_organizations (organization_id, studio_id, territory_id)
		VALUES (?, ?, ?)`, orgID, studioID, territoryID)
	if err != nil {
		return errors.Wrapf(err, "grant competitor %d to organization %d", studioID, orgID)
	}
	return nil
}

// AddOrganizationDevice subscribes the organization to a device's scans.
func (s *Store) AddOrganizationDevice(ctx context.Context, orgID, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO devices_organizations (organization_id, device_id)
		VALUES (?, ?)`, orgID, deviceID)
	if err != nil {
		return errors.Wrapf(err, "add device %d to organization %d", deviceID, orgID)
	}
	return nil
}

// LinkScan makes a scan visible to an organization.
func (s *Store) LinkScan(ctx context.Context, orgID, scanID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO organizations_scans (organization_id, scan_id)
		VALUES (?, ?)`, orgID, scanID)
	if err != nil {
		return errors.Wrapf(err, "link scan %d to organization %d", scanID, orgID)
	}
	return nil
}

// AccessibleStudioIDs returns the organization's own studio plus every
// competitor studio it has been granted, deduplicated.
func (s *Store) AccessibleStudioIDs(ctx context.Context, orgID int64) ([]int64, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT studio_id FROM competitors_organizations
		WHERE organization_id = ?
		ORDER BY studio_id`, orgID)
	if err != nil {
		return nil, errors.Wrapf(err, "competitors for organization %d", orgID)
	}
	defer rows.Close()

	ids, err := scanIDs(rows, "competitor studios")
	if err != nil {
		return nil, err
	}

	if org.StudioID != 0 {
		seen := false
		for _, id := range ids {
			if id == org.StudioID {
				seen = true
				break
			}
		}
		if !seen {
			ids = append([]int64{org.StudioID}, ids...)
		}
	}
	return ids, nil
}

// CompetitorGrants returns, per territory, the competitor studios the
// organization may see there.
func (s *Store) CompetitorGrants(ctx context.Context, orgID int64) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT territory_id, studio_id FROM competitors_organizations
		WHERE organization_id = ?
		ORDER BY territory_id, studio_id`, orgID)
	if err != nil {
		return nil, errors.Wrapf(err, "competitor grants for organization %d", orgID)
	}
	defer rows.Close()

	grants := make(map[int64][]int64)
	for rows.Next() {
		var territoryID, studioID int64
		if err := rows.Scan(&territoryID, &studioID); err != nil {
			return nil, errors.Wrap(err, "scan competitor grant")
		}
		grants[territoryID] = append(grants[territoryID], studioID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate competitor grants")
	}
	return grants, nil
}

// OrganizationPlatforms returns the distinct platforms of the organization's
// devices, ordered by name.
func (s *Store) OrganizationPlatforms(ctx context.Context, orgID int64) ([]*Platform, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT pl.id, pl.code, pl.name
		FROM platforms pl
		JOIN devices d ON d.platform_id = pl.id
		JOIN devices_organizations dorg ON dorg.device_id = d.id
		WHERE dorg.organization_id = ?
		ORDER BY pl.name`, orgID)
	if err != nil {
		return nil, errors.Wrapf(err, "platforms for organization %d", orgID)
	}
	defer rows.Close()

	var platforms []*Platform
	for rows.Next() {
		var p Platform
		if err := rows.Scan(&p.ID, &p.Code, &p.Name); err != nil {
			return nil, errors.Wrap(err, "scan platform")
		}
		platforms = append(platforms, &p)
	}
	return platforms, rows.Err()
}

// OrganizationTerritories returns the distinct territories of the
// organization's devices, ordered by name.
func (s *Store) OrganizationTerritories(ctx context.Context, orgID int64) ([]*Territory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.id, t.iso_code, t.name
		FROM territories t
		JOIN devices d ON d.territory_id = t.id
		JOIN devices_organizations dorg ON dorg.device_id = d.id
		WHERE dorg.organization_id = ?
		ORDER BY t.name`, orgID)
	if err != nil {
		return nil, errors.Wrapf(err, "territories for organization %d", orgID)
	}
	defer rows.Close()

	var territories []*Territory
	for rows.Next() {
		var t Territory
		if err := rows.Scan(&t.ID, &t.ISOCode, &t.Name); err != nil {
			return nil, errors.Wrap(err, "scan territory")
		}
		territories = append(territories, &t)
	}
	return territories, rows.Err()
}

// GetStudio loads a studio by ID.
func (s *Store) GetStudio(ctx context.Context, id int64) (*Studio, error) {
	var st Studio
	var dt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, distributor_type FROM studios WHERE id = ?`, id).
		Scan(&st.ID, &st.Name, &dt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("studio %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get studio %d", id)
	}
	st.DistributorType = DistributorType(dt)
	return &st, nil
}
