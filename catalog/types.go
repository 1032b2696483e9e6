// Package catalog holds the placement-tracking domain model and its SQL
// store: platforms, territories, devices, studios, titles, scans and the
// spots observed on scanned listing pages.
package catalog

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical storage format for scan dates.
const DateLayout = "2006-01-02"

// Platform is a store front placements are scanned from (e.g. itunes, google).
type Platform struct {
	ID   int64
	Code string
	Name string
}

// Territory is a country-level market identified by its ISO code.
type Territory struct {
	ID      int64
	ISOCode string
	Name    string
}

// Device is the unit of scanning: one platform in one territory.
// The (platform, territory) pair is unique.
type Device struct {
	ID          int64
	PlatformID  int64
	TerritoryID int64
}

// DistributorType discriminates studios from app storefront accounts.
type DistributorType string

const (
	DistributorStudio DistributorType = "studio"
	DistributorApp    DistributorType = "app"
)

// Studio is a content distributor whose share of voice is tracked.
type Studio struct {
	ID              int64
	Name            string
	DistributorType DistributorType
}

// Title is a piece of content a spot advertises.
type Title struct {
	ID   int64
	Name string
	Year int
}

// Publication attributes a title to a studio within one territory.
type Publication struct {
	ID              int64
	StudioID        int64
	TerritoryID     int64
	TitleID         int64
	DistributorType DistributorType
}

// Scan is one ingestion snapshot of a device's listing pages on a date.
// SavedStatistics is an opaque statistics cache blob owned by the stats
// package; StatsVersion guards concurrent write-back with compare-and-swap.
type Scan struct {
	ID              int64
	DeviceID        int64
	ScanDate        time.Time
	Scraper         string
	URL             string
	StartedAt       *time.Time
	FinishedAt      *time.Time
	SavedStatistics json.RawMessage
	StatsVersion    int64
}

// Page is one listing page within a scan, identified on its platform by
// PlatformIdentifier (the key classification rules match against).
type Page struct {
	ID                 int64
	ScanID             int64
	Name               string
	PlatformIdentifier string
}

// Section is one row of placements on a page; Position is the row number.
type Section struct {
	ID       int64
	PageID   int64
	Name     string
	Subtitle string
	Position int
}

// Spot is a single observed placement. Row and Column locate it on the
// page grid (row from its section, column from its own position).
// MediumATF and TrueATF are set once at creation from the classification
// rules in effect and only ever mutated in bulk by rule recalculation.
// MPV is memoized: nil until computed, then immutable unless forced.
type Spot struct {
	ID        int64
	SectionID int64
	TitleID   int64
	ArtworkID *int64
	Name      string
	Row       int
	Column    int
	MediumATF bool
	TrueATF   bool
	MPV       *decimal.Decimal
	ScrapedAt time.Time
}

// SpotScope narrows spot queries to one entity's placements.
// The zero value means the whole scan.
type SpotScope struct {
	StudioID int64
	TitleID  int64
}

// Global reports whether the scope covers the whole scan.
func (s SpotScope) Global() bool {
	return s.StudioID == 0 && s.TitleID == 0
}

// ForStudio scopes spot queries to one studio's attributed placements.
func ForStudio(id int64) SpotScope { return SpotScope{StudioID: id} }

// ForTitle scopes spot queries to one title's placements.
func ForTitle(id int64) SpotScope { return SpotScope{TitleID: id} }

// SpotCounts carries the three placement counts computed in one pass.
type SpotCounts struct {
	Total     int64
	MediumATF int64
	TrueATF   int64
}
