package store

import (
	"context"
	"time"

	"github.com/crimap/crimap-cli/internal/taxonomy"
)

// Store is the persistence interface for the ingestion pipeline and the map API.
type Store interface {
	// Dimension upserts. All are idempotent get-or-create operations
	// returning the row's surrogate id.
	InsertOrGetCategory(ctx context.Context, name string) (int64, error)
	InsertOrGetSubcategory(ctx context.Context, name, displayName string) (int64, error)
	LinkCategorySubcategory(ctx context.Context, categoryID, subcategoryID int64) error
	InsertOrGetCity(ctx context.Context, name string, pt Point) (int64, error)
	InsertOrGetNeighborhood(ctx context.Context, name string, cityID int64, pt Point) (int64, error)

	// SyncTaxonomy bulk-refreshes categories, subcategories, and their
	// links from the static taxonomy at run start.
	SyncTaxonomy(ctx context.Context, tax taxonomy.Taxonomy) error

	// Fact rows.
	InsertCrime(ctx context.Context, c CrimeInput) (int64, error)

	// Error bookkeeping for unresolved locations.
	RecordLocationError(ctx context.Context, location string, neighborhood *string, message string, isCity bool) (int64, error)
	LinkCrimeLocationError(ctx context.Context, crimeID, locationErrorID int64) error

	// Cache pre-seeding.
	ListKnownLocations(ctx context.Context) ([]KnownLocation, error)

	// Run bookkeeping.
	CreateIngestRun(ctx context.Context, id string, startDate, endDate time.Time) error
	FinishIngestRun(ctx context.Context, id string, stats []byte) error
	ListIngestRuns(ctx context.Context, limit int) ([]IngestRun, error)

	// Map API queries.
	CrimesWithin(ctx context.Context, box BBox, startDate, endDate time.Time) ([]CrimeFeature, error)
	CategoriesWithSubcategories(ctx context.Context) ([]CategoryTree, error)
	TableCounts(ctx context.Context) ([]TableCount, error)
}
