package store

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crimap/crimap-cli/internal/db"
	"github.com/crimap/crimap-cli/internal/taxonomy"
)

// PostgresStore implements Store using a Postgres connection pool with PostGIS.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InsertOrGetCategory implements Store.
func (s *PostgresStore) InsertOrGetCategory(ctx context.Context, name string) (int64, error) {
	return db.InsertOrGetID(ctx, s.pool, "categories",
		[]string{"name"}, []string{"name"}, []any{name})
}

// InsertOrGetSubcategory implements Store.
func (s *PostgresStore) InsertOrGetSubcategory(ctx context.Context, name, displayName string) (int64, error) {
	return db.InsertOrGetID(ctx, s.pool, "subcategories",
		[]string{"name"}, []string{"name", "display_name"}, []any{name, displayName})
}

// LinkCategorySubcategory implements Store.
func (s *PostgresStore) LinkCategorySubcategory(ctx context.Context, categoryID, subcategoryID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO category_subcategories (category_id, subcategory_id)
		VALUES ($1, $2)
		ON CONFLICT (category_id, subcategory_id) DO NOTHING`,
		categoryID, subcategoryID,
	)
	return eris.Wrap(err, "store: link category subcategory")
}

// InsertOrGetCity implements Store. Uniqueness is on the normalized name; the
// stored point is whatever the first resolution produced.
func (s *PostgresStore) InsertOrGetCity(ctx context.Context, name string, pt Point) (int64, error) {
	ewkt, err := pt.EWKT()
	if err != nil {
		return 0, err
	}
	return db.InsertOrGetID(ctx, s.pool, "cities",
		[]string{"name"}, []string{"name", "geom"}, []any{name, ewkt})
}

// InsertOrGetNeighborhood implements Store. Uniqueness is on (name, city_id).
func (s *PostgresStore) InsertOrGetNeighborhood(ctx context.Context, name string, cityID int64, pt Point) (int64, error) {
	ewkt, err := pt.EWKT()
	if err != nil {
		return 0, err
	}
	return db.InsertOrGetID(ctx, s.pool, "neighborhoods",
		[]string{"name", "city_id"}, []string{"name", "city_id", "geom"},
		[]any{name, cityID, ewkt})
}

// SyncTaxonomy implements Store. Subcategories are bulk-upserted, then each
// category and its link rows are refreshed. Idempotent across runs.
func (s *PostgresStore) SyncTaxonomy(ctx context.Context, tax taxonomy.Taxonomy) error {
	var rows [][]any
	for _, category := range tax.Categories() {
		for _, label := range tax[category] {
			name := taxonomy.NormalizeLabel(label)
			rows = append(rows, []any{name, taxonomy.DisplayName(name)})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0].(string) < rows[j][0].(string) })

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "subcategories",
		Columns:      []string{"name", "display_name"},
		ConflictKeys: []string{"name"},
	}, rows); err != nil {
		return eris.Wrap(err, "store: sync subcategories")
	}

	for _, category := range tax.Categories() {
		catID, err := s.InsertOrGetCategory(ctx, category)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(tax[category]))
		for _, label := range tax[category] {
			names = append(names, taxonomy.NormalizeLabel(label))
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO category_subcategories (category_id, subcategory_id)
			SELECT $1, id FROM subcategories WHERE name = ANY($2)
			ON CONFLICT (category_id, subcategory_id) DO NOTHING`,
			catID, names,
		); err != nil {
			return eris.Wrapf(err, "store: sync links for %s", category)
		}
	}
	return nil
}

// InsertCrime implements Store.
func (s *PostgresStore) InsertCrime(ctx context.Context, c CrimeInput) (int64, error) {
	ewkt, err := c.Point.EWKT()
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO crimes (crime_date, crime_time, subcategory_id, city_id, neighborhood_id, geom)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		c.Date, c.Time, c.SubcategoryID, c.CityID, c.NeighborhoodID, ewkt,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "store: insert crime")
	}
	return id, nil
}

// RecordLocationError implements Store. Repeat failures for the same
// (location, neighborhood, is_city) key refresh the message in place.
func (s *PostgresStore) RecordLocationError(ctx context.Context, location string, neighborhood *string, message string, isCity bool) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO location_errors (location, neighborhood, error, is_city, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (location, neighborhood, is_city) DO UPDATE SET
			error = EXCLUDED.error,
			updated_at = now()
		RETURNING id`,
		location, neighborhood, message, isCity,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "store: record location error")
	}
	return id, nil
}

// LinkCrimeLocationError implements Store.
func (s *PostgresStore) LinkCrimeLocationError(ctx context.Context, crimeID, locationErrorID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crime_location_errors (crime_id, location_error_id)
		VALUES ($1, $2)
		ON CONFLICT (crime_id, location_error_id) DO NOTHING`,
		crimeID, locationErrorID,
	)
	return eris.Wrap(err, "store: link crime location error")
}

// ListKnownLocations implements Store. Cities with no neighborhoods come back
// with a NULL neighborhood so the cache still avoids re-geocoding them.
func (s *PostgresStore) ListKnownLocations(ctx context.Context) ([]KnownLocation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.name, ST_Y(c.geom), ST_X(c.geom),
		       n.name, ST_Y(n.geom), ST_X(n.geom)
		FROM cities c
		LEFT JOIN neighborhoods n ON n.city_id = c.id
		ORDER BY c.name, n.name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: list known locations")
	}
	defer rows.Close()

	var locs []KnownLocation
	for rows.Next() {
		var loc KnownLocation
		var nbName *string
		var nbLat, nbLon *float64
		if err := rows.Scan(&loc.City, &loc.CityPoint.Latitude, &loc.CityPoint.Longitude,
			&nbName, &nbLat, &nbLon); err != nil {
			return nil, eris.Wrap(err, "store: scan known location")
		}
		if nbName != nil {
			loc.Neighborhood = nbName
			loc.NeighborhoodPoint = &Point{Latitude: *nbLat, Longitude: *nbLon}
		}
		locs = append(locs, loc)
	}
	return locs, eris.Wrap(rows.Err(), "store: iterate known locations")
}

// CreateIngestRun implements Store.
func (s *PostgresStore) CreateIngestRun(ctx context.Context, id string, startDate, endDate time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_runs (id, start_date, end_date, started_at)
		VALUES ($1, $2, $3, now())`,
		id, startDate, endDate,
	)
	return eris.Wrap(err, "store: create ingest run")
}

// FinishIngestRun implements Store.
func (s *PostgresStore) FinishIngestRun(ctx context.Context, id string, stats []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingest_runs SET stats = $2, finished_at = now() WHERE id = $1`,
		id, stats,
	)
	if err != nil {
		return eris.Wrapf(err, "store: finish ingest run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("store: ingest run not found: %s", id)
	}
	return nil
}

// ListIngestRuns implements Store.
func (s *PostgresStore) ListIngestRuns(ctx context.Context, limit int) ([]IngestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, start_date, end_date, stats, started_at, finished_at
		FROM ingest_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: list ingest runs")
	}
	defer rows.Close()

	var runs []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.StartDate, &r.EndDate, &r.Stats, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan ingest run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "store: iterate ingest runs")
}

// CrimesWithin implements Store.
func (s *PostgresStore) CrimesWithin(ctx context.Context, box BBox, startDate, endDate time.Time) ([]CrimeFeature, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT cr.id, cr.crime_date, cat.name, sc.display_name,
		       ST_Y(cr.geom), ST_X(cr.geom)
		FROM crimes cr
		JOIN subcategories sc ON sc.id = cr.subcategory_id
		JOIN category_subcategories cs ON cs.subcategory_id = sc.id
		JOIN categories cat ON cat.id = cs.category_id
		WHERE ST_Within(cr.geom, ST_MakeEnvelope($1, $2, $3, $4, 4326))
		  AND cr.crime_date >= $5
		  AND cr.crime_date <= $6`,
		box.West, box.South, box.East, box.North, startDate, endDate,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: crimes within bbox")
	}
	defer rows.Close()

	var crimes []CrimeFeature
	for rows.Next() {
		var c CrimeFeature
		if err := rows.Scan(&c.ID, &c.Date, &c.Category, &c.Subcategory,
			&c.Point.Latitude, &c.Point.Longitude); err != nil {
			return nil, eris.Wrap(err, "store: scan crime feature")
		}
		crimes = append(crimes, c)
	}
	return crimes, eris.Wrap(rows.Err(), "store: iterate crime features")
}

// CategoriesWithSubcategories implements Store.
func (s *PostgresStore) CategoriesWithSubcategories(ctx context.Context) ([]CategoryTree, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, sc.id, sc.name, sc.display_name
		FROM categories c
		JOIN category_subcategories cs ON c.id = cs.category_id
		JOIN subcategories sc ON cs.subcategory_id = sc.id
		ORDER BY c.name, sc.name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: categories with subcategories")
	}
	defer rows.Close()

	byID := make(map[int64]*CategoryTree)
	var order []int64
	for rows.Next() {
		var catID, subID int64
		var catName, subName, subDisplay string
		if err := rows.Scan(&catID, &catName, &subID, &subName, &subDisplay); err != nil {
			return nil, eris.Wrap(err, "store: scan category row")
		}
		cat, exists := byID[catID]
		if !exists {
			cat = &CategoryTree{ID: catID, Name: catName}
			byID[catID] = cat
			order = append(order, catID)
		}
		cat.Subcategories = append(cat.Subcategories, Subcategory{
			ID: subID, Name: subName, DisplayName: subDisplay,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate category rows")
	}

	result := make([]CategoryTree, 0, len(order))
	for _, id := range order {
		result = append(result, *byID[id])
	}
	return result, nil
}

// countedTables are the tables reported by TableCounts, in display order.
var countedTables = []string{
	"cities", "neighborhoods", "categories", "subcategories",
	"crimes", "location_errors", "crime_location_errors",
}

// TableCounts implements Store.
func (s *PostgresStore) TableCounts(ctx context.Context) ([]TableCount, error) {
	counts := make([]TableCount, 0, len(countedTables))
	for _, table := range countedTables {
		var n int64
		// Table names come from the fixed list above, not user input.
		if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "store: count %s", table)
		}
		counts = append(counts, TableCount{Table: table, Rows: n})
	}
	return counts, nil
}
