package ingest

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crimap/crimap-cli/internal/store"
	"github.com/crimap/crimap-cli/internal/taxonomy"
	"github.com/crimap/crimap-cli/pkg/geocode"
)

// Stats tallies one pipeline run. Marshaled into the run's bookkeeping row.
type Stats struct {
	RowsRead            int `json:"rows_read"`
	Inserted            int `json:"inserted"`
	SkippedOutOfWindow  int `json:"skipped_out_of_window"`
	SkippedUnclassified int `json:"skipped_unclassified"`
	SkippedMalformed    int `json:"skipped_malformed"`
	GeocodeCalls        int `json:"geocode_calls"`
	CacheHits           int `json:"cache_hits"`
	LocationErrors      int `json:"location_errors"`
}

// Pipeline ingests incident CSV exports into the store.
type Pipeline struct {
	store      store.Store
	geocoder   geocode.Client
	taxonomy   taxonomy.Taxonomy
	classifier *taxonomy.Classifier
	cache      *LocationCache
	delimiter  rune
	log        *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDelimiter overrides the CSV field delimiter.
func WithDelimiter(d rune) Option {
	return func(p *Pipeline) { p.delimiter = d }
}

// WithLogger overrides the global logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline builds a Pipeline over the given store and geocoder.
func NewPipeline(st store.Store, gc geocode.Client, tax taxonomy.Taxonomy, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		geocoder:   gc,
		taxonomy:   tax,
		classifier: taxonomy.NewClassifier(tax),
		cache:      NewLocationCache(),
		delimiter:  ';',
		log:        zap.L(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ingests one CSV export, keeping only rows whose date falls inside the
// window. Geocoding failures never abort the run; store failures do.
func (p *Pipeline) Run(ctx context.Context, r io.Reader, window Window) (*Stats, error) {
	runID := uuid.New().String()
	if err := p.store.CreateIngestRun(ctx, runID, window.Start, window.End); err != nil {
		return nil, err
	}
	p.log.Info("ingest run started",
		zap.String("run_id", runID),
		zap.Time("start_date", window.Start),
		zap.Time("end_date", window.End))

	if err := p.store.SyncTaxonomy(ctx, p.taxonomy); err != nil {
		return nil, err
	}

	known, err := p.store.ListKnownLocations(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.Preseed(known)
	p.log.Debug("location cache preseeded", zap.Int("entries", p.cache.Len()))

	reader, err := NewReader(r, p.delimiter)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		stats.RowsRead++
		if err := p.ingestRecord(ctx, rec, window, stats); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: marshal run stats")
	}
	if err := p.store.FinishIngestRun(ctx, runID, payload); err != nil {
		return nil, err
	}
	p.log.Info("ingest run finished",
		zap.String("run_id", runID),
		zap.Int("rows_read", stats.RowsRead),
		zap.Int("inserted", stats.Inserted),
		zap.Int("location_errors", stats.LocationErrors))
	return stats, nil
}

// normalizePlace canonicalizes city and neighborhood names. Dimension rows
// and cache keys use the lower-cased form so lookups never miss on casing.
func normalizePlace(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ingestRecord processes one CSV row. Rows that fail the window, parse, or
// classification checks are counted and dropped; only store errors propagate.
func (p *Pipeline) ingestRecord(ctx context.Context, rec Record, window Window, stats *Stats) error {
	date, err := ParseDate(rec.Date)
	if err != nil {
		stats.SkippedMalformed++
		p.log.Debug("skipping row with bad date", zap.String("date", rec.Date))
		return nil
	}
	if !window.Contains(date) {
		stats.SkippedOutOfWindow++
		return nil
	}

	crimeTime, err := ParseTime(rec.Time)
	if err != nil {
		stats.SkippedMalformed++
		p.log.Debug("skipping row with bad time", zap.String("time", rec.Time))
		return nil
	}

	label := taxonomy.NormalizeLabel(rec.Label)
	category, ok := p.classifier.Classify(label)
	if !ok {
		stats.SkippedUnclassified++
		p.log.Debug("skipping unclassified label", zap.String("label", label))
		return nil
	}

	city := normalizePlace(rec.City)
	if city == "" {
		stats.SkippedMalformed++
		return nil
	}
	neighborhood := normalizePlace(rec.Neighborhood)

	categoryID, err := p.store.InsertOrGetCategory(ctx, category)
	if err != nil {
		return err
	}
	subcategoryID, err := p.store.InsertOrGetSubcategory(ctx, label, taxonomy.DisplayName(label))
	if err != nil {
		return err
	}
	if err := p.store.LinkCategorySubcategory(ctx, categoryID, subcategoryID); err != nil {
		return err
	}

	entry, hit := p.cache.Get(city, neighborhood)
	if hit {
		stats.CacheHits++
	} else {
		entry = p.resolveLocation(ctx, city, neighborhood, stats)
		p.cache.Put(city, neighborhood, entry)
	}

	cityID, err := p.store.InsertOrGetCity(ctx, city, entry.CityPoint)
	if err != nil {
		return err
	}

	factPoint := entry.CityPoint
	var neighborhoodID *int64
	if neighborhood != "" {
		id, err := p.store.InsertOrGetNeighborhood(ctx, neighborhood, cityID, entry.NeighborhoodPoint)
		if err != nil {
			return err
		}
		neighborhoodID = &id
		factPoint = entry.NeighborhoodPoint
	}

	crimeID, err := p.store.InsertCrime(ctx, store.CrimeInput{
		Date:           date,
		Time:           crimeTime,
		SubcategoryID:  subcategoryID,
		CityID:         cityID,
		NeighborhoodID: neighborhoodID,
		Point:          factPoint,
	})
	if err != nil {
		return err
	}
	stats.Inserted++

	switch {
	case !entry.CityOK:
		errID, err := p.store.RecordLocationError(ctx, city, nil, entry.CityErr, true)
		if err != nil {
			return err
		}
		if err := p.store.LinkCrimeLocationError(ctx, crimeID, errID); err != nil {
			return err
		}
		stats.LocationErrors++
	case neighborhood != "" && !entry.NeighborhoodOK:
		nb := neighborhood
		errID, err := p.store.RecordLocationError(ctx, city, &nb, entry.NeighborhoodErr, false)
		if err != nil {
			return err
		}
		if err := p.store.LinkCrimeLocationError(ctx, crimeID, errID); err != nil {
			return err
		}
		stats.LocationErrors++
	}
	return nil
}

// resolveLocation geocodes a city and, when present, its neighborhood.
// A failed city lookup pins the pair at the null island origin and skips the
// neighborhood query. A failed neighborhood lookup falls back to the city's
// coordinates so the fact still lands inside the right municipality.
func (p *Pipeline) resolveLocation(ctx context.Context, city, neighborhood string, stats *Stats) CacheEntry {
	entry := CacheEntry{}

	stats.GeocodeCalls++
	res, err := p.geocoder.Geocode(ctx, city)
	switch {
	case err != nil:
		entry.CityErr = err.Error()
		p.log.Warn("city geocoding failed", zap.String("city", city), zap.Error(err))
	case !res.Matched:
		entry.CityErr = "no geocoding result for city"
		p.log.Warn("city not found by geocoder", zap.String("city", city))
	default:
		entry.CityOK = true
		entry.CityPoint = store.Point{Latitude: res.Latitude, Longitude: res.Longitude}
	}

	if neighborhood == "" {
		return entry
	}
	if !entry.CityOK {
		// No anchor to fall back to; the origin marks the pair as unresolved.
		entry.NeighborhoodErr = entry.CityErr
		return entry
	}

	stats.GeocodeCalls++
	res, err = p.geocoder.Geocode(ctx, neighborhood+", "+city)
	switch {
	case err != nil:
		entry.NeighborhoodErr = err.Error()
		entry.NeighborhoodPoint = entry.CityPoint
		p.log.Warn("neighborhood geocoding failed",
			zap.String("city", city), zap.String("neighborhood", neighborhood), zap.Error(err))
	case !res.Matched:
		entry.NeighborhoodErr = "no geocoding result for neighborhood"
		entry.NeighborhoodPoint = entry.CityPoint
		p.log.Warn("neighborhood not found, using city coordinates",
			zap.String("city", city), zap.String("neighborhood", neighborhood))
	default:
		entry.NeighborhoodOK = true
		entry.NeighborhoodPoint = store.Point{Latitude: res.Latitude, Longitude: res.Longitude}
	}
	return entry
}
