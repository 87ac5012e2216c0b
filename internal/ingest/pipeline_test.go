package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crimap/crimap-cli/internal/store"
	"github.com/crimap/crimap-cli/internal/taxonomy"
	"github.com/crimap/crimap-cli/pkg/geocode"
)

// fakeStore is an in-memory store.Store that records what the pipeline did.
type fakeStore struct {
	nextID int64

	categories    map[string]int64
	subcategories map[string]int64
	cities        map[string]int64
	cityPoints    map[string]store.Point
	neighborhoods map[string]int64
	nbPoints      map[string]store.Point
	links         map[string]bool

	crimes     []store.CrimeInput
	locErrors  []recordedLocationError
	crimeLinks []crimeErrorLink

	known []store.KnownLocation

	runs         map[string]*store.IngestRun
	syncedTax    taxonomy.Taxonomy
	failInsertAt int // fail InsertCrime on the nth call, 0 disables
}

type recordedLocationError struct {
	ID           int64
	Location     string
	Neighborhood *string
	Message      string
	IsCity       bool
}

type crimeErrorLink struct {
	CrimeID int64
	ErrorID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		categories:    map[string]int64{},
		subcategories: map[string]int64{},
		cities:        map[string]int64{},
		cityPoints:    map[string]store.Point{},
		neighborhoods: map[string]int64{},
		nbPoints:      map[string]store.Point{},
		links:         map[string]bool{},
		runs:          map[string]*store.IngestRun{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) InsertOrGetCategory(_ context.Context, name string) (int64, error) {
	if id, ok := f.categories[name]; ok {
		return id, nil
	}
	f.categories[name] = f.id()
	return f.categories[name], nil
}

func (f *fakeStore) InsertOrGetSubcategory(_ context.Context, name, _ string) (int64, error) {
	if id, ok := f.subcategories[name]; ok {
		return id, nil
	}
	f.subcategories[name] = f.id()
	return f.subcategories[name], nil
}

func (f *fakeStore) LinkCategorySubcategory(_ context.Context, categoryID, subcategoryID int64) error {
	f.links[fmt.Sprintf("%d:%d", categoryID, subcategoryID)] = true
	return nil
}

func (f *fakeStore) InsertOrGetCity(_ context.Context, name string, pt store.Point) (int64, error) {
	if id, ok := f.cities[name]; ok {
		return id, nil
	}
	f.cities[name] = f.id()
	f.cityPoints[name] = pt
	return f.cities[name], nil
}

func (f *fakeStore) InsertOrGetNeighborhood(_ context.Context, name string, cityID int64, pt store.Point) (int64, error) {
	key := fmt.Sprintf("%s:%d", name, cityID)
	if id, ok := f.neighborhoods[key]; ok {
		return id, nil
	}
	f.neighborhoods[key] = f.id()
	f.nbPoints[key] = pt
	return f.neighborhoods[key], nil
}

func (f *fakeStore) SyncTaxonomy(_ context.Context, tax taxonomy.Taxonomy) error {
	f.syncedTax = tax
	return nil
}

func (f *fakeStore) InsertCrime(_ context.Context, c store.CrimeInput) (int64, error) {
	if f.failInsertAt > 0 && len(f.crimes)+1 == f.failInsertAt {
		return 0, eris.New("store: insert crime: connection reset")
	}
	f.crimes = append(f.crimes, c)
	return int64(len(f.crimes)), nil
}

func (f *fakeStore) RecordLocationError(_ context.Context, location string, neighborhood *string, message string, isCity bool) (int64, error) {
	for _, e := range f.locErrors {
		sameNB := (e.Neighborhood == nil) == (neighborhood == nil) &&
			(neighborhood == nil || *e.Neighborhood == *neighborhood)
		if e.Location == location && sameNB && e.IsCity == isCity {
			return e.ID, nil
		}
	}
	rec := recordedLocationError{
		ID: f.id(), Location: location, Neighborhood: neighborhood,
		Message: message, IsCity: isCity,
	}
	f.locErrors = append(f.locErrors, rec)
	return rec.ID, nil
}

func (f *fakeStore) LinkCrimeLocationError(_ context.Context, crimeID, locationErrorID int64) error {
	f.crimeLinks = append(f.crimeLinks, crimeErrorLink{CrimeID: crimeID, ErrorID: locationErrorID})
	return nil
}

func (f *fakeStore) ListKnownLocations(_ context.Context) ([]store.KnownLocation, error) {
	return f.known, nil
}

func (f *fakeStore) CreateIngestRun(_ context.Context, id string, startDate, endDate time.Time) error {
	f.runs[id] = &store.IngestRun{ID: id, StartDate: startDate, EndDate: endDate}
	return nil
}

func (f *fakeStore) FinishIngestRun(_ context.Context, id string, stats []byte) error {
	run, ok := f.runs[id]
	if !ok {
		return eris.Errorf("store: unknown ingest run %s", id)
	}
	now := time.Now()
	run.Stats = stats
	run.FinishedAt = &now
	return nil
}

func (f *fakeStore) ListIngestRuns(_ context.Context, _ int) ([]store.IngestRun, error) {
	return nil, nil
}

func (f *fakeStore) CrimesWithin(_ context.Context, _ store.BBox, _, _ time.Time) ([]store.CrimeFeature, error) {
	return nil, nil
}

func (f *fakeStore) CategoriesWithSubcategories(_ context.Context) ([]store.CategoryTree, error) {
	return nil, nil
}

func (f *fakeStore) TableCounts(_ context.Context) ([]store.TableCount, error) {
	return nil, nil
}

// fakeGeocoder resolves from a fixed table and counts calls per query.
type fakeGeocoder struct {
	results map[string]store.Point
	errs    map[string]error
	calls   map[string]int
}

func newFakeGeocoder(results map[string]store.Point) *fakeGeocoder {
	return &fakeGeocoder{results: results, errs: map[string]error{}, calls: map[string]int{}}
}

func (g *fakeGeocoder) Geocode(_ context.Context, query string) (*geocode.Result, error) {
	g.calls[query]++
	if err, ok := g.errs[query]; ok {
		return nil, err
	}
	pt, ok := g.results[query]
	if !ok {
		return &geocode.Result{Matched: false}, nil
	}
	return &geocode.Result{Latitude: pt.Latitude, Longitude: pt.Longitude, Matched: true}, nil
}

func (g *fakeGeocoder) totalCalls() int {
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

var testTaxonomy = taxonomy.Taxonomy{
	"roubo": {"ROUBO DE VEICULO", "ROUBO A PEDESTRE"},
	"furto": {"FURTO"},
}

func testWindow(t *testing.T) Window {
	t.Helper()
	w, err := NewWindow("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	return w
}

func runPipeline(t *testing.T, st store.Store, gc geocode.Client, csv string) *Stats {
	t.Helper()
	p := NewPipeline(st, gc, testTaxonomy, WithLogger(zap.NewNop()))
	stats, err := p.Run(context.Background(), strings.NewReader(csv), testWindow(t))
	require.NoError(t, err)
	return stats
}

func TestPipeline_InsertsClassifiedRowInWindow(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(map[string]store.Point{
		"porto alegre":         {Latitude: -30.03, Longitude: -51.23},
		"centro, porto alegre": {Latitude: -30.02, Longitude: -51.22},
	})

	csv := sampleHeader + "2024-01-03;14:30:00;Porto Alegre;Centro;roubo de veiculo\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 1, stats.RowsRead)
	assert.Equal(t, 1, stats.Inserted)
	assert.Zero(t, stats.LocationErrors)

	// City, neighborhood, and label are stored normalized.
	assert.Contains(t, st.categories, "roubo")
	assert.Contains(t, st.subcategories, "ROUBO DE VEICULO")
	assert.Contains(t, st.cities, "porto alegre")
	assert.Contains(t, st.neighborhoods, fmt.Sprintf("centro:%d", st.cities["porto alegre"]))

	require.Len(t, st.crimes, 1)
	crime := st.crimes[0]
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), crime.Date)
	assert.Equal(t, "14:30:00", crime.Time)
	assert.Equal(t, st.subcategories["ROUBO DE VEICULO"], crime.SubcategoryID)
	require.NotNil(t, crime.NeighborhoodID)
	assert.Equal(t, store.Point{Latitude: -30.02, Longitude: -51.22}, crime.Point)
	assert.Equal(t, testTaxonomy, st.syncedTax)
}

func TestPipeline_SkipsRowsOutsideWindow(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(nil)

	csv := sampleHeader +
		"2023-12-31;10:00;PORTO ALEGRE;;FURTO\n" +
		"2024-02-01;10:00;PORTO ALEGRE;;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 2, stats.RowsRead)
	assert.Equal(t, 2, stats.SkippedOutOfWindow)
	assert.Zero(t, stats.Inserted)
	assert.Zero(t, gc.totalCalls(), "out-of-window rows must not reach the geocoder")
	assert.Empty(t, st.crimes)
}

func TestPipeline_SkipsUnclassifiedLabels(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(map[string]store.Point{"porto alegre": {Latitude: -30, Longitude: -51}})

	csv := sampleHeader + "2024-01-03;10:00;PORTO ALEGRE;;POSSE DE DRONE\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 1, stats.SkippedUnclassified)
	assert.Zero(t, stats.Inserted)
	assert.Empty(t, st.crimes)
}

func TestPipeline_SkipsMalformedRows(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(map[string]store.Point{"porto alegre": {Latitude: -30, Longitude: -51}})

	csv := sampleHeader +
		"garbage;10:00;PORTO ALEGRE;;FURTO\n" +
		"2024-01-03;nope;PORTO ALEGRE;;FURTO\n" +
		"2024-01-03;10:00;;;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 3, stats.SkippedMalformed)
	assert.Zero(t, stats.Inserted)
}

func TestPipeline_GeocodesEachPlaceOnce(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(map[string]store.Point{
		"porto alegre":         {Latitude: -30.03, Longitude: -51.23},
		"centro, porto alegre": {Latitude: -30.02, Longitude: -51.22},
	})

	csv := sampleHeader +
		"2024-01-03;10:00;PORTO ALEGRE;CENTRO;FURTO\n" +
		"2024-01-04;11:00;PORTO ALEGRE;CENTRO;ROUBO DE VEICULO\n" +
		"2024-01-05;12:00;PORTO ALEGRE;CENTRO;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 3, stats.Inserted)
	assert.Equal(t, 1, gc.calls["porto alegre"])
	assert.Equal(t, 1, gc.calls["centro, porto alegre"])
	assert.Equal(t, 2, stats.CacheHits)
	assert.Equal(t, 2, stats.GeocodeCalls)
}

func TestPipeline_NeighborhoodFallsBackToCity(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(map[string]store.Point{
		"porto alegre": {Latitude: -30.03, Longitude: -51.23},
	})

	csv := sampleHeader + "2024-01-03;10:00;PORTO ALEGRE;VILA INEXISTENTE;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.LocationErrors)

	require.Len(t, st.crimes, 1)
	assert.Equal(t, store.Point{Latitude: -30.03, Longitude: -51.23}, st.crimes[0].Point,
		"fact must carry the city's coordinates when the neighborhood did not resolve")

	require.Len(t, st.locErrors, 1)
	locErr := st.locErrors[0]
	assert.False(t, locErr.IsCity)
	assert.Equal(t, "porto alegre", locErr.Location)
	require.NotNil(t, locErr.Neighborhood)
	assert.Equal(t, "vila inexistente", *locErr.Neighborhood)

	require.Len(t, st.crimeLinks, 1)
	assert.Equal(t, locErr.ID, st.crimeLinks[0].ErrorID)
}

func TestPipeline_CityFailurePinsOriginAndRecordsError(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(nil)

	csv := sampleHeader + "2024-01-03;10:00;NOWHERE TOWN;CENTRO;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.LocationErrors)

	require.Len(t, st.crimes, 1)
	assert.Equal(t, store.Point{}, st.crimes[0].Point)

	require.Len(t, st.locErrors, 1)
	locErr := st.locErrors[0]
	assert.True(t, locErr.IsCity)
	assert.Equal(t, "nowhere town", locErr.Location)
	assert.Nil(t, locErr.Neighborhood)

	// The city failure already explains the pair; no second lookup happens.
	assert.Equal(t, 1, gc.totalCalls())
	require.Len(t, st.crimeLinks, 1)
	assert.Equal(t, int64(1), st.crimeLinks[0].CrimeID)
}

func TestPipeline_RepeatedFailureYieldsOneErrorManyLinks(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(nil)

	csv := sampleHeader +
		"2024-01-03;10:00;NOWHERE TOWN;;FURTO\n" +
		"2024-01-04;11:00;NOWHERE TOWN;;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 2, stats.LocationErrors)
	assert.Len(t, st.locErrors, 1, "same failing place must dedupe to one error row")
	assert.Len(t, st.crimeLinks, 2)
	assert.Equal(t, 1, gc.totalCalls())
}

func TestPipeline_PreseededLocationsSkipGeocoder(t *testing.T) {
	st := newFakeStore()
	nb := "centro"
	nbPt := store.Point{Latitude: -30.02, Longitude: -51.22}
	st.known = []store.KnownLocation{{
		City:              "porto alegre",
		CityPoint:         store.Point{Latitude: -30.03, Longitude: -51.23},
		Neighborhood:      &nb,
		NeighborhoodPoint: &nbPt,
	}}
	gc := newFakeGeocoder(nil)

	csv := sampleHeader +
		"2024-01-03;10:00;PORTO ALEGRE;CENTRO;FURTO\n" +
		"2024-01-04;11:00;PORTO ALEGRE;;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 2, stats.Inserted)
	assert.Zero(t, gc.totalCalls(), "known locations must be served from the cache")
	assert.Equal(t, 2, stats.CacheHits)
}

func TestPipeline_StoreFailureAborts(t *testing.T) {
	st := newFakeStore()
	st.failInsertAt = 1
	gc := newFakeGeocoder(map[string]store.Point{"porto alegre": {Latitude: -30, Longitude: -51}})

	p := NewPipeline(st, gc, testTaxonomy, WithLogger(zap.NewNop()))
	csv := sampleHeader + "2024-01-03;10:00;PORTO ALEGRE;;FURTO\n"
	_, err := p.Run(context.Background(), strings.NewReader(csv), testWindow(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert crime")
}

func TestPipeline_GeocoderErrorDoesNotAbort(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(nil)
	gc.errs["porto alegre"] = eris.New("geocode: request failed: 502")

	csv := sampleHeader + "2024-01-03;10:00;PORTO ALEGRE;;FURTO\n"
	stats := runPipeline(t, st, gc, csv)

	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.LocationErrors)
	require.Len(t, st.locErrors, 1)
	assert.Contains(t, st.locErrors[0].Message, "502")
}

func TestPipeline_FinishesRunWithStats(t *testing.T) {
	st := newFakeStore()
	gc := newFakeGeocoder(map[string]store.Point{"porto alegre": {Latitude: -30, Longitude: -51}})

	csv := sampleHeader +
		"2024-01-03;10:00;PORTO ALEGRE;;FURTO\n" +
		"2025-06-01;10:00;PORTO ALEGRE;;FURTO\n"
	runPipeline(t, st, gc, csv)

	require.Len(t, st.runs, 1)
	for _, run := range st.runs {
		require.NotNil(t, run.FinishedAt)
		var got Stats
		require.NoError(t, json.Unmarshal(run.Stats, &got))
		assert.Equal(t, 2, got.RowsRead)
		assert.Equal(t, 1, got.Inserted)
		assert.Equal(t, 1, got.SkippedOutOfWindow)
	}
}
