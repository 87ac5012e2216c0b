// Package store persists the crime-map dimension and fact tables.
package store

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EWKT renders the point as extended WKT for geometry-typed columns.
func (p Point) EWKT() (string, error) {
	s, err := wkt.Marshal(geom.NewPointFlat(geom.XY, []float64{p.Longitude, p.Latitude}))
	if err != nil {
		return "", eris.Wrap(err, "store: marshal point")
	}
	return "SRID=4326;" + s, nil
}

// City is a dimension row keyed by normalized name.
type City struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Point Point  `json:"point"`
}

// Neighborhood is a dimension row unique per (name, city).
type Neighborhood struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	CityID int64  `json:"city_id"`
	Point  Point  `json:"point"`
}

// CrimeInput holds the columns of a fact row to insert.
type CrimeInput struct {
	Date           time.Time
	Time           string // "15:04:05"
	SubcategoryID  int64
	CityID         int64
	NeighborhoodID *int64
	Point          Point
}

// LocationError records a geocoding failure, unique per
// (location, neighborhood, is_city).
type LocationError struct {
	ID           int64     `json:"id"`
	Location     string    `json:"location"`
	Neighborhood *string   `json:"neighborhood,omitempty"`
	Error        string    `json:"error"`
	IsCity       bool      `json:"is_city"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// KnownLocation is a persisted (city, neighborhood) pair with resolved
// coordinates, used to pre-seed the ingestion cache.
type KnownLocation struct {
	City              string
	CityPoint         Point
	Neighborhood      *string
	NeighborhoodPoint *Point
}

// BBox is a geographic bounding box for crime queries.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Validate checks the box spans a non-empty area in valid coordinates.
func (b BBox) Validate() error {
	if b.West >= b.East || b.South >= b.North {
		return eris.New("store: bbox is empty")
	}
	if b.West < -180 || b.East > 180 || b.South < -90 || b.North > 90 {
		return eris.New("store: bbox out of range")
	}
	return nil
}

// CrimeFeature is a fact row as served by the map API.
type CrimeFeature struct {
	ID          int64     `json:"id"`
	Date        time.Time `json:"crime_date"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory"`
	Point       Point     `json:"point"`
}

// Subcategory is the raw taxonomy label dimension.
type Subcategory struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// CategoryTree is a category with its subcategories, as served by the API.
type CategoryTree struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Subcategories []Subcategory `json:"subcategories"`
}

// IngestRun is one bookkeeping row per pipeline execution.
type IngestRun struct {
	ID         string     `json:"id"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    time.Time  `json:"end_date"`
	Stats      []byte     `json:"stats,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableCount is a row count for the status command.
type TableCount struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}
