package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/crimap/crimap-cli/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCrimes returns the crimes inside a bounding box and date range as a
// GeoJSON FeatureCollection.
func (s *Server) handleCrimes(w http.ResponseWriter, r *http.Request) {
	box, err := parseBBox(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, err := parseDateParam(r, "start_date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseDateParam(r, "end_date")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date before start_date")
		return
	}

	crimes, err := s.store.CrimesWithin(r.Context(), box, start, end)
	if err != nil {
		s.log.Error("crimes query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(crimes))}
	for _, c := range crimes {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       strconv.FormatInt(c.ID, 10),
			Geometry: geom.NewPointFlat(geom.XY, []float64{c.Point.Longitude, c.Point.Latitude}),
			Properties: map[string]interface{}{
				"crime_date":  c.Date.Format("2006-01-02"),
				"category":    c.Category,
				"subcategory": c.Subcategory,
			},
		})
	}
	writeJSON(w, http.StatusOK, fc)
}

// handleCategories returns the taxonomy tree for the map's filter panel.
func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	tree, err := s.store.CategoriesWithSubcategories(r.Context())
	if err != nil {
		s.log.Error("categories query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": tree})
}

func parseBBox(r *http.Request) (store.BBox, error) {
	var box store.BBox
	for _, p := range []struct {
		name string
		dst  *float64
	}{
		{"west", &box.West},
		{"south", &box.South},
		{"east", &box.East},
		{"north", &box.North},
	} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			return store.BBox{}, errMissingParam(p.name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return store.BBox{}, errBadParam(p.name, raw)
		}
		*p.dst = v
	}
	if err := box.Validate(); err != nil {
		return store.BBox{}, err
	}
	return box, nil
}

func parseDateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, errMissingParam(name)
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errBadParam(name, raw)
	}
	return t, nil
}

type paramError string

func (e paramError) Error() string { return string(e) }

func errMissingParam(name string) error {
	return paramError("missing query parameter " + name)
}

func errBadParam(name, value string) error {
	return paramError("invalid value " + strconv.Quote(value) + " for query parameter " + name)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
