package ingest

import (
	"sync"

	"github.com/crimap/crimap-cli/internal/store"
)

// CacheEntry holds a resolved (or failed) coordinate lookup for a
// city/neighborhood pair. Failures are cached too so a place that did not
// geocode is never queried twice within a run.
type CacheEntry struct {
	CityPoint         store.Point
	CityOK            bool
	CityErr           string
	NeighborhoodPoint store.Point
	NeighborhoodOK    bool
	NeighborhoodErr   string
}

// LocationCache memoizes geocoding results keyed by normalized
// (city, neighborhood).
type LocationCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
}

func NewLocationCache() *LocationCache {
	return &LocationCache{entries: make(map[string]CacheEntry)}
}

func cacheKey(city, neighborhood string) string {
	return city + "\x1f" + neighborhood
}

func (c *LocationCache) Get(city, neighborhood string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(city, neighborhood)]
	return entry, ok
}

func (c *LocationCache) Put(city, neighborhood string, entry CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(city, neighborhood)] = entry
}

// Len returns the number of cached pairs.
func (c *LocationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Preseed loads previously persisted locations so re-runs skip the geocoder
// entirely for places already in the database. Persisted rows resolved at
// insert time, so they are seeded as successful lookups.
func (c *LocationCache) Preseed(locations []store.KnownLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, loc := range locations {
		entry := CacheEntry{CityPoint: loc.CityPoint, CityOK: true}
		neighborhood := ""
		if loc.Neighborhood != nil {
			neighborhood = *loc.Neighborhood
			if loc.NeighborhoodPoint != nil {
				entry.NeighborhoodPoint = *loc.NeighborhoodPoint
				entry.NeighborhoodOK = true
			}
		}
		c.entries[cacheKey(loc.City, neighborhood)] = entry
		// A city seen with a neighborhood also answers city-only rows.
		if _, ok := c.entries[cacheKey(loc.City, "")]; !ok {
			c.entries[cacheKey(loc.City, "")] = CacheEntry{CityPoint: loc.CityPoint, CityOK: true}
		}
	}
}
