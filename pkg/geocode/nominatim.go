package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/crimap/crimap-cli/internal/resilience"
)

// nominatimPlace is one entry of the Nominatim /search JSON response.
// Coordinates come back as strings.
type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// statusError marks a non-200 response so the retry policy can tell
// rate limiting and server trouble apart from permanent failures.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "geocode: nominatim returned status " + strconv.Itoa(e.code)
}

// retryable reports whether another attempt could help. Network-level
// failures and 429/5xx responses qualify; 4xx responses do not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Request build and parse errors carry no status; only transport
	// errors reach here wrapped from http.Client.Do.
	return errors.As(err, new(*url.Error))
}

// Geocode resolves a single free-text query against Nominatim. Transient
// failures are retried; each attempt waits on the client's rate limiter.
func (g *geocoder) Geocode(ctx context.Context, query string) (*Result, error) {
	policy := g.retry
	policy.ShouldRetry = retryable
	return resilience.Do(ctx, policy, func(ctx context.Context) (*Result, error) {
		return g.search(ctx, query)
	})
}

func (g *geocoder) search(ctx context.Context, query string) (*Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	params := url.Values{
		"q":      {query},
		"format": {"jsonv2"},
		"limit":  {"1"},
	}
	reqURL := g.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&statusError{code: resp.StatusCode}, "geocode")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}

	var places []nominatimPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}

	if len(places) == 0 {
		return &Result{Matched: false}, nil
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: parse lat %q", places[0].Lat)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: parse lon %q", places[0].Lon)
	}

	return &Result{
		Latitude:    lat,
		Longitude:   lon,
		DisplayName: places[0].DisplayName,
		Matched:     true,
	}, nil
}
