// Package ingest drives the crime-incident CSV pipeline: date filtering,
// taxonomy classification, coordinate resolution, and persistence.
package ingest

import (
	"encoding/csv"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
)

// Column headers read from the source export. Anything else is ignored.
const (
	colDate         = "Data Fato"
	colTime         = "Hora Fato"
	colCity         = "Municipio Fato"
	colNeighborhood = "Bairro"
	colLabel        = "Tipo Enquadramento"
)

// Record is one raw CSV row, fields untrimmed and unnormalized.
type Record struct {
	Date         string
	Time         string
	City         string
	Neighborhood string
	Label        string
}

// Reader iterates a semicolon-delimited ISO-8859-1 incident export.
type Reader struct {
	csv  *csv.Reader
	cols map[string]int
}

// NewReader wraps r with an ISO-8859-1 decoder and parses the header row.
func NewReader(r io.Reader, delimiter rune) (*Reader, error) {
	cr := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(r))
	if delimiter == 0 {
		delimiter = ';'
	}
	cr.Comma = delimiter
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1 // allow variable fields

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv header")
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{colDate, colTime, colCity, colLabel} {
		if _, ok := cols[required]; !ok {
			return nil, eris.Errorf("ingest: csv missing column %q", required)
		}
	}

	return &Reader{csv: cr, cols: cols}, nil
}

// Read returns the next row, or io.EOF when the file is exhausted.
func (r *Reader) Read() (Record, error) {
	fields, err := r.csv.Read()
	if err == io.EOF {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, eris.Wrap(err, "ingest: read csv row")
	}

	get := func(name string) string {
		idx, ok := r.cols[name]
		if !ok || idx >= len(fields) {
			return ""
		}
		return fields[idx]
	}

	return Record{
		Date:         get(colDate),
		Time:         get(colTime),
		City:         get(colCity),
		Neighborhood: get(colNeighborhood),
		Label:        get(colLabel),
	}, nil
}

// dateLayouts are the formats seen in the open-data exports.
var dateLayouts = []string{"2006-01-02", "02/01/2006"}

// ParseDate parses a source date string.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("ingest: unparseable date %q", s)
}

// ParseTime parses a source time string and normalizes it to HH:MM:SS.
func ParseTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05"), nil
		}
	}
	return "", eris.Errorf("ingest: unparseable time %q", s)
}

// Window is an inclusive calendar date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow parses start and end dates (YYYY-MM-DD).
func NewWindow(start, end string) (Window, error) {
	s, err := time.Parse("2006-01-02", start)
	if err != nil {
		return Window{}, eris.Wrapf(err, "ingest: parse start date %q", start)
	}
	e, err := time.Parse("2006-01-02", end)
	if err != nil {
		return Window{}, eris.Wrapf(err, "ingest: parse end date %q", end)
	}
	if e.Before(s) {
		return Window{}, eris.Errorf("ingest: end date %s before start date %s", end, start)
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether the date falls inside the window. The window
// spans [start 00:00:00, end 23:59:59], so both boundary dates qualify.
func (w Window) Contains(date time.Time) bool {
	return !date.Before(w.Start) && !date.After(w.End)
}

// DistinctLabels scans the export and returns the distinct crime-type labels,
// optionally filtered by a case-insensitive substring. Sorted.
func DistinctLabels(r io.Reader, delimiter rune, contains string) ([]string, error) {
	reader, err := NewReader(r, delimiter)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(contains)
	seen := make(map[string]bool)
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		label := strings.TrimSpace(rec.Label)
		if label == "" {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(label), needle) {
			continue
		}
		seen[label] = true
	}

	labels := make([]string, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels, nil
}
