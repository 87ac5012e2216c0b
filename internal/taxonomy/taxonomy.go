// Package taxonomy maps raw crime-type labels from the source export to the
// coarse category grouping used by the map.
package taxonomy

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomy []byte

// Taxonomy is the static category -> accepted raw labels mapping.
type Taxonomy map[string][]string

// Default returns the built-in taxonomy shipped with the binary.
func Default() (Taxonomy, error) {
	return parse(defaultTaxonomy)
}

// Load reads a taxonomy from a YAML file.
func Load(path string) (Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return parse(data)
}

func parse(data []byte) (Taxonomy, error) {
	var tax Taxonomy
	if err := yaml.Unmarshal(data, &tax); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse yaml")
	}
	if len(tax) == 0 {
		return nil, eris.New("taxonomy: no categories defined")
	}
	return tax, nil
}

// Categories returns the category names in sorted order.
func (t Taxonomy) Categories() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classifier resolves a raw subcategory label to its owning category.
// Labels are normalized (trimmed, upper-cased) once at construction, so
// classification is a single map lookup per record.
type Classifier struct {
	byLabel map[string]string
}

// NewClassifier builds a Classifier from the given taxonomy.
func NewClassifier(tax Taxonomy) *Classifier {
	byLabel := make(map[string]string)
	// Iterate categories in sorted order so a label listed under more than
	// one category resolves deterministically.
	for _, category := range tax.Categories() {
		for _, label := range tax[category] {
			key := NormalizeLabel(label)
			if _, exists := byLabel[key]; !exists {
				byLabel[key] = category
			}
		}
	}
	return &Classifier{byLabel: byLabel}
}

// Classify returns the category owning the raw label, or ok=false when the
// label appears in no category's list.
func (c *Classifier) Classify(label string) (string, bool) {
	category, ok := c.byLabel[NormalizeLabel(label)]
	return category, ok
}

var titleCaser = cases.Title(language.BrazilianPortuguese)

// DisplayName renders an all-caps export label as a human-readable title.
func DisplayName(label string) string {
	return titleCaser.String(strings.ToLower(strings.TrimSpace(label)))
}

// NormalizeLabel is the canonical label normalization: trim and upper-case.
// The source export is inconsistent about casing, so both the taxonomy and
// incoming rows go through the same rule.
func NormalizeLabel(label string) string {
	return strings.ToUpper(strings.TrimSpace(label))
}
