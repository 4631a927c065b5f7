// Package socialproof holds the marketing copy shown next to products:
// buyer counts, trust badges and short testimonials.
//
// Copy is keyed by product id. Products without their own copy get the default entry.
package socialproof

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// DefaultKey is the table key of the copy used for products without their own.
const DefaultKey = "default"

type Testimonial struct {
	Name  string `yaml:"name" json:"name"`
	City  string `yaml:"city" json:"city"`
	Quote string `yaml:"quote" json:"quote"`
}

type Content struct {
	Headline     string        `yaml:"headline" json:"headline"`
	Buyers       int           `yaml:"buyers" json:"buyers"`
	Badges       []string      `yaml:"badges" json:"badges"`
	Testimonials []Testimonial `yaml:"testimonials" json:"testimonials"`
}

// Table is a keyed lookup of copy per language.
type Table struct {
	mu      sync.RWMutex
	tags    []language.Tag
	matcher language.Matcher
	entries map[language.Tag]map[string]Content
}

// NewTable returns a table with copy for the given languages.
// The first language is the fallback for clients that match none.
func NewTable(entries map[language.Tag]map[string]Content, fallback language.Tag) (*Table, error) {
	if _, ok := entries[fallback][DefaultKey]; !ok {
		return nil, fmt.Errorf("socialproof: no %s copy for %s", DefaultKey, fallback)
	}
	tags := []language.Tag{fallback}
	for tag := range entries {
		if tag != fallback {
			tags = append(tags, tag)
		}
	}
	return &Table{
		tags:    tags,
		matcher: language.NewMatcher(tags),
		entries: entries,
	}, nil
}

// Load reads a table from YAML, keyed by language and then by product id.
func Load(r io.Reader, fallback language.Tag) (*Table, error) {
	var raw map[string]map[string]Content
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("socialproof: decode: %w", err)
	}
	entries := make(map[language.Tag]map[string]Content, len(raw))
	for lang, content := range raw {
		tag, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("socialproof: language %q: %w", lang, err)
		}
		entries[tag] = content
	}
	return NewTable(entries, fallback)
}

// Lookup returns the copy for productID in the fallback language.
func (t *Table) Lookup(productID string) Content {
	return t.LookupLang(productID, t.tags[0])
}

// LookupLang returns the copy for productID in the language closest to tag.
// Unknown products get the default copy of that language,
// or of the fallback language if that has none.
func (t *Table) LookupLang(productID string, tag language.Tag) Content {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, index, _ := t.matcher.Match(tag)
	for _, lang := range []language.Tag{t.tags[index], t.tags[0]} {
		if content, ok := t.entries[lang][productID]; ok {
			return content
		}
		if content, ok := t.entries[lang][DefaultKey]; ok {
			return content
		}
	}
	return Content{}
}

// Set replaces the copy for productID in language tag.
func (t *Table) Set(tag language.Tag, productID string, content Content) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[tag]; !ok {
		t.entries[tag] = make(map[string]Content)
		t.tags = append(t.tags, tag)
		t.matcher = language.NewMatcher(t.tags)
	}
	t.entries[tag][productID] = content
}

// Builtin returns the copy the storefront ships with.
func Builtin() *Table {
	t, err := NewTable(map[language.Tag]map[string]Content{
		language.Spanish: {
			DefaultKey: {
				Headline: "Pagas al recibir, sin riesgo",
				Buyers:   1200,
				Badges:   []string{"Pago contra entrega", "Envío a toda Venezuela", "Garantía de 30 días"},
				Testimonials: []Testimonial{
					{Name: "María G.", City: "Caracas", Quote: "Llegó en dos días y pagué al recibir. Todo perfecto."},
					{Name: "José R.", City: "Maracaibo", Quote: "Muy buena atención por WhatsApp."},
				},
			},
			"freidora-de-aire": {
				Headline: "La más vendida este mes",
				Buyers:   340,
				Badges:   []string{"Pago contra entrega", "Garantía de 6 meses"},
				Testimonials: []Testimonial{
					{Name: "Carolina P.", City: "Valencia", Quote: "Cocino sin aceite y la limpieza es facilísima."},
				},
			},
		},
		language.English: {
			DefaultKey: {
				Headline: "Pay on delivery, no risk",
				Buyers:   1200,
				Badges:   []string{"Cash on delivery", "Shipping across Venezuela", "30 day guarantee"},
			},
		},
	}, language.Spanish)
	if err != nil {
		panic(err)
	}
	return t
}
