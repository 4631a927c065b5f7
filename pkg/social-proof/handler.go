package socialproof

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/language"
)

// ProductParam is the route parameter holding the product id.
const ProductParam = "productID"

// Handler serves the copy for the product in the route as JSON.
// The language is taken from the `lang` query parameter or Accept-Language.
func Handler(t *Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID := chi.URLParam(r, ProductParam)
		content := t.LookupLang(productID, requestTag(r))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		if err := json.NewEncoder(w).Encode(content); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("product", productID).Msg("Could not write social proof")
		}
	}
}

func requestTag(r *http.Request) language.Tag {
	if lang := r.URL.Query().Get("lang"); lang != "" {
		if tag, err := language.Parse(lang); err == nil {
			return tag
		}
	}
	if tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language")); err == nil && len(tags) > 0 {
		return tags[0]
	}
	return language.Und
}
