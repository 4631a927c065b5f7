package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	assetcache "github.com/kiply/asset-cache"
	cachekey "github.com/kiply/asset-cache/pkg/cache-key"
	"github.com/kiply/asset-cache/pkg/pixel"
	socialproof "github.com/kiply/asset-cache/pkg/social-proof"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// worker is the part of the asset cache the routers use.
type worker interface {
	http.Handler
	Version() string
	State() assetcache.State
	Generations(ctx context.Context) ([]string, error)
	Entries(ctx context.Context, name string) ([]string, error)
	Update(ctx context.Context, version string) error
}

// newRouter mounts the storefront runtime endpoints and hands everything else to the worker.
func newRouter(w worker, pixelConfig pixel.Config, table *socialproof.Table, log zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Access")
	}))

	r.Route("/__kiply", func(r chi.Router) {
		r.Get("/runtime.json", pixel.RuntimeHandler(pixelConfig))
		r.Get("/social-proof/{"+socialproof.ProductParam+"}", socialproof.Handler(table))
	})
	r.Handle("/*", w)
	return r
}

type generationsResponse struct {
	Version     string   `json:"version"`
	State       string   `json:"state"`
	Generations []string `json:"generations"`
}

type entry struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type entriesResponse struct {
	Name    string  `json:"name"`
	Entries []entry `json:"entries"`
}

// newAdminRouter exposes the cache lifecycle. It must only be reachable by operators.
// Stored keys are shown as URLs on origin.
func newAdminRouter(w worker, origin *url.URL, log zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log))

	r.Get("/generations", func(rw http.ResponseWriter, r *http.Request) {
		names, err := w.Generations(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list generations")
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, generationsResponse{
			Version:     w.Version(),
			State:       w.State().String(),
			Generations: names,
		})
	})

	r.Get("/generations/{name}", func(rw http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		names, err := w.Generations(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list generations")
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		if !slices.Contains(names, name) {
			http.Error(rw, "unknown generation", http.StatusNotFound)
			return
		}
		keys, err := w.Entries(r.Context(), name)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("generation", name).Msg("Could not list entries")
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		res := entriesResponse{Name: name, Entries: make([]entry, 0, len(keys))}
		for _, key := range keys {
			req, err := cachekey.GetRequestFromKey(key)
			if err != nil {
				hlog.FromRequest(r).Warn().Err(err).Str("generation", name).Msg("Skipping entry")
				continue
			}
			req.URL.Scheme = origin.Scheme
			req.URL.Host = origin.Host
			res.Entries = append(res.Entries, entry{Key: key, URL: req.URL.String()})
		}
		writeJSON(rw, res)
	})

	r.Post("/activate", func(rw http.ResponseWriter, r *http.Request) {
		version := r.URL.Query().Get("version")
		if version == "" {
			http.Error(rw, "missing version", http.StatusBadRequest)
			return
		}
		if err := w.Update(r.Context(), version); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("to", version).Msg("Could not activate version")
			status := http.StatusInternalServerError
			if errors.Is(err, assetcache.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			http.Error(rw, err.Error(), status)
			return
		}
		hlog.FromRequest(r).Info().Str("to", version).Msg("Activated version")
		rw.WriteHeader(http.StatusNoContent)
	})
	return r
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}
