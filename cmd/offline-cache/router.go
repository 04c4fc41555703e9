package main

import (
	"encoding/json"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// adminPrefix is reserved for the proxy itself; everything else goes to the lifecycle host.
const adminPrefix = "/-"

type partitionsResponse struct {
	Partitions []string `json:"partitions"`
	Active     string   `json:"active,omitempty"`
}

func newRouter(host *lifecycle.Host, storage *cache.Storage, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Route(adminPrefix, func(r chi.Router) {
		r.Get("/partitions", func(w http.ResponseWriter, r *http.Request) {
			names, err := storage.Keys(r.Context())
			if err != nil {
				log.Error().Err(err).Msg("Could not list cache partitions")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			res := partitionsResponse{Partitions: names}
			if active := host.Active(); active != nil {
				res.Active = active.Name
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(res); err != nil {
				log.Error().Err(err).Msg("Could not write partitions")
			}
		})
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	})
	r.Handle("/*", host)
	return r
}
