/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

// Package metrics exposes registry counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/download"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds the metrics of the model registry service.
type Registry struct {
	registry *prometheus.Registry

	downloads      *prometheus.CounterVec
	downloadBytes  prometheus.Counter
	aliasesCreated *prometheus.CounterVec
}

// NewRegistry builds the metric set. Catalog-level gauges read the given
// store lazily at scrape time.
func NewRegistry(store *catalog.Store) *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		registry: reg,
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "model_registry",
			Name:      "downloads_total",
			Help:      "Number of finished downloads by outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "model_registry",
			Name:      "download_bytes_total",
			Help:      "Number of bytes fetched from model sources.",
		}),
		aliasesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "model_registry",
			Name:      "aliases_created_total",
			Help:      "Number of aliases materialized by strategy.",
		}, []string{"strategy"}),
	}

	reg.MustRegister(m.downloads, m.downloadBytes, m.aliasesCreated)
	reg.MustRegister(
		statsGauge(store, "artifacts", "Number of artifacts in the catalog.", func(s catalog.Stats) float64 {
			return float64(s.ModelCount)
		}),
		statsGauge(store, "aliases", "Number of aliases in the catalog.", func(s catalog.Stats) float64 {
			return float64(s.AliasCount)
		}),
		statsGauge(store, "stored_bytes", "Total size of cataloged artifacts.", func(s catalog.Stats) float64 {
			return float64(s.TotalSizeBytes)
		}),
	)

	return m
}

func statsGauge(store *catalog.Store, name, help string, value func(catalog.Stats) float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "model_registry",
		Subsystem: "catalog",
		Name:      name,
		Help:      help,
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stats, err := store.Stats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Unable to read catalog stats for metrics")
			return 0
		}

		return value(stats)
	})
}

// Publish implements download.Sink.
func (m *Registry) Publish(ev download.Lifecycle) {
	switch ev.Type {
	case download.LifecycleComplete:
		m.downloads.WithLabelValues("success").Inc()
		m.downloadBytes.Add(float64(ev.Bytes))
	case download.LifecycleFailed:
		m.downloads.WithLabelValues("failure").Inc()
		m.downloadBytes.Add(float64(ev.Bytes))
	case download.LifecycleAlias:
		m.aliasesCreated.WithLabelValues(ev.Strategy).Inc()
	}
}

// Handler serves the /metrics endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
