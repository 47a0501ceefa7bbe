/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes a Prometheus /metrics endpoint carrying the
// "current offset, adev, frequency, and best-clock marker" spec.md §7
// requires every stats line to surface, plus the TDA's availability
// counters (spec.md §4.5).
//
// Grounded on ptp/sptp/stats/prom_exporter.go's PrometheusExporter: a
// private *prometheus.Registry, gauges registered once and updated
// in-place on AlreadyRegisteredError, served via promhttp.HandlerFor. The
// teacher's version scrapes its own metrics over HTTP from a sibling
// process each interval; since this exporter lives in the same process as
// the core it instruments, gauges are updated directly by a push (Set
// calls from cmd/ptpdcore's exportLoop) rather than through that extra hop.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Exporter holds a private Prometheus registry and the named gauges
// registered against it so far.
type Exporter struct {
	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
}

// New builds an empty Exporter.
func New() *Exporter {
	return &Exporter{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Set updates (registering on first use) a gauge named name to value,
// matching PrometheusExporter.scrapeMetrics's register-or-reuse pattern.
func (e *Exporter) Set(name, help string, value float64) {
	g, ok := e.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		if err := e.registry.Register(g); err != nil {
			log.WithFields(log.Fields{"component": "metrics", "name": name, "error": err}).Warning("failed to register metric")
			return
		}
		e.gauges[name] = g
	}
	g.Set(value)
}

// Handler returns the promhttp handler for this Exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve blocks serving /metrics on addr, matching
// PrometheusExporter.Start's log.Fatal(http.ListenAndServe(...)) shape,
// except returning the error instead of fataling so the caller's main
// retains control of process exit.
func (e *Exporter) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	return http.ListenAndServe(addr, mux)
}

// DriverLabels builds the conventional gauge name prefix for one named
// clock driver's metrics, flattening the same way
// prom_exporter.go's flattenKey does for arbitrary counter keys.
func DriverLabels(driverName string) string {
	return fmt.Sprintf("ptpdcore_clockdriver_%s", flatten(driverName))
}

func flatten(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case ' ', '.', '-', '=', '/':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
