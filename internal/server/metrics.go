package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler wires gauges over the registry and token cache into a
// per-app Prometheus registry, so isolated app instances in tests never
// collide on registration.
func (a *App) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_open_sessions",
		Help: "Number of tracked client sessions.",
	}, func() float64 {
		sessions, _ := a.registry.Stats()
		return float64(sessions)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_live_rooms",
		Help: "Number of rooms with a live or grace-period document handle.",
	}, func() float64 {
		_, rooms := a.registry.Stats()
		return float64(rooms)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_token_cache_size",
		Help: "Number of cached verified credentials.",
	}, func() float64 {
		return float64(a.verifier.CacheSize())
	}))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
