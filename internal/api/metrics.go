package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler serves the process's Prometheus collectors. It is
// deliberately not behind requireAPIKey: it carries no agent data, only
// aggregate counters, and operators typically scrape it from a sidecar
// that does not carry the daemon's API key.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
