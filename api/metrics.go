// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phamhongphuc1999/bundler/metrics"
)

var (
	metricHTTPReqCounter  = metrics.CounterVec("api_request_count", []string{"path", "code", "method"})
	metricHTTPReqDuration = metrics.HistogramVec("api_duration_ms", []string{"path", "code", "method"}, metrics.BucketHTTPReqs)
)

// metricsResponseWriter captures the status code of the wrapped writer.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{w, http.StatusOK}
}

func (m *metricsResponseWriter) WriteHeader(code int) {
	m.statusCode = code
	m.ResponseWriter.WriteHeader(code)
}

// metricsHandler records a counter and latency histogram per request.
func metricsHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()

		mrw := newMetricsResponseWriter(w)
		h.ServeHTTP(mrw, r)

		url := strings.ReplaceAll(strings.TrimLeft(r.URL.Path, "/"), "/", "_")
		labels := map[string]string{"path": url, "code": strconv.Itoa(mrw.statusCode), "method": r.Method}
		metricHTTPReqCounter.AddWithLabel(1, labels)
		metricHTTPReqDuration.ObserveWithLabels(time.Since(now).Milliseconds(), labels)
	})
}
