// Package metrics tracks gateway counters for Prometheus-compatible export.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector tracks request and handshake metrics.
type Collector struct {
	mu sync.RWMutex

	// key: token|method|status
	requestsTotal map[string]int64
	// key: routing token
	requestDurations map[string]*HistogramData

	// key: terminal handshake state ("forward_ready", "failed")
	handshakesTotal map[string]int64
	// key: status code of the terminal failure
	handshakeFailures map[string]int64

	loginServed  int64
	reloadsOK    int64
	reloadsError int64
}

// HistogramData stores histogram-like data for durations.
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		requestsTotal:     make(map[string]int64),
		requestDurations:  make(map[string]*HistogramData),
		handshakesTotal:   make(map[string]int64),
		handshakeFailures: make(map[string]int64),
	}
}

// RecordRequest records a completed request labeled by routing token.
func (c *Collector) RecordRequest(token, method string, statusCode int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := token + "|" + method + "|" + strconv.Itoa(statusCode)
	c.requestsTotal[key]++

	hd, ok := c.requestDurations[token]
	if !ok {
		hd = &HistogramData{Buckets: make(map[float64]int64)}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.requestDurations[token] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordHandshake records a terminal handshake outcome.
func (c *Collector) RecordHandshake(state string) {
	c.mu.Lock()
	c.handshakesTotal[state]++
	c.mu.Unlock()
}

// RecordHandshakeFailure records the status code of a failed handshake.
func (c *Collector) RecordHandshakeFailure(statusCode int) {
	c.mu.Lock()
	c.handshakeFailures[strconv.Itoa(statusCode)]++
	c.mu.Unlock()
}

// RecordLoginServed records a login page served in place of a proxied
// response.
func (c *Collector) RecordLoginServed() {
	c.mu.Lock()
	c.loginServed++
	c.mu.Unlock()
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	c.mu.Lock()
	if ok {
		c.reloadsOK++
	} else {
		c.reloadsError++
	}
	c.mu.Unlock()
}

// WritePrometheus writes metrics in Prometheus text exposition format.
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "authgate_requests_total", "Total number of requests", "counter")
	for key, count := range c.requestsTotal {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "authgate_requests_total", count,
				"token", parts[0], "method", parts[1], "status", parts[2])
		}
	}

	writeHelp(w, "authgate_request_duration_seconds", "Request duration in seconds", "histogram")
	for token, hd := range c.requestDurations {
		for _, bound := range DefaultBuckets {
			cnt := hd.Buckets[bound]
			writeMetricFloat(w, "authgate_request_duration_seconds_bucket", float64(cnt),
				"token", token, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "authgate_request_duration_seconds_bucket", float64(hd.Count),
			"token", token, "le", "+Inf")
		writeMetricFloat(w, "authgate_request_duration_seconds_sum", hd.Sum,
			"token", token)
		writeMetric(w, "authgate_request_duration_seconds_count", hd.Count,
			"token", token)
	}

	writeHelp(w, "authgate_handshakes_total", "Terminal handshake outcomes", "counter")
	for state, count := range c.handshakesTotal {
		writeMetric(w, "authgate_handshakes_total", count, "state", state)
	}

	writeHelp(w, "authgate_handshake_failures_total", "Failed handshakes by status code", "counter")
	for status, count := range c.handshakeFailures {
		writeMetric(w, "authgate_handshake_failures_total", count, "status", status)
	}

	writeHelp(w, "authgate_login_served_total", "Login pages served to unauthenticated requests", "counter")
	writeMetric(w, "authgate_login_served_total", c.loginServed)

	writeHelp(w, "authgate_config_reloads_total", "Configuration reload attempts", "counter")
	writeMetric(w, "authgate_config_reloads_total", c.reloadsOK, "result", "ok")
	writeMetric(w, "authgate_config_reloads_total", c.reloadsError, "result", "error")
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
