package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// routes are the paths reported under their own label. Reset tokens travel
// in the query string, so paths never carry identifiers.
var routes = map[string]bool{
	"/":                true,
	"/login":           true,
	"/signup":          true,
	"/logout":          true,
	"/forgot-password": true,
	"/reset-password":  true,
	"/health":          true,
}

// routeLabel maps a request path to a bounded label set. Unknown paths fold
// into "other" so scanners cannot grow label cardinality.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/static/") {
		return "/static/"
	}
	if p := strings.TrimSuffix(path, "/"); p != "" && routes[p] {
		return p
	}
	if routes[path] {
		return path
	}
	return "other"
}

// statusRecorder remembers the first status code written.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Middleware records request counts, latencies and in-flight requests.
// Scrapes of /metrics are not counted.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r.URL.Path)

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
