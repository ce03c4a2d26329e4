package observability

import (
	"net/http"
	"time"
)

// MetricsMiddleware counts requests in authcore_requests_total and times
// them in authcore_request_duration_seconds. Requests are labelled with the
// method and the ServeMux pattern that served them; unmatched requests use
// the route "unknown".
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &codeRecorder{ResponseWriter: w}
		began := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(began)

		route := r.Pattern
		if route == "" {
			route = "unknown"
		}
		RequestsTotal.WithLabelValues(r.Method, StatusClass(rec.statusCode()), route).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	})
}

// StatusClass maps an HTTP status code to its class label, e.g. 404 to "4xx".
// Codes outside 100..599 map to "other".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return string(rune('0'+code/100)) + "xx"
}

// codeRecorder remembers the first status code sent downstream.
type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (c *codeRecorder) WriteHeader(code int) {
	if c.code == 0 {
		c.code = code
	}
	c.ResponseWriter.WriteHeader(code)
}

// Write sends an implicit 200 if no code was sent yet.
func (c *codeRecorder) Write(b []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	return c.ResponseWriter.Write(b)
}

// statusCode is the recorded code. A handler that wrote nothing sent an
// implicit 200.
func (c *codeRecorder) statusCode() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}

func (c *codeRecorder) Unwrap() http.ResponseWriter { return c.ResponseWriter }
