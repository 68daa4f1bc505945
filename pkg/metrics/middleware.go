package metrics

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"time"
)

// RequestIDHeader is the header the request tracker stamps onto every
// response so a caller can correlate logs with a specific request.
const RequestIDHeader = "X-Request-Id"

// Middleware wraps next, assigning each inbound request a short random
// identifier and recording {method, path, status, duration} once the
// response finalizes.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := newRequestID()
		w.Header().Set(RequestIDHeader, id)

		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, req)

		duration := time.Since(start)
		path := routeLabel(req)

		r.requestsTotal.WithLabelValues(req.Method, path, statusLabel(sw.status)).Inc()
		r.requestDuration.WithLabelValues(req.Method, path).Observe(duration.Seconds())
		r.requests.add(RequestRecord{
			ID:       id,
			Method:   req.Method,
			Path:     path,
			Status:   sw.status,
			Duration: duration,
			At:       start,
		})
	})
}

// RouteAggregate summarizes one route's recent request history.
type RouteAggregate struct {
	Method      string
	Path        string
	Count       int
	AvgDuration time.Duration
	ErrorCount  int
}

// RouteAggregates computes per-route aggregates over the current request
// ring, rather than maintaining running counters that would need their own
// unbounded memory — the ring already bounds how much history is kept.
func (r *Registry) RouteAggregates() []RouteAggregate {
	byRoute := make(map[string]*RouteAggregate)
	var order []string

	for _, rec := range r.requests.all() {
		key := rec.Method + " " + rec.Path
		agg, ok := byRoute[key]
		if !ok {
			agg = &RouteAggregate{Method: rec.Method, Path: rec.Path}
			byRoute[key] = agg
			order = append(order, key)
		}
		agg.Count++
		agg.AvgDuration = (agg.AvgDuration*time.Duration(agg.Count-1) + rec.Duration) / time.Duration(agg.Count)
		if rec.Status >= 500 {
			agg.ErrorCount++
		}
	}

	out := make([]RouteAggregate, 0, len(order))
	for _, key := range order {
		out = append(out, *byRoute[key])
	}
	return out
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the wrapped writer so a websocket upgrade (the
// push channel's /debug/ws) still works behind this middleware.
func (w *statusCapturingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func newRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// routeLabel uses the request's raw path; a real router would substitute a
// pattern (e.g. "/items/:id"), but this process exposes a fixed, small set
// of endpoints where the raw path already is the pattern.
func routeLabel(req *http.Request) string {
	if req.URL.Path == "" {
		return "/"
	}
	return req.URL.Path
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
