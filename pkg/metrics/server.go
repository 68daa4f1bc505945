package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve starts an HTTP server exposing /metrics (promhttp) and /healthz.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync starts Serve in a goroutine, logging (not panicking) on
// failure so a port conflict never takes down the pipeline itself.
func (r *Registry) ServeAsync(port int, logger *slog.Logger) {
	go func() {
		if err := r.Serve(port); err != nil {
			if logger != nil {
				logger.Error("metrics server exited", "port", port, "err", err)
			}
		}
	}()
}
