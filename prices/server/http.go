package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/linluma/pricehub/shared/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotSource reports a store's current state
type SnapshotSource interface {
	GetSnapshot() models.Snapshot
}

// OpsServer serves metrics and probes next to the gRPC listener
type OpsServer struct {
	srv *http.Server
}

// NewOps builds the ops server. Readiness follows ctx and the primary store:
// a degraded primary reports NOT_SERVING until a fetch succeeds again.
func NewOps(ctx context.Context, address string, gatherer prometheus.Gatherer, primary SnapshotSource) *OpsServer {
	return &OpsServer{srv: &http.Server{
		Addr:              address,
		Handler:           OpsHandler(ctx, gatherer, primary),
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		MaxHeaderBytes:    16 * 1024,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}}
}

// OpsHandler routes /metrics, /healthz and /readyz
func OpsHandler(ctx context.Context, gatherer prometheus.Gatherer, primary SnapshotSource) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthZHandleFunc())
	mux.HandleFunc("/readyz", readyZHandleFunc(ctx, primary))
	return mux
}

func (s *OpsServer) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

var (
	statusHealthy    = []byte(`{"status":"HEALTHY"}`)
	statusNotServing = []byte(`{"status":"NOT_SERVING"}`)
	statusServing    = []byte(`{"status":"SERVING"}`)
)

func readyZHandleFunc(ctx context.Context, primary SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		if ctx.Err() != nil || (primary != nil && primary.GetSnapshot().State == models.StateDegraded) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(statusNotServing)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(statusServing)
	}
}

func healthZHandleFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(statusHealthy)
	}
}
