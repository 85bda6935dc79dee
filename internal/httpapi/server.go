// Package httpapi serves metrics, health and status over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"iter"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/ipc"
	"github.com/aatumaykin/pipetimer/internal/logger"
)

const (
	shutdownTimeout = 5 * time.Second
	maxTimers       = 100
	maxEvents       = 1000
)

// Events is implemented by *activity.Store.
type Events interface {
	Query(ctx context.Context, f activity.Filter) iter.Seq2[activity.Event, error]
}

// Options configures a Server.
type Options struct {
	Addr     string
	Gatherer prometheus.Gatherer
	Status   func() *ipc.StatusReply
	Upcoming func(n int) []time.Time
	// Events is optional; without it /runs/{id}/events is not routed.
	Events Events
	Logger *logger.Logger
}

// Server is the HTTP listener.
type Server struct {
	opts   Options
	log    *logger.Logger
	router *mux.Router
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		opts: opts,
		log:  opts.Logger.With(logger.Field{Key: "component", Value: "http"}),
	}

	router := mux.NewRouter()
	router.StrictSlash(true)
	router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/timers", s.timersHandler).Methods(http.MethodGet)
	if opts.Events != nil {
		router.HandleFunc("/runs/{id:[0-9]+}/events", s.runEventsHandler).Methods(http.MethodGet)
	}
	router.Use(s.loggingMiddleware)
	s.router = router
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Addr)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("HTTP server started", logger.Field{Key: "addr", Value: ln.Addr().String()})

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	s.log.Info("HTTP server stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.opts.Status()
	if st == nil || !st.Scheduler.Started {
		http.Error(w, "scheduler not started", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.opts.Status())
}

func (s *Server) timersHandler(w http.ResponseWriter, req *http.Request) {
	n, err := intParam(req, "n", 5)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.opts.Upcoming(min(n, maxTimers)))
}

func (s *Server) runEventsHandler(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(req)["id"], 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}

	events, err := activity.Collect(s.opts.Events.Query(req.Context(), activity.Filter{RunID: id, Limit: maxEvents}))
	if err != nil {
		s.log.Error("failed to query run events", err, logger.Field{Key: "run_id", Value: id})
		http.Error(w, "failed to query activity log", http.StatusInternalServerError)
		return
	}
	if len(events) == 0 {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, events)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("http request",
			logger.Field{Key: "method", Value: r.Method},
			logger.Field{Key: "uri", Value: r.RequestURI})
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error forming response data", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(js)
}

func intParam(req *http.Request, name string, def int) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.Newf("%s must be a positive integer", name)
	}
	return n, nil
}
