// Package api serves the query surface: formula computation, raw contract
// data, pipeline status, the websocket live stream, Prometheus metrics and
// the JWT-protected webhook admin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wasmscan/internal/compute"
	"wasmscan/internal/config"
	"wasmscan/internal/eventbus"
	"wasmscan/internal/formula"
	"wasmscan/internal/metrics"
	"wasmscan/internal/models"
)

// ComputeService is the compute surface the handlers call.
type ComputeService interface {
	Query(ctx context.Context, name, contract string, args formula.Args, atBlock *uint64) (*compute.Result, error)
	QueryRange(ctx context.Context, name, contract string, args formula.Args, from, to uint64) ([]formula.RangeOutput, error)
	Registry() *formula.Registry
}

// DataStore is the repository surface behind the raw-data and status routes.
type DataStore interface {
	GetState(ctx context.Context) (*models.State, error)
	ListContracts(ctx context.Context, limit, offset int) ([]models.Contract, error)
	GetContract(ctx context.Context, address string) (*models.Contract, error)
	EventsByContract(ctx context.Context, contract string, limit, offset int) ([]models.WasmEvent, error)
	TransformationsByContract(ctx context.Context, contract string, limit, offset int) ([]models.WasmEventTransformation, error)
	CountComputations(ctx context.Context) (int64, error)
}

// StatusSource reports the ingestion driver's counters.
type StatusSource interface {
	Status() models.DriverStatus
}

// PendingCounter reports the webhook backlog.
type PendingCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// AdminRoutes mounts extra routes behind the admin auth middleware.
type AdminRoutes interface {
	RegisterRoutes(r *mux.Router)
}

// Server is the HTTP front of the indexer.
type Server struct {
	cfg     config.APIConfig
	router  *mux.Router
	log     zerolog.Logger
	httpSrv *http.Server

	computeSvc ComputeService
	store      DataStore
	driver     StatusSource
	pending    PendingCounter

	hub         *Hub
	statusCache *ttlCache
	limiter     *ipLimiter
}

// Options carries the server's collaborators.
type Options struct {
	Compute ComputeService
	Store   DataStore
	Driver  StatusSource
	Pending PendingCounter
	Bus     *eventbus.Bus
	// Admin is mounted under /admin behind JWT auth; nil disables the tree.
	Admin AdminRoutes
	// AuthMiddleware wraps the /admin subtree. Required when Admin is set.
	AuthMiddleware mux.MiddlewareFunc
}

func NewServer(cfg config.APIConfig, opts Options, log zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		log:         log.With().Str("component", "api").Logger(),
		computeSvc:  opts.Compute,
		store:       opts.Store,
		driver:      opts.Driver,
		pending:     opts.Pending,
		statusCache: newTTLCache(3 * time.Second),
		limiter:     newIPLimiter(cfg.RatePerSec, cfg.Burst),
	}
	s.hub = newHub(s.log)
	if opts.Bus != nil {
		ch := make(chan eventbus.Event, 64)
		opts.Bus.Subscribe(eventbus.TopicFlush, ch)
		go s.hub.pump(ch)
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware, jsonMiddleware, s.metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/formulas", s.handleFormulas).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/compute/{formula}/{contract}", s.handleCompute).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/computeRange/{formula}/{contract}", s.handleComputeRange).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/contracts", s.handleContracts).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/contracts/{address}", s.handleContract).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/contracts/{address}/events", s.handleContractEvents).Methods(http.MethodGet, http.MethodOptions)
	v1.HandleFunc("/contracts/{address}/transformations", s.handleContractTransformations).Methods(http.MethodGet, http.MethodOptions)

	if opts.Admin != nil && opts.AuthMiddleware != nil {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.Use(opts.AuthMiddleware)
		opts.Admin.RegisterRoutes(admin)
	}

	s.router = r
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the context is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.cfg.Port).Msg("api listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.close()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" && r.URL.Path != "/ws" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
