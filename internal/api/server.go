// Package api serves problem detection over HTTP.
//
// Every /api route that touches a monitored database reads the target from
// the X-Db-* request headers, falling back to the configured default.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koltyakov/pgproblems/internal/analyze"
	"github.com/koltyakov/pgproblems/internal/collect"
	"github.com/koltyakov/pgproblems/internal/logger"
	"github.com/koltyakov/pgproblems/internal/pgpool"
	"github.com/koltyakov/pgproblems/internal/scan"
	"github.com/koltyakov/pgproblems/internal/store"
)

// HeaderInstanceLabel overrides the instance label stored with problems.
const HeaderInstanceLabel = "X-Instance-Label"

// Target is a monitored database reachable for one request.
type Target interface {
	scan.Collector
	Now(ctx context.Context) (time.Time, error)
	Databases(ctx context.Context) ([]string, error)
}

// Resolver picks the Target of a request. cfg carries per-request collector
// settings such as the long-running threshold. The handler calls release
// once it is done with the Target.
type Resolver interface {
	Resolve(r *http.Request, cfg collect.Config) (t Target, release func(), err error)
}

// Options configure a Server.
type Options struct {
	Resolver Resolver
	Store    store.Store
	Scanner  scan.Scanner
	Collect  collect.Config
	// Default is the target used when no X-Db-* header is present. Its
	// password is never returned.
	Default  pgpool.ConnConfig
	Gatherer prometheus.Gatherer
	Logger   *logger.Logger
	Analyzer analyze.Analyzer
}

// Server holds the HTTP handlers.
type Server struct {
	opts Options
	log  *logger.Logger
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{opts: opts, log: log.Named("api")}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/default-connection", s.defaultConnection)
		r.Get("/databases", s.databases)
		r.Get("/snapshot", s.snapshot)

		r.Get("/problems", s.problems)
		r.Get("/problems/stored", s.storedProblems)
		r.Post("/problems/auto-resolve", s.autoResolve)

		r.Post("/scheduler/test", s.schedulerTest)

		r.NotFound(notFound)
		r.MethodNotAllowed(notFound)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	return r
}
