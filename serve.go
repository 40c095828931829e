package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/pgproblems/internal/api"
	"github.com/koltyakov/pgproblems/internal/scan"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled scans",
		Long: `serve exposes problem detection over HTTP on --server-addr and, when the
scheduler is enabled (--scheduler-enabled or ENABLE_PROBLEM_SCHEDULER=true),
scans the default database on the --scheduler-schedule cron expression
(default every half hour at :00 and :30).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("server-addr", ":3001", "HTTP listen address")
	f.Bool("scheduler-enabled", false, "Run scans on a schedule")
	f.String("scheduler-schedule", scan.DefaultSchedule, "Cron expression or @every descriptor for scheduled scans")
	f.String("store-backend", "postgres", "Problem store: postgres or memory")
	f.String("lock-backend", "advisory", "Scan lock: advisory, local or redis")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := a.build(ctx, reg)
	if err != nil {
		return err
	}
	defer c.Close()

	srv := api.New(api.Options{
		Resolver: api.PoolResolver{Registry: c.registry, Default: c.target},
		Store:    c.store,
		Scanner:  c.coord,
		Collect:  a.cfg.Collect,
		Default:  c.target,
		Gatherer: reg,
		Logger:   a.log,
	})
	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sched *scan.Scheduler
	if a.cfg.Scheduler.Enabled {
		sched = &scan.Scheduler{
			Scanner:    c.coord,
			Schedule:   a.cfg.Scheduler.Schedule,
			RunOnStart: a.cfg.Scheduler.RunOnStart,
			Logger:     a.log,
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	} else {
		a.log.Info("scheduler disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", "addr", httpSrv.Addr, "target", c.target.HostPort(), "store", a.cfg.Store.Backend, "lock", a.cfg.Lock.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
