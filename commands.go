package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/koltyakov/pgproblems/internal/analyze"
	"github.com/koltyakov/pgproblems/internal/collect"
	"github.com/koltyakov/pgproblems/internal/config"
	apperrors "github.com/koltyakov/pgproblems/internal/errors"
	"github.com/koltyakov/pgproblems/internal/pgpool"
	"github.com/koltyakov/pgproblems/internal/report"
	"github.com/koltyakov/pgproblems/internal/scan"
	"github.com/koltyakov/pgproblems/internal/store"
)

func newScanCommand(a *app) *cobra.Command {
	var skipLock bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan of the default database and reconcile stored problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.build(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.coord.RunScan(cmd.Context(), scan.Options{SkipLock: skipLock, Trigger: scan.TriggerManual})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Skipped {
				fmt.Fprintln(out, "Another scan is running; skipped.")
				return nil
			}
			fmt.Fprintf(out, "Scan %s of %s: %d detected, %d resolved in %s\n",
				res.ScanID, res.Scope.InstanceLabel, res.Detected, res.Resolved, res.Duration.Round(time.Millisecond))
			printProblems(cmd, res.Problems)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipLock, "skip-lock", false, "Run without taking the scan lock")
	cmd.Flags().String("store-backend", "postgres", "Problem store: postgres or memory")
	cmd.Flags().String("lock-backend", "advisory", "Scan lock: advisory, local or redis")
	return cmd
}

func printProblems(cmd *cobra.Command, problems []analyze.Problem) {
	if len(problems) == 0 {
		return
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tCATEGORY\tID\tTITLE")
	for _, p := range problems {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Priority, p.Category, p.ID, p.Title)
	}
	_ = tw.Flush()
}

type analyzeFlags struct {
	out      string
	format   string
	open     bool
	suppress string
	label    string
	save     bool

	longRunning time.Duration
}

func newAnalyzeCommand(a *app) *cobra.Command {
	var f analyzeFlags
	cmd := &cobra.Command{
		Use:   "analyze [database-url]",
		Short: "Collect, analyze and write a problem report",
		Long: `analyze collects a snapshot of the database, evaluates the rule catalog and
writes the problems as HTML, JSON or YAML. The format follows --format or the
extension of --out. --out supports {ts} (2006-01-02_1504); "-" writes to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				a.cfg.Database.URL = args[0]
			}
			if cmd.Flags().Changed("long-running") {
				a.cfg.Collect.LongRunningMin = f.longRunning
			}
			return a.analyze(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.out, "out", "o", defaultOutputFile, "Output file path (supports {ts} -> 2006-01-02_1504, - for stdout)")
	fl.StringVar(&f.format, "format", "", "Report format: html, json or yaml (default from --out extension)")
	fl.BoolVar(&f.open, "open", false, "Open an HTML report after generation")
	fl.StringVar(&f.suppress, "suppress", "", "Comma-separated problem ids to leave out")
	fl.StringVar(&f.label, "instance-label", "", "Instance label (default \"<database> (<host>:<port>)\")")
	fl.BoolVar(&f.save, "save", false, "Also store the detected problems")
	fl.Duration("collect-timeout", collect.DefaultTimeout, "Overall timeout for collection")
	fl.DurationVar(&f.longRunning, "long-running", collect.DefaultLongRunningMin, "Report active queries older than this")
	return cmd
}

func (a *app) analyze(cmd *cobra.Command, f analyzeFlags) error {
	start := time.Now()
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidConfig, err)
	}
	format := report.FormatFromPath(f.out)
	if f.format != "" {
		var err error
		if format, err = report.ParseFormat(f.format); err != nil {
			return err
		}
	}
	outPath := resolveOutputPath(f.out, start)

	target, err := a.cfg.Target()
	if err != nil {
		return err
	}
	registry, err := pgpool.NewRegistry(1)
	if err != nil {
		return err
	}
	defer registry.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Collect.Timeout)
	defer cancel()

	pool, err := registry.Pin(ctx, target)
	if err != nil {
		return err
	}
	collector := collect.NewCollector(pool, a.cfg.Collect,
		collect.WithConnectionHost(target.HostPort()),
		collect.WithInstanceLabel(f.label),
	)
	inst, err := collector.InstanceInfo(ctx)
	if err != nil {
		return err
	}
	snap, err := collector.Collect(ctx)
	if err != nil {
		return err
	}

	problems := analyze.Run(snap)
	suppressed := parseSuppressedSet(f.suppress)
	problems = analyze.Filter(problems, suppressed)
	a.log.Info("analysis complete", "database", inst.DatabaseName, "problems", len(problems), "suppressed", len(suppressed))

	if f.save {
		if err := a.saveProblems(cmd.Context(), inst, problems); err != nil {
			return err
		}
	}

	meta := report.Meta{
		Instance:    inst,
		GeneratedAt: start,
		Duration:    time.Since(start),
		Version:     version,
		Suppressed:  setKeys(suppressed),
	}
	if err := report.WriteFile(outPath, format, problems, meta); err != nil {
		return err
	}
	if outPath == "-" {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s (%d problems)\n", outPath, len(problems))

	if f.open && format == report.FormatHTML {
		if err := openReport(outPath); err != nil {
			// Non-fatal: the report is on disk.
			a.log.Warn("failed to open report", "path", outPath, "error", err)
		}
	}
	return nil
}

func (a *app) saveProblems(ctx context.Context, inst collect.Instance, problems []analyze.Problem) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Save(ctx, store.Scope{
		DatabaseName:   inst.DatabaseName,
		InstanceLabel:  firstNonEmpty(inst.InstanceLabel, inst.DatabaseName),
		ConnectionHost: inst.ConnectionHost,
	}, problems)
}

func setKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the problem store schema",
		Args:  cobra.NoArgs,
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := a.openStoreNoMigrate(cmd.Context())
			if err != nil {
				return err
			}
			defer pg.Close()
			applied, err := store.Migrate(cmd.Context(), pg.Pool())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", strings.Join(applied, ", "))
			return nil
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := a.openStoreNoMigrate(cmd.Context())
			if err != nil {
				return err
			}
			defer pg.Close()
			ms, err := store.MigrationStatus(cmd.Context(), pg.Pool())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
			for _, m := range ms {
				applied := "pending"
				if m.AppliedAt != nil {
					applied = m.AppliedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Version, m.Name, applied)
			}
			return tw.Flush()
		},
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := a.openStoreNoMigrate(cmd.Context())
			if err != nil {
				return err
			}
			defer pg.Close()
			rolled, err := store.MigrateDown(cmd.Context(), pg.Pool(), steps)
			if err != nil {
				return err
			}
			if len(rolled) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No applied migrations.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s\n", strings.Join(rolled, ", "))
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(up, down, status)
	return cmd
}

func (a *app) openStoreNoMigrate(ctx context.Context) (*store.Postgres, error) {
	if a.cfg.Store.Backend == config.StoreMemory {
		return nil, apperrors.NewValidationError("store.backend", a.cfg.Store.Backend, "migrations need the postgres store")
	}
	url, err := a.cfg.StoreURL()
	if err != nil {
		return nil, err
	}
	return store.OpenPostgres(ctx, url)
}
