package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/koltyakov/pgproblems/internal/analyze"
	"github.com/koltyakov/pgproblems/internal/collect"
	"github.com/koltyakov/pgproblems/internal/scan"
	"github.com/koltyakov/pgproblems/internal/store"
)

const defaultAutoResolveMinutes = 30

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not Found", "path": r.URL.RequestURI()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	t, release, err := s.opts.Resolver.Resolve(r, s.opts.Collect)
	if err == nil {
		defer release()
		var now time.Time
		if now, err = t.Now(r.Context()); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "now": now})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
}

type connectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Database string `json:"database"`
}

func (s *Server) defaultConnection(w http.ResponseWriter, _ *http.Request) {
	d := s.opts.Default
	if d.Host == "" || d.User == "" || d.Database == "" {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
		return
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exists":     true,
		"connection": connectionInfo{Host: d.Host, Port: port, User: d.User, Database: d.Database},
		"label":      fmt.Sprintf("%s (%s)", d.Database, d.HostPort()),
	})
}

func (s *Server) databases(w http.ResponseWriter, r *http.Request) {
	t, release, err := s.opts.Resolver.Resolve(r, s.opts.Collect)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer release()
	names, err := t.Databases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	d := s.opts.Default
	out := make([]map[string]any, len(names))
	for i, name := range names {
		out[i] = map[string]any{
			"name":  name,
			"host":  d.Host,
			"port":  d.Port,
			"user":  d.User,
			"label": fmt.Sprintf("%s (%s)", name, d.HostPort()),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": out})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	t, release, err := s.opts.Resolver.Resolve(r, s.collectConfig(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer release()
	snap, err := t.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// collectConfig applies the minSec query parameter, the long-running
// threshold in seconds (at least 1, default 60).
func (s *Server) collectConfig(r *http.Request) collect.Config {
	cfg := s.opts.Collect
	if v := r.URL.Query().Get("minSec"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LongRunningMin = time.Duration(max(1, n)) * time.Second
		}
	}
	return cfg
}

// problems collects and analyzes the target, stores what it found and
// returns the list. A store failure is logged and does not fail the request.
func (s *Server) problems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, release, err := s.opts.Resolver.Resolve(r, s.collectConfig(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer release()
	snap, err := t.Collect(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	problems := s.opts.Analyzer.Analyze(snap)

	if len(problems) > 0 && s.opts.Store != nil {
		inst, err := t.InstanceInfo(ctx)
		if err == nil {
			err = s.opts.Store.Save(ctx, store.Scope{
				DatabaseName:   inst.DatabaseName,
				InstanceLabel:  inst.InstanceLabel,
				ConnectionHost: inst.ConnectionHost,
			}, problems)
		}
		if err != nil {
			s.log.Error("save detected problems", "count", len(problems), "error", err)
		}
	}
	writeJSON(w, http.StatusOK, problems)
}

func (s *Server) storedProblems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{Status: store.Status(q.Get("status"))}
	if opts.Status != "" && !opts.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", opts.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a number"))
			return
		}
		opts.Limit = n
	}

	rows, err := s.opts.Store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := s.opts.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"problems": rows, "stats": stats})
}

func (s *Server) autoResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Minutes *int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	minutes := defaultAutoResolveMinutes
	if body.Minutes != nil {
		minutes = *body.Minutes
	}
	if minutes <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("minutes must be positive"))
		return
	}

	ids, err := s.opts.Store.ResolveOlderThan(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	msg := fmt.Sprintf("No stale problems found (older than %d minutes)", minutes)
	if len(ids) > 0 {
		msg = fmt.Sprintf("Resolved %d stale problems (older than %d minutes)", len(ids), minutes)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"resolved_count": len(ids),
		"resolved_ids":   ids,
		"message":        msg,
	})
}

type scannedProblem struct {
	ID       string           `json:"id"`
	Priority analyze.Priority `json:"priority"`
	Category analyze.Category `json:"category"`
	Title    string           `json:"title"`
}

// schedulerTest runs a scan immediately, bypassing the scan lock.
func (s *Server) schedulerTest(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Scanner.RunScan(r.Context(), scan.Options{SkipLock: true, Trigger: scan.TriggerManual})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	list := make([]scannedProblem, len(res.Problems))
	for i, p := range res.Problems {
		list[i] = scannedProblem{ID: p.ID, Priority: p.Priority, Category: p.Category, Title: p.Title}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Scheduler test completed successfully",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"scan_id":   res.ScanID.String(),
		"results": map[string]any{
			"detected":      res.Detected,
			"resolved":      res.Resolved,
			"problemsCount": len(res.Problems),
			"problems":      list,
		},
	})
}
