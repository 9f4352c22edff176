package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paneldns/paneldns/internal/backend"
	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/store"
)

// UpstreamLister is the slice of the upstream client the reconciler needs.
type UpstreamLister interface {
	Hostname() string
	ListDomains(ctx context.Context, pageSize int) (map[string]bool, error)
}

// Worker periodically polls the configured upstreams and repairs drift in
// both directions: zones the upstream dropped are queued for deletion
// (orphans), and backends missing a stored zone get it re-queued (healing).
//
// Safety rule: an unreachable upstream is skipped for the whole cycle, so a
// partial listing can never produce false orphans.
type Worker struct {
	cfg       config.Reconcile
	upstreams []UpstreamLister
	store     *store.Store
	queues    *queue.Queues
	registry  *backend.Registry
	metrics   *metrics.Metrics

	alive atomic.Bool

	mu      sync.Mutex
	lastRun LastRun
}

// LastRun captures the counters of the most recent reconciliation pass for
// the /status document.
type LastRun struct {
	Status               string  `json:"status"`
	StartedAt            string  `json:"started_at,omitempty"`
	CompletedAt          string  `json:"completed_at,omitempty"`
	DurationSeconds      float64 `json:"duration_seconds"`
	UpstreamsPolled      int     `json:"upstreams_polled"`
	UpstreamsUnreachable int     `json:"upstreams_unreachable"`
	ZonesInUpstream      int     `json:"zones_in_upstream"`
	ZonesInStore         int     `json:"zones_in_store"`
	OrphansFound         int     `json:"orphans_found"`
	OrphansQueued        int     `json:"orphans_queued"`
	HostnamesBackfilled  int     `json:"hostnames_backfilled"`
	OwnershipMigrations  int     `json:"ownership_migrations"`
	ZonesHealed          int     `json:"zones_healed"`
	DryRun               bool    `json:"dry_run"`
}

type Status struct {
	Enabled         bool    `json:"enabled"`
	Alive           bool    `json:"alive"`
	DryRun          bool    `json:"dry_run"`
	IntervalMinutes int     `json:"interval_minutes"`
	LastRun         LastRun `json:"last_run"`
}

func NewWorker(cfg config.Reconcile, upstreams []UpstreamLister, st *store.Store,
	qs *queue.Queues, reg *backend.Registry, m *metrics.Metrics) *Worker {

	return &Worker{
		cfg:       cfg,
		upstreams: upstreams,
		store:     st,
		queues:    qs,
		registry:  reg,
		metrics:   m,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup) {
	if !w.cfg.Enabled {
		slog.Info("[reconciler] disabled, skipping")
		return
	}
	if len(w.upstreams) == 0 {
		slog.Warn("[reconciler] enabled but no upstream servers configured")
		return
	}

	mode := "live"
	if w.cfg.DryRun {
		mode = "dry-run"
		slog.Warn("[reconciler] dry-run mode active, orphans are logged but never queued for deletion")
	}
	slog.Info("[reconciler] started", "mode", mode, "interval", w.cfg.Interval,
		"initial_delay", w.cfg.InitialDelay, "upstreams", len(w.upstreams))

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.alive.Store(true)
		defer w.alive.Store(false)
		w.run(ctx)
	}()
}

func (w *Worker) run(ctx context.Context) {
	if w.cfg.InitialDelay > 0 {
		slog.Info("[reconciler] initial delay, first pass deferred", "delay", w.cfg.InitialDelay)
		if !sleepCtx(ctx, w.cfg.InitialDelay) {
			return
		}
	}
	for {
		w.RunOnce(ctx)
		if !sleepCtx(ctx, w.cfg.Interval) {
			slog.Info("[reconciler] stopped")
			return
		}
	}
}

// RunOnce executes one full reconciliation cycle: orphan detection and
// ownership backfill against the upstreams, then the backend healing pass.
func (w *Worker) RunOnce(ctx context.Context) {
	start := time.Now()
	run := LastRun{Status: "running", StartedAt: store.FormatTime(start), DryRun: w.cfg.DryRun}
	w.setLastRun(run)
	slog.Info("[reconciler] starting pass", "upstreams", len(w.upstreams))

	// Pass 1: map every zone the upstreams report to its owning hostname.
	// An upstream that fails to list is excluded from orphan math entirely.
	upstreamOwner := make(map[string]string)
	polled := make(map[string]bool)
	for _, u := range w.upstreams {
		if ctx.Err() != nil {
			return
		}
		domains, err := u.ListDomains(ctx, w.cfg.PageSize)
		if err != nil {
			run.UpstreamsUnreachable++
			slog.Error("[reconciler] fail list upstream domains, skipping server",
				"upstream", u.Hostname(), "error", err)
			continue
		}
		run.UpstreamsPolled++
		polled[u.Hostname()] = true
		for d := range domains {
			upstreamOwner[d] = u.Hostname()
		}
		slog.Debug("[reconciler] polled upstream", "upstream", u.Hostname(), "domains", len(domains))
	}
	run.ZonesInUpstream = len(upstreamOwner)

	rows, err := w.store.ListDomains(ctx)
	if err != nil {
		slog.Error("[reconciler] fail list store domains", "error", err)
		run.Status = "error"
		w.setLastRun(run)
		w.metrics.IncReconcileRun(false)
		return
	}
	run.ZonesInStore = len(rows)

	for i := range rows {
		row := &rows[i]
		owner, inUpstream := upstreamOwner[row.ZoneName]
		if inUpstream {
			switch {
			case row.UpstreamServerHostname == "":
				slog.Info("[reconciler] backfilled missing hostname",
					"zone", row.ZoneName, "hostname", owner)
				if err := w.store.SetOwnership(ctx, row.ZoneName, owner, row.UpstreamUsername); err != nil {
					slog.Error("[reconciler] fail backfill hostname", "zone", row.ZoneName, "error", err)
					continue
				}
				run.HostnamesBackfilled++
			case row.UpstreamServerHostname != owner:
				slog.Warn("[migration] zone moved to a different upstream",
					"zone", row.ZoneName, "from", row.UpstreamServerHostname, "to", owner)
				if err := w.store.SetOwnership(ctx, row.ZoneName, owner, row.UpstreamUsername); err != nil {
					slog.Error("[reconciler] fail migrate ownership", "zone", row.ZoneName, "error", err)
					continue
				}
				run.OwnershipMigrations++
			}
			continue
		}

		// Orphan candidate: only act when the recorded owner was actually
		// polled this cycle.
		if !polled[row.UpstreamServerHostname] {
			continue
		}
		run.OrphansFound++
		if w.cfg.DryRun {
			slog.Warn("[reconciler] dry-run: would delete orphan",
				"zone", row.ZoneName, "owner", row.UpstreamServerHostname)
			continue
		}
		item := queue.DeleteItem{
			Domain:   row.ZoneName,
			Hostname: row.UpstreamServerHostname,
			Source:   queue.SourceReconciler,
		}
		if err := w.queues.Delete.Enqueue(item); err != nil {
			slog.Error("[reconciler] fail enqueue orphan delete", "zone", row.ZoneName, "error", err)
			continue
		}
		run.OrphansQueued++
		slog.Debug("[reconciler] queued orphan delete",
			"zone", row.ZoneName, "owner", row.UpstreamServerHostname)
	}

	// Pass 2: heal backends that are missing zones.
	run.ZonesHealed = w.healBackends(ctx)

	run.Status = "ok"
	run.CompletedAt = store.FormatTime(time.Now())
	run.DurationSeconds = time.Since(start).Round(100 * time.Millisecond).Seconds()
	w.setLastRun(run)
	w.metrics.IncReconcileRun(true)

	slog.Info("[reconciler] pass complete",
		"orphans_found", run.OrphansFound, "orphans_queued", run.OrphansQueued,
		"backfilled", run.HostnamesBackfilled, "migrated", run.OwnershipMigrations,
		"healed", run.ZonesHealed, "duration", time.Since(start).Round(time.Millisecond))
}

// healBackends re-queues every stored zone that is absent from one or more
// backends, scoped to just the missing ones. Returns the number of zones
// queued.
func (w *Worker) healBackends(ctx context.Context) int {
	drivers := w.registry.Enabled()
	if len(drivers) == 0 {
		return 0
	}
	rows, err := w.store.ListDomainsWithZoneData(ctx)
	if err != nil {
		slog.Error("[reconciler] heal: fail list domains", "error", err)
		return 0
	}
	if len(rows) == 0 {
		slog.Debug("[reconciler] heal: no zone_data stored yet, skipping")
		return 0
	}

	healed := 0
	for i := range rows {
		row := &rows[i]
		if ctx.Err() != nil {
			return healed
		}
		var missing []string
		for name, d := range drivers {
			exists, err := d.ZoneExists(ctx, row.ZoneName)
			if err != nil {
				slog.Warn("[reconciler] heal: fail check zone presence",
					"zone", row.ZoneName, "backend", name, "error", err)
				continue
			}
			if !exists {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			continue
		}

		if w.cfg.DryRun {
			slog.Warn("[reconciler] dry-run: would heal zone",
				"zone", row.ZoneName, "missing_backends", missing)
			continue
		}
		slog.Warn("[reconciler] healing zone from stored data",
			"zone", row.ZoneName, "missing_backends", missing)
		item := queue.SaveItem{
			Domain:         row.ZoneName,
			ZoneData:       row.ZoneData,
			Hostname:       row.UpstreamServerHostname,
			Username:       row.UpstreamUsername,
			TargetBackends: missing,
			Source:         queue.SourceHeal,
		}
		if err := w.queues.Save.Enqueue(item); err != nil {
			slog.Error("[reconciler] fail enqueue heal item", "zone", row.ZoneName, "error", err)
			continue
		}
		healed++
	}

	if healed > 0 {
		slog.Info("[reconciler] healing pass complete", "zones_queued", healed)
	} else {
		slog.Debug("[reconciler] healing pass complete, all backends consistent")
	}
	return healed
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Enabled:         w.cfg.Enabled,
		Alive:           w.alive.Load(),
		DryRun:          w.cfg.DryRun,
		IntervalMinutes: int(w.cfg.Interval.Minutes()),
		LastRun:         w.lastRun,
	}
}

func (w *Worker) setLastRun(run LastRun) {
	w.mu.Lock()
	w.lastRun = run
	w.mu.Unlock()
}

// sleepCtx sleeps for d, waking early when ctx is cancelled. Returns false
// on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
