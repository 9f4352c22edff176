package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paneldns/paneldns/internal/backend"
	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/zonefile"
)

// runSave consumes the save queue strictly in FIFO order. Consecutive items
// with no idle gap form a batch; the batch closes when the queue runs empty
// and is summarized with a zones/sec figure.
func (m *Manager) runSave(ctx context.Context) {
	slog.Info("save drainer started")
	for {
		msg, err := m.queues.Save.Dequeue(ctx)
		if err != nil {
			slog.Info("save drainer stopped")
			return
		}

		batchStart := time.Now()
		processed, failed := 0, 0
		slog.Info("batch started")

		for msg != nil {
			if m.handleSave(ctx, msg) {
				processed++
			} else {
				failed++
			}
			if ctx.Err() != nil {
				break
			}
			msg, err = m.queues.Save.TryDequeue()
			if err != nil {
				slog.Error("fail dequeue save item", "error", err)
				time.Sleep(batchPauseOnErr)
				break
			}
		}

		elapsed := time.Since(batchStart)
		total := processed + failed
		rate := 0.0
		if secs := elapsed.Seconds(); secs > 0 {
			rate = float64(processed) / secs
		}
		m.metrics.ObserveBatchDuration(elapsed)
		m.metrics.SetQueueDepth("save", m.queues.Save.Len())
		slog.Info("batch complete",
			"processed", processed, "total", total, "failed", failed,
			"elapsed", elapsed.Round(time.Millisecond), "zones_per_sec", fmt.Sprintf("%.1f", rate))

		if ctx.Err() != nil {
			slog.Info("save drainer stopped")
			return
		}
	}
}

// handleSave processes one save item end to end: fan out to the target
// backends, verify, update the store for the backends that succeeded and
// schedule a retry scoped to the ones that failed. The queue message is
// acked only after those side effects are durable.
func (m *Manager) handleSave(ctx context.Context, msg *queue.Message) bool {
	var item queue.SaveItem
	if err := msg.Decode(&item); err != nil {
		slog.Error("fail decode save item, discarding", "error", err)
		msg.Ack()
		return false
	}
	if item.Domain == "" || item.ZoneData == "" {
		slog.Error("invalid save item, discarding", "domain", item.Domain)
		msg.Ack()
		return false
	}

	slog.Debug("processing zone update", "zone", item.Domain,
		"source", item.Source, "target_backends", item.TargetBackends)

	drivers := m.targetDrivers(item.TargetBackends)
	if len(drivers) == 0 {
		slog.Warn("no target backends available for save item", "zone", item.Domain)
		msg.Ack()
		return false
	}

	expected := referenceCount(item.Domain, item.ZoneData)
	failed := m.dispatchSave(ctx, &item, drivers, expected)

	// The message may only be acked once both side effects are durable.
	// Leaving it unacked redelivers the item; backend writes are idempotent.
	if len(failed) < len(drivers) {
		err := m.store.UpsertZone(ctx, item.Domain, item.ZoneData,
			item.Hostname, item.Username, m.cfg.ManagedBy)
		if err != nil {
			slog.Error("fail store zone data, leaving item queued", "zone", item.Domain, "error", err)
			time.Sleep(batchPauseOnErr)
			return false
		}
	}
	if len(failed) > 0 {
		err := m.scheduleRetry(queue.RetryItem{
			Kind:         queue.KindSave,
			Save:         &item,
			Backends:     failed,
			Cause:        fmt.Sprintf("write failed on %v", failed),
			FirstFailure: time.Now().UTC(),
		})
		if err != nil {
			time.Sleep(batchPauseOnErr)
			return false
		}
		m.metrics.IncZonesProcessed(false)
	} else {
		m.metrics.IncZonesProcessed(true)
	}

	if err := msg.Ack(); err != nil {
		slog.Error("fail ack save item", "zone", item.Domain, "error", err)
	}
	slog.Debug("completed processing", "zone", item.Domain)
	return len(failed) == 0
}

// dispatchSave writes the zone to every driver and returns the names of the
// ones that failed. A single driver is called inline; two or more run
// concurrently, one goroutine per backend, so a slow backend never blocks
// the others.
func (m *Manager) dispatchSave(ctx context.Context, item *queue.SaveItem,
	drivers map[string]backend.Driver, expected int) []string {

	if len(drivers) == 1 {
		for name, d := range drivers {
			if err := m.writeAndVerify(ctx, d, item, expected); err != nil {
				slog.Error("fail write zone", "backend", name, "zone", item.Domain, "error", err)
				return []string{name}
			}
		}
		return nil
	}

	start := time.Now()
	var mu sync.Mutex
	var failed []string

	g := new(errgroup.Group)
	for name, d := range drivers {
		name, d := name, d
		g.Go(func() error {
			if err := m.writeAndVerify(ctx, d, item, expected); err != nil {
				slog.Error("fail write zone", "backend", name, "zone", item.Domain, "error", err)
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	sort.Strings(failed)

	slog.Debug("parallel dispatch complete", "zone", item.Domain,
		"backends", len(drivers), "elapsed", time.Since(start).Round(time.Millisecond))
	return failed
}

// writeAndVerify writes the zone and checks the backend's record count
// against the reference. On a mismatch the backend is reconciled and
// recounted; a mismatch that survives reconciliation is a failure.
func (m *Manager) writeAndVerify(ctx context.Context, d backend.Driver,
	item *queue.SaveItem, expected int) error {

	if err := d.WriteZone(ctx, item.Domain, item.ZoneData); err != nil {
		return err
	}
	if expected < 0 {
		return nil
	}

	actual, err := d.CountRecords(ctx, item.Domain)
	if errors.Is(err, backend.ErrNotSupported) {
		slog.Debug("record count verification not supported", "backend", d.Name())
		return nil
	}
	if err != nil {
		slog.Warn("fail count backend records, skipping verification",
			"backend", d.Name(), "zone", item.Domain, "error", err)
		return nil
	}
	if actual == expected {
		return nil
	}

	slog.Warn("record count mismatch, reconciling", "backend", d.Name(),
		"zone", item.Domain, "expected", expected, "actual", actual)
	if err := d.Reconcile(ctx, item.Domain, item.ZoneData); err != nil {
		return fmt.Errorf("reconcile after count mismatch: %w", err)
	}
	actual, err = d.CountRecords(ctx, item.Domain)
	if err != nil {
		return fmt.Errorf("recount after reconcile: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("record count still mismatched after reconcile: expected %d, got %d",
			expected, actual)
	}
	slog.Info("reconciliation fixed record count", "backend", d.Name(), "zone", item.Domain)
	return nil
}

func (m *Manager) targetDrivers(names []string) map[string]backend.Driver {
	if len(names) > 0 {
		return m.registry.Subset(names)
	}
	return m.registry.Enabled()
}

// referenceCount parses the zone text once and returns the authoritative
// record count, or -1 when the text does not parse (verification is skipped
// rather than failing the write).
func referenceCount(zoneName, zoneData string) int {
	n, err := zonefile.CountRecords(zoneData, zoneName)
	if err != nil {
		slog.Warn("fail parse source zone, skipping record count verification",
			"zone", zoneName, "error", err)
		return -1
	}
	return n
}
