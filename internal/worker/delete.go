package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paneldns/paneldns/internal/backend"
	"github.com/paneldns/paneldns/internal/queue"
)

// runDelete consumes the delete queue. Ownership was already checked at
// ingress; the drainer removes the zone from every enabled backend and
// deletes the store row only when all of them succeed.
func (m *Manager) runDelete(ctx context.Context) {
	slog.Info("delete drainer started")
	for {
		msg, err := m.queues.Delete.Dequeue(ctx)
		if err != nil {
			slog.Info("delete drainer stopped")
			return
		}
		m.handleDelete(ctx, msg)
	}
}

func (m *Manager) handleDelete(ctx context.Context, msg *queue.Message) {
	var item queue.DeleteItem
	if err := msg.Decode(&item); err != nil {
		slog.Error("fail decode delete item, discarding", "error", err)
		msg.Ack()
		return
	}
	slog.Debug("processing delete", "zone", item.Domain, "source", item.Source)

	record, err := m.store.GetDomain(ctx, item.Domain)
	if err != nil {
		// Leave the item unacked; it is redelivered once the store recovers.
		slog.Error("fail read domain for delete", "zone", item.Domain, "error", err)
		time.Sleep(batchPauseOnErr)
		return
	}
	if record == nil {
		slog.Warn("domain not found in store, skipping delete", "zone", item.Domain)
		msg.Ack()
		return
	}

	drivers := m.registry.Enabled()
	if len(drivers) == 0 {
		slog.Warn("no active backends, removing domain from store only", "zone", item.Domain)
		if err := m.store.DeleteDomain(ctx, item.Domain); err != nil {
			slog.Error("fail delete domain row", "zone", item.Domain, "error", err)
			time.Sleep(batchPauseOnErr)
			return
		}
		msg.Ack()
		return
	}

	failed := m.dispatchDelete(ctx, item.Domain, drivers)
	if len(failed) == 0 {
		if err := m.store.DeleteDomain(ctx, item.Domain); err != nil {
			slog.Error("fail delete domain row", "zone", item.Domain, "error", err)
			time.Sleep(batchPauseOnErr)
			return
		}
		slog.Info("delete completed", "zone", item.Domain)
	} else {
		slog.Error("delete failed on one or more backends, store row retained",
			"zone", item.Domain, "failed", failed)
		err := m.scheduleRetry(queue.RetryItem{
			Kind:         queue.KindDelete,
			Delete:       &item,
			Backends:     failed,
			Cause:        fmt.Sprintf("delete failed on %v", failed),
			FirstFailure: time.Now().UTC(),
		})
		if err != nil {
			// Retry not durable; leave the message unacked for redelivery.
			time.Sleep(batchPauseOnErr)
			return
		}
	}

	if err := msg.Ack(); err != nil {
		slog.Error("fail ack delete item", "zone", item.Domain, "error", err)
	}
}

// dispatchDelete removes the zone from every driver and verifies absence.
// Returns the names of the drivers that failed.
func (m *Manager) dispatchDelete(ctx context.Context, domain string,
	drivers map[string]backend.Driver) []string {

	if len(drivers) == 1 {
		for name, d := range drivers {
			if err := m.deleteAndVerify(ctx, d, domain); err != nil {
				slog.Error("fail delete zone", "backend", name, "zone", domain, "error", err)
				return []string{name}
			}
		}
		return nil
	}

	var mu sync.Mutex
	var failed []string

	g := new(errgroup.Group)
	for name, d := range drivers {
		name, d := name, d
		g.Go(func() error {
			if err := m.deleteAndVerify(ctx, d, domain); err != nil {
				slog.Error("fail delete zone", "backend", name, "zone", domain, "error", err)
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	sort.Strings(failed)
	return failed
}

func (m *Manager) deleteAndVerify(ctx context.Context, d backend.Driver, domain string) error {
	if err := d.DeleteZone(ctx, domain); err != nil {
		return err
	}
	exists, err := d.ZoneExists(ctx, domain)
	if err != nil {
		return fmt.Errorf("verify absence: %w", err)
	}
	if exists {
		return fmt.Errorf("zone still present after delete")
	}
	slog.Debug("deleted zone", "backend", d.Name(), "zone", domain)
	return nil
}
