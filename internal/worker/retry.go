package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/store"
)

// scheduleRetry enqueues the first retry attempt for a failed save or
// delete, due after the first backoff step. A non-nil error means the retry
// is not durable and the caller must leave its source message unacked.
func (m *Manager) scheduleRetry(item queue.RetryItem) error {
	item.Attempt = 1
	item.NotBefore = time.Now().UTC().Add(backoffSchedule[0])
	if err := m.queues.Retry.Enqueue(item); err != nil {
		slog.Error("fail enqueue retry item", "zone", item.ZoneName(), "error", err)
		return err
	}
	m.metrics.IncRetryScheduled()
	slog.Warn("scheduled retry", "zone", item.ZoneName(), "kind", item.Kind,
		"backends", item.Backends, "attempt", item.Attempt, "delay", backoffSchedule[0])
	return nil
}

// runRetry wakes on a short tick and executes every retry item whose
// not-before time has passed. Eligibility is by wall clock, not FIFO.
func (m *Manager) runRetry(ctx context.Context) {
	slog.Info("retry drainer started")
	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retry drainer stopped")
			return
		case <-ticker.C:
		}
		m.drainRetries(ctx)
	}
}

func (m *Manager) drainRetries(ctx context.Context) {
	msgs, err := m.queues.Retry.Pending()
	if err != nil {
		slog.Error("fail scan retry queue", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	now := time.Now().UTC()
	executed := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		var item queue.RetryItem
		if err := msg.Decode(&item); err != nil {
			slog.Error("fail decode retry item, discarding", "error", err)
			msg.Ack()
			continue
		}
		if now.Before(item.NotBefore) {
			continue // stays queued until eligible
		}
		m.executeRetry(ctx, msg, &item)
		executed++
	}
	if executed > 0 {
		slog.Debug("retry drain", "executed", executed, "pending", len(msgs)-executed)
		m.metrics.SetQueueDepth("retry", m.queues.Retry.Len())
	}
}

// executeRetry runs one eligible attempt against the item's remaining
// backend set. Backends that now succeed are dropped; the rest are
// re-enqueued with the next backoff or dead-lettered after the final
// attempt. The message is acked only after the outcome is durable.
func (m *Manager) executeRetry(ctx context.Context, msg *queue.Message, item *queue.RetryItem) {
	slog.Info("retrying", "zone", item.ZoneName(), "kind", item.Kind,
		"backends", item.Backends, "attempt", item.Attempt)

	drivers := m.registry.Subset(item.Backends)
	if len(drivers) == 0 {
		slog.Warn("retry backends no longer enabled, dropping item",
			"zone", item.ZoneName(), "backends", item.Backends)
		msg.Ack()
		return
	}

	var failed []string
	switch item.Kind {
	case queue.KindSave:
		if item.Save == nil {
			slog.Error("retry item missing save payload, discarding")
			msg.Ack()
			return
		}
		expected := referenceCount(item.Save.Domain, item.Save.ZoneData)
		failed = m.dispatchSave(ctx, item.Save, drivers, expected)
		if len(failed) < len(drivers) {
			err := m.store.UpsertZone(ctx, item.Save.Domain, item.Save.ZoneData,
				item.Save.Hostname, item.Save.Username, m.cfg.ManagedBy)
			if err != nil {
				slog.Error("fail store zone data", "zone", item.Save.Domain, "error", err)
			}
		}
	case queue.KindDelete:
		if item.Delete == nil {
			slog.Error("retry item missing delete payload, discarding")
			msg.Ack()
			return
		}
		failed = m.dispatchDelete(ctx, item.Delete.Domain, drivers)
		if len(failed) == 0 {
			// The pending set is empty: every targeted backend has now
			// confirmed the delete, so the row can finally go.
			if err := m.store.DeleteDomain(ctx, item.Delete.Domain); err != nil {
				slog.Error("fail delete domain row", "zone", item.Delete.Domain, "error", err)
			}
		}
	default:
		slog.Error("unknown retry kind, discarding", "kind", item.Kind)
		msg.Ack()
		return
	}

	if len(failed) == 0 {
		slog.Info("retry succeeded", "zone", item.ZoneName(), "attempt", item.Attempt)
		msg.Ack()
		return
	}

	if item.Attempt >= maxRetries {
		m.deadLetter(ctx, item, failed)
		msg.Ack()
		return
	}

	delay := backoffSchedule[item.Attempt] // delay before attempt n is backoffSchedule[n-1]
	next := queue.RetryItem{
		Kind:         item.Kind,
		Save:         item.Save,
		Delete:       item.Delete,
		Backends:     failed,
		Attempt:      item.Attempt + 1,
		NotBefore:    time.Now().UTC().Add(delay),
		FirstFailure: item.FirstFailure,
		Cause:        item.Cause,
	}
	if err := m.queues.Retry.Enqueue(next); err != nil {
		slog.Error("fail re-enqueue retry item", "zone", item.ZoneName(), "error", err)
		return // unacked, redelivered on the next tick
	}
	m.metrics.IncRetryScheduled()
	slog.Warn("retry failed, rescheduled", "zone", item.ZoneName(),
		"backends", failed, "attempt", next.Attempt, "delay", delay)
	msg.Ack()
}

func (m *Manager) deadLetter(ctx context.Context, item *queue.RetryItem, failed []string) {
	payload := ""
	if item.Save != nil {
		payload = item.Save.ZoneData
	}
	dl := store.DeadLetter{
		Kind:         item.Kind,
		ZoneName:     item.ZoneName(),
		Payload:      payload,
		Backends:     strings.Join(failed, ","),
		Cause:        item.Cause,
		FirstFailure: store.FormatTime(item.FirstFailure),
		LastFailure:  store.FormatTime(time.Now()),
		Attempts:     item.Attempt,
	}
	if err := m.store.InsertDeadLetter(ctx, dl); err != nil {
		slog.Error("fail persist dead letter", "zone", dl.ZoneName, "error", err)
	}
	m.metrics.IncDeadLetter()
	slog.Error("dead-letter: giving up after max attempts",
		"zone", dl.ZoneName, "kind", dl.Kind, "backends", failed, "attempts", item.Attempt)
}
