package worker

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

// Retry policy. An item is retried up to maxRetries times; the delay before
// attempt n is backoffSchedule[n-1]. After the final failed attempt the item
// moves to the dead_letters table.
const (
	maxRetries      = 5
	retryTick       = 5 * time.Second
	batchPauseOnErr = time.Second
)

var backoffSchedule = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// Manager owns the three queue drainers. All of them observe the same
// context; Start returns immediately and the drainers run until the context
// is cancelled.
type Manager struct {
	cfg      *config.Config
	queues   *queue.Queues
	store    *store.Store
	registry *backend.Registry
	metrics  *metrics.Metrics

	saveAlive   atomic.Bool
	deleteAlive atomic.Bool
	retryAlive  atomic.Bool
}

func NewManager(cfg *config.Config, qs *queue.Queues, st *store.Store,
	reg *backend.Registry, m *metrics.Metrics) *Manager {

	return &Manager{
		cfg:      cfg,
		queues:   qs,
		store:    st,
		registry: reg,
		metrics:  m,
	}
}

func (m *Manager) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(3)
	go func() {
		defer wg.Done()
		m.saveAlive.Store(true)
		defer m.saveAlive.Store(false)
		m.runSave(ctx)
	}()
	go func() {
		defer wg.Done()
		m.deleteAlive.Store(true)
		defer m.deleteAlive.Store(false)
		m.runDelete(ctx)
	}()
	go func() {
		defer wg.Done()
		m.retryAlive.Store(true)
		defer m.retryAlive.Store(false)
		m.runRetry(ctx)
	}()
	slog.Info("started queue drainers", "drainers", []string{"save", "delete", "retry"})
}

// Status is the drainer section of the /status document.
type Status struct {
	SaveQueueSize     int  `json:"save_queue_size"`
	DeleteQueueSize   int  `json:"delete_queue_size"`
	RetryQueueSize    int  `json:"retry_queue_size"`
	DeadLetters       int  `json:"dead_letters"`
	SaveWorkerAlive   bool `json:"save_worker_alive"`
	DeleteWorkerAlive bool `json:"delete_worker_alive"`
	RetryWorkerAlive  bool `json:"retry_worker_alive"`
}

func (m *Manager) Status(ctx context.Context) Status {
	deadLetters, err := m.store.CountDeadLetters(ctx)
	if err != nil {
		slog.Warn("fail count dead letters", "error", err)
	}
	s := Status{
		SaveQueueSize:     m.queues.Save.Len(),
		DeleteQueueSize:   m.queues.Delete.Len(),
		RetryQueueSize:    m.queues.Retry.Len(),
		DeadLetters:       deadLetters,
		SaveWorkerAlive:   m.saveAlive.Load(),
		DeleteWorkerAlive: m.deleteAlive.Load(),
		RetryWorkerAlive:  m.retryAlive.Load(),
	}
	m.metrics.SetQueueDepth("save", s.SaveQueueSize)
	m.metrics.SetQueueDepth("delete", s.DeleteQueueSize)
	m.metrics.SetQueueDepth("retry", s.RetryQueueSize)
	return s
}
