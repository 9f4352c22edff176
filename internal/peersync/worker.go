package peersync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/store"
)

// failureThreshold is the number of consecutive failed contacts before a
// peer is marked degraded.
const failureThreshold = 3

const (
	peerTimeout     = 10 * time.Second
	discoverTimeout = 5 * time.Second
)

// ZoneEntry is the wire format of /internal/zones, shared by the worker and
// the ingress handlers.
type ZoneEntry struct {
	ZoneName      string `json:"zone_name"`
	ZoneUpdatedAt string `json:"zone_updated_at"`
	ZoneData      string `json:"zone_data"`
}

// Worker exchanges zone data with peer instances for eventual consistency.
// Conflict resolution is newer-wins by zone_updated_at; a zone pulled from a
// peer is enqueued as a normal save with this node's own hostname as owner,
// so the full write pipeline (backends, verification, store) is exercised.
//
// Peers discovered through gossip inherit the introducing peer's
// credentials; cluster nodes share the peer realm credential.
type Worker struct {
	cfg      config.PeerSync
	selfURL  string
	hostname string
	store    *store.Store
	queues   *queue.Queues
	metrics  *metrics.Metrics
	client   *http.Client

	alive atomic.Bool

	mu     sync.Mutex
	peers  []config.Peer
	health map[string]*peerHealth
}

type peerHealth struct {
	consecutiveFailures int
	healthy             bool
	lastSeen            time.Time
}

// PeerStatus is one peer's entry in the /status document.
type PeerStatus struct {
	URL                 string `json:"url"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastSeen            string `json:"last_seen,omitempty"`
}

type Status struct {
	Enabled         bool         `json:"enabled"`
	Alive           bool         `json:"alive"`
	IntervalMinutes int          `json:"interval_minutes"`
	Peers           []PeerStatus `json:"peers"`
	Total           int          `json:"total"`
	Healthy         int          `json:"healthy"`
	Degraded        int          `json:"degraded"`
}

func NewWorker(cfg *config.Config, st *store.Store, qs *queue.Queues, m *metrics.Metrics) *Worker {
	peers := make([]config.Peer, 0, len(cfg.PeerSync.Peers))
	self := normalizeURL(cfg.SelfURL)
	for _, p := range cfg.PeerSync.Peers {
		if isSelfURL(self, cfg.Hostname, p.URL) {
			continue // never sync with ourselves
		}
		peers = append(peers, p)
	}
	return &Worker{
		cfg:      cfg.PeerSync,
		selfURL:  self,
		hostname: cfg.Hostname,
		store:    st,
		queues:   qs,
		metrics:  m,
		client:   &http.Client{Timeout: peerTimeout},
		peers:    peers,
		health:   make(map[string]*peerHealth),
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup) {
	if !w.cfg.Enabled {
		slog.Info("[peer_sync] disabled, skipping")
		return
	}
	if len(w.peers) == 0 {
		slog.Warn("[peer_sync] enabled but no peers configured")
		return
	}
	slog.Info("[peer_sync] started", "interval", w.cfg.Interval, "peers", w.PeerURLs())

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.alive.Store(true)
		defer w.alive.Store(false)
		w.run(ctx)
	}()
}

func (w *Worker) run(ctx context.Context) {
	for {
		w.SyncAll(ctx)
		t := time.NewTimer(w.cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			slog.Info("[peer_sync] stopped")
			return
		case <-t.C:
		}
	}
}

// SyncAll runs one sync pass across a snapshot of the peer set. Discovery
// may grow the set mid-pass; new peers are picked up next interval.
func (w *Worker) SyncAll(ctx context.Context) {
	peers := w.snapshotPeers()
	slog.Debug("[peer_sync] starting sync pass", "peers", len(peers))
	for _, p := range peers {
		if ctx.Err() != nil {
			return
		}
		if err := w.syncFromPeer(ctx, p); err != nil {
			w.recordFailure(p.URL, err)
			w.metrics.IncPeerSync(p.URL, false)
			continue
		}
		w.discoverPeersFrom(ctx, p)
		w.recordSuccess(p.URL)
		w.metrics.IncPeerSync(p.URL, true)
	}
}

// syncFromPeer pulls the peer's zone list and enqueues a save for every zone
// that is missing locally or strictly newer on the peer. Identical zone data
// is skipped regardless of timestamps so two converged nodes stop trading
// writes back and forth.
func (w *Worker) syncFromPeer(ctx context.Context, p config.Peer) error {
	base := strings.TrimRight(p.URL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/internal/zones", nil)
	if err != nil {
		return err
	}
	if p.Username != "" {
		req.SetBasicAuth(p.Username, p.Password)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/internal/zones returned %s", resp.Status)
	}

	var entries []ZoneEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decode zone list: %w", err)
	}
	if len(entries) == 0 {
		slog.Debug("[peer_sync] no zone data on peer yet", "peer", p.URL)
		return nil
	}

	synced := 0
	for _, entry := range entries {
		if entry.ZoneName == "" || entry.ZoneData == "" {
			continue
		}
		local, err := w.store.GetDomain(ctx, entry.ZoneName)
		if err != nil {
			slog.Warn("[peer_sync] fail read local zone", "zone", entry.ZoneName, "error", err)
			continue
		}
		if !peerIsNewer(local, entry) {
			continue
		}

		// Re-apply locally under our own identity; peer sync replicates
		// results, it never forwards the original upstream's writes.
		item := queue.SaveItem{
			Domain:   entry.ZoneName,
			ZoneData: entry.ZoneData,
			Hostname: w.hostname,
			Source:   queue.SourcePeerSync,
		}
		if local != nil {
			item.Username = local.UpstreamUsername
		}
		if err := w.queues.Save.Enqueue(item); err != nil {
			slog.Error("[peer_sync] fail enqueue synced zone", "zone", entry.ZoneName, "error", err)
			continue
		}
		synced++
	}

	if synced > 0 {
		slog.Info("[peer_sync] synced zones from peer", "peer", p.URL, "zones", synced)
	} else {
		slog.Debug("[peer_sync] already up to date", "peer", p.URL)
	}
	return nil
}

// peerIsNewer implements newer-wins: sync when the zone is absent locally or
// the peer's timestamp is strictly greater. Byte-equal zone data is never
// re-applied.
func peerIsNewer(local *store.Domain, entry ZoneEntry) bool {
	if local != nil && local.ZoneData == entry.ZoneData {
		return false
	}
	if local == nil || local.ZoneData == "" {
		return true
	}
	peerTS, err := time.Parse(time.RFC3339, entry.ZoneUpdatedAt)
	if err != nil {
		return false // no usable peer timestamp, keep local
	}
	localTS, ok := local.UpdatedAt()
	if !ok {
		return true // legacy row without timestamp loses to a dated peer copy
	}
	return peerTS.After(localTS)
}

// discoverPeersFrom merges the peer's known-peer list into ours. Best
// effort; a failure never interrupts the sync pass.
func (w *Worker) discoverPeersFrom(ctx context.Context, p config.Peer) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	base := strings.TrimRight(p.URL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/internal/peers", nil)
	if err != nil {
		return
	}
	if p.Username != "" {
		req.SetBasicAuth(p.Username, p.Password)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var remoteURLs []string
	if err := json.NewDecoder(resp.Body).Decode(&remoteURLs); err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	known := make(map[string]bool, len(w.peers))
	for _, existing := range w.peers {
		known[normalizeURL(existing.URL)] = true
	}
	for _, remote := range remoteURLs {
		n := normalizeURL(remote)
		if n == "" || known[n] || isSelfURL(w.selfURL, w.hostname, remote) {
			continue
		}
		w.peers = append(w.peers, config.Peer{
			URL:      remote,
			Username: p.Username,
			Password: p.Password,
		})
		known[n] = true
		slog.Info("[peer_sync] discovered new peer", "peer", remote, "via", p.URL)
	}
}

// PeerURLs returns the current known peer URLs for /internal/peers.
func (w *Worker) PeerURLs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	urls := make([]string, 0, len(w.peers))
	for _, p := range w.peers {
		if p.URL != "" {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Enabled:         w.cfg.Enabled,
		Alive:           w.alive.Load(),
		IntervalMinutes: int(w.cfg.Interval.Minutes()),
	}
	for _, p := range w.peers {
		ps := PeerStatus{URL: p.URL, Healthy: true}
		if h, ok := w.health[p.URL]; ok {
			ps.Healthy = h.healthy
			ps.ConsecutiveFailures = h.consecutiveFailures
			if !h.lastSeen.IsZero() {
				ps.LastSeen = store.FormatTime(h.lastSeen)
			}
		}
		s.Peers = append(s.Peers, ps)
		if ps.Healthy {
			s.Healthy++
		} else {
			s.Degraded++
		}
	}
	s.Total = len(s.Peers)
	return s
}

func (w *Worker) snapshotPeers() []config.Peer {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]config.Peer, len(w.peers))
	copy(out, w.peers)
	return out
}

func (w *Worker) recordSuccess(url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.healthLocked(url)
	recovered := !h.healthy
	h.consecutiveFailures = 0
	h.healthy = true
	h.lastSeen = time.Now().UTC()
	if recovered {
		slog.Info("[peer_sync] peer recovered", "peer", url)
	}
}

func (w *Worker) recordFailure(url string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.healthLocked(url)
	h.consecutiveFailures++
	if h.healthy && h.consecutiveFailures >= failureThreshold {
		h.healthy = false
		slog.Warn("[peer_sync] peer marked degraded",
			"peer", url, "consecutive_failures", h.consecutiveFailures, "error", err)
	} else {
		slog.Debug("[peer_sync] peer unreachable",
			"peer", url, "failure", h.consecutiveFailures, "error", err)
	}
}

func (w *Worker) healthLocked(url string) *peerHealth {
	h, ok := w.health[url]
	if !ok {
		h = &peerHealth{healthy: true}
		w.health[url] = h
	}
	return h
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// isSelfURL reports whether raw addresses this node. Matches the configured
// self URL when set, and falls back to comparing the URL's host against the
// node's own hostname so a node without selfUrl never gossips itself back
// into its peer set.
func isSelfURL(selfURL, hostname, raw string) bool {
	n := normalizeURL(raw)
	if n == "" {
		return false
	}
	if selfURL != "" && n == selfURL {
		return true
	}
	if hostname == "" {
		return false
	}
	u, err := url.Parse(n)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return strings.EqualFold(u.Hostname(), hostname)
}
