package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paneldns/paneldns/internal/backend"
	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/peersync"
	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/reconcile"
	"github.com/paneldns/paneldns/internal/store"
	"github.com/paneldns/paneldns/internal/worker"
)

const pushZone = `$TTL 300
$ORIGIN example.com.
@ IN SOA ns1.example.com. admin.example.com. (1 3600 900 604800 300)
@ IN NS ns1.example.com.
@ IN A 192.0.2.10
`

type probeDriver struct {
	name string
	err  error
}

func (p *probeDriver) Name() string                                     { return p.name }
func (p *probeDriver) WriteZone(ctx context.Context, z, d string) error { return nil }
func (p *probeDriver) DeleteZone(ctx context.Context, z string) error   { return nil }
func (p *probeDriver) Reconcile(ctx context.Context, z, d string) error { return nil }
func (p *probeDriver) CountRecords(ctx context.Context, z string) (int, error) {
	return 0, backend.ErrNotSupported
}
func (p *probeDriver) ZoneExists(ctx context.Context, z string) (bool, error) {
	return false, p.err
}

type testEnv struct {
	cfg     *config.Config
	store   *store.Store
	queues  *queue.Queues
	manager *worker.Manager
	api     *Server
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, drivers map[string]backend.Driver) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Hostname:  "node1",
		ManagedBy: "directadmin",
		Auth: config.Auth{
			AppUsername:  "paneldns",
			AppPassword:  "secret",
			PeerUsername: "peersync",
			PeerPassword: "peerpass",
		},
	}

	st, err := store.Open(config.Datastore{Driver: "sqlite", Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := metrics.New(false)
	qs, err := queue.Open(filepath.Join(dir, "queues"), m)
	if err != nil {
		t.Fatalf("open queues: %v", err)
	}
	t.Cleanup(func() { qs.Close() })

	reg := backend.NewRegistryWith(drivers)
	mgr := worker.NewManager(cfg, qs, st, reg, m)
	rec := reconcile.NewWorker(cfg.Reconcile, nil, st, qs, reg, m)
	ps := peersync.NewWorker(cfg, st, qs, m)

	api := New(cfg, st, qs, reg, m, mgr, rec, ps)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &testEnv{cfg: cfg, store: st, queues: qs, manager: mgr, api: api, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, form url.Values, user, pass string) (*http.Response, url.Values) {
	t.Helper()
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequest(method, e.srv.URL+path, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequest(method, e.srv.URL+path, nil)
	}
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body, _ := url.ParseQuery(string(raw))
	return resp, body
}

func TestRawSavePushEnqueues(t *testing.T) {
	e := newTestEnv(t, nil)

	form := url.Values{
		"action":    {"rawsave"},
		"domain":    {"example.com"},
		"zone_file": {pushZone},
		"hostname":  {"da1.example.net"},
		"username":  {"bob"},
	}
	resp, body := e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", form, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Get("error") != "0" {
		t.Errorf("body = %v", body)
	}

	msg, err := e.queues.Save.TryDequeue()
	if err != nil || msg == nil {
		t.Fatalf("expected queued save: %v", err)
	}
	var item queue.SaveItem
	msg.Decode(&item)
	if item.Domain != "example.com" || item.Hostname != "da1.example.net" || item.Username != "bob" {
		t.Errorf("item = %+v", item)
	}
	if item.Source != queue.SourceIngress {
		t.Errorf("source = %s", item.Source)
	}
	if !strings.Contains(item.ZoneData, "$ORIGIN") {
		t.Errorf("zone data not normalized: %q", item.ZoneData)
	}
}

func TestRawSaveZoneInBody(t *testing.T) {
	e := newTestEnv(t, nil)

	u := e.srv.URL + "/CMD_API_DNS_ADMIN?action=rawsave&domain=example.com&hostname=da1"
	req, _ := http.NewRequest(http.MethodPost, u, strings.NewReader(pushZone))
	req.Header.Set("Content-Type", "text/plain")
	req.SetBasicAuth("paneldns", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	msg, err := e.queues.Save.TryDequeue()
	if err != nil || msg == nil {
		t.Fatalf("expected queued save: %v", err)
	}
	var item queue.SaveItem
	msg.Decode(&item)
	if !strings.Contains(item.ZoneData, "192.0.2.10") {
		t.Errorf("zone body not picked up: %q", item.ZoneData)
	}
}

func TestRawSaveRejectsUnparseableZone(t *testing.T) {
	e := newTestEnv(t, nil)

	form := url.Values{
		"action":    {"rawsave"},
		"domain":    {"example.com"},
		"zone_file": {"this is not a zone {{{"},
	}
	resp, body := e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", form, "paneldns", "secret")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Get("error") != "1" {
		t.Errorf("body = %v", body)
	}
	if e.queues.Save.Len() != 0 {
		t.Error("invalid zone was queued")
	}
}

func TestOwnershipTransferOnPush(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.store.UpsertZone(ctx, "example.com", "old zone", "da1", "bob", "directadmin")

	form := url.Values{
		"action":    {"rawsave"},
		"domain":    {"example.com"},
		"zone_file": {pushZone},
		"hostname":  {"da2"},
		"username":  {"alice"},
	}
	resp, _ := e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", form, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	row, err := e.store.GetDomain(ctx, "example.com")
	if err != nil || row == nil {
		t.Fatalf("row: %v", err)
	}
	if row.UpstreamServerHostname != "da2" || row.UpstreamUsername != "alice" {
		t.Errorf("ownership not transferred: %+v", row)
	}
}

func TestDeleteGuardRejectsNonOwner(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.store.UpsertZone(ctx, "example.com", "zone", "da1", "bob", "directadmin")

	form := url.Values{
		"action":   {"delete"},
		"domain":   {"example.com"},
		"hostname": {"da2"},
	}
	resp, body := e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", form, "paneldns", "secret")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body.Get("text"), "owned by da1") {
		t.Errorf("body = %v", body)
	}
	if e.queues.Delete.Len() != 0 {
		t.Error("rejected delete was queued")
	}
}

func TestDeleteFromOwnerQueues(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.store.UpsertZone(ctx, "example.com", "zone", "da1", "bob", "directadmin")

	form := url.Values{
		"action":   {"delete"},
		"domain":   {"example.com"},
		"hostname": {"da1"},
	}
	resp, body := e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", form, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK || body.Get("error") != "0" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	msg, err := e.queues.Delete.TryDequeue()
	if err != nil || msg == nil {
		t.Fatalf("expected queued delete: %v", err)
	}
	var item queue.DeleteItem
	msg.Decode(&item)
	if item.Domain != "example.com" || item.Hostname != "da1" || item.Source != queue.SourceIngress {
		t.Errorf("item = %+v", item)
	}
}

func TestConnectivityCheck(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", url.Values{}, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Get("error") != "0" || body.Get("text") != "OK" {
		t.Errorf("body = %v", body)
	}
}

func TestLoginTest(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodGet, "/CMD_API_LOGIN_TEST", nil, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK || body.Get("text") != "Login OK" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestAppRealmRequiresAuth(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, _ := e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", url.Values{}, "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/CMD_API_DNS_ADMIN", url.Values{}, "paneldns", "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad credentials: status = %d", resp.StatusCode)
	}
}

func TestExistsLookups(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.store.UpsertZone(ctx, "example.com", "zone", "da1", "bob", "directadmin")

	resp, body := e.do(t, http.MethodGet,
		"/CMD_API_DNS_ADMIN?action=exists&domain=example.com", nil, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK || body.Get("exists") != "1" {
		t.Errorf("direct match: status = %d, body = %v", resp.StatusCode, body)
	}
	if !strings.Contains(body.Get("details"), "da1") {
		t.Errorf("details = %q", body.Get("details"))
	}

	resp, body = e.do(t, http.MethodGet,
		"/CMD_API_DNS_ADMIN?action=exists&domain=shop.example.com", nil, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK || body.Get("exists") != "0" {
		t.Errorf("no parent check: body = %v", body)
	}

	resp, body = e.do(t, http.MethodGet,
		"/CMD_API_DNS_ADMIN?action=exists&domain=shop.example.com&check_for_parent_domain=yes",
		nil, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK || body.Get("exists") != "2" {
		t.Errorf("parent match: body = %v", body)
	}

	e.cfg.Auth.ClusterSubdomainCheck = 1
	_, body = e.do(t, http.MethodGet,
		"/CMD_API_DNS_ADMIN?action=exists&domain=shop.example.com&check_for_parent_domain=yes",
		nil, "paneldns", "secret")
	if body.Get("exists") != "3" || body.Get("hostname") != "da1" || body.Get("username") != "bob" {
		t.Errorf("cluster parent match: body = %v", body)
	}

	resp, body = e.do(t, http.MethodGet,
		"/CMD_API_DNS_ADMIN?action=exists&domain=other.org", nil, "paneldns", "secret")
	if resp.StatusCode != http.StatusOK || body.Get("exists") != "0" {
		t.Errorf("absent domain: body = %v", body)
	}
}

func TestInternalZonesPeerRealm(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.store.UpsertZone(ctx, "example.com", "zone text", "da1", "bob", "directadmin")

	// App credentials must not open the peer realm.
	resp, _ := e.do(t, http.MethodGet, "/internal/zones", nil, "paneldns", "secret")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("app creds on peer realm: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/internal/zones", nil)
	req.SetBasicAuth("peersync", "peerpass")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp2.StatusCode)
	}
	var entries []peersync.ZoneEntry
	if err := json.NewDecoder(resp2.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].ZoneName != "example.com" || entries[0].ZoneData != "zone text" {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].ZoneUpdatedAt == "" {
		t.Error("zone_updated_at missing")
	}
}

func TestInternalZoneSingle(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	e.store.UpsertZone(ctx, "example.com", "zone text", "da1", "bob", "directadmin")

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/internal/zone?domain=example.com", nil)
	req.SetBasicAuth("peersync", "peerpass")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var entry peersync.ZoneEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.ZoneData != "zone text" {
		t.Errorf("entry = %+v", entry)
	}

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/internal/zone?domain=missing.org", nil)
	req.SetBasicAuth("peersync", "peerpass")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing zone: status = %d", resp2.StatusCode)
	}
}

func TestHealthListsBackends(t *testing.T) {
	drivers := map[string]backend.Driver{
		"good": &probeDriver{name: "good"},
		"bad":  &probeDriver{name: "bad", err: errors.New("connection refused")},
	}
	e := newTestEnv(t, drivers)

	resp, err := http.Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var doc struct {
		Status   string `json:"status"`
		Backends []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Status != "OK" || len(doc.Backends) != 2 {
		t.Fatalf("doc = %+v", doc)
	}
	// Sorted by name: bad, good.
	if doc.Backends[0].Status != "unavailable" || doc.Backends[1].Status != "active" {
		t.Errorf("backends = %+v", doc.Backends)
	}
}

func TestHTTPServerBoundsSlowClients(t *testing.T) {
	e := newTestEnv(t, nil)

	hs := e.api.HTTPServer()
	if hs.ReadHeaderTimeout <= 0 {
		t.Error("ReadHeaderTimeout not set, slow-loris clients hold goroutines forever")
	}
	if hs.ReadTimeout <= 0 {
		t.Error("ReadTimeout not set")
	}
	if hs.IdleTimeout <= 0 {
		t.Error("IdleTimeout not set")
	}
}

func TestOverallStatus(t *testing.T) {
	allAlive := worker.Status{SaveWorkerAlive: true, DeleteWorkerAlive: true, RetryWorkerAlive: true}

	tests := []struct {
		name string
		ws   worker.Status
		ps   peersync.Status
		want string
	}{
		{"all healthy", allAlive, peersync.Status{}, "ok"},
		{"save drainer dead",
			worker.Status{DeleteWorkerAlive: true, RetryWorkerAlive: true}, peersync.Status{}, "error"},
		{"delete drainer dead",
			worker.Status{SaveWorkerAlive: true, RetryWorkerAlive: true}, peersync.Status{}, "error"},
		{"retry drainer dead",
			worker.Status{SaveWorkerAlive: true, DeleteWorkerAlive: true}, peersync.Status{}, "error"},
		{"retries pending",
			worker.Status{SaveWorkerAlive: true, DeleteWorkerAlive: true, RetryWorkerAlive: true, RetryQueueSize: 2},
			peersync.Status{}, "degraded"},
		{"dead letters present",
			worker.Status{SaveWorkerAlive: true, DeleteWorkerAlive: true, RetryWorkerAlive: true, DeadLetters: 1},
			peersync.Status{}, "degraded"},
		{"peer degraded", allAlive, peersync.Status{Degraded: 1}, "degraded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := overallStatus(tc.ws, tc.ps); got != tc.want {
				t.Errorf("overallStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestStatusDocument(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	e.manager.Start(ctx, &wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	e.store.UpsertZone(context.Background(), "example.com", "zone", "da1", "bob", "directadmin")

	deadline := time.Now().Add(2 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/status", nil)
		req.SetBasicAuth("paneldns", "secret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		var doc struct {
			Status  string `json:"status"`
			Workers struct {
				Save   bool `json:"save"`
				Delete bool `json:"delete"`
				Retry  bool `json:"retry_drain"`
			} `json:"workers"`
			Zones struct {
				Total int `json:"total"`
			} `json:"zones"`
		}
		err = json.NewDecoder(resp.Body).Decode(&doc)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if doc.Workers.Save && doc.Workers.Delete && doc.Workers.Retry {
			if doc.Status != "ok" {
				t.Errorf("status = %s", doc.Status)
			}
			if doc.Zones.Total != 1 {
				t.Errorf("zones = %d", doc.Zones.Total)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("workers never reported alive")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
