package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":2222" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.ManagedBy != "directadmin" {
		t.Errorf("managedBy = %s", cfg.ManagedBy)
	}
	if cfg.Datastore.Driver != "sqlite" || cfg.Datastore.Path == "" {
		t.Errorf("datastore = %+v", cfg.Datastore)
	}
	if cfg.Reconcile.Interval != 60*time.Minute {
		t.Errorf("reconcile interval = %s", cfg.Reconcile.Interval)
	}
	if cfg.PeerSync.Interval != 15*time.Minute {
		t.Errorf("peer sync interval = %s", cfg.PeerSync.Interval)
	}
	if cfg.Auth.AppUsername != "paneldns" || cfg.Auth.PeerUsername != "peersync" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":8080"
hostname: node1.example.net
auth:
  appUsername: admin
  appPassword: secret
backends:
  primary:
    type: bind
    enabled: true
    zonesDir: /var/named
  mirror:
    type: cloudflare
    enabled: false
upstreams:
  - hostname: da1.example.net
    username: admin
    password: dapass
reconcile:
  enabled: true
  interval: 30m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.Hostname != "node1.example.net" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Reconcile.Interval != 30*time.Minute {
		t.Errorf("interval = %s", cfg.Reconcile.Interval)
	}
	if len(cfg.Upstreams) != 1 || cfg.Upstreams[0].Port != 2222 {
		t.Errorf("upstreams = %+v", cfg.Upstreams)
	}

	enabled := cfg.EnabledBackends()
	if len(enabled) != 1 {
		t.Fatalf("enabled backends = %v", enabled)
	}
	if enabled["primary"].Type != "bind" {
		t.Errorf("primary = %+v", enabled["primary"])
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PANELDNS_LISTEN", ":9999")
	t.Setenv("PANELDNS_AUTH_PASSWORD", "fromenv")
	t.Setenv("PANELDNS_RECONCILE_ENABLED", "true")
	t.Setenv("PANELDNS_RECONCILE_INTERVAL", "5m")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.Auth.AppPassword != "fromenv" {
		t.Errorf("app password = %s", cfg.Auth.AppPassword)
	}
	if !cfg.Reconcile.Enabled || cfg.Reconcile.Interval != 5*time.Minute {
		t.Errorf("reconcile = %+v", cfg.Reconcile)
	}
}

func TestEnvPeers(t *testing.T) {
	t.Setenv("PANELDNS_PEER_AUTH_USERNAME", "peersync")
	t.Setenv("PANELDNS_PEER_AUTH_PASSWORD", "peerpass")
	t.Setenv("PANELDNS_PEER_SYNC_PEER_1_URL", "http://node2.example.net:2222")
	t.Setenv("PANELDNS_PEER_SYNC_PEER_2_URL", "http://node3.example.net:2222")
	t.Setenv("PANELDNS_PEER_SYNC_PEER_2_USERNAME", "other")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.PeerSync.Peers) != 2 {
		t.Fatalf("peers = %+v", cfg.PeerSync.Peers)
	}
	// Unset credentials fall back to the shared peer realm.
	if cfg.PeerSync.Peers[0].Username != "peersync" || cfg.PeerSync.Peers[0].Password != "peerpass" {
		t.Errorf("peer 1 = %+v", cfg.PeerSync.Peers[0])
	}
	if cfg.PeerSync.Peers[1].Username != "other" {
		t.Errorf("peer 2 = %+v", cfg.PeerSync.Peers[1])
	}
}

func TestValidateDatastore(t *testing.T) {
	path := writeConfig(t, `
datastore:
  driver: postgres
`)
	if _, err := Load(path); err == nil {
		t.Error("postgres without dsn must fail validation")
	}

	path = writeConfig(t, `
datastore:
  driver: oracle
`)
	if _, err := Load(path); err == nil {
		t.Error("unknown driver must fail validation")
	}
}

func TestShouldVerifySSL(t *testing.T) {
	u := Upstream{}
	if !u.ShouldVerifySSL() {
		t.Error("default must verify")
	}
	f := false
	u.VerifySSL = &f
	if u.ShouldVerifySSL() {
		t.Error("explicit false must disable verification")
	}
}
