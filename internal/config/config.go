package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every recognised environment key.
const EnvPrefix = "PANELDNS_"

const (
	defaultListen            = ":2222"
	defaultQueuePath         = "data/queues"
	defaultManagedBy         = "directadmin"
	defaultDatastoreDriver   = "sqlite"
	defaultDatastorePath     = "data/paneldns.db"
	defaultAppUsername       = "paneldns"
	defaultPeerUsername      = "peersync"
	defaultReconcileInterval = 60 * time.Minute
	defaultPeerSyncInterval  = 15 * time.Minute
	defaultUpstreamPort      = 2222
	defaultUpstreamPageSize  = 1000
	defaultLogLevel          = "info"
	defaultLogEnv            = "prod"
)

// Config is resolved once at startup and treated as immutable afterwards.
// Precedence: environment > config file > defaults.
type Config struct {
	Listen    string             `yaml:"listen"`
	Hostname  string             `yaml:"hostname"`
	SelfURL   string             `yaml:"selfUrl"`
	QueuePath string             `yaml:"queuePath"`
	ManagedBy string             `yaml:"managedBy"`
	Log       Log                `yaml:"log"`
	Auth      Auth               `yaml:"auth"`
	Datastore Datastore          `yaml:"datastore"`
	Backends  map[string]Backend `yaml:"backends"`
	Upstreams []Upstream         `yaml:"upstreams"`
	Reconcile Reconcile          `yaml:"reconcile"`
	PeerSync  PeerSync           `yaml:"peerSync"`
	Register  Register           `yaml:"register"`
}

type Log struct {
	Level string `yaml:"level"`
	Env   string `yaml:"env"`
}

// Auth carries the two basic-auth realms: "app" guards the panel-facing
// endpoints, "peer" guards the /internal/* replication endpoints.
type Auth struct {
	AppUsername  string `yaml:"appUsername"`
	AppPassword  string `yaml:"appPassword"`
	PeerUsername string `yaml:"peerUsername"`
	PeerPassword string `yaml:"peerPassword"`

	// ClusterSubdomainCheck >= 1 switches the GET exists parent-domain
	// answer to the cluster_domainowners form (exists=3 with hostname and
	// username) understood by DirectAdmin 1.59.0+.
	ClusterSubdomainCheck int `yaml:"clusterSubdomainCheck"`
}

type Datastore struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`   // sqlite file location
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// Backend configures one driver instance, keyed by instance name in the
// Backends map. Only the fields relevant to the Type are consulted.
type Backend struct {
	Type        string `yaml:"type"` // bind | nsd | powerdns_sql | powerdns_api | cloudflare
	Enabled     bool   `yaml:"enabled"`
	ZonesDir    string `yaml:"zonesDir"`
	IncludeFile string `yaml:"includeFile"`
	ControlBin  string `yaml:"controlBin"`
	DSN         string `yaml:"dsn"`
	APIURL      string `yaml:"apiUrl"`
	APIKey      string `yaml:"apiKey"`
	ServerID    string `yaml:"serverId"`
	Token       string `yaml:"token"`
}

type Upstream struct {
	Hostname  string `yaml:"hostname"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	SSL       bool   `yaml:"ssl"`
	VerifySSL *bool  `yaml:"verifySsl"`
}

type Reconcile struct {
	Enabled      bool          `yaml:"enabled"`
	DryRun       bool          `yaml:"dryRun"`
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	PageSize     int           `yaml:"pageSize"`
}

type PeerSync struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Peers    []Peer        `yaml:"peers"`
}

type Peer struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Register controls self-registration as an extra DNS server on each
// configured upstream at startup.
type Register struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	SSL     bool   `yaml:"ssl"`
}

func Load(path string) (*Config, error) {
	configFile := true
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Default().Warn("fail find config file, proceeding with defaults", "path", path)
		configFile = false
	}

	var cfg Config
	if configFile {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			slog.Default().Warn("fail close config file", "path", path, "error", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = defaultQueuePath
	}
	if cfg.ManagedBy == "" {
		cfg.ManagedBy = defaultManagedBy
	}
	if cfg.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Hostname = host
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.Env == "" {
		cfg.Log.Env = defaultLogEnv
	}
	if cfg.Auth.AppUsername == "" {
		cfg.Auth.AppUsername = defaultAppUsername
	}
	if cfg.Auth.PeerUsername == "" {
		cfg.Auth.PeerUsername = defaultPeerUsername
	}
	if cfg.Datastore.Driver == "" {
		cfg.Datastore.Driver = defaultDatastoreDriver
	}
	if cfg.Datastore.Path == "" {
		cfg.Datastore.Path = defaultDatastorePath
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = defaultReconcileInterval
	}
	if cfg.Reconcile.PageSize == 0 {
		cfg.Reconcile.PageSize = defaultUpstreamPageSize
	}
	if cfg.PeerSync.Interval == 0 {
		cfg.PeerSync.Interval = defaultPeerSyncInterval
	}
	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].Port == 0 {
			cfg.Upstreams[i].Port = defaultUpstreamPort
		}
	}
	if cfg.Register.Port == 0 {
		cfg.Register.Port = defaultUpstreamPort
	}
}

// envSetters maps each recognised environment key (without prefix) to the
// field it overrides. The table replaces config-key reflection: every scalar
// field in the schema has exactly one entry here.
var envSetters = map[string]func(*Config, string){
	"LISTEN":              func(c *Config, v string) { c.Listen = v },
	"HOSTNAME":            func(c *Config, v string) { c.Hostname = v },
	"SELF_URL":            func(c *Config, v string) { c.SelfURL = v },
	"QUEUE_PATH":          func(c *Config, v string) { c.QueuePath = v },
	"MANAGED_BY":          func(c *Config, v string) { c.ManagedBy = v },
	"LOG_LEVEL":           func(c *Config, v string) { c.Log.Level = v },
	"LOG_ENV":             func(c *Config, v string) { c.Log.Env = v },
	"AUTH_USERNAME":       func(c *Config, v string) { c.Auth.AppUsername = v },
	"AUTH_PASSWORD":       func(c *Config, v string) { c.Auth.AppPassword = v },
	"PEER_AUTH_USERNAME":  func(c *Config, v string) { c.Auth.PeerUsername = v },
	"PEER_AUTH_PASSWORD":  func(c *Config, v string) { c.Auth.PeerPassword = v },
	"CLUSTER_SUBDOMAIN_CHECK": func(c *Config, v string) {
		setInt(&c.Auth.ClusterSubdomainCheck, "CLUSTER_SUBDOMAIN_CHECK", v)
	},
	"DATASTORE_DRIVER":    func(c *Config, v string) { c.Datastore.Driver = v },
	"DATASTORE_PATH":      func(c *Config, v string) { c.Datastore.Path = v },
	"DATASTORE_DSN":       func(c *Config, v string) { c.Datastore.DSN = v },
	"RECONCILE_ENABLED":   func(c *Config, v string) { setBool(&c.Reconcile.Enabled, "RECONCILE_ENABLED", v) },
	"RECONCILE_DRY_RUN":   func(c *Config, v string) { setBool(&c.Reconcile.DryRun, "RECONCILE_DRY_RUN", v) },
	"RECONCILE_INTERVAL":  func(c *Config, v string) { setDuration(&c.Reconcile.Interval, "RECONCILE_INTERVAL", v) },
	"RECONCILE_INITIAL_DELAY": func(c *Config, v string) {
		setDuration(&c.Reconcile.InitialDelay, "RECONCILE_INITIAL_DELAY", v)
	},
	"RECONCILE_PAGE_SIZE": func(c *Config, v string) { setInt(&c.Reconcile.PageSize, "RECONCILE_PAGE_SIZE", v) },
	"PEER_SYNC_ENABLED":   func(c *Config, v string) { setBool(&c.PeerSync.Enabled, "PEER_SYNC_ENABLED", v) },
	"PEER_SYNC_INTERVAL":  func(c *Config, v string) { setDuration(&c.PeerSync.Interval, "PEER_SYNC_INTERVAL", v) },
	"REGISTER_ENABLED":    func(c *Config, v string) { setBool(&c.Register.Enabled, "REGISTER_ENABLED", v) },
	"REGISTER_HOST":       func(c *Config, v string) { c.Register.Host = v },
	"REGISTER_PORT":       func(c *Config, v string) { setInt(&c.Register.Port, "REGISTER_PORT", v) },
	"REGISTER_SSL":        func(c *Config, v string) { setBool(&c.Register.SSL, "REGISTER_SSL", v) },
}

func (cfg *Config) applyEnv() {
	for key, set := range envSetters {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			set(cfg, v)
		}
	}
	cfg.applyEnvPeers()
}

// applyEnvPeers injects peers from environment variables. A single unnumbered
// peer is supported for backward compatibility, plus numbered peers 1..9.
// Peers already present in the config file are not duplicated.
func (cfg *Config) applyEnvPeers() {
	known := make(map[string]bool)
	for _, p := range cfg.PeerSync.Peers {
		known[p.URL] = true
	}

	add := func(url, user, pass string) {
		if url == "" || known[url] {
			return
		}
		if user == "" {
			user = cfg.Auth.PeerUsername
		}
		if pass == "" {
			pass = cfg.Auth.PeerPassword
		}
		cfg.PeerSync.Peers = append(cfg.PeerSync.Peers, Peer{URL: url, Username: user, Password: pass})
		known[url] = true
		slog.Default().Debug("added peer from env", "url", url)
	}

	add(
		os.Getenv(EnvPrefix+"PEER_SYNC_PEER_URL"),
		os.Getenv(EnvPrefix+"PEER_SYNC_PEER_USERNAME"),
		os.Getenv(EnvPrefix+"PEER_SYNC_PEER_PASSWORD"),
	)

	for i := 1; i <= 9; i++ {
		url := os.Getenv(fmt.Sprintf("%sPEER_SYNC_PEER_%d_URL", EnvPrefix, i))
		if url == "" {
			break
		}
		add(
			url,
			os.Getenv(fmt.Sprintf("%sPEER_SYNC_PEER_%d_USERNAME", EnvPrefix, i)),
			os.Getenv(fmt.Sprintf("%sPEER_SYNC_PEER_%d_PASSWORD", EnvPrefix, i)),
		)
	}
}

func (cfg *Config) validate() error {
	switch cfg.Datastore.Driver {
	case "sqlite":
		if cfg.Datastore.Path == "" {
			return fmt.Errorf("datastore driver is sqlite but path is empty")
		}
	case "postgres":
		if cfg.Datastore.DSN == "" {
			return fmt.Errorf("datastore driver is postgres but dsn is empty")
		}
	default:
		return fmt.Errorf("unknown datastore driver %q", cfg.Datastore.Driver)
	}
	return nil
}

// EnabledBackends returns the backend instances with enabled: true.
func (cfg *Config) EnabledBackends() map[string]Backend {
	out := make(map[string]Backend)
	for name, b := range cfg.Backends {
		if b.Enabled {
			out[name] = b
		}
	}
	return out
}

func (u Upstream) ShouldVerifySSL() bool {
	if u.VerifySSL == nil {
		return true
	}
	return *u.VerifySSL
}

func setBool(dst *bool, key, v string) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Default().Warn("fail parse bool from env", "key", EnvPrefix+key, "value", v)
		return
	}
	*dst = b
}

func setInt(dst *int, key, v string) {
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Default().Warn("fail parse int from env", "key", EnvPrefix+key, "value", v)
		return
	}
	*dst = n
}

func setDuration(dst *time.Duration, key, v string) {
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Default().Warn("fail parse duration from env", "key", EnvPrefix+key, "value", v)
		return
	}
	*dst = d
}
