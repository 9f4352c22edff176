package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
)

// ErrNotSupported marks driver operations a backend cannot provide, e.g.
// record count verification on providers without a count API. Callers skip
// the operation instead of treating it as a failure.
var ErrNotSupported = errors.New("operation not supported by backend")

// Driver is the uniform backend contract. WriteZone and DeleteZone are
// idempotent; a re-write replaces all prior content for the zone atomically
// from the daemon's consumers' perspective.
type Driver interface {
	Name() string
	WriteZone(ctx context.Context, zoneName, zoneData string) error
	DeleteZone(ctx context.Context, zoneName string) error
	ZoneExists(ctx context.Context, zoneName string) (bool, error)
	CountRecords(ctx context.Context, zoneName string) (int, error)
	// Reconcile removes everything the backend holds for zoneName that is
	// not in zoneData. Safe to call on an already consistent zone.
	Reconcile(ctx context.Context, zoneName, zoneData string) error
}

// Registry holds the enabled driver instances, keyed by instance name from
// the config.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry builds every enabled backend instance. A driver that fails to
// initialize is logged and skipped; it does not prevent startup.
func NewRegistry(cfg *config.Config, m *metrics.Metrics) *Registry {
	drivers := make(map[string]Driver)
	for name, bc := range cfg.EnabledBackends() {
		d, err := newDriver(name, bc, m)
		if err != nil {
			slog.Error("fail initialize backend instance", "instance", name, "type", bc.Type, "error", err)
			continue
		}
		drivers[name] = d
		slog.Info("initialized backend instance", "instance", name, "type", bc.Type)
	}
	return &Registry{drivers: drivers}
}

// NewRegistryWith wraps pre-constructed drivers. Used by tests and by
// callers that build drivers outside the config path.
func NewRegistryWith(drivers map[string]Driver) *Registry {
	return &Registry{drivers: drivers}
}

func newDriver(name string, bc config.Backend, m *metrics.Metrics) (Driver, error) {
	switch bc.Type {
	case "bind":
		return newBind(name, bc, m)
	case "nsd":
		return newNSD(name, bc, m)
	case "powerdns_sql":
		return newPdnsSQL(name, bc, m)
	case "powerdns_api":
		return newPdnsAPI(name, bc, m)
	case "cloudflare":
		return newCloudflare(name, bc, m)
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}

// Enabled returns all registered drivers.
func (r *Registry) Enabled() map[string]Driver {
	out := make(map[string]Driver, len(r.drivers))
	for name, d := range r.drivers {
		out[name] = d
	}
	return out
}

// Subset returns the registered drivers matching names. Names without a
// registered driver are silently dropped — a backend may have been disabled
// since the item was queued.
func (r *Registry) Subset(names []string) map[string]Driver {
	out := make(map[string]Driver)
	for _, name := range names {
		if d, ok := r.drivers[name]; ok {
			out[name] = d
		}
	}
	return out
}

// normalizeName lowercases and strips the trailing dot.
func normalizeName(zoneName string) string {
	zoneName = strings.TrimSpace(zoneName)
	for strings.HasSuffix(zoneName, ".") {
		zoneName = strings.TrimSuffix(zoneName, ".")
	}
	return strings.ToLower(zoneName)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}
