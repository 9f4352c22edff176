package store

import (
	"strings"
	"time"
)

// Domain is one managed zone. Timestamps are RFC 3339 UTC strings so the row
// scans identically on sqlite and postgres.
type Domain struct {
	ZoneName               string `db:"zone_name"`
	UpstreamServerHostname string `db:"upstream_server_hostname"`
	UpstreamUsername       string `db:"upstream_username"`
	ManagedBy              string `db:"managed_by"`
	ZoneData               string `db:"zone_data"`
	ZoneUpdatedAt          string `db:"zone_updated_at"`
}

// UpdatedAt parses the stored timestamp. ok is false for legacy rows that
// predate the zone_updated_at column.
func (d *Domain) UpdatedAt() (t time.Time, ok bool) {
	if d.ZoneUpdatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, d.ZoneUpdatedAt)
	return t, err == nil
}

// DeadLetter is an exhausted retry item, retained for operator inspection.
type DeadLetter struct {
	ID           string `db:"id"`
	Kind         string `db:"kind"`
	ZoneName     string `db:"zone_name"`
	Payload      string `db:"payload"`
	Backends     string `db:"backends"` // comma-separated backend names
	Cause        string `db:"cause"`
	FirstFailure string `db:"first_failure"`
	LastFailure  string `db:"last_failure"`
	Attempts     int    `db:"attempts"`
}

func (dl *DeadLetter) BackendList() []string {
	if dl.Backends == "" {
		return nil
	}
	return strings.Split(dl.Backends, ",")
}

// NormalizeZoneName lowercases and strips the trailing dot so zone_name is a
// stable primary key regardless of how the upstream spelled it.
func NormalizeZoneName(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}

// FormatTime renders a timestamp the way the store and the peer wire format
// expect it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
