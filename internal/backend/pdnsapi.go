package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joeig/go-powerdns/v3"

	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/zonefile"
)

const pdnsNotFoundMsg = "Not Found"

// pdnsAPI drives a PowerDNS authoritative server over its HTTP API instead
// of the shared SQL schema. Zones are created NATIVE; a write replaces every
// rrset with the reference zone's content.
type pdnsAPI struct {
	name    string
	client  *powerdns.Client
	metrics *metrics.Metrics
}

func newPdnsAPI(name string, bc config.Backend, m *metrics.Metrics) (Driver, error) {
	if bc.APIURL == "" {
		return nil, fmt.Errorf("powerdns_api backend %s: apiUrl is required", name)
	}
	serverID := bc.ServerID
	if serverID == "" {
		serverID = "localhost"
	}
	client := powerdns.New(bc.APIURL, serverID, powerdns.WithAPIKey(bc.APIKey))
	return &pdnsAPI{name: name, client: client, metrics: m}, nil
}

func (d *pdnsAPI) Name() string { return d.name }

func (d *pdnsAPI) WriteZone(ctx context.Context, zoneName, zoneData string) error {
	if err := d.replaceZone(ctx, zoneName, zoneData); err != nil {
		d.metrics.IncBackendOp(d.name, "write", false)
		return err
	}
	d.metrics.IncBackendOp(d.name, "write", true)
	return nil
}

func (d *pdnsAPI) DeleteZone(ctx context.Context, zoneName string) error {
	err := d.client.Zones.Delete(ctx, canonical(zoneName))
	if err != nil && !isNotFound(err) {
		d.metrics.IncBackendOp(d.name, "delete", false)
		return fmt.Errorf("delete zone %s: %w", zoneName, err)
	}
	d.metrics.IncBackendOp(d.name, "delete", true)
	return nil
}

func (d *pdnsAPI) ZoneExists(ctx context.Context, zoneName string) (bool, error) {
	_, err := d.client.Zones.Get(ctx, canonical(zoneName))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get zone %s: %w", zoneName, err)
	}
	return true, nil
}

func (d *pdnsAPI) CountRecords(ctx context.Context, zoneName string) (int, error) {
	zone, err := d.client.Zones.Get(ctx, canonical(zoneName))
	if err != nil {
		return 0, fmt.Errorf("get zone %s: %w", zoneName, err)
	}
	count := 0
	for _, rrset := range zone.RRsets {
		count += len(rrset.Records)
	}
	return count, nil
}

func (d *pdnsAPI) Reconcile(ctx context.Context, zoneName, zoneData string) error {
	if err := d.replaceZone(ctx, zoneName, zoneData); err != nil {
		d.metrics.IncBackendOp(d.name, "reconcile", false)
		return err
	}
	d.metrics.IncBackendOp(d.name, "reconcile", true)
	return nil
}

// replaceZone makes the remote zone's rrsets exactly those of the reference
// text: changed/missing rrsets are patched, extras are deleted.
func (d *pdnsAPI) replaceZone(ctx context.Context, zoneName, zoneData string) error {
	records, err := zonefile.Parse(zoneData, zoneName)
	if err != nil {
		return err
	}

	domain := canonical(zoneName)
	zone, err := d.client.Zones.Get(ctx, domain)
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("get zone %s: %w", zoneName, err)
		}
		kind := powerdns.NativeZoneKind
		zone, err = d.client.Zones.Add(ctx, &powerdns.Zone{
			Name: &domain,
			Kind: &kind,
		})
		if err != nil {
			return fmt.Errorf("create zone %s: %w", zoneName, err)
		}
		slog.Info("created zone", "backend", d.name, "zone", zoneName)
	}

	desired := groupRRsets(records)

	for key, set := range desired {
		err := d.client.Records.Change(ctx, domain, set.name, powerdns.RRType(set.rtype), set.ttl, set.contents)
		if err != nil {
			return fmt.Errorf("change rrset %s %s: %w", key, set.rtype, err)
		}
	}

	for _, rrset := range zone.RRsets {
		if rrset.Name == nil || rrset.Type == nil {
			continue
		}
		key := rrsetKey(*rrset.Name, string(*rrset.Type))
		if _, ok := desired[key]; ok {
			continue
		}
		if err := d.client.Records.Delete(ctx, domain, *rrset.Name, *rrset.Type); err != nil {
			return fmt.Errorf("delete stale rrset %s %s: %w", *rrset.Name, *rrset.Type, err)
		}
	}
	return nil
}

type rrsetSpec struct {
	name     string
	rtype    string
	ttl      uint32
	contents []string
}

func groupRRsets(records []zonefile.Record) map[string]*rrsetSpec {
	out := make(map[string]*rrsetSpec)
	for _, r := range records {
		name := canonical(r.Name)
		key := rrsetKey(name, r.Type)
		set, ok := out[key]
		if !ok {
			set = &rrsetSpec{name: name, rtype: r.Type, ttl: r.TTL}
			out[key] = set
		}
		set.contents = append(set.contents, apiContent(r))
	}
	return out
}

// apiContent renders record content in the canonical form the PowerDNS API
// expects: hostname targets carry the trailing dot, MX/SRV keep their
// priority prefix.
func apiContent(r zonefile.Record) string {
	content := r.Content
	switch r.Type {
	case "CNAME", "NS", "MX", "PTR", "SRV":
		if r.Type == "SRV" {
			parts := strings.Fields(content)
			if n := len(parts); n > 0 {
				parts[n-1] = canonical(parts[n-1])
				content = strings.Join(parts, " ")
			}
		} else {
			content = canonical(content)
		}
	case "SOA":
		parts := strings.Fields(content)
		for i := 0; i < 2 && i < len(parts); i++ {
			parts[i] = canonical(parts[i])
		}
		content = strings.Join(parts, " ")
	}
	if r.HasPrio {
		content = fmt.Sprintf("%d %s", r.Prio, content)
	}
	return content
}

func rrsetKey(name, rtype string) string {
	return strings.ToLower(name) + "\x00" + rtype
}

func canonical(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func isNotFound(err error) bool {
	return err != nil && err.Error() == pdnsNotFoundMsg
}
