package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudflare/cloudflare-go"

	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/zonefile"
)

// cfDriver mirrors zones into Cloudflare DNS. Cloudflare serves its own SOA
// and apex NS, so those records are skipped; record count verification is
// therefore not supported and the drainer skips it for this backend.
type cfDriver struct {
	name      string
	api       *cloudflare.API
	accountID string
	metrics   *metrics.Metrics

	mu      sync.Mutex
	zoneIDs map[string]string
}

func newCloudflare(name string, bc config.Backend, m *metrics.Metrics) (Driver, error) {
	if bc.Token == "" {
		return nil, fmt.Errorf("cloudflare backend %s: token is required", name)
	}
	api, err := cloudflare.NewWithAPIToken(bc.Token)
	if err != nil {
		return nil, fmt.Errorf("create cloudflare client: %w", err)
	}
	return &cfDriver{
		name:      name,
		api:       api,
		accountID: bc.ServerID,
		metrics:   m,
		zoneIDs:   make(map[string]string),
	}, nil
}

func (d *cfDriver) Name() string { return d.name }

func (d *cfDriver) WriteZone(ctx context.Context, zoneName, zoneData string) error {
	if err := d.mirrorZone(ctx, zoneName, zoneData); err != nil {
		d.metrics.IncBackendOp(d.name, "write", false)
		return err
	}
	d.metrics.IncBackendOp(d.name, "write", true)
	return nil
}

func (d *cfDriver) DeleteZone(ctx context.Context, zoneName string) error {
	zoneID, err := d.zoneID(ctx, zoneName, false)
	if err != nil {
		d.metrics.IncBackendOp(d.name, "delete", false)
		return err
	}
	if zoneID == "" {
		d.metrics.IncBackendOp(d.name, "delete", true)
		return nil // absent already
	}
	if _, err := d.api.DeleteZone(ctx, zoneID); err != nil {
		d.metrics.IncBackendOp(d.name, "delete", false)
		return fmt.Errorf("delete cloudflare zone %s: %w", zoneName, err)
	}
	d.forgetZoneID(zoneName)
	d.metrics.IncBackendOp(d.name, "delete", true)
	return nil
}

func (d *cfDriver) ZoneExists(ctx context.Context, zoneName string) (bool, error) {
	zoneID, err := d.zoneID(ctx, zoneName, false)
	if err != nil {
		return false, err
	}
	return zoneID != "", nil
}

// CountRecords is not meaningful for the mirror: Cloudflare injects its own
// SOA and NS records.
func (d *cfDriver) CountRecords(ctx context.Context, zoneName string) (int, error) {
	return 0, ErrNotSupported
}

func (d *cfDriver) Reconcile(ctx context.Context, zoneName, zoneData string) error {
	if err := d.mirrorZone(ctx, zoneName, zoneData); err != nil {
		d.metrics.IncBackendOp(d.name, "reconcile", false)
		return err
	}
	d.metrics.IncBackendOp(d.name, "reconcile", true)
	return nil
}

// mirrorZone diffs the remote record set against the reference zone and
// applies creates/deletes so the mirror converges to the reference.
func (d *cfDriver) mirrorZone(ctx context.Context, zoneName, zoneData string) error {
	records, err := zonefile.Parse(zoneData, zoneName)
	if err != nil {
		return err
	}

	zoneID, err := d.zoneID(ctx, zoneName, true)
	if err != nil {
		return err
	}
	rc := cloudflare.ZoneIdentifier(zoneID)

	existing, err := d.listRecords(ctx, rc)
	if err != nil {
		return err
	}

	desired := make(map[string]zonefile.Record)
	for _, r := range records {
		if skipForMirror(r, zoneName) {
			continue
		}
		desired[recordKey(r.Name, r.Type, r.Content)] = r
	}

	deleted := 0
	for _, r := range existing {
		key := recordKey(strings.ToLower(r.Name), r.Type, r.Content)
		if _, ok := desired[key]; ok {
			delete(desired, key)
			continue
		}
		if err := d.api.DeleteDNSRecord(ctx, rc, r.ID); err != nil {
			return fmt.Errorf("delete mirror record %s %s: %w", r.Name, r.Type, err)
		}
		deleted++
	}

	created := 0
	for _, r := range desired {
		ttl := int(r.TTL)
		params := cloudflare.CreateDNSRecordParams{
			Type:    r.Type,
			Name:    r.Name,
			Content: r.Content,
			TTL:     ttl,
		}
		if r.HasPrio {
			prio := uint16(r.Prio)
			params.Priority = &prio
		}
		if _, err := d.api.CreateDNSRecord(ctx, rc, params); err != nil {
			return fmt.Errorf("create mirror record %s %s: %w", r.Name, r.Type, err)
		}
		created++
	}

	if created > 0 || deleted > 0 {
		slog.Debug("mirrored zone", "backend", d.name, "zone", zoneName,
			"created", created, "deleted", deleted)
	}
	return nil
}

func (d *cfDriver) listRecords(ctx context.Context, rc *cloudflare.ResourceContainer) ([]cloudflare.DNSRecord, error) {
	var all []cloudflare.DNSRecord
	params := cloudflare.ListDNSRecordsParams{}
	for {
		page, info, err := d.api.ListDNSRecords(ctx, rc, params)
		if err != nil {
			return nil, fmt.Errorf("list mirror records: %w", err)
		}
		all = append(all, page...)
		if info == nil || info.Page >= info.TotalPages {
			return all, nil
		}
		params.ResultInfo.Page = info.Page + 1
	}
}

// zoneID resolves and caches the Cloudflare zone id. With create set, a
// missing zone is created first.
func (d *cfDriver) zoneID(ctx context.Context, zoneName string, create bool) (string, error) {
	zoneName = normalizeName(zoneName)

	d.mu.Lock()
	if id, ok := d.zoneIDs[zoneName]; ok {
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	id, err := d.api.ZoneIDByName(zoneName)
	if err != nil {
		if !create {
			if strings.Contains(err.Error(), "zone could not be found") {
				return "", nil
			}
			return "", fmt.Errorf("resolve cloudflare zone %s: %w", zoneName, err)
		}
		zone, cerr := d.api.CreateZone(ctx, zoneName, false, cloudflare.Account{ID: d.accountID}, "full")
		if cerr != nil {
			return "", fmt.Errorf("create cloudflare zone %s: %w", zoneName, cerr)
		}
		id = zone.ID
		slog.Info("created cloudflare zone", "backend", d.name, "zone", zoneName)
	}

	d.mu.Lock()
	d.zoneIDs[zoneName] = id
	d.mu.Unlock()
	return id, nil
}

func (d *cfDriver) forgetZoneID(zoneName string) {
	d.mu.Lock()
	delete(d.zoneIDs, normalizeName(zoneName))
	d.mu.Unlock()
}

// skipForMirror filters records Cloudflare manages itself.
func skipForMirror(r zonefile.Record, zoneName string) bool {
	switch r.Type {
	case "SOA":
		return true
	case "NS":
		return r.Name == normalizeName(zoneName)
	}
	return false
}
