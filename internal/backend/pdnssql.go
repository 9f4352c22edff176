package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/zonefile"
)

// pdnsSQL writes zones into the PowerDNS generic-SQL schema (domains and
// records tables) shared with the DNS daemon. A zone write replaces the
// zone's rows in a single transaction; in-zone targets are stored as
// absolute FQDNs, never origin-relative.
type pdnsSQL struct {
	name    string
	db      *sqlx.DB
	metrics *metrics.Metrics
}

func newPdnsSQL(name string, bc config.Backend, m *metrics.Metrics) (Driver, error) {
	if bc.DSN == "" {
		return nil, fmt.Errorf("powerdns_sql backend %s: dsn is required", name)
	}
	// Open lazily; the DNS database may come up after us.
	db, err := sqlx.Open("pgx", bc.DSN)
	if err != nil {
		return nil, fmt.Errorf("open powerdns db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &pdnsSQL{name: name, db: db, metrics: m}, nil
}

func (d *pdnsSQL) Name() string { return d.name }

func (d *pdnsSQL) WriteZone(ctx context.Context, zoneName, zoneData string) error {
	records, err := zonefile.Parse(zoneData, zoneName)
	if err != nil {
		d.metrics.IncBackendOp(d.name, "write", false)
		return err
	}

	err = d.inTx(ctx, func(tx *sqlx.Tx) error {
		domainID, err := d.ensureDomain(ctx, tx, zoneName)
		if err != nil {
			return err
		}
		// Replace, don't merge: stale rows must not survive a push.
		q := tx.Rebind(`DELETE FROM records WHERE domain_id = ?`)
		if _, err := tx.ExecContext(ctx, q, domainID); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		return d.insertRecords(ctx, tx, domainID, records)
	})
	if err != nil {
		d.metrics.IncBackendOp(d.name, "write", false)
		return fmt.Errorf("write zone %s: %w", zoneName, err)
	}
	d.metrics.IncBackendOp(d.name, "write", true)
	slog.Debug("replaced zone rows", "backend", d.name, "zone", zoneName, "records", len(records))
	return nil
}

func (d *pdnsSQL) DeleteZone(ctx context.Context, zoneName string) error {
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		var domainID int64
		q := tx.Rebind(`SELECT id FROM domains WHERE name = ?`)
		err := tx.GetContext(ctx, &domainID, q, normalizeName(zoneName))
		if errors.Is(err, sql.ErrNoRows) {
			return nil // deleting an absent zone is ok
		}
		if err != nil {
			return err
		}
		q = tx.Rebind(`DELETE FROM records WHERE domain_id = ?`)
		if _, err := tx.ExecContext(ctx, q, domainID); err != nil {
			return err
		}
		q = tx.Rebind(`DELETE FROM domains WHERE id = ?`)
		_, err = tx.ExecContext(ctx, q, domainID)
		return err
	})
	if err != nil {
		d.metrics.IncBackendOp(d.name, "delete", false)
		return fmt.Errorf("delete zone %s: %w", zoneName, err)
	}
	d.metrics.IncBackendOp(d.name, "delete", true)
	return nil
}

func (d *pdnsSQL) ZoneExists(ctx context.Context, zoneName string) (bool, error) {
	var n int
	q := d.db.Rebind(`SELECT COUNT(*) FROM domains WHERE name = ?`)
	if err := d.db.GetContext(ctx, &n, q, normalizeName(zoneName)); err != nil {
		return false, fmt.Errorf("zone exists %s: %w", zoneName, err)
	}
	return n > 0, nil
}

func (d *pdnsSQL) CountRecords(ctx context.Context, zoneName string) (int, error) {
	var n int
	q := d.db.Rebind(`SELECT COUNT(*) FROM records r JOIN domains d ON r.domain_id = d.id
		WHERE d.name = ? AND NOT r.disabled`)
	if err := d.db.GetContext(ctx, &n, q, normalizeName(zoneName)); err != nil {
		return 0, fmt.Errorf("count records %s: %w", zoneName, err)
	}
	return n, nil
}

// Reconcile removes rows not present in the reference zone text and inserts
// any reference records the table is missing.
func (d *pdnsSQL) Reconcile(ctx context.Context, zoneName, zoneData string) error {
	records, err := zonefile.Parse(zoneData, zoneName)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(records))
	for _, r := range records {
		want[recordKey(r.Name, r.Type, r.Content)] = true
	}

	err = d.inTx(ctx, func(tx *sqlx.Tx) error {
		domainID, err := d.ensureDomain(ctx, tx, zoneName)
		if err != nil {
			return err
		}

		type row struct {
			ID      int64  `db:"id"`
			Name    string `db:"name"`
			Type    string `db:"type"`
			Content string `db:"content"`
		}
		var rows []row
		q := tx.Rebind(`SELECT id, name, type, content FROM records WHERE domain_id = ?`)
		if err := tx.SelectContext(ctx, &rows, q, domainID); err != nil {
			return err
		}

		have := make(map[string]bool, len(rows))
		removed := 0
		for _, r := range rows {
			key := recordKey(r.Name, r.Type, r.Content)
			if !want[key] {
				dq := tx.Rebind(`DELETE FROM records WHERE id = ?`)
				if _, err := tx.ExecContext(ctx, dq, r.ID); err != nil {
					return err
				}
				removed++
				continue
			}
			have[key] = true
		}

		var missing []zonefile.Record
		for _, r := range records {
			if !have[recordKey(r.Name, r.Type, r.Content)] {
				missing = append(missing, r)
			}
		}
		if err := d.insertRecords(ctx, tx, domainID, missing); err != nil {
			return err
		}
		if removed > 0 || len(missing) > 0 {
			slog.Info("reconciled zone rows", "backend", d.name, "zone", zoneName,
				"removed", removed, "inserted", len(missing))
		}
		return nil
	})
	if err != nil {
		d.metrics.IncBackendOp(d.name, "reconcile", false)
		return fmt.Errorf("reconcile zone %s: %w", zoneName, err)
	}
	d.metrics.IncBackendOp(d.name, "reconcile", true)
	return nil
}

func (d *pdnsSQL) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *pdnsSQL) ensureDomain(ctx context.Context, tx *sqlx.Tx, zoneName string) (int64, error) {
	name := normalizeName(zoneName)
	var id int64
	q := tx.Rebind(`SELECT id FROM domains WHERE name = ?`)
	err := tx.GetContext(ctx, &id, q, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	q = tx.Rebind(`INSERT INTO domains (name, type) VALUES (?, 'NATIVE') RETURNING id`)
	if err := tx.GetContext(ctx, &id, q, name); err != nil {
		return 0, fmt.Errorf("create domain row: %w", err)
	}
	slog.Info("created domain row", "backend", d.name, "zone", name)
	return id, nil
}

func (d *pdnsSQL) insertRecords(ctx context.Context, tx *sqlx.Tx, domainID int64, records []zonefile.Record) error {
	if len(records) == 0 {
		return nil
	}
	q := tx.Rebind(`INSERT INTO records (domain_id, name, type, content, ttl, prio, change_date, disabled, auth)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, TRUE)`)
	now := time.Now().Unix()
	for _, r := range records {
		var prio any
		if r.HasPrio {
			prio = r.Prio
		}
		if _, err := tx.ExecContext(ctx, q, domainID, r.Name, r.Type, r.Content, r.TTL, prio, now); err != nil {
			return fmt.Errorf("insert record %s %s: %w", r.Name, r.Type, err)
		}
	}
	return nil
}

func recordKey(name, rtype, content string) string {
	return name + "\x00" + rtype + "\x00" + content
}
