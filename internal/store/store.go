package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/paneldns/paneldns/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the internal datastore: the domains index and the dead letter
// table. It is the only state mutated by multiple workers; every mutation is
// a single statement or transaction.
type Store struct {
	db *sqlx.DB
}

// Open connects to the configured datastore and applies pending migrations.
func Open(cfg config.Datastore) (*Store, error) {
	var (
		db      *sqlx.DB
		dialect string
		err     error
	)
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create datastore dir: %w", err)
			}
		}
		db, err = sqlx.Connect("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		dialect = "sqlite3"
		if db != nil {
			// modernc/sqlite serializes writes; a single connection avoids
			// SQLITE_BUSY between workers.
			db.SetMaxOpenConns(1)
		}
	case "postgres":
		db, err = sqlx.Connect("pgx", cfg.DSN)
		dialect = "postgres"
	default:
		return nil, fmt.Errorf("unknown datastore driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open datastore (%s): %w", cfg.Driver, err)
	}

	if err := migrate(db.DB, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ------------------------------------------------------------------
// Domains
// ------------------------------------------------------------------

// GetDomain returns the row for zoneName or nil when absent.
func (s *Store) GetDomain(ctx context.Context, zoneName string) (*Domain, error) {
	var d Domain
	q := s.db.Rebind(`SELECT zone_name, upstream_server_hostname, upstream_username,
		managed_by, zone_data, zone_updated_at
		FROM domains WHERE zone_name = ?`)
	err := s.db.GetContext(ctx, &d, q, NormalizeZoneName(zoneName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", zoneName, err)
	}
	return &d, nil
}

// ListDomains returns every domain row.
func (s *Store) ListDomains(ctx context.Context) ([]Domain, error) {
	var out []Domain
	err := s.db.SelectContext(ctx, &out, `SELECT zone_name, upstream_server_hostname,
		upstream_username, managed_by, zone_data, zone_updated_at
		FROM domains ORDER BY zone_name`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return out, nil
}

// ListDomainsWithZoneData returns the rows eligible for peer exchange and
// backend healing: those that carry a last-written zone text.
func (s *Store) ListDomainsWithZoneData(ctx context.Context) ([]Domain, error) {
	var out []Domain
	err := s.db.SelectContext(ctx, &out, `SELECT zone_name, upstream_server_hostname,
		upstream_username, managed_by, zone_data, zone_updated_at
		FROM domains WHERE zone_data <> '' ORDER BY zone_name`)
	if err != nil {
		return nil, fmt.Errorf("list domains with zone data: %w", err)
	}
	return out, nil
}

// UpsertZone records a successful write: the zone text the backends were
// asked to serve, the owning upstream, and a fresh zone_updated_at. The
// timestamp never goes backwards even if the wall clock does.
func (s *Store) UpsertZone(ctx context.Context, zoneName, zoneData, hostname, username, managedBy string) error {
	zoneName = NormalizeZoneName(zoneName)
	now := FormatTime(time.Now())

	existing, err := s.GetDomain(ctx, zoneName)
	if err != nil {
		return err
	}
	if existing != nil {
		if prev, ok := existing.UpdatedAt(); ok {
			if t, _ := time.Parse(time.RFC3339, now); t.Before(prev) {
				now = existing.ZoneUpdatedAt
			}
		}
		q := s.db.Rebind(`UPDATE domains SET upstream_server_hostname = ?,
			upstream_username = ?, managed_by = ?, zone_data = ?, zone_updated_at = ?
			WHERE zone_name = ?`)
		_, err = s.db.ExecContext(ctx, q, hostname, username, managedBy, zoneData, now, zoneName)
	} else {
		q := s.db.Rebind(`INSERT INTO domains (zone_name, upstream_server_hostname,
			upstream_username, managed_by, zone_data, zone_updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, q, zoneName, hostname, username, managedBy, zoneData, now)
	}
	if err != nil {
		return fmt.Errorf("upsert zone %s: %w", zoneName, err)
	}
	return nil
}

// SetOwnership rewrites the owning upstream of an existing row. Used for
// ownership transfers at ingress and backfills/migrations by the reconciler.
func (s *Store) SetOwnership(ctx context.Context, zoneName, hostname, username string) error {
	q := s.db.Rebind(`UPDATE domains SET upstream_server_hostname = ?,
		upstream_username = ? WHERE zone_name = ?`)
	_, err := s.db.ExecContext(ctx, q, hostname, username, NormalizeZoneName(zoneName))
	if err != nil {
		return fmt.Errorf("set ownership %s: %w", zoneName, err)
	}
	return nil
}

// DeleteDomain removes the row after a successful delete on all backends.
func (s *Store) DeleteDomain(ctx context.Context, zoneName string) error {
	q := s.db.Rebind(`DELETE FROM domains WHERE zone_name = ?`)
	_, err := s.db.ExecContext(ctx, q, NormalizeZoneName(zoneName))
	if err != nil {
		return fmt.Errorf("delete domain %s: %w", zoneName, err)
	}
	return nil
}

// CountDomains returns the live zone count for /status.
func (s *Store) CountDomains(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM domains`); err != nil {
		return 0, fmt.Errorf("count domains: %w", err)
	}
	return n, nil
}

// FindParentDomain walks the labels of name looking for a registered parent
// zone, e.g. sub.shop.example.com matches a row for example.com.
func (s *Store) FindParentDomain(ctx context.Context, name string) (*Domain, error) {
	name = NormalizeZoneName(name)
	for {
		idx := indexDot(name)
		if idx < 0 {
			return nil, nil
		}
		name = name[idx+1:]
		if indexDot(name) < 0 {
			// Bare TLD, nothing left to match.
			return nil, nil
		}
		d, err := s.GetDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

func indexDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// ------------------------------------------------------------------
// Dead letters
// ------------------------------------------------------------------

// InsertDeadLetter records an exhausted retry item. Dead letters are never
// auto-deleted.
func (s *Store) InsertDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	q := s.db.Rebind(`INSERT INTO dead_letters (id, kind, zone_name, payload,
		backends, cause, first_failure, last_failure, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, dl.ID, dl.Kind, NormalizeZoneName(dl.ZoneName),
		dl.Payload, dl.Backends, dl.Cause, dl.FirstFailure, dl.LastFailure, dl.Attempts)
	if err != nil {
		return fmt.Errorf("insert dead letter for %s: %w", dl.ZoneName, err)
	}
	return nil
}

func (s *Store) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (s *Store) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := s.db.SelectContext(ctx, &out, `SELECT id, kind, zone_name, payload, backends,
		cause, first_failure, last_failure, attempts
		FROM dead_letters ORDER BY last_failure DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}
