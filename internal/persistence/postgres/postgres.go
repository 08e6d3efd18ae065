// Package postgres persists store snapshots in PostgreSQL. One row per
// resource-instance value, replaced wholesale per endpoint on every
// Save: the snapshot is a point-in-time dump, not an event log, so a
// transactional delete-and-insert keeps Load trivially consistent.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/openlwm2m/core/internal/persistence"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements persistence.Snapshotter backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ persistence.Snapshotter = (*Store)(nil)

// Open connects to dsn, verifies connectivity, and runs pending schema
// migrations. The returned Store must be closed by the caller.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle without running migrations, for hosts
// that manage schema themselves (and for tests over a mock connection).
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the endpoint's stored snapshot in one transaction.
func (s *Store) Save(ctx context.Context, snap *persistence.Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM store_snapshots WHERE endpoint = $1`, snap.Endpoint); err != nil {
		return fmt.Errorf("clear prior snapshot: %w", err)
	}
	for _, rec := range snap.Records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO store_snapshots (endpoint, taken_at, object_id, instance_id, resource_id, resource_instance_id, value)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, snap.Endpoint, snap.TakenAt, int(rec.Object), int(rec.Instance), int(rec.Resource), int(rec.ResourceInstance), rec.Value)
		if err != nil {
			return fmt.Errorf("insert snapshot record: %w", err)
		}
	}
	return tx.Commit()
}

// Load returns the endpoint's last-saved snapshot, or nil when none has
// been saved yet.
func (s *Store) Load(ctx context.Context, endpoint string) (*persistence.Snapshot, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT taken_at, object_id, instance_id, resource_id, resource_instance_id, value
		FROM store_snapshots
		WHERE endpoint = $1
		ORDER BY object_id, instance_id, resource_id, resource_instance_id
	`, endpoint)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	snap := &persistence.Snapshot{Endpoint: endpoint}
	for rows.Next() {
		var takenAt time.Time
		var oid, iid, rid, ri int
		var value []byte
		if err := rows.Scan(&takenAt, &oid, &iid, &rid, &ri, &value); err != nil {
			return nil, fmt.Errorf("scan snapshot record: %w", err)
		}
		snap.TakenAt = takenAt
		snap.Records = append(snap.Records, persistence.Record{
			Object:           uint16(oid),
			Instance:         uint16(iid),
			Resource:         uint16(rid),
			ResourceInstance: uint16(ri),
			Value:            value,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snap.Records) == 0 {
		return nil, nil
	}
	return snap, nil
}
