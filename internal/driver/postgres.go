package driver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/arena/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresDriver is the clustered Driver implementation backed by a
// PostgreSQL room_cache table with a JSONB metadata column. Direct fields are
// filtered in SQL; metadata criteria use JSONB containment. Multi-key sorting
// runs through the shared comparator so ordering matches the in-memory
// backend exactly.
type PostgresDriver struct {
	cfg  config.DatabaseConfig
	pool *pgxpool.Pool
}

// NewPostgresDriver creates an unconnected PostgresDriver. Call Boot before use.
func NewPostgresDriver(cfg config.DatabaseConfig) *PostgresDriver {
	return &PostgresDriver{cfg: cfg}
}

// Boot connects the pool, verifies connectivity, and applies schema migrations.
//
// Precondition: cfg must contain valid connection parameters.
// Postcondition: The driver is ready for queries, or a non-nil error is returned.
func (d *PostgresDriver) Boot(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(d.cfg.DSN())
	if err != nil {
		return fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = d.cfg.MaxConns
	poolCfg.MinConns = d.cfg.MinConns
	poolCfg.MaxConnLifetime = d.cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	if err := d.migrate(); err != nil {
		pool.Close()
		return err
	}

	d.pool = pool
	return nil
}

// MigrationSource exposes the embedded room_cache schema migrations for
// external migration tooling.
func MigrationSource() (source.Driver, error) {
	return iofs.New(migrationFS, "migrations")
}

func (d *PostgresDriver) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, d.cfg.DSN())
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Persist upserts entry into room_cache.
func (d *PostgresDriver) Persist(ctx context.Context, entry *RoomCache, _ bool) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := d.pool.Exec(ctx, `
		INSERT INTO room_cache
			(room_id, process_id, name, clients, max_clients, locked, private, unlisted, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (room_id) DO UPDATE SET
			process_id  = EXCLUDED.process_id,
			clients     = EXCLUDED.clients,
			max_clients = EXCLUDED.max_clients,
			locked      = EXCLUDED.locked,
			private     = EXCLUDED.private,
			unlisted    = EXCLUDED.unlisted,
			metadata    = EXCLUDED.metadata
	`,
		entry.RoomID, entry.ProcessID, entry.Name,
		entry.Clients, entry.MaxClients,
		entry.Locked, entry.Private, entry.Unlisted,
		metadata, createdAt,
	)
	if err != nil {
		return fmt.Errorf("persisting room %q: %w", entry.RoomID, err)
	}
	return nil
}

// Query returns entries matching filter, sorted by spec. Direct-column
// conditions are pushed into SQL; metadata and loosely-typed conditions are
// applied through the shared matcher after the fetch.
func (d *PostgresDriver) Query(ctx context.Context, filter Filter, sort []SortField) ([]*RoomCache, error) {
	query := `
		SELECT room_id, process_id, name, clients, max_clients,
		       locked, private, unlisted, metadata, created_at
		FROM room_cache`

	var (
		clauses []string
		args    []any
	)
	if name, ok := filter["name"].(string); ok {
		args = append(args, name)
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	if processID, ok := filter["processId"].(string); ok {
		args = append(args, processID)
		clauses = append(clauses, fmt.Sprintf("process_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying room cache: %w", err)
	}
	defer rows.Close()

	var matched []*RoomCache
	for rows.Next() {
		entry := &RoomCache{}
		if err := rows.Scan(
			&entry.RoomID, &entry.ProcessID, &entry.Name,
			&entry.Clients, &entry.MaxClients,
			&entry.Locked, &entry.Private, &entry.Unlisted,
			&entry.Metadata, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning room cache row: %w", err)
		}
		if matchesFilter(entry, filter) {
			matched = append(matched, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating room cache rows: %w", err)
	}

	sortEntries(matched, sort)
	return matched, nil
}

// FindOne returns the first match under sort, or nil when nothing matches.
func (d *PostgresDriver) FindOne(ctx context.Context, filter Filter, sort []SortField) (*RoomCache, error) {
	matched, err := d.Query(ctx, filter, sort)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return matched[0], nil
}

// Remove deletes the entry for roomID. Idempotent.
func (d *PostgresDriver) Remove(ctx context.Context, roomID string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM room_cache WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("removing room %q: %w", roomID, err)
	}
	return nil
}

// Cleanup deletes every entry owned by processID in a single statement, so
// clearing hundreds of stale rooms after a dead-process detection is one
// round trip.
func (d *PostgresDriver) Cleanup(ctx context.Context, processID string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM room_cache WHERE process_id = $1`, processID); err != nil {
		return fmt.Errorf("cleaning up process %q: %w", processID, err)
	}
	return nil
}

// Shutdown closes the connection pool.
func (d *PostgresDriver) Shutdown(context.Context) error {
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}

var _ Driver = (*PostgresDriver)(nil)
