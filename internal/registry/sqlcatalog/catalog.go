// Package sqlcatalog implements registry.Catalog over a SQL database
// holding the registry's namespaces, repositories and tags. SQLite
// (modernc.org/sqlite) and PostgreSQL (pgx) are supported.
package sqlcatalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/dray-io/autoprune/internal/registry"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Tag rows are never removed: deleting a tag ends its lifetime, and a
// retagged name gets a new row.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS namespace (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS repository (
	id INTEGER PRIMARY KEY,
	namespace_id INTEGER NOT NULL REFERENCES namespace(id),
	name TEXT NOT NULL,
	UNIQUE (namespace_id, name)
);
CREATE TABLE IF NOT EXISTS tag (
	id INTEGER PRIMARY KEY,
	repository_id INTEGER NOT NULL REFERENCES repository(id),
	name TEXT NOT NULL,
	lifetime_start_ms BIGINT NOT NULL,
	lifetime_end_ms BIGINT,
	hidden BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS tag_active ON tag (repository_id, name, lifetime_end_ms);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS namespace (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS repository (
	id BIGSERIAL PRIMARY KEY,
	namespace_id BIGINT NOT NULL REFERENCES namespace(id),
	name TEXT NOT NULL,
	UNIQUE (namespace_id, name)
);
CREATE TABLE IF NOT EXISTS tag (
	id BIGSERIAL PRIMARY KEY,
	repository_id BIGINT NOT NULL REFERENCES repository(id),
	name TEXT NOT NULL,
	lifetime_start_ms BIGINT NOT NULL,
	lifetime_end_ms BIGINT,
	hidden BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS tag_active ON tag (repository_id, name, lifetime_end_ms);
`

// Config selects the database.
type Config struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string
	DSN    string

	// Migrate creates the schema if it does not exist.
	Migrate bool
}

// Catalog is a registry.Catalog backed by database/sql.
type Catalog struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects and, if requested, creates the schema.
func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("sqlcatalog: unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqlcatalog: dsn is required")
	}

	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlcatalog: open: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent deletes.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlcatalog: ping: %w", err)
	}

	c := &Catalog{db: db, driver: cfg.Driver, now: time.Now}
	if cfg.Migrate {
		ddl := sqliteSchema
		if cfg.Driver == DriverPostgres {
			ddl = postgresSchema
		}
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlcatalog: migrate: %w", err)
		}
	}
	return c, nil
}

// sqliteDSN adds WAL mode and a busy timeout unless the DSN sets its own
// pragmas. Other processes (registry, CLI) share the file.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping checks connectivity.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c *Catalog) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *Catalog) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	var enabled bool
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT enabled FROM namespace WHERE name = ?`), namespace).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlcatalog: lookup namespace: %w", err)
	}
	return enabled, nil
}

func (c *Catalog) ListRepositories(ctx context.Context, namespace string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(
		`SELECT r.name FROM repository r JOIN namespace n ON r.namespace_id = n.id
		 WHERE n.name = ? ORDER BY r.name`), namespace)
	if err != nil {
		return nil, fmt.Errorf("sqlcatalog: list repositories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlcatalog: list repositories: %w", err)
		}
		out = append(out, namespace+"/"+name)
	}
	return out, rows.Err()
}

// repositoryID resolves a "namespace/name" id to its row id.
func (c *Catalog) repositoryID(ctx context.Context, repository string) (int64, error) {
	namespace, name, ok := strings.Cut(repository, "/")
	if !ok || namespace == "" || name == "" {
		return 0, registry.ErrRepositoryNotFound
	}
	var id int64
	err := c.db.QueryRowContext(ctx, c.rebind(
		`SELECT r.id FROM repository r JOIN namespace n ON r.namespace_id = n.id
		 WHERE n.name = ? AND r.name = ?`), namespace, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, registry.ErrRepositoryNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlcatalog: lookup repository: %w", err)
	}
	return id, nil
}

// ListTags returns the active tags: lifetime not ended and not hidden.
func (c *Catalog) ListTags(ctx context.Context, repository string) ([]registry.Tag, error) {
	repoID, err := c.repositoryID(ctx, repository)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, c.rebind(
		`SELECT name, lifetime_start_ms FROM tag
		 WHERE repository_id = ? AND lifetime_end_ms IS NULL AND hidden = ?
		 ORDER BY name`), repoID, false)
	if err != nil {
		return nil, fmt.Errorf("sqlcatalog: list tags: %w", err)
	}
	defer rows.Close()

	var out []registry.Tag
	for rows.Next() {
		var (
			name string
			ms   int64
		)
		if err := rows.Scan(&name, &ms); err != nil {
			return nil, fmt.Errorf("sqlcatalog: list tags: %w", err)
		}
		out = append(out, registry.Tag{Name: name, CreatedAt: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

// DeleteTag ends the lifetime of the active tag.
func (c *Catalog) DeleteTag(ctx context.Context, repository, tag string) error {
	repoID, err := c.repositoryID(ctx, repository)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE tag SET lifetime_end_ms = ?
		 WHERE repository_id = ? AND name = ? AND lifetime_end_ms IS NULL AND hidden = ?`),
		c.now().UnixMilli(), repoID, tag, false)
	if err != nil {
		return fmt.Errorf("sqlcatalog: delete tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlcatalog: delete tag: %w", err)
	}
	if n == 0 {
		return registry.ErrTagNotFound
	}
	return nil
}

// AddNamespace registers a namespace or updates its enabled flag.
func (c *Catalog) AddNamespace(ctx context.Context, namespace string, enabled bool) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO namespace (name, enabled) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET enabled = excluded.enabled`), namespace, enabled)
	if err != nil {
		return fmt.Errorf("sqlcatalog: add namespace: %w", err)
	}
	return nil
}

// AddRepository registers namespace/name and returns its id. The namespace
// must exist.
func (c *Catalog) AddRepository(ctx context.Context, namespace, name string) (string, error) {
	res, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO repository (namespace_id, name)
		 SELECT id, ? FROM namespace WHERE name = ?
		 ON CONFLICT (namespace_id, name) DO NOTHING`), name, namespace)
	if err != nil {
		return "", fmt.Errorf("sqlcatalog: add repository: %w", err)
	}
	repo := namespace + "/" + name
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either it already existed or the namespace is unknown.
		if _, err := c.repositoryID(ctx, repo); err != nil {
			return "", fmt.Errorf("sqlcatalog: add repository %s: %w", repo, err)
		}
	}
	return repo, nil
}

// PutTags points tags at new lifetimes, ending any active tag of the same
// name first.
func (c *Catalog) PutTags(ctx context.Context, repository string, tags ...registry.Tag) error {
	repoID, err := c.repositoryID(ctx, repository)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlcatalog: put tags: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	end := c.rebind(`UPDATE tag SET lifetime_end_ms = ?
		WHERE repository_id = ? AND name = ? AND lifetime_end_ms IS NULL`)
	insert := c.rebind(`INSERT INTO tag (repository_id, name, lifetime_start_ms, hidden) VALUES (?, ?, ?, ?)`)
	for _, t := range tags {
		start := t.CreatedAt.UnixMilli()
		if _, err := tx.ExecContext(ctx, end, start, repoID, t.Name); err != nil {
			return fmt.Errorf("sqlcatalog: put tag %s: %w", t.Name, err)
		}
		if _, err := tx.ExecContext(ctx, insert, repoID, t.Name, start, false); err != nil {
			return fmt.Errorf("sqlcatalog: put tag %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// HideTag marks the active tag hidden, as the registry does for tags it
// manages internally. Hidden tags are never listed.
func (c *Catalog) HideTag(ctx context.Context, repository, tag string) error {
	repoID, err := c.repositoryID(ctx, repository)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, c.rebind(
		`UPDATE tag SET hidden = ? WHERE repository_id = ? AND name = ? AND lifetime_end_ms IS NULL`),
		true, repoID, tag)
	if err != nil {
		return fmt.Errorf("sqlcatalog: hide tag: %w", err)
	}
	return nil
}

var _ registry.Catalog = (*Catalog)(nil)
