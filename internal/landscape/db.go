package landscape

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Driver adapts one database backend for the audit store. Implementations
// translate a landscape URL into a sqlx DSN and run schema migrations.
type Driver interface {
	// Open connects and ensures the schema is current.
	Open(ctx context.Context, u *url.URL) (*sqlx.DB, error)
	// Name is the URL scheme this driver serves.
	Name() string
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// RegisterDriver makes a backend available under its URL scheme.
// Registering the same scheme twice panics, mirroring database/sql.
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if _, dup := drivers[d.Name()]; dup {
		panic(fmt.Sprintf("landscape: driver %q registered twice", d.Name()))
	}

	drivers[d.Name()] = d
}

// DriverNames lists registered schemes, sorted.
func DriverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func init() {
	RegisterDriver(sqliteDriver{})
}

// DB is the audit database handle. All writes go through the Recorder;
// reads go through the query helpers and lineage projections.
type DB struct {
	conn   *sqlx.DB
	scheme string
	logger *slog.Logger
}

// Open connects to the audit database named by a URL such as
// sqlite:///var/lib/elspeth/audit.db and applies pending migrations.
// A bare filesystem path is treated as sqlite.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !strings.Contains(rawURL, "://") {
		rawURL = "sqlite://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing landscape URL: %w", err)
	}

	driversMu.RLock()
	driver, ok := drivers[u.Scheme]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported landscape scheme %q (registered: %s)",
			u.Scheme, strings.Join(DriverNames(), ", "))
	}

	conn, err := driver.Open(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("opening landscape database: %w", err)
	}

	logger.Debug("landscape database ready", "scheme", u.Scheme)

	return &DB{conn: conn, scheme: u.Scheme, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw handle for read-only consumers such as the
// explain projections and the MCP server.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// InTx runs fn inside a transaction, rolling back on error or panic.
func (db *DB) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}

		if err != nil {
			_ = tx.Rollback()

			return
		}

		err = tx.Commit()
	}()

	return fn(tx)
}

type sqliteDriver struct{}

func (sqliteDriver) Name() string { return "sqlite" }

func (sqliteDriver) Open(ctx context.Context, u *url.URL) (*sqlx.DB, error) {
	path := u.Opaque
	if path == "" {
		path = u.Host + u.Path
	}

	if path == "" {
		return nil, fmt.Errorf("sqlite URL %q has no path", u.String())
	}

	// Foreign keys enforce the schema's referential invariants; the
	// busy timeout covers recorder writes racing the diagnostics reads.
	dsn := path + "?_fk=1&_busy_timeout=5000&_loc=UTC"

	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers; a single connection avoids lock churn.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()

		return nil, err
	}

	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("migrating landscape schema: %w", err)
	}

	return conn, nil
}

func migrate(ctx context.Context, conn *sqlx.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn.DB, sub)
	if err != nil {
		return err
	}

	_, err = provider.Up(ctx)

	return err
}
