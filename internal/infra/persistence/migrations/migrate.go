// Package migrations runs the journal schema migrations through golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/orderflow/db/migrations"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

const embeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database at dsn up to the latest migration. An empty
// migrationsDir uses the migrations compiled into the binary. A nil logger
// disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return run(ctx, dsn, migrationsDir, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the most recent steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, migrationsDir, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, direction string, step func(*migrate.Migrate) error) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("migrations dsn required")
	}
	src, sourceName, origin, err := openSource(migrationsDir)
	if err != nil {
		return err
	}
	closeSource := func() {
		if cerr := src.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations source close: %v", cerr)
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		closeSource()
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		closeSource()
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeSource()
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := newMigrate(sourceName, src, driver)
	if err != nil {
		closeSource()
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations %s: source=%s", direction, origin)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop")
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed")
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	if logger != nil {
		logger.Printf("database migrations %s applied", direction)
	}
	recordMigrationMetric(ctx, direction, "applied")
	return nil
}

// openSource resolves the migration files without touching the database, so
// a bad path is reported as such rather than as a connection failure.
func openSource(migrationsDir string) (source.Driver, string, string, error) {
	if strings.TrimSpace(migrationsDir) == "" {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, "", "", fmt.Errorf("open embedded migrations: %w", err)
		}
		return src, "iofs", embeddedSource, nil
	}

	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return nil, "", "", err
	}
	src, err := (&file.File{}).Open(fileURL(resolvedDir))
	if err != nil {
		return nil, "", "", fmt.Errorf("open migrations directory: %w", err)
	}
	return src, "file", resolvedDir, nil
}

func newMigrate(sourceName string, src source.Driver, driver database.Driver) (*migrate.Migrate, error) {
	m, err := migrate.NewWithInstance(sourceName, src, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("orderflow_db_migrations",
			metric.WithDescription("Journal schema migration runs by direction and result"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrMigrationDirection.String(direction),
		telemetry.AttrResult.String(result),
	))
}
