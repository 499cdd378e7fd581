// Package database owns the process-wide Postgres connection pool and its
// health reporting. Every other package that needs to read or write
// Postgres — seedstore, ledger, payments — takes
// a *pgxpool.Pool obtained from Service.Pool, never opens its own.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Service is the health-checkable, closeable handle to the connection pool.
type Service interface {
	// Health reports the pool's liveness and a few gauges, in the shape the
	// /healthz handler returns verbatim.
	Health() map[string]string

	// Pool exposes the underlying pgx pool for every other package's
	// transactional queries.
	Pool() *pgxpool.Pool

	// Close releases the pool. Safe to call once during shutdown.
	Close() error
}

var (
	database = os.Getenv("DB_DATABASE")
	password = os.Getenv("DB_PASSWORD")
	username = os.Getenv("DB_USERNAME")
	port     = os.Getenv("DB_PORT")
	host     = os.Getenv("DB_HOST")
)

type service struct {
	pool *pgxpool.Pool
}

var dbInstance *service

// New returns the process-wide Service, opening the pool on first call.
// Connection parameters are read from DB_DATABASE/DB_PASSWORD/DB_USERNAME/
// DB_HOST/DB_PORT into package variables at package init; tests point it at
// an ephemeral container by overwriting those variables before the first New().
func New() Service {
	if dbInstance != nil {
		return dbInstance
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", username, password, host, port, database)

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		log.Fatalf("database: parse connection string: %v", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 25
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.MaxConnLifetime = 2 * time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		log.Fatalf("database: open pool: %v", err)
	}

	dbInstance = &service{pool: pool}
	return dbInstance
}

func (s *service) Pool() *pgxpool.Pool { return s.pool }

// Health pings the pool and reports a handful of gauges alongside the
// liveness verdict. A failed ping returns status=down with the error
// message rather than panicking — the health endpoint must always respond.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Printf("database: health check failed: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := s.pool.Stat()
	stats["acquired_conns"] = strconv.Itoa(int(poolStats.AcquiredConns()))
	stats["idle_conns"] = strconv.Itoa(int(poolStats.IdleConns()))
	stats["total_conns"] = strconv.Itoa(int(poolStats.TotalConns()))
	stats["max_conns"] = strconv.Itoa(int(poolStats.MaxConns()))

	return stats
}

// Close releases the pool. Idempotent.
func (s *service) Close() error {
	if s.pool == nil {
		return nil
	}
	log.Printf("database: closing pool for %s@%s", database, host)
	s.pool.Close()
	return nil
}

// migrator opens a database/sql handle over the same connection parameters
// New uses and wraps it in a golang-migrate instance rooted at
// migrationsPath. Migrations run over database/sql rather than the pgx pool
// because golang-migrate's postgres driver owns its own connection and
// advisory lock, independent of pgxpool's lifecycle.
func migrator(migrationsPath string) (*migrate.Migrate, *sql.DB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", username, password, host, port, database)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("database: open migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database: init migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database: init migrator: %w", err)
	}
	return m, db, nil
}

// RunMigrations applies every pending migration under migrationsPath.
func RunMigrations(migrationsPath string) error {
	m, db, err := migrator(migrationsPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: run migrations: %w", err)
	}
	return nil
}

// RollbackMigration reverts exactly one migration step.
func RollbackMigration(migrationsPath string) error {
	m, db, err := migrator(migrationsPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: rollback migration: %w", err)
	}
	return nil
}

// GetMigrationVersion reports the current schema version and whether the
// last migration left the database in a dirty (partially-applied) state.
func GetMigrationVersion(migrationsPath string) (uint, bool, error) {
	m, db, err := migrator(migrationsPath)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("database: read migration version: %w", err)
	}
	return version, dirty, nil
}
