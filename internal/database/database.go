package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aiennonprofit/pumpkin-voting/internal/store/gormstore"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"

	schemePostgres      = "postgres://"
	schemePostgresLong  = "postgresql://"
	schemeSQLite        = "sqlite://"
	sqliteMemoryPath    = ":memory:"
	defaultSQLiteFile   = "pumpkins.db"
	sqliteDirectoryMode = 0o755
)

// ErrEmptyDSN is returned when no connection string is configured.
var ErrEmptyDSN = errors.New("database url is required")

// Target is the resolved form of a connection string.
type Target struct {
	Driver     Driver
	DSN        string
	SQLitePath string
}

// Resolve maps a connection string to a driver. postgres:// and postgresql:// select
// PostgreSQL; sqlite:// URLs and bare paths select SQLite.
func Resolve(dsn string) (Target, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Target{}, ErrEmptyDSN
	}
	if strings.HasPrefix(dsn, schemePostgres) || strings.HasPrefix(dsn, schemePostgresLong) {
		return Target{Driver: DriverPostgres, DSN: dsn}, nil
	}
	path := dsn
	if strings.HasPrefix(dsn, schemeSQLite) {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return Target{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
	}
	sqlitePath, err := normalizeSQLitePath(path)
	if err != nil {
		return Target{}, err
	}
	return Target{Driver: DriverSQLite, DSN: dsn, SQLitePath: sqlitePath}, nil
}

// Open connects gorm to the resolved target. SQLite is limited to one connection so writers
// never race for the file lock. The returned cleanup closes the pool.
func Open(ctx context.Context, target Target, config *gorm.Config) (*gorm.DB, func() error, error) {
	if config == nil {
		config = &gorm.Config{}
	}
	var (
		db  *gorm.DB
		err error
	)
	switch target.Driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(target.DSN), config)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(target.SQLitePath), config)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", target.Driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if target.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

// OpenPool connects a pgx pool for the raw PostgreSQL store.
func OpenPool(ctx context.Context, target Target) (*pgxpool.Pool, error) {
	if target.Driver != DriverPostgres {
		return nil, fmt.Errorf("pgx store requires a postgres url, got %q", target.Driver)
	}
	pool, err := pgxpool.New(ctx, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	return pool, nil
}

// Migrate creates or updates every table the stores use.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryPath {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), sqliteDirectoryMode); err != nil {
		return "", err
	}
	return path, nil
}
