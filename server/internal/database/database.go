// Package database opens the queue's GORM connection on SQLite or Postgres
// and migrates the schema.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/logger"
	"github.com/obot-platform/leadqueue/server/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlitePragmas are applied on every pooled connection. WAL lets the event
// poller read while an assignment commits; busy_timeout turns writer
// contention into a wait instead of SQLITE_BUSY.
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

type poolSize struct{ open, idle int }

var pools = map[string]poolSize{
	DriverSQLite:   {open: 4, idle: 4},
	DriverPostgres: {open: 25, idle: 5},
}

// DB is the shared connection plus the driver it was opened with.
type DB struct {
	*gorm.DB
	Driver string
	log    *zap.Logger
}

// New opens the database named by cfg.DatabaseDSN.
func New(cfg *config.Config, log *zap.Logger) (*DB, error) {
	log = logger.OrNop(log).Named("database")

	dialector, err := open(cfg.DatabaseDriver, cfg.CleanDSN())
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		// Slow queries and errors only
		Logger: gormlogger.New(logger.StdLog(log), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.DatabaseDriver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	pool := pools[cfg.DatabaseDriver]
	sqlDB.SetMaxOpenConns(pool.open)
	sqlDB.SetMaxIdleConns(pool.idle)

	return &DB{DB: db, Driver: cfg.DatabaseDriver, log: log}, nil
}

func open(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverSQLite:
		path := strings.TrimPrefix(dsn, "file:")
		if !strings.HasPrefix(path, ":memory:") {
			dir := filepath.Dir(path)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
		return sqlite.Open(withPragmas(path)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// withPragmas appends sqlitePragmas unless the DSN already sets its own.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return dsn + "?" + sqlitePragmas
}

// Migrate creates or updates every table the queue uses.
func (db *DB) Migrate() error {
	models := model.AllModels()
	db.log.Info("migrating schema", zap.Int("tables", len(models)))
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (db *DB) IsPostgres() bool { return db.Driver == DriverPostgres }

func (db *DB) IsSQLite() bool { return db.Driver == DriverSQLite }

// Close closes the connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
