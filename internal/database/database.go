// Package database opens the orchestrator's SQLite store and applies schema
// migrations. glebarez/sqlite is used so the daemon builds without CGO.
package database

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	gormlog "github.com/thomas-tacquet/gormv2-logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Open creates (if needed) and opens the SQLite database at path with WAL
// journaling and a busy timeout, returning a gorm handle that logs through
// logrus.
func Open(path string, busyTimeoutMS int) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create directory for sqlite database at %s", path)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMS)

	ormLevel := logger.Warn
	if log.GetLevel() >= log.DebugLevel {
		ormLevel = logger.Info
	}
	gormLogger := gormlog.NewGormlog(
		gormlog.WithLogrusEntry(log.WithField("component", "gorm")),
		gormlog.WithGormOptions(gormlog.GormOptions{
			LogLatency: true,
			LogLevel:   ormLevel,
		}),
	)

	log.Debugln("Opening connection to sqlite DB", dsn)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database at %s", path)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *gorm.DB) error {
	sqldb, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql.DB from gorm")
	}
	return migrateSQL(sqldb)
}

func migrateSQL(sqldb *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Wrap(err, "set goose dialect")
	}
	if err := goose.Up(sqldb, "migrations"); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Shutdown closes the underlying sql.DB.
func Shutdown(db *gorm.DB) error {
	sqldb, err := db.DB()
	if err != nil {
		log.Errorln("Failure when getting database instance from gorm:", err)
		return err
	}
	if err := sqldb.Close(); err != nil {
		log.Errorln("Failure when shutting down the database:", err)
		return err
	}
	return nil
}
