package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/tutorbook/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tutorbook/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

// openStore returns the booking store named by dsn, a health check for it and a cleanup func.
func openStore(ctx context.Context, dsn string) (booking.Store, grpcserver.Check, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	if driver == driverMemory {
		alwaysHealthy := func(ctx context.Context) error { return nil }
		return memstore.New(), alwaysHealthy, func() error { return nil }, nil
	}

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	if driver == driverSQLite {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.WithContext(ctx).AutoMigrate(gormstore.Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	check := func(ctx context.Context) error { return sqlDB.PingContext(ctx) }
	return gormstore.New(db), check, sqlDB.Close, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if dsn == memoryDatabaseURL {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tutorbook.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
