package main

import (
	"database/sql"
	"fmt"

	// SQL engines selected by config.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/crudkit/crudkit/examples/library/app"
	"github.com/crudkit/crudkit/orm"
	"github.com/crudkit/crudkit/orm/memdb"
	"github.com/crudkit/crudkit/orm/sqldb"
	"github.com/crudkit/crudkit/server"
)

// buildEntityManager picks the persistence engine from config. An empty
// driver runs the in-memory engine; "pgx" and "sqlite3" open a SQL
// database. The returned closer is nil for the in-memory engine.
func buildEntityManager(cfg server.DBConfig) (orm.EntityManager, func() error, error) {
	reg := app.NewRegistry()

	switch cfg.Driver {
	case "":
		engine := memdb.New(reg)
		return engine.Manager(), nil, nil
	case "pgx", "sqlite3":
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
		}
		return sqldb.New(db, reg), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q (want pgx, sqlite3 or empty)", cfg.Driver)
	}
}
