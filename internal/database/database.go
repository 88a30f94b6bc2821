package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DBConn struct {
	conn   *sql.DB
	driver string
}

func NewDatabaseConnection(driver, dsn string) (*DBConn, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &DBConn{conn: db, driver: driver}, nil
}

func (db *DBConn) Driver() string {
	return db.driver
}

func (db *DBConn) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DBConn) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
