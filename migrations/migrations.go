// Package migrations embeds SQL migration files and provides functions to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS

// Commands lists the supported migration commands in help order.
var Commands = []struct{ Name, Help string }{
	{"up", "Migrate to the latest version"},
	{"up-one", "Migrate one version up"},
	{"down", "Roll back one version"},
	{"redo", "Roll back and re-apply the latest version"},
	{"status", "Show migration status"},
	{"version", "Show current version"},
	{"reset", "Roll back all migrations"},
}

// Run applies all pending migrations to the given database.
func Run(db *sql.DB) error {
	return Exec(db, "up")
}

// Exec runs a single goose command against db.
func Exec(db *sql.DB, command string) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	var err error
	switch command {
	case "up":
		err = goose.Up(db, ".")
	case "up-one":
		err = goose.UpByOne(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "redo":
		err = goose.Redo(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	case "reset":
		err = goose.Reset(db, ".")
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
