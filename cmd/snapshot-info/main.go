// snapshot-info prints the run metadata and per-table row counts of a
// downloaded snapshot database.
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var path string
	pflag.StringVarP(&path, "db", "d", "address.db", "snapshot database to inspect")
	pflag.Parse()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read snapshot: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer db.Close()

	var start, end sql.NullString
	err = db.QueryRow("SELECT start_time, end_time FROM metadata WHERE id = 1").Scan(&start, &end)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fmt.Println("run: no metadata recorded")
	case err != nil:
		return fmt.Errorf("failed to read run metadata: %w", err)
	default:
		fmt.Printf("run started %s, finished %s\n", orDash(start), orDash(end))
	}

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Table", "Rows"})
	for _, name := range names {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + name).Scan(&n); err != nil {
			return fmt.Errorf("failed to count %s: %w", name, err)
		}
		table.Append([]string{name, strconv.Itoa(n)})
	}
	table.Render()
	return nil
}

func orDash(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return "-"
}
