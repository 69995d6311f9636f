// check_conn opens every database in databases.json and pings it, so a
// deployment can be verified before the server is started.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"sqlgate/internal/config"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	path := "databases.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	databases, err := config.LoadDatabases(path)
	if err != nil {
		fmt.Printf("cannot load %s: %v\n", path, err)
		os.Exit(1)
	}

	failed := 0
	for name, dbCfg := range databases {
		if err := ping(dbCfg.Driver, dbCfg.DSN); err != nil {
			fmt.Printf("FAIL %-20s %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("OK   %-20s (%s)\n", name, dbCfg.Driver)
	}

	if failed > 0 {
		fmt.Printf("%d of %d databases unreachable\n", failed, len(databases))
		os.Exit(1)
	}
}

func ping(driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
