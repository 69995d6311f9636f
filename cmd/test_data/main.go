// test_data seeds the customer fixture table used by the integration
// checks: three rows, ids 1..3, one NULL phone and one binary avatar.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"sqlgate/internal/config"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	target := "sampledb"
	if len(os.Args) > 1 {
		target = os.Args[1]
	}

	databases, err := config.LoadDatabases("databases.json")
	if err != nil {
		log.Fatal(err)
	}
	dbCfg, ok := databases[target]
	if !ok {
		log.Fatalf("database %q not in databases.json", target)
	}

	db, err := sql.Open(dbCfg.Driver, dbCfg.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS customer (
		customer_id INTEGER PRIMARY KEY,
		customer_name TEXT NOT NULL,
		phone TEXT,
		avatar BLOB
	)`)
	if err != nil {
		log.Fatal(err)
	}

	rows := []struct {
		id     int
		name   string
		phone  interface{}
		avatar interface{}
	}{
		{1, "Alice Doe", "555-0101", []byte{0x89, 0x50, 0x4e, 0x47}},
		{2, "Bob Smith", nil, nil},
		{3, "Carol King", "555-0103", nil},
	}
	for _, r := range rows {
		_, err = db.Exec(`INSERT OR IGNORE INTO customer (customer_id, customer_name, phone, avatar) VALUES (?, ?, ?, ?)`,
			r.id, r.name, r.phone, r.avatar)
		if err != nil {
			log.Fatal(err)
		}
	}

	fmt.Printf("Fixture table 'customer' seeded in %q (3 rows).\n", target)
}
