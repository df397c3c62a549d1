// journal-migrate copies the command journal from SQLite to PostgreSQL.
//
// Usage:
//
//	go run ./cmd/journal-migrate \
//	    -sqlite data/journal.db \
//	    -pg-host localhost \
//	    -pg-port 5432 \
//	    -pg-user cogserver \
//	    -pg-password cogserver \
//	    -pg-database cogserver
package main

import (
	"context"
	"flag"
	"log"

	"github.com/opencog/cogserver-net/internal/database"
)

func main() {
	sqlitePath := flag.String("sqlite", "data/journal.db", "Path to SQLite database")
	pgHost := flag.String("pg-host", "localhost", "PostgreSQL host")
	pgPort := flag.Int("pg-port", 5432, "PostgreSQL port")
	pgUser := flag.String("pg-user", "cogserver", "PostgreSQL user")
	pgPassword := flag.String("pg-password", "cogserver", "PostgreSQL password")
	pgDatabase := flag.String("pg-database", "cogserver", "PostgreSQL database name")
	pgSSLMode := flag.String("pg-sslmode", "disable", "PostgreSQL SSL mode")
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	log.Println("Journal Migration Tool")
	log.Println("======================")

	log.Printf("Opening SQLite database: %s", *sqlitePath)
	src, err := database.Open(*sqlitePath)
	if err != nil {
		log.Fatalf("Failed to open SQLite database: %v", err)
	}
	defer src.Close()

	pg := database.DefaultPostgresConfig()
	pg.Host = *pgHost
	pg.Port = *pgPort
	pg.User = *pgUser
	pg.Password = *pgPassword
	pg.Database = *pgDatabase
	pg.SSLMode = *pgSSLMode

	log.Printf("Opening PostgreSQL database: %s@%s:%d/%s", *pgUser, *pgHost, *pgPort, *pgDatabase)
	dst, err := database.OpenWithConfig(database.Config{Driver: string(database.DialectPostgres), Postgres: pg})
	if err != nil {
		log.Fatalf("Failed to open PostgreSQL database: %v", err)
	}
	defer dst.Close()

	if *dryRun {
		log.Println("DRY RUN MODE - No changes will be made")
	}

	ctx := context.Background()
	var copied int64
	err = src.EachJournal(ctx, func(r database.JournalRecord) error {
		copied++
		if *dryRun {
			return nil
		}
		_, err := dst.AppendJournal(ctx, r.Session, r.Remote, r.Line, r.CreatedAt)
		return err
	})
	if err != nil {
		log.Fatalf("Failed to migrate journal after %d rows: %v", copied, err)
	}

	log.Println("======================")
	log.Printf("Migration complete! Total rows migrated: %d", copied)
	if *dryRun {
		log.Println("(DRY RUN - No actual changes were made)")
	}
}
