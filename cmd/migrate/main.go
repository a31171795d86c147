// Command migrate applies or rolls back the SQL migrations.
//
//	migrate up
//	migrate down [steps]
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fatal("DATABASE_URL is required")
	}
	if len(os.Args) < 2 {
		fatal("usage: migrate up | migrate down [steps]")
	}

	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		fatal("open migrations: %v", err)
	}
	defer m.Close()

	switch os.Args[1] {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if len(os.Args) > 2 {
			if steps, err = strconv.Atoi(os.Args[2]); err != nil {
				fatal("invalid step count %q", os.Args[2])
			}
		}
		err = m.Steps(-steps)
	default:
		fatal("unknown command %q", os.Args[1])
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fatal("migration failed: %v", err)
	}
	fmt.Println("migrations applied")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "migrate: "+format+"\n", args...)
	os.Exit(1)
}
