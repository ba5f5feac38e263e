// Command gate-migrate applies or rolls back the gate server schema.
//
//	gate-migrate up
//	gate-migrate down
//	gate-migrate to 1
//	gate-migrate version
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"ms-gatescan/internal/config"
	"ms-gatescan/internal/database/migrations"
	"ms-gatescan/internal/logger"
)

func main() {
	log := logger.NewLogger("gate-migrate")
	defer log.Close()

	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}

	runner := migrations.NewRunner(sqldb, migrations.Options{Dir: cfg.Database.MigrationsDir}, log)
	defer runner.Close()

	switch command {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "to":
		if len(os.Args) < 3 {
			log.Fatal("MIGRATE", "usage: gate-migrate to <version>")
		}
		var v uint64
		v, err = strconv.ParseUint(os.Args[2], 10, 32)
		if err == nil {
			err = runner.To(uint(v))
		}
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = runner.Version()
		if err == nil {
			fmt.Printf("%d dirty=%t\n", version, dirty)
		}
	default:
		log.Fatal("MIGRATE", fmt.Sprintf("unknown command %q (want up, down, to, version)", command))
	}
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
}
