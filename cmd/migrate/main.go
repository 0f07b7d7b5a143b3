package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/developer-mesh/context-engine/pkg/config"
	"github.com/developer-mesh/context-engine/pkg/migrations"
	"github.com/developer-mesh/context-engine/pkg/observability"
)

var (
	upFlag      = flag.Bool("up", false, "Run migrations up")
	downFlag    = flag.Bool("down", false, "Roll back all migrations")
	versionFlag = flag.Bool("version", false, "Show current migration version")
	forceFlag   = flag.Int("force", -1, "Force migration version")
	steps       = flag.Int("steps", 0, "Number of migrations to apply; negative rolls back")

	dsn        = flag.String("dsn", "", "Database connection string (defaults to storage.postgres.dsn)")
	configPath = flag.String("config", "", "Path to the configuration file")
)

func main() {
	flag.Parse()

	if *dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		*dsn = cfg.Storage.Postgres.DSN
	}
	if *dsn == "" {
		fmt.Println("Error: -dsn or storage.postgres.dsn is required")
		flag.Usage()
		os.Exit(1)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	manager, err := migrations.NewManager(db, observability.NewLogger("migrate"))
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer manager.Close()

	switch {
	case *versionFlag:
		version, dirty, err := manager.Version()
		if err != nil {
			log.Fatalf("Failed to get migration version: %v", err)
		}
		fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
	case *forceFlag >= 0:
		if err := manager.Force(*forceFlag); err != nil {
			log.Fatalf("Failed to force version: %v", err)
		}
		fmt.Printf("Forced migration version to %d\n", *forceFlag)
	case *steps != 0:
		if err := manager.Steps(*steps); err != nil {
			log.Fatalf("Failed to apply %d steps: %v", *steps, err)
		}
		fmt.Println("Migration steps applied")
	case *downFlag:
		if err := manager.Down(); err != nil {
			log.Fatalf("Failed to roll back migrations: %v", err)
		}
		fmt.Println("Migrations rolled back")
	case *upFlag:
		if err := manager.Up(); err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		fmt.Println("Migrations applied")
	default:
		flag.Usage()
		os.Exit(2)
	}
}
