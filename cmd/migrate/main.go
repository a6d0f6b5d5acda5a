package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tenantgate.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn             = flag.String("dsn", os.Getenv("TENANTGATE_PG_DSN"), "PostgreSQL DSN")
		migrationsTable = flag.String("migrations-table", "", "Override the schema_migrations table name")
		seedsTable      = flag.String("seeds-table", "", "Override the schema_seeds table name")
		timeout         = flag.Duration("timeout", 30*time.Second, "Overall command timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TENANTGATE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|version]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mgr, err := migrate.Open(*dsn,
		migrate.WithMigrationsTable(*migrationsTable),
		migrate.WithSeedsTable(*seedsTable),
	)
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	err = runCommand(ctx, mgr, flag.Arg(0))
	if cerr := mgr.Close(); cerr != nil {
		log.Printf("close: %v", cerr)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func runCommand(ctx context.Context, mgr *migrate.Manager, cmd string) error {
	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNoMigrations) {
			fmt.Println("nothing to roll back")
			return nil
		}
		return err
	case "seed":
		return mgr.Seed(ctx)
	case "version":
		v, dirty, err := mgr.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d dirty=%t\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
