package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"parcela.org/internal/config"
	"parcela.org/internal/migrate"
	"parcela.org/internal/obs"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("PARCELA_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	var (
		dsn            = flag.String("dsn", cfg.Postgres.DSN, "PostgreSQL DSN (defaults to $PARCELA_PG_DSN)")
		migrationsPath = flag.String("migrations", cfg.Migrations.Dir, "Path to SQL migrations")
		seedsPath      = flag.String("seeds", cfg.Migrations.SeedsDir, "Path to SQL seeds")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	log := obs.NewLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PARCELA_PG_DSN")
	}
	if flag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalw("open db", "error", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsPath, *seedsPath, migrate.WithLogger(log))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		log.Infow("migrations applied", "count", len(applied))
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingToRollBack) {
			log.Infow("nothing to roll back")
			err = nil
		} else if err == nil {
			log.Infow("rolled back", "name", name)
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		log.Infow("seeds applied", "count", len(applied))
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			fmt.Println(e)
		}
	default:
		log.Fatalw("unknown command", "command", cmd)
	}
	if err != nil {
		log.Fatalw("migrate failed", "command", cmd, "error", err)
	}
}
