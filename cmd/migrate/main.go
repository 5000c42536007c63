package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ignite/leadengine/internal/app"
	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/repository/sqlstore"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	listOnly := flag.Bool("list", false, "list embedded migrations and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if *listOnly {
		all, err := sqlstore.Migrations(sqlstore.Dialect(cfg.Database.Driver))
		if err != nil {
			log.Fatal(err)
		}
		for _, m := range all {
			fmt.Println(" ", m.Version)
		}
		fmt.Printf("Total: %d migrations\n", len(all))
		return
	}

	store, err := app.OpenStore(cfg.Database)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to %s database", store.Dialect())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	applied, err := store.Migrate(ctx)
	for _, v := range applied {
		log.Printf("  OK   %s", v)
	}
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("Done: %d applied", len(applied))
}
