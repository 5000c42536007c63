package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/leadengine/internal/api"
	"github.com/ignite/leadengine/internal/app"
	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/outbox"
	"github.com/ignite/leadengine/internal/pkg/logger"
	"github.com/ignite/leadengine/internal/service/ledger"
	"golang.org/x/sync/errgroup"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

// extractHost returns the host part of a Postgres URL for logging without
// the credentials.
func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Lead Engine Server (cmd/server/main.go)                   ║")
	log.Println("║  API, cadence sweep and ledger relay                       ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Startup aborted: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open runtime: %v", err)
	}
	defer a.Close()

	switch cfg.Database.Driver {
	case "postgres":
		log.Printf("Database: postgres at %s", extractHost(cfg.Database.DSN))
	default:
		log.Printf("Database: sqlite at %s", cfg.Database.Path)
	}
	applied, err := a.Store.Migrate(ctx)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if len(applied) > 0 {
		log.Printf("Applied migrations: %s", strings.Join(applied, ", "))
	}
	if a.Redis != nil {
		log.Printf("Redis: connected at %s", cfg.Redis.Addr)
	} else {
		log.Println("Redis: disabled, suppression cache off")
	}

	health := api.NewHealthChecker(a.Store.DB(), a.Redis, cfg.Kafka.Enabled)
	server := api.NewServer(cfg.Server, api.NewHandlers(a.Services(), health))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Listening on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log.Println("Shutting down server...")
		return server.Shutdown(shutdownCtx)
	})

	if a.Dispatcher != nil {
		g.Go(func() error {
			return runSweeps(gctx, a, cfg.Cadence.SweepInterval())
		})
	} else {
		log.Println("Cadence: no delivery collaborator configured, sweeps disabled")
	}

	if cfg.Kafka.Enabled {
		writer := outbox.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer writer.Close()
		relay := outbox.NewRelay(a.Store, writer, outbox.WithBatchSize(cfg.Kafka.BatchSize))
		g.Go(func() error {
			log.Printf("Outbox: relaying ledger to %s on %v", cfg.Kafka.Topic, cfg.Kafka.Brokers)
			return relay.Run(gctx, cfg.Kafka.Interval())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server stopped: %v", err)
	}
	log.Println("Server stopped")
}

// runSweeps runs one cadence sweep per tick until ctx ends. A failed sweep
// is logged and retried on the next tick.
func runSweeps(ctx context.Context, a *app.App, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("Cadence: sweeping every %v", interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := a.Ledger.Run(ctx, "sweep", func(ctx context.Context) (*ledger.Result, error) {
				rep, err := a.Cadence.Sweep(ctx, time.Now().UTC(), a.Dispatcher)
				if err != nil {
					return nil, err
				}
				return &ledger.Result{Summary: rep, Partial: len(rep.Failed) > 0}, nil
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("cadence sweep failed", "error", err)
			}
		}
	}
}
