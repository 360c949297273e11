/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server. Handles configuration,
  dependency injection, background workers, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Initialize SQLite store
  3. Run recovery sweeps (dangling lifecycle links, stale idempotency)
  4. Wire engine components and API handler
  5. Start audit worker, reconciliation healer, reclaim ticker
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, env PORT)
  -db      SQLite database path (default: ledger.db, env LEDGER_DB)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  PORT, LEDGER_DB    Same as the flags
  KAFKA_BROKERS      Comma-separated broker list; unset disables publishing
  API_TOKENS         token=account[:admin] pairs, comma-separated
                     (default: dev-token=dev:admin)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop healer and reclaim ticker
  3. Drain the audit worker
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/events"
	eventskafka "github.com/warp/ledger-engine/events/kafka"
	"github.com/warp/ledger-engine/inventory"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	// Flags
	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envOr("LEDGER_DB", "ledger.db"), "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Engine components
	lifecycle := ledger.NewLifecycle(store)
	balances := ledger.NewBalanceLedger(store)
	guard := ledger.NewGuard(store)
	quota := ledger.NewQuotaTracker(store)
	charges := ledger.NewChargeCoordinator(store, lifecycle, balances, guard, quota)

	coordinator := reconcile.NewCoordinator(store)
	sales := inventory.NewSales(store, charges, coordinator)

	// Recovery sweeps: repair anything a crash left half-done.
	ctx := context.Background()
	if n, err := lifecycle.RecoverDangling(ctx); err != nil {
		log.Printf("Warning: dangling-link recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d dangling lifecycle links", n)
	}
	if n, err := guard.ReclaimStale(ctx); err != nil {
		log.Printf("Warning: idempotency reclaim failed: %v", err)
	} else if n > 0 {
		log.Printf("Reclaimed %d stale idempotency records", n)
	}

	// Event publishing
	var publisher events.Publisher = events.Nop{}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kp := eventskafka.NewPublisher(strings.Split(brokers, ","))
		defer kp.Close()
		publisher = kp
		log.Printf("Publishing events to kafka brokers %s", brokers)
	}

	// Audit worker
	auditWorker := audit.NewWorker(store, 256)
	auditWorker.Start()
	defer auditWorker.Shutdown()

	// Reconciliation healer
	healer := reconcile.NewHealer(store, coordinator)
	healer.OnHealed = func(issue reconcile.Issue) {
		auditWorker.Record(audit.NewEvent(audit.TypeIssueHealed,
			audit.WithAccount(issue.AccountID),
			audit.WithData(issue),
		))
		publisher.Publish(events.TopicIssueHealed, events.IssueStateChanged{
			IssueID:       issue.ID,
			OperationID:   issue.OperationID,
			OperationKind: issue.OperationKind,
			AccountID:     issue.AccountID,
			Status:        string(issue.Status),
			Attempts:      issue.Attempts,
			OccurredAt:    time.Now().UTC(),
		})
	}
	healer.OnFailed = func(issue reconcile.Issue) {
		auditWorker.Record(audit.NewEvent(audit.TypeIssueFailed,
			audit.WithAccount(issue.AccountID),
			audit.WithData(issue),
		))
		publisher.Publish(events.TopicIssueFailed, events.IssueStateChanged{
			IssueID:       issue.ID,
			OperationID:   issue.OperationID,
			OperationKind: issue.OperationKind,
			AccountID:     issue.AccountID,
			Status:        string(issue.Status),
			Attempts:      issue.Attempts,
			OccurredAt:    time.Now().UTC(),
		})
	}
	healer.Start()
	defer healer.Stop()

	// Periodic idempotency reclaim
	reclaimDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := guard.ReclaimStale(context.Background()); err != nil {
					log.Printf("Idempotency reclaim failed: %v", err)
				} else if n > 0 {
					log.Printf("Reclaimed %d stale idempotency records", n)
				}
			case <-reclaimDone:
				return
			}
		}
	}()
	defer close(reclaimDone)

	// Auth
	verifier := loadTokens(ctx, store)

	// API
	handler := &api.Handler{
		Store:     store,
		Lifecycle: lifecycle,
		Balances:  balances,
		Quota:     quota,
		Charges:   charges,
		Sales:     sales,
		Inventory: store,
		Issues:    store,
		Reconcile: coordinator,
		Events:    publisher,
		Audit:     auditWorker,
	}
	router := api.NewRouter(handler, verifier)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Ledger engine listening on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// loadTokens parses API_TOKENS (token=account[:admin], comma-separated) and
// makes sure each referenced account exists.
func loadTokens(ctx context.Context, store *sqlite.Store) api.StaticTokenVerifier {
	raw := os.Getenv("API_TOKENS")
	if raw == "" {
		raw = "dev-token=dev:admin"
		log.Println("API_TOKENS not set, using development token")
	}

	verifier := api.StaticTokenVerifier{}
	for _, pair := range strings.Split(raw, ",") {
		token, rest, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || rest == "" {
			log.Printf("Warning: skipping malformed API_TOKENS entry %q", pair)
			continue
		}
		account, role, _ := strings.Cut(rest, ":")
		principal := api.Principal{
			AccountID: ledger.AccountID(account),
			Admin:     role == "admin",
		}
		verifier[token] = principal

		if _, err := store.GetAccount(ctx, principal.AccountID); err != nil {
			if saveErr := store.SaveAccount(ctx, ledger.Account{
				ID:        principal.AccountID,
				Admin:     principal.Admin,
				CreatedAt: time.Now().UTC(),
			}); saveErr != nil {
				log.Printf("Warning: failed to create account %s: %v", account, saveErr)
			}
		}
	}
	return verifier
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}
