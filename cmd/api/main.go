package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"brokercore.org/internal/billing"
	"brokercore.org/internal/httpapi"
	"brokercore.org/internal/obs"
	"brokercore.org/internal/store/pg"
	"brokercore.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("BROKERCORE_COMMIT"))

	addr := os.Getenv("BROKERCORE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// Postgres when a DSN is set, in-memory otherwise (local development).
	var store billing.Store
	var probe httpapi.ReadyProbe
	if dsn := os.Getenv("BROKERCORE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		store = billing.NewInMemory()
	}

	svc := billing.NewService(store,
		billing.WithModel(os.Getenv("BROKERCORE_BILLING_MODEL")),
	)

	api := httpapi.New(probe, version, svc, stream.New())
	api.ConfigureRateLimit(
		envInt("BROKERCORE_RATE_BURST"),
		envInt("BROKERCORE_RATE_PER_SEC"),
	)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: the invoice event stream holds its response open.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting brokercore-api %s on %s (model=%s)", version, srv.Addr, svc.Model())
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// envInt reads a positive integer from the environment, 0 when unset or bad.
func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
