package main

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sethuramanv/payrecon/internal/api"
	"github.com/sethuramanv/payrecon/internal/config"
	"github.com/sethuramanv/payrecon/internal/metrics"
	"github.com/sethuramanv/payrecon/internal/service"
	"github.com/sethuramanv/payrecon/internal/store"
	"github.com/sethuramanv/payrecon/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	if err := runMigrations(cfg.DBSource); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	db, err := store.New(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Layers
	recorder := metrics.NewRecorder(nil)
	reconciler := service.NewReconciler(db, db, recorder)
	handler := api.NewHandler(reconciler, db)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	log.Printf("Server starting on :%s (env=%s)", cfg.Port, cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}

func runMigrations(dbSource string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dbSource))
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// migrateURL rewrites the pool connection string onto the scheme the migrate
// pgx/v5 driver registers.
func migrateURL(dbSource string) string {
	if rest, ok := strings.CutPrefix(dbSource, "postgresql://"); ok {
		return "pgx5://" + rest
	}
	if rest, ok := strings.CutPrefix(dbSource, "postgres://"); ok {
		return "pgx5://" + rest
	}
	return dbSource
}
