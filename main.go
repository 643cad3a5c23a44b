package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cfg "github.com/example/lakebase/internal/config"
	"github.com/example/lakebase/internal/credential"
	"github.com/example/lakebase/internal/lakebase"
	"github.com/example/lakebase/internal/migrations"
)

type App struct {
	DB             Database
	APIKeyHash     string
	AllowedOrigins []string
	rateLimiter    *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write json")
	}
}

// Router wires the middleware chain and the routes.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(RequestID)
	r.Use(a.Logging)
	r.Use(Recover)
	r.Use(SecurityHeaders)
	r.Use(a.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	// API v1 routes with authentication and rate limiting
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.APIKeyAuth)
	v1.Use(a.RateLimit)

	v1.HandleFunc("/query", a.HandleQuery).Methods("POST", "OPTIONS")
	v1.HandleFunc("/metrics", a.HandleMetrics).Methods("GET")
	v1.HandleFunc("/orders/recent", a.HandleRecentOrders).Methods("GET")
	v1.HandleFunc("/products/inventory", a.HandleInventory).Methods("GET")
	v1.HandleFunc("/revenue/daily", a.HandleDailyRevenue).Methods("GET")
	v1.HandleFunc("/products", a.HandleCreateProduct).Methods("POST", "OPTIONS")
	v1.HandleFunc("/users", a.HandleCreateUser).Methods("POST", "OPTIONS")

	return r
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogging(c.LogLevel)

	provider := credential.NewProvider(c.IdentityClient(), c.RefreshInterval, log.Logger)
	factory, err := lakebase.NewFactory(c.Connection(), provider, c.OperationTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("lakebase init")
	}
	log.Info().
		Stringer("target", c.Connection()).
		Dur("token_refresh_interval", c.RefreshInterval).
		Bool("static_credential", c.UsesStaticPassword()).
		Msg("configured lakebase connection")

	if c.ApplyMigrations {
		log.Info().Str("dir", c.MigrationsDir).Msg("applying database migrations")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := migrations.Apply(ctx, factory, c.MigrationsDir, log.Logger)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("migrations")
		}
	}

	app := &App{
		DB:             lakebaseDB{factory: factory},
		APIKeyHash:     c.APIKeyHash,
		AllowedOrigins: c.AllowedOrigins,
		rateLimiter:    NewRateLimiter(c.RateLimit),
	}

	srv := &http.Server{Handler: app.Router(), Addr: "0.0.0.0:" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 30 * time.Second}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("shutdown failed")
	}
	log.Info().Msg("server exited properly")
}
