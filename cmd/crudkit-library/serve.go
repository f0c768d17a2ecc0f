package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crudkit/crudkit/cache"
	"github.com/crudkit/crudkit/examples/library/app"
	"github.com/crudkit/crudkit/logging"
	"github.com/crudkit/crudkit/openapi"
	"github.com/crudkit/crudkit/server"
)

var serveAPIKey string

func init() {
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "API key guarding the evaluation endpoints (empty disables the guard)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the library example server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if _, err := logging.Init(cfg.Log); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		em, closeDB, err := buildEntityManager(cfg.DB)
		if err != nil {
			return err
		}

		var store cache.Store
		if cfg.Redis.Addr != "" {
			store, err = cache.DialRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cache.Config{TTL: cfg.Redis.TTL})
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
		}

		mux, _ := app.BuildHandler(em, app.Options{
			CacheStore: store,
			CacheTTL:   cfg.Redis.TTL,
			APIKey:     serveAPIKey,
			Doc:        openapi.Info{Title: "Library API", Version: Version},
		})

		srv, err := server.New(cfg, withRequestID(mux))
		if err != nil {
			return err
		}
		if closeDB != nil {
			srv.OnShutdown(func(context.Context) error { return closeDB() })
		}
		if store != nil {
			srv.OnShutdown(func(context.Context) error { return store.Close() })
		}
		return srv.Run()
	},
}

// withRequestID seeds the trace header for requests arriving without one,
// and mirrors it back so clients can correlate responses with log lines.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(logging.TraceHeaderKey)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(logging.TraceHeaderKey, id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
