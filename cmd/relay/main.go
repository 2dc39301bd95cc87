// Command relay runs the reference server: it hosts one Hub per document,
// validating and rebroadcasting ClientEdits to every connected participant.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wikisync/core/internal/config"
	"github.com/wikisync/core/internal/obslog"
	"github.com/wikisync/core/internal/relay"
	"github.com/wikisync/core/internal/store"
)

func main() {
	var (
		envFile = flag.String("env-file", ".env", "dotenv file to load, if present")
		env     = flag.String("env", "", "environment name (dev, prod); overrides ENV")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile, *env)
	if err != nil {
		panic(err)
	}

	log, err := obslog.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting relay", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.Open(cfg.DatabaseURL, log)
		if err != nil {
			log.Warn("database unavailable, running in-memory only", zap.Error(err))
			st = nil
		} else {
			defer st.Close()
			log.Info("connected to database")
		}
	} else {
		log.Info("no DATABASE_URL set, running in-memory only")
	}

	metrics := relay.NewMetrics(prometheus.DefaultRegisterer)
	server := relay.NewServer(log, metrics, st)

	mux := http.NewServeMux()
	mux.HandleFunc("/document", server.HandleDocument)
	mux.HandleFunc("/ws", server.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("relay listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("relay exited", zap.Error(err))
	}
}
