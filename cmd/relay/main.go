package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ageniuscoder/corelink/internal/config"
	"github.com/ageniuscoder/corelink/internal/logger"
	"github.com/ageniuscoder/corelink/internal/relay"
	"github.com/gin-gonic/gin"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	cfg := config.MustLoad()
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}
	logg := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(relay.Options{RPS: cfg.RelayRPS, Burst: cfg.RelayBurst, Log: logg})
	go hub.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           relay.NewRouter(hub, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logg.Info("relay listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		logg.Warn("shutdown", "err", err)
	}
	logg.Info("relay stopped")
}
