package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ageniuscoder/corelink/internal/api"
	"github.com/ageniuscoder/corelink/internal/auth"
	"github.com/ageniuscoder/corelink/internal/builtin"
	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/collab"
	"github.com/ageniuscoder/corelink/internal/config"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/core"
	"github.com/ageniuscoder/corelink/internal/notify"
	"github.com/ageniuscoder/corelink/internal/secure"
	"github.com/ageniuscoder/corelink/internal/storage/postgres"
	"github.com/ageniuscoder/corelink/internal/storage/sqlite"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type database interface {
	Migrate() error
	Close() error
}

func openStore(cfg config.Config) (database, *sql.DB, string, error) {
	switch cfg.StorageDriver {
	case "postgres":
		db, err := postgres.New(cfg.PostgresDsn)
		if err != nil {
			return nil, nil, "", err
		}
		return db, db.Db, postgres.DriverName, nil
	default:
		db, err := sqlite.New(cfg.SQLITEDsn)
		if err != nil {
			return nil, nil, "", err
		}
		return db, db.Db, sqlite.DriverName, nil
	}
}

// app owns every long-lived piece of an agent process.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	db      database
	store   *collab.Manager
	session *core.Session
	events  chan string
	servers []*http.Server
}

func newApp(cfg config.Config, log *slog.Logger) (*app, error) {
	if err := cfg.RequireAgent(); err != nil {
		return nil, err
	}
	db, sqlDB, driver, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		store:  collab.NewManager(sqlDB, driver, clock.System{}, log),
		events: make(chan string, 64),
	}

	opts := core.Options{
		Device:   cfg.Device,
		Token:    auth.Source(cfg.JWTSecret, cfg.UserID, cfg.JWTTTL()),
		Sharer:   a.store,
		Notifier: a.notifier(),
		Backoff: connection.Backoff{
			Base: cfg.ReconnectBase,
			Cap:  cfg.ReconnectCap,
			Max:  cfg.ReconnectMax,
		},
		Heartbeat: capability.HeartbeatOptions{
			Interval:  cfg.HeartbeatInterval,
			Timeout:   cfg.HeartbeatTimeout,
			Threshold: cfg.ErrorThreshold,
		},
		CallTimeout:   cfg.CallTimeout,
		RetryInterval: cfg.RetryInterval,
		RetryWindow:   cfg.RetryWindow,
		HistoryCap:    cfg.HistoryCap,
		PresenceSweep: cfg.PresenceSweepCron,
		PresenceTTL:   cfg.PresenceTTL,
		Servers:       cfg.Descriptors(),
		Log:           log,
	}
	if cfg.EncryptionSecret != "" {
		gw, err := secure.NewAEAD(cfg.EncryptionSecret, "corelink")
		if err != nil {
			db.Close()
			return nil, err
		}
		opts.Gateway = gw
	}
	if cfg.ServeID != "" {
		opts.Providers = append(opts.Providers, builtin.New(cfg.ServeID, clock.System{}, a.status))
	}

	a.session = core.New(&transport.WebSocketDialer{Log: log}, opts)
	a.session.OnMessage(a.onMessage)
	a.session.OnFatal(func(err error) {
		a.emit("relay unreachable: " + err.Error())
	})
	return a, nil
}

func (a *app) notifier() notify.Notifier {
	n := notify.Multi{notify.LogNotifier{Log: a.log}}
	if a.cfg.SendGridAPIKey != "" && a.cfg.SendGridFrom != "" && a.cfg.AlertEmail != "" {
		n = append(n, notify.NewEmail(a.cfg.SendGridAPIKey, a.cfg.SendGridFrom, a.cfg.AlertEmail, ""))
	}
	return n
}

func (a *app) status() any {
	q := a.session.QueueState()
	return gin.H{
		"user":       a.session.UserID(),
		"connection": a.session.ConnectionStatus(),
		"servers":    len(a.session.Servers()),
		"pending":    len(q.Pending),
		"failed":     len(q.Failed),
	}
}

func (a *app) onMessage(m wire.Message) {
	text := string(m.Data)
	var body struct {
		Text string `json:"text"`
	}
	if m.DecodeData(&body) == nil && body.Text != "" {
		text = body.Text
	}
	a.emit(fmt.Sprintf("%s [%s] %s", m.From, m.Type, text))
}

// emit feeds the console; lines are dropped when nobody reads them.
func (a *app) emit(line string) {
	select {
	case a.events <- line:
	default:
	}
}

// start connects to the relay and opens the local HTTP listeners. A relay that
// is down is retried in the background; configured servers are connected by
// the session each time the relay comes up.
func (a *app) start(ctx context.Context) error {
	if err := a.session.Initialize(ctx, a.cfg.UserID, a.cfg.RelayURL); err != nil {
		if !transport.IsConnectionError(err) {
			return err
		}
		a.log.Warn("relay not reachable yet, retrying in background", "url", a.cfg.RelayURL, "err", err)
	}

	gin.SetMode(gin.ReleaseMode)
	a.serve("api", a.cfg.Addr, api.NewRouter(api.Service{Session: a.session, Store: a.store}))
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.serve("metrics", a.cfg.MetricsAddr, mux)
	}
	return nil
}

func (a *app) serve(name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	a.servers = append(a.servers, srv)
	go func() {
		a.log.Info("listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("listener failed", "server", name, "err", err)
		}
	}()
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range a.servers {
		_ = srv.Shutdown(ctx)
	}
	a.session.Dispose()
	if err := a.db.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
}
