package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ourhour.org/internal/auth"
	"ourhour.org/internal/chat"
	"ourhour.org/internal/config"
	"ourhour.org/internal/grpcauth"
	"ourhour.org/internal/httpapi"
	"ourhour.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().WithError(err).Fatal("load config")
	}
	log := obs.InitLogger(obs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	obs.Init()
	if cfg.Server.Version != "" && cfg.Server.Version != "dev" {
		version = cfg.Server.Version
	}
	obs.InitBuildInfo(version, commit)

	// Postgres when a DSN is configured, in-memory stores otherwise.
	var (
		db        *sql.DB
		sessions  auth.SessionStore
		directory auth.Directory
	)
	if cfg.Database.DSN != "" {
		db, err = sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Fatal("open db")
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store := auth.NewPGStore(db)
		sessions, directory = store, store
	} else {
		log.Warn("database.dsn not set: using in-memory stores")
		store := auth.NewMemoryStore()
		sessions, directory = store, store
	}

	codec, err := auth.NewCodec([]byte(cfg.Auth.Secret),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithStreamTTL(cfg.Auth.StreamTTL),
		auth.WithLeeway(cfg.Auth.Leeway),
	)
	if err != nil {
		log.WithError(err).Fatal("token codec")
	}
	svc, err := auth.NewService(codec, sessions, directory)
	if err != nil {
		log.WithError(err).Fatal("auth service")
	}

	sameSite, err := httpapi.ParseSameSite(cfg.Auth.CookieSameSite)
	if err != nil {
		log.WithError(err).Fatal("cookie config")
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		log.WithError(err).Fatal("ratelimit config")
	}

	bridgeOpts := []chat.BridgeOption{chat.WithBridgeLogger(log)}
	if cfg.Chat.EnforceExpiry {
		bridgeOpts = append(bridgeOpts, chat.WithExpiryEnforcement())
	}
	hub := chat.NewHub()
	chatServer := chat.NewServer(chat.NewBridge(codec, bridgeOpts...), hub,
		chat.WithOriginPatterns(cfg.Chat.OriginPatterns...))

	api := httpapi.New(httpapi.Deps{
		Service:         svc,
		Hub:             hub,
		Chat:            chatServer,
		Ready:           httpapi.ReadyProbe{DB: db},
		Version:         version,
		Cookies:         httpapi.CookieConfig{Secure: cfg.Auth.CookieSecure, SameSite: sameSite},
		SignInBurst:     cfg.RateLimit.SignInBurst,
		SignInPerSecond: cfg.RateLimit.SignInPerSecond,
		TrustedProxies:  proxies,
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcauth.UnaryServerInterceptor(codec, grpcauth.WithPublicMethods(healthpb.Health_Check_FullMethodName))),
		grpc.StreamInterceptor(grpcauth.StreamServerInterceptor(codec, grpcauth.WithPublicMethods(healthpb.Health_Check_FullMethodName))),
	)
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("grpc listen")
	}

	log.WithFields(logrus.Fields{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.Server.GRPCAddr,
	}).Info("starting ourhour-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http listen")
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Fatal("grpc serve")
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	obs.SetReady(false)
	healthServer.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Info("stopped")
}
