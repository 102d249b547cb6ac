package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"smartlibrary/internal/usertoken"
	"smartlibrary/internal/util"
	"smartlibrary/services/lending/internal/bootstrap"
	"smartlibrary/services/lending/internal/config"
	"smartlibrary/services/lending/internal/server"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	logger := util.InitLogger("lending", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		util.Fatal(logger, "failed to init dependencies", "err", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("close dependencies", "err", err)
		}
	}()

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		PublicKeyPath: cfg.JWTPublicKeyPath,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		Leeway:        leeway,
	})
	if err != nil {
		util.Fatal(logger, "failed to init token verifier", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal(logger, "invalid trustedProxyCidrs", "err", err)
	}

	scheduler := deps.NewScheduler(cfg, logger)
	httpServer, err := server.New(server.Config{
		App:            deps.App,
		Verifier:       verifier,
		Sweeps:         scheduler,
		BorrowLimiter:  deps.BorrowLimiter,
		Alerter:        deps.Alerter,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("lending server listening", "addr", addr)
		return server.ListenAndServe(gctx, srv, 15*time.Second)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
