package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"opinions.market/internal/audit"
	"opinions.market/internal/auth"
	"opinions.market/internal/config"
	"opinions.market/internal/custody"
	"opinions.market/internal/events"
	"opinions.market/internal/httpapi"
	"opinions.market/internal/keeper"
	"opinions.market/internal/market"
	"opinions.market/internal/obs"
	"opinions.market/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $"+config.FileEnv+")")
	flag.Parse()

	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("maxprocs", zap.Error(err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.Warn("bad log level, keeping info", zap.String("level", cfg.LogLevel))
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("marketd exited", zap.Error(err))
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var (
		store market.Store
		probe = httpapi.ReadyProbe{}
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store, probe.Store = pgStore, pgStore
	} else {
		log.Warn("no database configured, state is kept in memory")
		store = market.NewMemStore()
	}

	bus := events.New()
	eng, err := market.New(store,
		market.WithCustody(custody.NewWallets()),
		market.WithPublisher(bus),
		market.WithObserver(obs.Market),
		market.WithLogger(log.Named("market")),
	)
	if err != nil {
		return err
	}
	probe.Engine = eng
	if err := initialize(ctx, eng, cfg, log); err != nil {
		return err
	}

	opts := []httpapi.Option{
		httpapi.WithStream(bus),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
	}
	if cfg.AuthSecret != "" {
		tokens, err := auth.NewTokens([]byte(cfg.AuthSecret))
		if err != nil {
			return err
		}
		opts = append(opts, httpapi.WithTokens(tokens))
	} else {
		log.Warn("no auth secret configured, operator routes disabled")
	}
	api := httpapi.New(eng, probe, version, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(probe)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return audit.Run(gctx, bus) })

	if cfg.Keeper.Enabled {
		signer := cfg.Keeper.Signer
		if signer.IsZero() {
			signer = cfg.Engine.Payer
		}
		k, err := keeper.New(eng, signer, cfg.Keeper.SkipCache,
			keeper.WithInterval(cfg.Keeper.Interval),
			keeper.WithBatch(cfg.Keeper.Batch),
			keeper.WithLogger(log.Named("keeper")),
			keeper.WithMetrics(obs.Market),
		)
		if err != nil {
			return err
		}
		g.Go(func() error { return k.Run(gctx) })
	}

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcLis != nil {
		g.Go(func() error {
			log.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			return grpcSrv.Serve(grpcLis)
		})
	}
	g.Go(func() error {
		health.Watch(gctx, 5*time.Second)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		obs.SetReady(false)
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// initialize writes the configured market parameters on first start.
func initialize(ctx context.Context, eng *market.Engine, cfg *config.Config, log *zap.Logger) error {
	current, err := eng.Config(ctx)
	switch {
	case err == nil:
		log.Info("market loaded", zap.Stringer("admin", current.Admin), zap.Stringer("base_token", current.BaseToken))
		return nil
	case !errors.Is(err, market.ErrNotInitialized):
		return err
	}
	if cfg.Engine.Admin.IsZero() {
		log.Warn("market not initialized and no admin configured, waiting for an initialized store")
		return nil
	}
	global, err := cfg.Engine.Global()
	if err != nil {
		return err
	}
	if _, err := eng.Initialize(ctx, cfg.Engine.Admin, global); err != nil {
		return err
	}
	log.Info("market initialized", zap.Stringer("admin", global.Admin), zap.String("tie_policy", string(global.TiePolicy)))
	return nil
}
