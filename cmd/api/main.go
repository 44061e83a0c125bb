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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"parcela.org/internal/audit"
	"parcela.org/internal/auth"
	"parcela.org/internal/authz"
	"parcela.org/internal/config"
	"parcela.org/internal/grpcapi"
	"parcela.org/internal/httpapi"
	"parcela.org/internal/obs"
	"parcela.org/internal/roles"
	"parcela.org/internal/store/memory"
	"parcela.org/internal/store/pg"
	"parcela.org/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
)

// backend is what every service needs from storage. Both pg.Store and
// memory.Store satisfy it.
type backend interface {
	authz.Source
	workflow.Store
	roles.Store
	audit.Store
}

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "", "Path to YAML config (defaults to $PARCELA_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("load config", "error", err)
	}
	log := obs.NewLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid config", "error", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	authz.OnDenied(obs.ObserveDenial)

	store, ready, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.Fatalw("open store", "error", err)
	}
	defer closeStore()

	cache, err := principalCache(cfg)
	if err != nil {
		log.Fatalw("principal cache", "error", err)
	}
	authzSvc, err := authz.NewService(store, authz.WithCache(cache), authz.WithLogger(log))
	if err != nil {
		log.Fatalw("authz service", "error", err)
	}
	roleSvc, err := roles.NewService(store, roles.WithInvalidator(authzSvc), roles.WithLogger(log))
	if err != nil {
		log.Fatalw("roles service", "error", err)
	}
	wfSvc, err := workflow.NewService(store, workflow.WithLogger(log))
	if err != nil {
		log.Fatalw("workflow service", "error", err)
	}
	recorder, err := audit.NewRecorder(store, audit.WithLogger(log))
	if err != nil {
		log.Fatalw("audit recorder", "error", err)
	}
	tokens, err := auth.NewIssuer(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.Fatalw("token issuer", "error", err)
	}

	api, err := httpapi.New(httpapi.Deps{
		Tokens:    tokens,
		Authz:     authzSvc,
		Roles:     roleSvc,
		Workflows: wfSvc,
		Audit:     recorder,
		Ready:     ready,
		Logger:    log,
	}, version,
		httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
	)
	if err != nil {
		log.Fatalw("http api", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sweeper *workflow.Sweeper
	if cfg.Workflow.ExpireAfter > 0 {
		sweeper, err = workflow.NewSweeper(wfSvc, cfg.Workflow.SweepSchedule, cfg.Workflow.ExpireAfter, log)
		if err != nil {
			log.Fatalw("expiry sweeper", "error", err)
		}
		sweeper.Start()
		log.Infow("expiry sweeper started", "schedule", cfg.Workflow.SweepSchedule, "expire_after", cfg.Workflow.ExpireAfter)
	}

	health := grpcapi.NewHealthServer(ready, grpcapi.WithLogger(log))
	grpcSrv := grpcapi.NewServer(health)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalw("grpc listen", "addr", cfg.GRPCAddr, "error", err)
		}
		go health.Run(ctx)
		go func() {
			log.Infow("grpc health listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Errorw("grpc serve", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("api listening", "addr", cfg.HTTPAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
	case err := <-errCh:
		log.Errorw("http serve", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http shutdown", "error", err)
	}
	grpcSrv.GracefulStop()
	if sweeper != nil {
		select {
		case <-sweeper.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warnw("expiry sweep still running at shutdown")
		}
	}
	log.Infow("stopped")
}

// openStore uses Postgres when a DSN is configured and otherwise an
// in-memory store seeded with the built-in catalog, an "admin" actor and one
// demo property.
func openStore(cfg config.Config, log *zap.SugaredLogger) (backend, httpapi.ReadyProbe, func(), error) {
	if cfg.Postgres.DSN == "" {
		log.Warnw("PARCELA_PG_DSN not set, using in-memory store; only the demo property can be changed",
			"actor_id", "admin", "target_id", memory.DemoPropertyID)
		st := memory.New()
		st.SeedBuiltins("admin")
		st.SeedDemoProperty()
		return st, httpapi.ReadyProbe{}, func() {}, nil
	}
	st, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		return nil, httpapi.ReadyProbe{}, nil, err
	}
	closeFn := func() {
		if err := st.Close(); err != nil {
			log.Warnw("close store", "error", err)
		}
	}
	return st, httpapi.ReadyProbe{DB: st.DB()}, closeFn, nil
}

func principalCache(cfg config.Config) (authz.Cache, error) {
	if cfg.Redis.URL == "" {
		return authz.NewLRUCache(cfg.Cache.Size, cfg.Cache.TTL), nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	return authz.NewRedisCache(redis.NewClient(opts), "parcela", cfg.Cache.TTL), nil
}
