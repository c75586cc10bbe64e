package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oolio-pos/internal/domain/auth"
	"github.com/xenking/oolio-pos/internal/domain/discount"
	"github.com/xenking/oolio-pos/internal/domain/product"
	"github.com/xenking/oolio-pos/internal/domain/session"
	"github.com/xenking/oolio-pos/internal/handler"
	"github.com/xenking/oolio-pos/internal/messaging/rabbitmq"
	"github.com/xenking/oolio-pos/internal/outbox"
	"github.com/xenking/oolio-pos/internal/storage/postgres"
	"github.com/xenking/oolio-pos/pkg/health"
	"github.com/xenking/oolio-pos/pkg/httpmiddleware"
)

const serviceName = "pos-api"

// outboxBacklog feeds the outbox readiness check.
func outboxBacklog(repo *postgres.OutboxRepository) health.BacklogFunc {
	return func(ctx context.Context) (int, time.Time, error) {
		b, err := repo.Backlog(ctx)
		return b.Pending, b.Oldest, err
	}
}

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	ctx = zctx.Base(ctx, lg)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.Register(health.Check{
		Name:    "postgres",
		Kind:    health.Readiness,
		Timeout: 5 * time.Second,
		Run:     health.PingCheck("postgres", pool),
	})
	healthSvc.Register(health.Check{
		Name: "goroutines",
		Kind: health.Liveness,
		Run:  health.GoroutineLimitCheck(cfg.Health.MaxGoroutines),
	})
	outboxRepo := postgres.NewOutboxRepository(pool)

	// Kitchen ticket delivery is optional; tickets queue in the outbox until
	// a broker is configured.
	var publisher *rabbitmq.Publisher
	if cfg.Rabbit.URL != "" {
		publisher, err = rabbitmq.Dial(cfg.Rabbit)
		if err != nil {
			return errors.Wrap(err, "connect rabbitmq")
		}
		defer func() { _ = publisher.Close() }()
		healthSvc.Register(health.Check{
			Name: "rabbitmq",
			Kind: health.Readiness,
			Run:  health.PingCheck("rabbitmq", publisher),
		})
		healthSvc.Register(health.Check{
			Name:    "outbox",
			Kind:    health.Readiness,
			Timeout: 2 * time.Second,
			Run:     health.OutboxBacklogCheck(outboxBacklog(outboxRepo), cfg.Health.Outbox, time.Now),
		})
	} else {
		lg.Warn("RabbitMQ URL not set, kitchen tickets will stay in the outbox")
	}

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	presetRepo := postgres.NewPresetRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Domain services.
	sessions, err := session.NewService(orderRepo, productRepo, discount.NewResolver(presetRepo),
		session.WithTracerProvider(m.TracerProvider()),
		session.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create session service")
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: newHTTPHandler(ctx, lg, m.TracerProvider(), m.MeterProvider(), cfg, routes{
			sessions: sessions,
			products: productRepo,
			apikeys:  apikeyRepo,
			health:   healthSvc,
		}),
	}

	healthSvc.Start(ctx, cfg.Health.Interval)
	healthSvc.SetReady(true)

	g, gCtx := errgroup.WithContext(ctx)
	if publisher != nil {
		relay := outbox.NewRelay(outboxRepo, publisher, cfg.Relay)
		g.Go(func() error {
			return relay.Run(gCtx)
		})
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

type routes struct {
	sessions handler.Sessions
	products product.Repository
	apikeys  auth.Repository
	health   *health.Health
}

// newHTTPHandler assembles the router and the middleware chain. Route-aware
// middleware runs inside the router, the rest wraps it.
func newHTTPHandler(
	ctx context.Context,
	lg *zap.Logger,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	cfg *Config,
	rt routes,
) http.Handler {
	router := chi.NewRouter()
	router.Use(httpmiddleware.LogRequests, httpmiddleware.Labeler)
	router.Get("/livez", rt.health.LiveEndpoint)
	router.Get("/readyz", rt.health.ReadyEndpoint)
	handler.NewHandler(rt.sessions, rt.products).
		Register(router, handler.NewSecurityHandler(rt.apikeys, []byte(cfg.APIKeyPepper)))

	return httpmiddleware.Wrap(router,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
			ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.HeaderKey(handler.APIKeyHeader),
		}),
		httpmiddleware.Instrument(serviceName, tp, mp),
	)
}
