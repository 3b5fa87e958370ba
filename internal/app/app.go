// Package app wires the service together from configuration: storage
// driver, session verifier, payment provider, rate limiter, notifications,
// the HTTP server, and the background jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/broskis-kitchen/broskis/internal/api"
	"github.com/broskis-kitchen/broskis/internal/auth"
	"github.com/broskis-kitchen/broskis/internal/catalog"
	"github.com/broskis-kitchen/broskis/internal/checkout"
	"github.com/broskis-kitchen/broskis/internal/config"
	"github.com/broskis-kitchen/broskis/internal/jobs"
	"github.com/broskis-kitchen/broskis/internal/metrics"
	"github.com/broskis-kitchen/broskis/internal/notify"
	"github.com/broskis-kitchen/broskis/internal/orders"
	"github.com/broskis-kitchen/broskis/internal/payments"
	"github.com/broskis-kitchen/broskis/internal/rewards"
	"github.com/broskis-kitchen/broskis/internal/store"
	"github.com/broskis-kitchen/broskis/pkg/ratelimit"
	pkgstore "github.com/broskis-kitchen/broskis/pkg/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
	"github.com/broskis-kitchen/broskis/pkg/webhook"
)

// Options supplies prebuilt components. Nil fields are built from config by
// Open, and are required by New.
type Options struct {
	Store    store.Store
	Verifier auth.Verifier
	Payments payments.Provider
	// Limiter may stay nil to disable rate limiting.
	Limiter  ratelimit.Limiter
	Notifier *webhook.Dispatcher
	Clock    *pkgstore.Clock
	Logger   *slog.Logger
}

// App is the wired service.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Clock    *pkgstore.Clock
	Store    store.Store
	Verifier auth.Verifier
	Payments payments.Provider
	Limiter  ratelimit.Limiter
	Notifier *webhook.Dispatcher
	Metrics  *metrics.Metrics

	Catalog  *catalog.Service
	Rewards  *rewards.Service
	Orders   *orders.Service
	Checkout *checkout.Service

	Server *webcore.Server
	Jobs   *jobs.Scheduler

	closers []func() error
}

// New wires the services over the given components.
func New(cfg *config.Config, opts Options) (*App, error) {
	if opts.Store == nil || opts.Verifier == nil || opts.Payments == nil {
		return nil, errors.New("store, verifier, and payments are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = pkgstore.NewClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.New(notify.Config{
			URL:         cfg.Notify.WebhookURL,
			Secret:      cfg.Notify.Secret,
			AutoDeliver: cfg.Notify.AutoDeliver,
			Logger:      opts.Logger.With("component", "notify"),
			Now:         opts.Clock.Now,
		})
	}
	logger := opts.Logger
	m := metrics.New()

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Clock:    opts.Clock,
		Store:    opts.Store,
		Verifier: opts.Verifier,
		Payments: opts.Payments,
		Limiter:  opts.Limiter,
		Notifier: opts.Notifier,
		Metrics:  m,
	}

	a.Catalog = catalog.NewService(a.Store, catalog.Config{
		MaxQuantity: cfg.Checkout.MaxQuantity,
		CacheTTL:    cfg.Cache.MenuTTL,
		CacheSize:   cfg.Cache.MenuSize,
	}, logger.With("component", "catalog"))
	a.Catalog.Now = a.Clock.Now

	a.Rewards = rewards.NewService(a.Store, cfg.Rewards, logger.With("component", "rewards"))
	a.Rewards.Now = a.Clock.Now
	a.Rewards.SetRecorder(m)

	a.Orders = orders.NewService(a.Store, a.Rewards, a.Catalog, a.Payments, a.Notifier,
		orders.Config{PendingTTL: cfg.Checkout.PendingTTL}, logger.With("component", "orders"))
	a.Orders.Now = a.Clock.Now
	a.Orders.SetRecorder(m)

	a.Checkout = checkout.NewService(a.Store, a.Catalog, a.Rewards, a.Orders, a.Payments, checkout.Config{
		TaxRateBps:  cfg.Checkout.TaxRateBps,
		MaxTipCents: cfg.Checkout.MaxTipCents,
		MaxLines:    cfg.Checkout.MaxLines,
		Currency:    cfg.Checkout.Currency,
		Methods:     cfg.Payments.Methods,
	}, logger.With("component", "checkout"))
	a.Checkout.Now = a.Clock.Now
	a.Checkout.SetRecorder(m)

	guard := auth.NewGuard(a.Verifier, auth.CookieConfig{
		Name:   cfg.Auth.CookieName,
		Secure: cfg.Server.SecureCookies,
		TTL:    cfg.Auth.SessionTTL,
	}, logger.With("component", "auth"))

	a.Server = api.New(api.Deps{
		Config:   cfg,
		Store:    a.Store,
		Catalog:  a.Catalog,
		Rewards:  a.Rewards,
		Checkout: a.Checkout,
		Orders:   a.Orders,
		Guard:    guard,
		Limiter:  a.Limiter,
		Metrics:  m,
		Notifier: a.Notifier,
		Clock:    a.Clock,
		Logger:   logger,
	})

	a.Jobs = jobs.New(logger, m)
	memLimiter, _ := a.Limiter.(*ratelimit.MemoryLimiter)
	for _, j := range jobs.Standard(jobs.Deps{
		Orders:      a.Orders,
		Limiter:     memLimiter,
		Idempotency: a.Server.Middleware().Idempotent,
		Notifier:    a.Notifier,
		Now:         a.Clock.Now,
		Logger:      logger.With("component", "jobs"),
	}) {
		if err := a.Jobs.Add(j); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Open builds every component missing from opts from cfg, then wires the
// service. Close releases what Open opened.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var closers []func() error
	fail := func(err error) (*App, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	if opts.Store == nil {
		st, err := OpenStore(ctx, cfg, opts.Logger)
		if err != nil {
			return fail(err)
		}
		opts.Store = st
		closers = append(closers, st.Close)
	}
	if opts.Verifier == nil {
		v, err := openVerifier(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		opts.Verifier = v
	}
	if opts.Payments == nil {
		opts.Payments = openPayments(cfg, opts.Logger)
	}
	if opts.Limiter == nil {
		lim, closeLim, err := openLimiter(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		opts.Limiter = lim
		if closeLim != nil {
			closers = append(closers, closeLim)
		}
	}

	a, err := New(cfg, opts)
	if err != nil {
		return fail(err)
	}
	a.closers = closers
	return a, nil
}

// OpenStore opens the configured storage driver. The memory driver is seeded
// from the seed file, or with the starter menu when none is set. Postgres
// migrations are applied.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := store.NewMemory()
		seed := store.DefaultSeed(time.Now().UTC())
		if cfg.Store.SeedFile != "" {
			s, err := store.LoadSeedFile(cfg.Store.SeedFile)
			if err != nil {
				return nil, err
			}
			seed = s
		}
		if err := store.ApplySeed(ctx, mem, seed, time.Now().UTC()); err != nil {
			return nil, err
		}
		logger.Info("memory store seeded", "items", len(seed.Items), "drops", len(seed.Drops), "offers", len(seed.Offers))
		return mem, nil
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		applied, err := pg.Migrate(ctx)
		if err != nil {
			pg.Close()
			return nil, err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "versions", applied)
		}
		return pg, nil
	case config.DriverFirestore:
		fs, err := store.OpenFirestore(ctx, cfg.Store.FirestoreProject, cfg.Store.CredentialsFile)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func openVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	isAdmin := cfg.Auth.IsAdminEmail
	if cfg.Auth.Mode == config.AuthLocal {
		return auth.NewLocalVerifier(cfg.Auth.LocalSecret, isAdmin), nil
	}
	fb, err := auth.OpenFirebase(ctx, cfg.Store.FirestoreProject, cfg.Store.CredentialsFile, isAdmin)
	if err != nil {
		return nil, err
	}
	return fb, nil
}

func openPayments(cfg *config.Config, logger *slog.Logger) payments.Provider {
	if cfg.Payments.StripeSecretKey == "" {
		logger.Warn("no stripe secret key configured, payments are simulated")
		return payments.NewNopProvider()
	}
	return payments.NewStripeProvider(payments.StripeConfig{
		SecretKey:  cfg.Payments.StripeSecretKey,
		APIURL:     cfg.Payments.StripeAPIURL,
		MaxRetries: 2,
		Logger:     logger.With("component", "stripe"),
	})
}

func openLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, func() error, error) {
	if cfg.RateLimit.Backend != config.LimitRedis {
		return ratelimit.NewMemoryLimiter(), nil, nil
	}
	lim := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	if err := lim.Ping(ctx); err != nil {
		lim.Close()
		return nil, nil, fmt.Errorf("redis rate limiter: %w", err)
	}
	return lim, lim.Close, nil
}

// Run starts the jobs and serves HTTP until ctx is cancelled. Pending
// notifications get a final flush on the way out.
func (a *App) Run(ctx context.Context) error {
	a.Jobs.Start()
	err := a.Server.Serve(ctx)
	a.Jobs.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := a.Notifier.Flush(flushCtx); ferr != nil {
		a.Logger.Warn("final notification flush failed", "error", ferr)
	}
	return err
}

// Close releases the store and limiter connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
