package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/config"
	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/bloodunit"
	"github.com/bloodbank/bloodbank/internal/domain/directory"
	"github.com/bloodbank/bloodbank/internal/domain/donation"
	"github.com/bloodbank/bloodbank/internal/domain/eligibility"
	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/processlog"
	"github.com/bloodbank/bloodbank/internal/domain/registration"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
	"github.com/bloodbank/bloodbank/internal/platform/redis"
	"github.com/bloodbank/bloodbank/internal/platform/refcode"
	"github.com/bloodbank/bloodbank/internal/platform/scheduler"
)

// Sweep job names, shared by the scheduler and the sweep subcommands.
const (
	jobStale     = "stale"
	jobExpired   = "expired"
	jobReminders = "reminders"
	jobReconcile = "reconcile"
)

// stores groups one storage backend's repositories.
type stores struct {
	tx            db.TxRunner
	directory     directory.Directory
	registrations registration.Repository
	logs          processlog.Repository
	checks        eligibility.Repository
	donations     donation.Repository
	units         bloodunit.Repository
	records       inventory.RecordStore
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		tx:            db.NewPGTxRunner(pool),
		directory:     directory.NewPG(pool),
		registrations: registration.NewRepoPG(pool),
		logs:          processlog.NewRepoPG(pool),
		checks:        eligibility.NewRepoPG(pool),
		donations:     donation.NewRepoPG(pool),
		units:         bloodunit.NewRepoPG(pool),
		records:       inventory.NewRecordRepoPG(pool),
	}
}

func memoryStores(dir *directory.Memory) stores {
	regs := registration.NewMemoryRepo()
	logs := processlog.NewMemoryRepo()
	checks := eligibility.NewMemoryRepo()
	dons := donation.NewMemoryRepo()
	units := bloodunit.NewMemoryRepo()
	records := inventory.NewMemoryRecords()
	return stores{
		tx:            db.NewMemoryTxRunner(regs, logs, checks, dons, units, records),
		directory:     dir,
		registrations: regs,
		logs:          logs,
		checks:        checks,
		donations:     dons,
		units:         units,
		records:       records,
	}
}

// app holds the wired services and the resources they share.
type app struct {
	pool       *pgxpool.Pool
	redis      *redis.Client
	registry   *prometheus.Registry
	dispatcher *notification.Dispatcher
	scheduler  *scheduler.Scheduler

	logs          *processlog.Service
	registrations *registration.Service
	eligibility   *eligibility.Service
	donations     *donation.Service
	units         *bloodunit.Service
	inventory     *inventory.Service

	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, seed string) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	var st stores
	switch cfg.Storage {
	case config.StoragePostgres:
		a.pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, a.pool.Close)
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		st = postgresStores(a.pool)
	default:
		dir := directory.NewMemory()
		if seed != "" {
			if err := loadSeed(dir, seed, logger); err != nil {
				return nil, err
			}
		}
		st = memoryStores(dir)
		logger.Warn().Msg("using in-memory storage; data is lost on exit")
	}

	// Redis fronts the directory and guards the sweeps.
	a.redis, err = redis.New(ctx, redis.Config{URL: cfg.RedisURL})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	var locker scheduler.Locker
	if a.redis != nil {
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		st.directory = directory.NewCached(st.directory, a.redis.Client, directory.DefaultCacheTTL, logger)
		locker = redis.NewLocker(a.redis.Client, "")
		logger.Info().Msg("connected to redis")
	}

	sender, err := newSender(cfg, logger)
	if err != nil {
		return nil, err
	}
	if k, ok := sender.(*notification.KafkaSender); ok {
		a.closers = append(a.closers, k.Close)
	}
	a.dispatcher = notification.NewDispatcher(sender, notification.NewTemplateEngine(), notification.DispatcherOptions{
		QueueSize: 256,
		Keep:      1000,
		Logger:    logger,
		Metrics:   m,
	})

	codes := refcode.New()
	clock := blood.SystemClock{}

	a.logs = processlog.NewService(st.logs, codes, clock)
	a.donations = donation.NewService(donation.Deps{
		Repo:      st.donations,
		Tx:        st.tx,
		Directory: st.directory,
		// Registrations depend on donations for the cooldown, so the
		// lookup resolves a.registrations when it is called.
		Registrations: donation.RegistrationsFunc(func(ctx context.Context, id uuid.UUID) (*donation.RegistrationRef, error) {
			reg, err := a.registrations.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return &donation.RegistrationRef{DonorID: reg.DonorID, FacilityID: reg.FacilityID, Status: reg.Status}, nil
		}),
		Notifier: a.dispatcher,
		Codes:    codes,
		Clock:    clock,
		Metrics:  m,
		Logger:   logger,
	})
	a.registrations = registration.NewService(registration.Deps{
		Repo:      st.registrations,
		Tx:        st.tx,
		Logs:      a.logs,
		Directory: st.directory,
		History:   a.donations,
		Notifier:  a.dispatcher,
		Signer:    registration.NewCheckInSigner(cfg.CheckInKey(), cfg.AuthIssuer),
		Codes:     codes,
		Clock:     clock,
		Metrics:   m,
		Logger:    logger,
	})
	a.eligibility = eligibility.NewService(eligibility.Deps{
		Repo:          st.checks,
		Tx:            st.tx,
		Registrations: a.registrations,
		Directory:     st.directory,
		Codes:         codes,
		Clock:         clock,
		Metrics:       m,
		Logger:        logger,
	})
	a.inventory = inventory.NewService(inventory.Deps{
		Records: st.records,
		Units:   st.units,
		Tx:      st.tx,
		Codes:   codes,
		Clock:   clock,
		Metrics: m,
		Logger:  logger,
	})
	a.units = bloodunit.NewService(bloodunit.Deps{
		Repo:      st.units,
		Tx:        st.tx,
		Donations: a.donations,
		Inventory: a.inventory.Adjuster(),
		Codes:     codes,
		Clock:     clock,
		Metrics:   m,
		Logger:    logger,
	})

	a.scheduler = scheduler.New(scheduler.Options{
		Locker:  locker,
		LockTTL: cfg.SweepLockTTL,
		Metrics: m,
		Logger:  logger,
	})
	if err := a.addJobs(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) addJobs(cfg *config.Config) error {
	ids := func(run func(context.Context, time.Time) ([]uuid.UUID, error)) scheduler.JobFunc {
		return func(ctx context.Context, now time.Time) (int, error) {
			got, err := run(ctx, now)
			return len(got), err
		}
	}
	jobs := []scheduler.Job{
		{Name: jobStale, Interval: cfg.StaleSweepInterval, Run: ids(a.registrations.SweepStale)},
		{Name: jobExpired, Interval: cfg.ExpirySweepInterval, Run: ids(func(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
			return a.inventory.SweepExpired(ctx, nil, now)
		})},
		{Name: jobReminders, Interval: cfg.ReminderSweepInterval, Run: ids(a.registrations.SweepReminders)},
		{Name: jobReconcile, Interval: cfg.ReconcileInterval, Run: func(ctx context.Context, _ time.Time) (int, error) {
			drift, err := a.inventory.Reconcile(ctx)
			return len(drift), err
		}},
	}
	for _, j := range jobs {
		if j.Interval <= 0 {
			continue
		}
		if err := a.scheduler.Add(j); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) registerRoutes(api *echo.Group) {
	registration.NewHandler(a.registrations).RegisterRoutes(api)
	processlog.NewHandler(a.logs).RegisterRoutes(api)
	eligibility.NewHandler(a.eligibility).RegisterRoutes(api)
	donation.NewHandler(a.donations).RegisterRoutes(api)
	bloodunit.NewHandler(a.units).RegisterRoutes(api)
	inventory.NewHandler(a.inventory).RegisterRoutes(api)
	notification.NewHandler(a.dispatcher).RegisterRoutes(api.Group("", auth.RequireRole(auth.RoleAdmin)))
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newSender(cfg *config.Config, logger zerolog.Logger) (notification.Sender, error) {
	switch cfg.NotifyDriver {
	case config.NotifyKafka:
		s, err := notification.NewKafkaSender(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka sender: %w", err)
		}
		return s, nil
	case config.NotifyWebhook:
		return notification.NewWebhookSender(cfg.NotifyWebhookURL, 10*time.Second), nil
	default:
		return notification.NewLogSender(logger), nil
	}
}

func loadSeed(dir *directory.Memory, path string, logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	n, err := dir.Load(f)
	if err != nil {
		return err
	}
	logger.Info().Str("path", path).Int("entries", n).Msg("directory seeded")
	return nil
}
