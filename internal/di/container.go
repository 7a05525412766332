package di

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/platform/config"
	pfirestore "github.com/tripfare/api/internal/platform/firestore"
	"github.com/tripfare/api/internal/platform/idempotency"
	"github.com/tripfare/api/internal/platform/jobs"
	"github.com/tripfare/api/internal/platform/observability"
	"github.com/tripfare/api/internal/platform/rates"
	"github.com/tripfare/api/internal/repositories"
	firestoreRepo "github.com/tripfare/api/internal/repositories/firestore"
	"github.com/tripfare/api/internal/repositories/memory"
	"github.com/tripfare/api/internal/repositories/postgres"
	"github.com/tripfare/api/internal/services"
)

const (
	publishTimeout   = 10 * time.Second
	dependencyProbes = 3 * time.Second
)

// Container wires repositories, services and background workers for runtime use.
type Container struct {
	Config    config.Config
	Registry  repositories.Registry
	Sources   []repositories.ItinerarySource
	Tax       *services.TaxCalculator
	Converter *services.CurrencyConverter
	Refresher *services.RateRefresher
	Composer  *services.PricingComposer
	Sync      *services.SyncManager
	System    *services.SystemService

	// Idempotency backs replay of retried admin mutations.
	Idempotency idempotency.Store

	logger    *zap.Logger
	scheduler *services.DailyScheduler
	signals   *jobs.SignalNotifier
	publisher *jobs.PubSubSnapshotPublisher
	pubsub    *pubsub.Client
	closers   []func() error

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// Option customises container construction, mostly for tests.
type Option func(*containerOptions)

type containerOptions struct {
	registry     repositories.Registry
	rateProvider services.RateProvider
	clock        func() time.Time
	build        services.BuildInfo
}

// WithRegistry bypasses the configured storage backends.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithRateProvider overrides the HTTP exchange rate provider.
func WithRateProvider(provider services.RateProvider) Option {
	return func(o *containerOptions) { o.rateProvider = provider }
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = build }
}

// NewContainer constructs the runtime dependencies. Background work does not begin until Start.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg, logger: logger}
	var checks []repositories.DependencyCheck

	if options.registry != nil {
		c.Registry = options.registry
		c.Sources = options.registry.ItinerarySources()
		c.Idempotency = idempotency.NewMemoryStore()
	} else if err := c.openStorage(ctx, &checks); err != nil {
		c.closeResources(ctx)
		return nil, err
	}

	if err := c.buildPricing(ctx, options); err != nil {
		c.closeResources(ctx)
		return nil, err
	}
	if err := c.buildMessaging(ctx, &checks); err != nil {
		c.closeResources(ctx)
		return nil, err
	}
	c.buildSync(options)

	checks = append(checks, repositories.DependencyCheck{
		Name:     "exchangeRates",
		Optional: true,
		Check:    services.RatesFreshnessCheck(c.Converter, cfg.Rates.MaxAge, options.clock),
	})
	healthRepo, err := repositories.NewDependencyHealthRepository(checks,
		repositories.WithDependencyTimeout(dependencyProbes),
		repositories.WithDependencyClock(options.clock),
	)
	if err != nil {
		c.closeResources(ctx)
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	build := options.build
	if build.Environment == "" {
		build.Environment = cfg.Server.Environment
	}
	c.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Sync:             c.Sync,
		Converter:        c.Converter,
		Clock:            options.clock,
		Build:            build,
	})
	if err != nil {
		c.closeResources(ctx)
		return nil, fmt.Errorf("build system service: %w", err)
	}
	return c, nil
}

// openStorage selects Firestore when a project is configured and in-memory repositories
// otherwise. The relational source is appended after the document sources in both cases.
func (c *Container) openStorage(ctx context.Context, checks *[]repositories.DependencyCheck) error {
	cfg := c.Config
	var legacy *postgres.ItinerarySource
	if cfg.Postgres.DSN != "" {
		source, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres itinerary source: %w", err)
		}
		legacy = source
		*checks = append(*checks, repositories.DependencyCheck{Name: "postgres", Optional: true, Check: source.Ping})
	}

	if !cfg.Firestore.Enabled() {
		reg := memory.NewRegistry("memory")
		reg.Tax = memory.NewTaxConfigurations(services.DefaultTaxConfigurations()...)
		c.Registry = reg
		c.Sources = reg.ItinerarySources()
		if legacy != nil {
			c.Sources = append(c.Sources, legacy)
			c.closers = append(c.closers, legacy.Close)
		}
		c.Idempotency = idempotency.NewMemoryStore()
		c.logger.Warn("firestore not configured; using in-memory repositories")
		return nil
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	var regOpts []firestoreRepo.RegistryOption
	if legacy != nil {
		regOpts = append(regOpts, firestoreRepo.WithAdditionalSources(legacy))
	}
	reg, err := firestoreRepo.NewRegistry(provider, cfg.Firestore, c.logger.Named("firestore"), regOpts...)
	if err != nil {
		if legacy != nil {
			_ = legacy.Close()
		}
		return fmt.Errorf("build firestore registry: %w", err)
	}
	c.Registry = reg
	c.Sources = reg.ItinerarySources()
	c.Idempotency = idempotency.NewFirestoreStore(provider, idempotency.DefaultCollection)

	probeCollection := cfg.Firestore.TaxCollection
	*checks = append(*checks, repositories.DependencyCheck{
		Name: "firestore",
		Check: func(ctx context.Context) error {
			client, err := provider.Client(ctx)
			if err != nil {
				return err
			}
			_, err = client.Collection(probeCollection).Limit(1).Documents(ctx).Next()
			if err != nil && !errors.Is(err, iterator.Done) {
				return err
			}
			return nil
		},
	})
	return nil
}

func (c *Container) buildPricing(ctx context.Context, options containerOptions) error {
	cfg := c.Config
	tax, err := services.NewTaxCalculator(services.DefaultTaxConfigurations()...)
	if err != nil {
		return fmt.Errorf("build tax calculator: %w", err)
	}
	c.Tax = tax
	if store := c.Registry.TaxConfigurations(); store != nil {
		if err := seedTaxConfigurations(ctx, store, tax, c.logger); err != nil {
			c.logger.Warn("tax configurations unavailable; serving built-in defaults", zap.Error(err))
		}
	}

	c.Converter = services.NewCurrencyConverter()
	provider := options.rateProvider
	if provider == nil && cfg.Rates.ProviderURL != "" {
		httpProvider, err := rates.NewHTTPProvider(cfg.Rates.ProviderURL, cfg.Rates.APIKey, cfg.Rates.Timeout,
			rates.WithLogger(c.logger.Named("rates")),
		)
		if err != nil {
			return fmt.Errorf("build rate provider: %w", err)
		}
		provider = httpProvider
	}
	if provider != nil {
		c.Refresher, err = services.NewRateRefresher(services.RateRefresherDeps{
			Provider:      provider,
			Store:         c.Registry.ExchangeRates(),
			Converter:     c.Converter,
			BaseCurrency:  cfg.Rates.BaseCurrency,
			Targets:       cfg.Rates.Targets,
			MarginPercent: cfg.Rates.MarginPercent,
			Surcharge:     cfg.Rates.Surcharge,
			Clock:         options.clock,
			Logger:        c.logger.Named("rates"),
		})
		if err != nil {
			return fmt.Errorf("build rate refresher: %w", err)
		}
		loc, err := cfg.Rates.Location()
		if err != nil {
			return fmt.Errorf("rates time zone: %w", err)
		}
		refresher := c.Refresher
		c.scheduler, err = services.NewDailyScheduler(services.DailySchedulerConfig{
			At:       cfg.Rates.RefreshAt,
			Location: loc,
			Task: func(ctx context.Context) error {
				_, err := refresher.Refresh(ctx)
				return err
			},
			Logger: c.logger.Named("rates"),
		})
		if err != nil {
			return fmt.Errorf("build rate scheduler: %w", err)
		}
		if count, err := c.Refresher.LoadStored(ctx); err != nil {
			c.logger.Warn("stored exchange rates unavailable", zap.Error(err))
		} else {
			c.logger.Info("stored exchange rates loaded", zap.Int("count", count))
		}
	} else if store := c.Registry.ExchangeRates(); store != nil {
		stored, err := store.List(ctx)
		if err != nil {
			c.logger.Warn("stored exchange rates unavailable", zap.Error(err))
		}
		c.Converter.SetRates(stored)
		c.logger.Warn("exchange rate provider not configured; daily refresh disabled")
	}

	c.Composer = services.NewPricingComposer(services.PricingComposerDeps{
		Tax:       c.Tax,
		Converter: c.Converter,
		Clock:     options.clock,
		Logger:    observability.EventHook(c.logger.Named("pricing")),
	})
	return nil
}

// seedTaxConfigurations loads stored rules into calc, writing the built-in defaults first when
// the store is empty.
func seedTaxConfigurations(ctx context.Context, store repositories.TaxConfigurationRepository, calc *services.TaxCalculator, logger *zap.Logger) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		for _, cfg := range calc.Configurations() {
			if err := store.Upsert(ctx, cfg.Jurisdiction, cfg); err != nil {
				return fmt.Errorf("seed %s: %w", cfg.Jurisdiction, err)
			}
		}
		logger.Info("seeded default tax configurations", zap.Int("count", len(calc.Configurations())))
		return nil
	}
	return calc.Reload(ctx, store)
}

func (c *Container) buildMessaging(ctx context.Context, checks *[]repositories.DependencyCheck) error {
	cfg := c.Config.PubSub
	if cfg.SnapshotTopic == "" && cfg.SignalSubscription == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("build pubsub client: %w", err)
	}
	c.pubsub = client

	if cfg.SnapshotTopic != "" {
		topic := client.Topic(cfg.SnapshotTopic)
		c.publisher, err = jobs.NewPubSubSnapshotPublisher(topic)
		if err != nil {
			return err
		}
		*checks = append(*checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", cfg.SnapshotTopic)
				}
				return nil
			},
		})
	}
	if cfg.SignalSubscription != "" {
		c.signals, err = jobs.NewSignalNotifier(client.Subscription(cfg.SignalSubscription), c.logger.Named("signals"))
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) buildSync(options containerOptions) {
	cfg := c.Config
	notifiers := c.Registry.ChangeNotifiers()
	if c.signals != nil {
		notifiers = append(notifiers, c.signals)
	}
	defaultMarkup := domain.MarkupSettings{Percent: cfg.Pricing.DefaultMarkupPercent, Type: domain.MarkupTypePercentage}
	c.Sync = services.NewSyncManager(services.SyncControllerDeps{
		Sources:          c.Sources,
		Markup:           c.Registry.MarkupSettings(),
		DefaultMarkup:    &defaultMarkup,
		Composer:         c.Composer,
		Notifiers:        notifiers,
		PollInterval:     cfg.Sync.PollInterval,
		Debounce:         cfg.Sync.Debounce,
		BreakerThreshold: cfg.Sync.BreakerThreshold,
		BreakerCooldown:  cfg.Sync.BreakerCooldown,
		Clock:            options.clock,
		Logger:           c.logger.Named("sync"),
	})

	if c.publisher != nil {
		var publisher repositories.SnapshotPublisher = c.publisher
		logger := c.logger.Named("publisher")
		// Publishing inline keeps per-package ordering intact.
		c.unsubscribe = c.Sync.Subscribe(func(update domain.SnapshotUpdate) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if _, err := publisher.PublishSnapshot(ctx, update); err != nil {
				logger.Warn("snapshot publish failed", zap.String("packageId", update.PackageID), zap.Error(err))
			}
		})
	}
}

// DefaultMarkup returns the markup applied to packages without stored settings.
func (c *Container) DefaultMarkup() domain.MarkupSettings {
	return domain.MarkupSettings{Percent: c.Config.Pricing.DefaultMarkupPercent, Type: domain.MarkupTypePercentage}
}

// Start launches the daily rate refresh and the Pub/Sub signal receiver.
func (c *Container) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	if c.scheduler != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("rate scheduler stopped", zap.Error(err))
			}
		}()
	}
	if c.signals != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.signals.Run(runCtx); err != nil {
				c.logger.Error("signal receiver stopped", zap.Error(err))
			}
		}()
	}
}

// Close stops background workers and releases clients. It is safe to call more than once.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if c.Sync != nil {
			c.Sync.Close()
		}
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		err = c.closeResources(ctx)
	})
	return err
}

func (c *Container) closeResources(ctx context.Context) error {
	var errs []error
	if c.publisher != nil {
		c.publisher.Stop()
	}
	if c.pubsub != nil {
		errs = append(errs, c.pubsub.Close())
	}
	if c.Registry != nil {
		errs = append(errs, c.Registry.Close(ctx))
	}
	for _, closeFn := range c.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}
