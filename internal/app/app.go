package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spoilwatch/internal/alerting"
	"spoilwatch/internal/cache"
	"spoilwatch/internal/config"
	"spoilwatch/internal/device"
	"spoilwatch/internal/events"
	"spoilwatch/internal/metrics"
	"spoilwatch/internal/scheduler"
	"spoilwatch/internal/service"
	"spoilwatch/internal/storage"
	"spoilwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newTransport() device.Transport {
	if a.Config.Sensor.Mock {
		a.Logger.Warn().Msg("sensor.mock enabled; readings are synthetic")
		return device.NewMockTransport(uint64(time.Now().UnixNano()))
	}
	ua := a.Config.Sensor.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return device.NewHTTPTransport(device.HTTPOptions{
		Timeout:   a.Config.Sensor.RequestTimeout,
		UserAgent: ua,
	}, a.Logger)
}

func (a *App) devices() ([]device.Device, error) {
	devices, err := a.Config.ParseDevices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		if !a.Config.Sensor.Mock {
			return nil, errors.New("sensor.devices is empty; configure at least one device or enable sensor.mock")
		}
		devices = []device.Device{{ID: "mock-001", Address: "mock://mock-001"}}
	}
	return devices, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return alerting.NewLogNotifier(a.Logger)
	}
	tw := a.Config.Alerting.Twilio
	return alerting.NewTwilioNotifier(alerting.TwilioOptions{
		AccountSID: tw.AccountSID,
		AuthToken:  tw.AuthToken,
		FromNumber: tw.FromNumber,
		WebhookURL: tw.WebhookURL,
		APIBase:    tw.APIBase,
		Timeout:    a.Config.Alerting.NotifyTimeout,
	}, a.Logger)
}

func (a *App) newPublisher() (events.Publisher, error) {
	cfg := a.Config.Events
	switch cfg.Backend {
	case "mqtt":
		return events.NewMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic)
	case "kafka":
		return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	default:
		return events.Nop{}, nil
	}
}

// openLatest returns nil when redis is not configured or unreachable.
func (a *App) openLatest(ctx context.Context) (*cache.Latest, func()) {
	if a.Config.Redis.Addr == "" {
		return nil, func() {}
	}
	client := cache.NewRedisClient(a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.Logger.Warn().Err(err).Str("addr", a.Config.Redis.Addr).Msg("redis unavailable; latest-reading cache disabled")
		_ = client.Close()
		return nil, func() {}
	}
	return cache.NewLatest(cache.NewRedisKV(client), a.Config.Redis.TTL), func() { _ = client.Close() }
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// openHistory opens the persistent store for read-side commands.
func (a *App) openHistory(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; history is unavailable")
	}
	return store, closeStore, nil
}

func (a *App) serviceOptions() service.Options {
	return service.Options{
		Thresholds:      a.Config.Thresholds,
		Cooldown:        a.Config.Alerting.Cooldown,
		PhoneNumber:     a.Config.Alerting.PhoneNumber,
		RequestTimeout:  a.Config.Sensor.RequestTimeout,
		NotifyTimeout:   a.Config.Alerting.NotifyTimeout,
		RetentionWindow: a.Config.Retention.Window,
		StoreTimeout:    a.Config.Database.QueryTimeout,
		MaxConcurrent:   a.Config.ResolveMaxConcurrent(),
	}
}

// Run executes the long-running sampling service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	devices, err := a.devices()
	if err != nil {
		return err
	}

	var repo storage.Repository
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, history is lost on restart")
		repo = storage.NewMemoryStore()
	} else {
		defer closeStore()
		repo = store
	}

	latest, closeLatest := a.openLatest(ctx)
	defer closeLatest()

	publisher, err := a.newPublisher()
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer publisher.Close()

	health := metrics.NewHealth()
	options := []service.Option{service.WithPublisher(publisher), service.WithHealth(health)}
	if latest != nil {
		options = append(options, service.WithLatestCache(latest))
	}
	coord := service.New(a.serviceOptions(), devices, a.newTransport(), repo, a.newNotifier(), a.Logger, options...)

	sampling := scheduler.New(scheduler.Options{
		Name:          "sampler",
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	retention := scheduler.New(scheduler.Options{
		Name:     "retention",
		Interval: a.Config.Retention.Interval,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sampling.Run(gctx, coord.ProcessTick) })
	g.Go(func() error { return retention.Run(gctx, coord.CleanupTick) })
	if a.Config.Metrics.Enabled {
		srv := metrics.NewServer(a.Config.Metrics.Listen, health, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Int("devices", len(devices)).Dur("interval", a.Config.Scheduler.Interval).Msg("starting sampling service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sampling service stopped")
	return nil
}

// ExportOptions hold parameters for exporting reading history.
type ExportOptions struct {
	DeviceID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	DeviceID string
	Limit    int
	Latest   bool
	Alerts   bool
	Devices  bool
}

// ReportOptions configure the report command.
type ReportOptions struct {
	DeviceID string
	Window   time.Duration
	To       *time.Time
}
