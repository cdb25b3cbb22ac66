package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/prelist/internal/analytics"
	"github.com/djlord-it/prelist/internal/api"
	"github.com/djlord-it/prelist/internal/cache"
	"github.com/djlord-it/prelist/internal/circuitbreaker"
	"github.com/djlord-it/prelist/internal/config"
	"github.com/djlord-it/prelist/internal/cron"
	"github.com/djlord-it/prelist/internal/domain"
	"github.com/djlord-it/prelist/internal/fetcher"
	"github.com/djlord-it/prelist/internal/metrics"
	"github.com/djlord-it/prelist/internal/notify"
	"github.com/djlord-it/prelist/internal/retry"
	"github.com/djlord-it/prelist/internal/scheduler"
	"github.com/djlord-it/prelist/internal/store/sqlite"
	"github.com/djlord-it/prelist/internal/transport/channel"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

const cacheSweepInterval = 10 * time.Minute

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`prelist - pre-event attendee-list scheduler

Usage:
  prelist <command>

Commands:
  serve      Start the fetch loop, scheduler and API server
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  EVENTS_API_URL            Upstream events API base URL (required)
  EVENTS_API_TOKEN          Bearer token for the events API (optional)
  DATABASE_PATH             SQLite database file (default: "prelist.db")
  HTTP_ADDR                 HTTP server address (default: ":8080")
  REDIS_ADDR                Redis address for analytics (optional)
  LIST_OUTPUT_DIR           Directory for generated lists (default: "attendee-lists")

  PRE_EVENT_OFFSET          Lead time before event start (default: "30m")
  GRACE_WINDOW              Late-dispatch window past target (default: "60m")
  FETCH_WINDOW_HOURS        Discovery look-ahead in hours (default: "72")
  RUN_INTERVAL              Fetch loop tick (default: "1h")
  FETCH_CRON                Cron expression overriding RUN_INTERVAL (optional)
  DATABASE_CLEANUP_DAYS     Retention for terminal events (default: "30")

  RETRY_MAX_ATTEMPTS        Processing attempts per job (default: "3")
  RETRY_BASE_DELAY          First retry delay, doubled per attempt (default: "5m")

  CACHE_CAPACITY            Cache entry limit (default: "128")
  CACHE_STALE_TTL           Stale-read window (default: "24h")
  CB_FAILURE_THRESHOLD      Failures to open the breaker, 0 disables (default: "5")
  CB_SUCCESS_THRESHOLD      Half-open successes to close (default: "2")
  CB_COOLDOWN               Open-state cooldown (default: "1m")

  WEBHOOK_ENABLED           Enable webhook notifications (default: "false")
  WEBHOOK_URL               HTTPS endpoint for notifications
  WEBHOOK_SECRET            HMAC signing secret
  WEBHOOK_TIMEOUT           Per-delivery timeout (default: "10s")
  NOTIFY_DRAIN_TIMEOUT      Shutdown drain budget (default: "30s")

  STORE_OP_TIMEOUT          Per-operation store timeout (default: "5s")
  STORE_BUSY_RETRIES        Retries on SQLITE_BUSY (default: "5")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	store, err := sqlite.Open(cfg.DatabasePath, sqlite.Options{
		OpTimeout:   cfg.StoreOpTimeout,
		BusyRetries: cfg.StoreBusyRetries,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer store.Close()
	log.Printf("prelist: database open (path=%s)", cfg.DatabasePath)

	// Metrics sink (optional). Everything downstream takes the sink
	// unconditionally; the noop implementation costs nothing.
	sink := metrics.Sink(metrics.NewNoopSink())
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("prelist: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("prelist: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("prelist: METRICS_ENABLED not set; metrics disabled")
	}

	// Upstream events API behind the fresh/stale cache and the breaker.
	// Data stays fresh for one fetch interval; stale reads cover upstream
	// outages up to CACHE_STALE_TTL.
	eventCache := cache.New(cfg.CacheCapacity)
	failureThreshold := cfg.CBFailureThreshold
	if failureThreshold == 0 {
		// Threshold high enough that the breaker never opens.
		failureThreshold = 1 << 30
		log.Println("prelist: CB_FAILURE_THRESHOLD=0; circuit breaker disabled")
	}
	breaker := circuitbreaker.New("events-api", circuitbreaker.Config{
		FailureThreshold: failureThreshold,
		SuccessThreshold: cfg.CBSuccessThreshold,
		Cooldown:         cfg.CBCooldown,
	})
	source := fetcher.NewCachedSource(
		fetcher.NewHTTPSource(cfg.EventsAPIURL, cfg.EventsAPIToken, 30*time.Second),
		eventCache, breaker, cfg.RunInterval, cfg.CacheStaleTTL,
	).WithMetrics(sink)

	// Notification pipeline: bus plus webhook worker, only when enabled.
	// With no notifier wired, emits are skipped at the source.
	var bus *channel.Bus
	var worker *notify.Worker
	if cfg.WebhookEnabled {
		sender, err := notify.NewSender(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "webhook configuration error: %v\n", err)
			return exitInvalidConfig
		}
		bus = channel.NewBus(100)
		worker = notify.NewWorker(sender.WithMetrics(sink)).
			WithMetrics(sink).
			WithDrainTimeout(cfg.NotifyDrainTimeout)
		log.Printf("prelist: webhook notifications enabled (url=%s)", cfg.WebhookURL)
	} else {
		log.Println("prelist: WEBHOOK_ENABLED not set; notifications disabled")
	}

	processor := fetcher.NewAttendeeListProcessor(source, cfg.ListOutputDir)

	coordinator := retry.New(store, cfg.RetryMaxAttempts, cfg.RetryBaseDelay).
		WithMetrics(sink)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		coordinator.WithAnalytics(analytics.NewRedisSink(redisClient, analytics.Options{}))
		log.Printf("prelist: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("prelist: REDIS_ADDR not set; analytics disabled")
	}

	sched := scheduler.New(
		scheduler.Config{
			PreEventOffset: cfg.PreEventOffset,
			GraceWindow:    cfg.GraceWindow,
		},
		store, processor, coordinator,
	).WithMetrics(sink)
	coordinator.SetRearmer(sched)

	if bus != nil {
		coordinator.WithNotifier(bus)
		sched.WithNotifier(bus)
	}

	var cronSchedule cron.Schedule
	if cfg.FetchCron != "" {
		cronSchedule, err = cron.NewParser().Parse(cfg.FetchCron)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid FETCH_CRON: %v\n", err)
			return exitInvalidConfig
		}
		log.Printf("prelist: fetch schedule %q", cfg.FetchCron)
	}

	fetch := fetcher.New(
		fetcher.Config{
			WindowHours:  cfg.FetchWindowHours,
			Interval:     cfg.RunInterval,
			CronSchedule: cronSchedule,
			CleanupAfter: time.Duration(cfg.DatabaseCleanupDays) * 24 * time.Hour,
		},
		source, store, sched,
	).WithMetrics(sink)

	apiHandler := api.NewHandler(store, breaker, eventCache, sched)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}
	go func() {
		log.Printf("prelist: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("prelist: http server error: %v", err)
		}
	}()

	// Separate contexts per component so shutdown can be ordered: fetcher
	// first (no new jobs), then scheduler dispatches, then the worker
	// drains buffered notifications.
	fetcherCtx, cancelFetcher := context.WithCancel(context.Background())
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	workerCtx, cancelWorker := context.WithCancel(context.Background())

	sched.Start(schedulerCtx)
	if err := sched.Recover(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "recovery failed: %v\n", err)
		cancelFetcher()
		cancelScheduler()
		cancelWorker()
		return exitRuntimeError
	}
	log.Printf("prelist: recovery complete, %d timers armed", sched.ActiveTimers())

	go eventCache.RunSweeper(fetcherCtx, cacheSweepInterval)

	var fetcherWg, workerWg sync.WaitGroup

	fetcherWg.Add(1)
	go func() {
		defer fetcherWg.Done()
		_ = fetch.Run(fetcherCtx)
	}()

	if worker != nil {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			worker.Run(workerCtx, bus.Channel())
		}()
	}

	emitServiceStatus(bus, "started")
	log.Printf("prelist: started (offset=%s, window=%dh, http=%s)",
		cfg.PreEventOffset, cfg.FetchWindowHours, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("prelist: received signal %v, shutting down", received)

	// Phase 1: stop discovery, no new jobs arrive.
	log.Println("prelist: stopping fetcher...")
	cancelFetcher()
	fetcherWg.Wait()
	log.Println("prelist: fetcher stopped")

	// Phase 2: disarm timers and let in-flight dispatches finish. Durable
	// state stays scheduled/retrying; recovery re-arms on next start.
	log.Println("prelist: stopping scheduler...")
	sched.CancelAll()
	sched.Wait()
	cancelScheduler()
	log.Println("prelist: scheduler stopped")

	// Phase 3: drain buffered notifications.
	emitServiceStatus(bus, "stopping")
	if worker != nil {
		log.Println("prelist: stopping notification worker (draining)...")
		cancelWorker()
		workerWg.Wait()
		log.Println("prelist: notification worker stopped")
	} else {
		cancelWorker()
	}

	// Phase 4: stop HTTP servers.
	log.Println("prelist: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("prelist: http server shutdown error: %v", err)
	}
	log.Println("prelist: http server stopped")

	if metricsServer != nil {
		log.Println("prelist: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("prelist: metrics server shutdown error: %v", err)
		}
		log.Println("prelist: metrics server stopped")
	}

	log.Println("prelist: stopped")
	return exitSuccess
}

func emitServiceStatus(bus *channel.Bus, status string) {
	if bus == nil {
		return
	}
	n := domain.NotificationEvent{
		ID:        uuid.New(),
		Type:      domain.NotificationServiceStatus,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"status":  status,
			"version": version,
		},
	}
	if err := bus.Emit(context.Background(), n); err != nil {
		log.Printf("prelist: service status notification dropped: %v", err)
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("prelist version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
