package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/changes"
	"github.com/clinicware/patientflow/internal/consent"
	"github.com/clinicware/patientflow/internal/menu"
	"github.com/clinicware/patientflow/internal/messenger"
	"github.com/clinicware/patientflow/internal/notify"
	"github.com/clinicware/patientflow/internal/operator"
	"github.com/clinicware/patientflow/internal/orchestrator"
	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/recovery"
	"github.com/clinicware/patientflow/internal/registry"
	"github.com/clinicware/patientflow/internal/state"
	"github.com/clinicware/patientflow/libs/config"
	"github.com/clinicware/patientflow/libs/db"
	"github.com/clinicware/patientflow/libs/httpx"
	"github.com/clinicware/patientflow/libs/kafkax"
	otelx "github.com/clinicware/patientflow/libs/otel"
	"github.com/clinicware/patientflow/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "patientflow")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)
	production := config.Bool("PRODUCTION", false)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()
	reg := registry.NewPostgres(pool)

	windowStart, err := config.Hour("NOTIFY_WINDOW_START", 7)
	if err != nil {
		panic(err)
	}
	windowEnd, err := config.Hour("NOTIFY_WINDOW_END", 20)
	if err != nil {
		panic(err)
	}

	res := phone.NewResolver(
		config.String("PHONE_COUNTRY_CODE", "55"),
		config.String("PHONE_DEFAULT_AREA", "11"),
		config.String("MESSENGER_ADDRESS_SUFFIX", "@c.us"),
	)

	var store state.Store
	var redisStore *state.RedisStore
	switch config.String("STATE_BACKEND", "file") {
	case "redis":
		redisStore = state.NewRedisStore(
			config.String("REDIS_ADDR", "localhost:6379"),
			config.String("STATE_REDIS_KEY", ""),
		)
		defer redisStore.Close()
		store = redisStore
	default:
		store = state.NewFileStore(config.String("STATE_FILE", "data/state.json"))
	}
	st := state.NewManager(store, logger)

	mirror := cache.New(reg, res, logger, cache.Config{
		TTL:            config.Duration("CACHE_TTL", 30*time.Second),
		DefaultAddress: config.String("DEFAULT_EXAM_ADDRESS", ""),
	})

	brokers := config.String("KAFKA_BROKERS", "")
	sender := messenger.NewKafkaSender(brokers, config.String("KAFKA_OUTBOUND_TOPIC", "messenger.outbound.v1"))
	defer sender.Close()

	op := operator.NewNotifier(sender, config.String("OPERATOR_ADDRESS", ""), logger)
	wf := consent.NewWorkflow(st, mirror, sender, op, logger, consent.Config{
		MaxAttempts:    config.Int("CONSENT_MAX_ATTEMPTS", 3),
		SessionTimeout: config.Duration("CONSENT_SESSION_TIMEOUT", 72*time.Hour),
	})
	sched := notify.NewScheduler(st, mirror, res, sender, logger, notify.Config{
		WindowStartHour: windowStart,
		WindowEndHour:   windowEnd,
	})
	router := menu.NewRouter(st, mirror, res, wf, sender, op, logger)
	det := changes.NewDetector(st, logger)

	recm := recovery.NewManager(st, mirror, res, op, logger, recovery.Config{
		MaxReconnectAttempts: config.Int("RECONNECT_MAX_ATTEMPTS", 10),
		ReconnectBase:        config.Duration("RECONNECT_BASE_DELAY", 30*time.Second),
		Production:           production,
	})
	mirror.SetStoreErrorHook(recm.HandleStoreError)
	recm.SetProbe(reg.Ping)
	router.SetFailureHook(func(err error) {
		recm.Note(recovery.ContextMessageProcessing, err)
	})

	engine := orchestrator.NewEngine(logger, orchestrator.Config{
		Production:     production,
		MemThresholdMB: uint64(config.Int("MEM_THRESHOLD_MB", 0)),
	}, orchestrator.Deps{
		State:     st,
		Cache:     mirror,
		Registry:  reg,
		Resolver:  res,
		Detector:  det,
		Consent:   wf,
		Scheduler: sched,
		Router:    router,
		Recovery:  recm,
		Operator:  op,
	})

	consumer := messenger.NewKafkaConsumer(logger, messenger.ConsumerConfig{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", service),
		Topic:   config.String("KAFKA_INBOUND_TOPIC", "messenger.inbound.v1"),
	}, engine.EnqueueMessage)
	recm.SetReconnector(consumer)
	// Recovery persists state, so it must run on the orchestrator queue.
	consumer.SetDisconnectHandler(func(ctx context.Context, err error) {
		engine.EnqueueTask(ctx, func(c context.Context) { recm.HandleDisconnect(c, err) })
	})
	consumer.SetAuthErrorHandler(func(ctx context.Context, err error) {
		engine.EnqueueTask(ctx, func(c context.Context) { recm.HandleAuthFailure(c, err) })
	})
	go consumer.Run(ctx)
	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("orchestrator stopped with error", "err", err)
		}
	}()

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	}
	if redisStore != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisStore.ReadyCheck()})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recm.Status())
	})

	limiter := httpx.NewRateLimiter(config.Int("RATE_LIMIT", 60), time.Minute)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		limiter.Middleware(),
	)
	handler = otelhttp.NewHandler(handler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
