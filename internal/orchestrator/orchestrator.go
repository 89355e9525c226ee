// Package orchestrator drives the whole service from a single task queue:
// timer ticks and inbound messages are serialized onto one consumer, so the
// state manager and the mirror never see concurrent access.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/changes"
	"github.com/clinicware/patientflow/internal/consent"
	"github.com/clinicware/patientflow/internal/menu"
	"github.com/clinicware/patientflow/internal/messenger"
	"github.com/clinicware/patientflow/internal/notify"
	"github.com/clinicware/patientflow/internal/operator"
	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/recovery"
	"github.com/clinicware/patientflow/internal/registry"
	"github.com/clinicware/patientflow/internal/state"
)

type Config struct {
	Production      bool
	ScanInterval    time.Duration
	SweepInterval   time.Duration
	ProbeInterval   time.Duration
	PersistInterval time.Duration
	ReconcileEvery  time.Duration
	ConsentSweep    time.Duration
	MemThresholdMB  uint64
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
		if c.Production {
			c.SweepInterval = 2 * time.Minute
		}
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Minute
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 5 * time.Minute
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = time.Hour
	}
	if c.ConsentSweep <= 0 {
		c.ConsentSweep = 4 * time.Hour
	}
}

type Engine struct {
	log    *slog.Logger
	cfg    Config
	st     *state.Manager
	cache  *cache.Cache
	reg    registry.Registry
	res    *phone.Resolver
	det    *changes.Detector
	wf     *consent.Workflow
	sched  *notify.Scheduler
	router *menu.Router
	rec    *recovery.Manager
	op     *operator.Notifier

	tasks chan func(context.Context)
	now   func() time.Time
}

type Deps struct {
	State     *state.Manager
	Cache     *cache.Cache
	Registry  registry.Registry
	Resolver  *phone.Resolver
	Detector  *changes.Detector
	Consent   *consent.Workflow
	Scheduler *notify.Scheduler
	Router    *menu.Router
	Recovery  *recovery.Manager
	Operator  *operator.Notifier
}

func NewEngine(logger *slog.Logger, cfg Config, d Deps) *Engine {
	cfg.applyDefaults()
	return &Engine{
		log:    logger,
		cfg:    cfg,
		st:     d.State,
		cache:  d.Cache,
		reg:    d.Registry,
		res:    d.Resolver,
		det:    d.Detector,
		wf:     d.Consent,
		sched:  d.Scheduler,
		router: d.Router,
		rec:    d.Recovery,
		op:     d.Operator,
		tasks:  make(chan func(context.Context), 256),
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// EnqueueMessage hands an inbound message to the consumer queue. Safe to
// call from transport goroutines.
func (e *Engine) EnqueueMessage(ctx context.Context, msg messenger.Message) {
	e.EnqueueTask(ctx, func(c context.Context) { e.router.Handle(c, msg) })
}

// EnqueueTask puts an arbitrary closure on the consumer queue. State and
// mirror access is only safe from inside such a task.
func (e *Engine) EnqueueTask(ctx context.Context, fn func(context.Context)) {
	select {
	case e.tasks <- fn:
	case <-ctx.Done():
	}
}

// Run blocks until the context is cancelled, consuming timer ticks and
// queued tasks on a single goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.st.Load(); err != nil {
		e.log.Warn("continuing with empty state")
	}
	if err := e.cache.Refresh(ctx); err != nil {
		e.log.Error("initial mirror load failed", "err", err)
	}
	e.st.SetCacheRefreshedAt(e.cache.RefreshedAt())

	e.op.Digest(ctx, "Serviço online", []string{
		fmt.Sprintf("Pacientes no cadastro: %d", len(e.cache.Records())),
		fmt.Sprintf("Início: %s", e.now().Format("02/01/2006 15:04")),
	})

	e.runTask(ctx, "scan", e.scanCycle)
	e.runTask(ctx, "sweep", e.sweepCycle)

	scanT := time.NewTicker(e.cfg.ScanInterval)
	sweepT := time.NewTicker(e.cfg.SweepInterval)
	probeT := time.NewTicker(e.cfg.ProbeInterval)
	persistT := time.NewTicker(e.cfg.PersistInterval)
	reconcileT := time.NewTicker(e.cfg.ReconcileEvery)
	consentT := time.NewTicker(e.cfg.ConsentSweep)
	defer func() {
		scanT.Stop()
		sweepT.Stop()
		probeT.Stop()
		persistT.Stop()
		reconcileT.Stop()
		consentT.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case task := <-e.tasks:
			e.runTask(ctx, "message", task)
		case <-scanT.C:
			e.runTask(ctx, "scan", e.scanCycle)
		case <-sweepT.C:
			e.runTask(ctx, "sweep", e.sweepCycle)
		case <-probeT.C:
			e.runTask(ctx, "probe", e.probe)
		case <-persistT.C:
			e.st.Persist()
		case <-reconcileT.C:
			e.runTask(ctx, "reconcile", func(c context.Context) { e.rec.Reconcile(c, e.now()) })
		case <-consentT.C:
			e.runTask(ctx, "consent-sweep", func(c context.Context) { e.wf.SweepExpired(c, e.res.Address, e.now()) })
		}
	}
}

// runTask executes one queued task or timer cycle. A panic inside it is
// contained: state is persisted and the operator told before the recovery
// policy decides whether the process lives on.
func (e *Engine) runTask(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.rec.HandleUnhandled(ctx, fmt.Errorf("%s task: panic: %v", name, r))
		}
	}()
	fn(ctx)
}

// scanCycle refreshes the mirror and walks it once: change detection for
// every row, then the consent request for rows not yet processed.
func (e *Engine) scanCycle(ctx context.Context) {
	now := e.now()
	if err := e.cache.EnsureFresh(ctx); err != nil {
		e.log.Error("scan skipped, mirror unavailable", "err", err)
		return
	}
	e.st.SetCacheRefreshedAt(e.cache.RefreshedAt())

	dispatched := 0
	for _, rec := range e.cache.Records() {
		key := e.res.Normalize(rec.RawPhone)
		if key == "" {
			continue
		}
		e.det.Observe(key, rec.Date, rec.TrimmedStatus())

		if e.st.IsNotified(key) {
			continue
		}
		if rec.ConsentTerminal() {
			e.st.MarkNotified(key)
			continue
		}
		if !e.sched.InWindow(now) {
			continue
		}
		if e.wf.Dispatch(ctx, key, e.res.Address(rec.RawPhone), rec, now) {
			e.st.MarkNotified(key)
			dispatched++
		}
	}
	if dispatched > 0 {
		e.st.Persist()
		e.log.Info("registration cycle complete", "consent_requests", dispatched)
	}
}

func (e *Engine) sweepCycle(ctx context.Context) {
	e.sched.Sweep(ctx, e.now())
}

func (e *Engine) probe(ctx context.Context) {
	if err := e.reg.Ping(ctx); err != nil {
		e.rec.HandleStoreError(fmt.Errorf("registry probe: %w", err))
	}
	e.rec.CheckMemory(ctx, e.cfg.MemThresholdMB)
}

func (e *Engine) shutdown() {
	e.st.Persist()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.op.Digest(ctx, "Serviço encerrando", []string{
		fmt.Sprintf("Estado salvo às %s", e.now().Format("02/01/2006 15:04")),
		fmt.Sprintf("Tempo de atividade: %ds", e.rec.Status().UptimeSeconds),
	})
	e.log.Info("orchestrator stopped")
}
