// Package recovery centralizes failure handling: transport reconnection,
// store error accounting, periodic state reconciliation and the crash path.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/clinicware/patientflow/internal/cache"
	"github.com/clinicware/patientflow/internal/operator"
	"github.com/clinicware/patientflow/internal/phone"
	"github.com/clinicware/patientflow/internal/state"
)

// Failure contexts, used as log fields and carried on the status document.
const (
	ContextTransportDisconnected = "transport-disconnected"
	ContextTransportAuthFailure  = "transport-auth-failure"
	ContextStoreError            = "store-error"
	ContextMemoryPressure        = "memory-pressure"
	ContextMessageProcessing     = "message-processing"
	ContextUnhandled             = "unhandled"
)

// Reconnector re-establishes the messaging transport.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

const (
	ledgerRetention  = 24 * time.Hour
	sessionRetention = 7 * 24 * time.Hour
	// purgeAlertFloor is how many reconciled phones in one pass warrant an
	// operator note.
	purgeAlertFloor = 10
)

type Config struct {
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	Production           bool
}

type Status struct {
	State             string    `json:"state"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitzero"`
	HeapMB            uint64    `json:"heap_mb"`
}

type Manager struct {
	st    *state.Manager
	cache *cache.Cache
	res   *phone.Resolver
	op    *operator.Notifier
	log   *slog.Logger
	cfg   Config
	rec   Reconnector

	// status fields are read by the HTTP status handler off the
	// orchestrator goroutine.
	mu                sync.Mutex
	startedAt         time.Time
	state             string
	reconnectAttempts int
	lastError         string
	lastErrorAt       time.Time

	sleep func(time.Duration)
	exit  func(int)
	probe func(context.Context) error
}

func NewManager(st *state.Manager, c *cache.Cache, res *phone.Resolver, op *operator.Notifier, logger *slog.Logger, cfg Config) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 30 * time.Second
	}
	return &Manager{
		st:        st,
		cache:     c,
		res:       res,
		op:        op,
		log:       logger,
		cfg:       cfg,
		startedAt: time.Now(),
		state:     "online",
		sleep:     time.Sleep,
		exit:      os.Exit,
	}
}

func (m *Manager) SetReconnector(r Reconnector) { m.rec = r }

func (m *Manager) SetSleep(f func(time.Duration)) { m.sleep = f }

func (m *Manager) SetExit(f func(int)) { m.exit = f }

func (m *Manager) SetProbe(f func(context.Context) error) { m.probe = f }

// Note records a failure against the status document without taking any
// recovery action.
func (m *Manager) Note(failureContext string, err error) {
	m.log.Error("failure noted", "context", failureContext, "err", err)
	m.mu.Lock()
	m.lastError = failureContext + ": " + err.Error()
	m.lastErrorAt = time.Now()
	m.mu.Unlock()
}

// HandleStoreError accounts for a registry or snapshot store failure and
// re-probes the store once to tell a transient blip from a real outage. The
// caller keeps running on stale data either way.
func (m *Manager) HandleStoreError(err error) {
	m.Note(ContextStoreError, err)
	if m.probe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if perr := m.probe(ctx); perr != nil {
		m.log.Error("store re-probe failed", "err", perr)
		return
	}
	m.log.Info("store re-probe succeeded, treating failure as transient")
}

// HandleDisconnect runs the bounded reconnect loop: linearly growing waits,
// a hard attempt ceiling, escalation and halt on exhaustion.
func (m *Manager) HandleDisconnect(ctx context.Context, err error) {
	m.Note(ContextTransportDisconnected, err)
	if m.rec == nil {
		return
	}
	m.setState("reconnecting")

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.mu.Lock()
		m.reconnectAttempts = attempt
		m.mu.Unlock()

		delay := time.Duration(attempt) * m.cfg.ReconnectBase
		m.log.Warn("reconnecting transport", "attempt", attempt, "delay", delay)
		m.sleep(delay)
		if ctx.Err() != nil {
			return
		}

		rerr := m.rec.Reconnect(ctx)
		if rerr == nil {
			m.log.Info("transport reconnected", "attempts", attempt)
			m.setState("online")
			m.mu.Lock()
			m.reconnectAttempts = 0
			m.mu.Unlock()
			return
		}
		m.log.Error("reconnect attempt failed", "attempt", attempt, "err", rerr)
	}

	m.setState("halted")
	m.op.Escalate(ctx, "Conexão com o mensageiro perdida",
		fmt.Sprintf("Reconexão falhou após %d tentativas. Intervenção manual necessária.", m.cfg.MaxReconnectAttempts))
	m.st.Persist()
	if m.cfg.Production {
		m.exit(1)
	}
}

// HandleAuthFailure is terminal: the transport credentials were revoked and
// no retry can fix that.
func (m *Manager) HandleAuthFailure(ctx context.Context, err error) {
	m.Note(ContextTransportAuthFailure, err)
	m.setState("halted")
	m.op.Escalate(ctx, "Autenticação do mensageiro revogada",
		"Reautentique o dispositivo para retomar o serviço.")
	m.st.Persist()
	if m.cfg.Production {
		m.exit(1)
	}
}

// HandleUnhandled is the last-resort path for a panic or unexpected error:
// persist what we have, tell the operator, and in production let the
// supervisor restart the process.
func (m *Manager) HandleUnhandled(ctx context.Context, err error) {
	m.Note(ContextUnhandled, err)
	m.st.Persist()
	m.mu.Lock()
	uptime := time.Since(m.startedAt).Round(time.Second)
	m.mu.Unlock()
	m.op.Escalate(ctx, "Erro inesperado no serviço",
		fmt.Sprintf("%s\nTempo de atividade: %s", err.Error(), uptime))
	if m.cfg.Production {
		m.sleep(2 * time.Second)
		m.exit(1)
	}
}

// Reconcile trims aged ledger entries and sessions and drops state for
// phones that left the registry. A large purge gets an operator note, since
// it usually means the registry itself changed shape.
func (m *Manager) Reconcile(ctx context.Context, now time.Time) {
	prunedLedger := m.st.PruneLedger(now.Add(-ledgerRetention))
	prunedSessions := m.st.PruneSessions(now.Add(-sessionRetention))

	live := map[string]struct{}{}
	for _, rec := range m.cache.Records() {
		if key := m.res.Normalize(rec.RawPhone); key != "" {
			live[key] = struct{}{}
		}
	}
	purged := 0
	if len(live) > 0 {
		purged = m.st.ReconcilePhones(live)
	}

	m.st.Persist()
	m.log.Info("state reconciled",
		"pruned_ledger", prunedLedger,
		"pruned_sessions", prunedSessions,
		"purged_phones", purged,
	)
	if purged > purgeAlertFloor {
		m.op.Escalate(ctx, "Limpeza de estado acima do normal",
			fmt.Sprintf("%d telefones removidos do estado por não constarem mais no cadastro.", purged))
	}
}

// CheckMemory reacts to heap growth past the threshold with an immediate
// reconcile pass, since stale ledger and session entries are the only
// unbounded allocations. Zero disables the check.
func (m *Manager) CheckMemory(ctx context.Context, thresholdMB uint64) {
	if thresholdMB == 0 {
		return
	}
	if heap := heapMB(); heap > thresholdMB {
		m.Note(ContextMemoryPressure, fmt.Errorf("heap at %d MB, threshold %d MB", heap, thresholdMB))
		m.Reconcile(ctx, time.Now())
	}
}

// Status snapshots the health document served over HTTP.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:             m.state,
		UptimeSeconds:     int64(time.Since(m.startedAt).Seconds()),
		ReconnectAttempts: m.reconnectAttempts,
		LastError:         m.lastError,
		LastErrorAt:       m.lastErrorAt,
		HeapMB:            heapMB(),
	}
}

func (m *Manager) setState(s string) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func heapMB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc / (1 << 20)
}
