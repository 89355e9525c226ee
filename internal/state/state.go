// Package state owns all mutable orchestration state: the notification
// ledger, open consent sessions, change watermarks and the already-notified
// set, together with its durable snapshot.
package state

import (
	"log/slog"
	"time"
)

// Notification types tracked in the ledger.
const (
	TypeConsentSent      = "consent_sent"
	TypeReminder7d       = "reminder_7d"
	TypeReminder2d       = "reminder_2d"
	TypeFeedback         = "feedback"
	TypeUnregisteredInfo = "unregistered_info"
	TypeMenuShown        = "menu_shown"
)

// defaultTTL gates any type without an explicit entry; tuned so a daily
// batch driver never double-sends within one operational day but a
// multi-run-per-day schedule still works.
const defaultTTL = 23 * time.Hour

var ttls = map[string]time.Duration{
	TypeConsentSent:      12 * time.Hour,
	TypeReminder7d:       20 * time.Hour,
	TypeReminder2d:       20 * time.Hour,
	TypeFeedback:         3 * 24 * time.Hour,
	TypeUnregisteredInfo: 30 * time.Minute,
	TypeMenuShown:        1 * time.Second,
}

// TTLFor returns the dedup window for a notification type.
func TTLFor(typ string) time.Duration {
	if d, ok := ttls[typ]; ok {
		return d
	}
	return defaultTTL
}

// Session is one open consent conversation, keyed by canonical phone.
type Session struct {
	Name        string `json:"name"`
	Attempts    int    `json:"attempts"`
	FirstSentAt int64  `json:"first_sent_at"`
	LastSentAt  int64  `json:"last_sent_at"`
}

// Manager holds the in-memory state and its durable store. All methods are
// called from the single orchestrator consumer; no internal locking.
type Manager struct {
	store Store
	log   *slog.Logger

	notified         map[string]struct{}
	ledger           map[string]map[string]int64
	sessions         map[string]*Session
	lastDates        map[string]string
	lastStatuses     map[string]string
	cacheRefreshedAt int64
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:        store,
		log:          logger,
		notified:     map[string]struct{}{},
		ledger:       map[string]map[string]int64{},
		sessions:     map[string]*Session{},
		lastDates:    map[string]string{},
		lastStatuses: map[string]string{},
	}
}

// Load restores the last snapshot, if any. A corrupt or missing snapshot
// leaves the manager empty rather than failing startup.
func (m *Manager) Load() error {
	snap, ok, err := m.store.Load()
	if err != nil {
		m.log.Error("state load failed, starting empty", "err", err)
		return err
	}
	if ok {
		m.Restore(snap)
		m.log.Info("state restored",
			"notified", len(m.notified),
			"ledger", len(m.ledger),
			"sessions", len(m.sessions),
		)
	}
	return nil
}

// Persist saves a snapshot. Failures are logged, never propagated: losing a
// persist costs at most one replayed TTL window after a crash.
func (m *Manager) Persist() {
	if err := m.store.Save(m.Snapshot()); err != nil {
		m.log.Error("state persist failed", "err", err)
	}
}

// HasSent reports whether a notification of the given type was sent to the
// phone within the type's TTL window.
func (m *Manager) HasSent(phone, typ string, now time.Time) bool {
	byType, ok := m.ledger[phone]
	if !ok {
		return false
	}
	ts, ok := byType[typ]
	if !ok {
		return false
	}
	return now.UnixMilli()-ts < TTLFor(typ).Milliseconds()
}

func (m *Manager) RecordSend(phone, typ string, now time.Time) {
	byType, ok := m.ledger[phone]
	if !ok {
		byType = map[string]int64{}
		m.ledger[phone] = byType
	}
	byType[typ] = now.UnixMilli()
}

func (m *Manager) IsNotified(phone string) bool {
	_, ok := m.notified[phone]
	return ok
}

func (m *Manager) MarkNotified(phone string) { m.notified[phone] = struct{}{} }

// ResetPatient re-arms a patient's workflows after an out-of-band mutation:
// the notified marker is cleared and the ledger keeps only the consent-sent
// timestamp, so reminders and feedback can fire again for the new date while
// a settled consent is not re-requested.
func (m *Manager) ResetPatient(phone string) {
	delete(m.notified, phone)
	if byType, ok := m.ledger[phone]; ok {
		if ts, ok := byType[TypeConsentSent]; ok {
			m.ledger[phone] = map[string]int64{TypeConsentSent: ts}
		} else {
			delete(m.ledger, phone)
		}
	}
}

func (m *Manager) Session(phone string) (*Session, bool) {
	s, ok := m.sessions[phone]
	return s, ok
}

func (m *Manager) SetSession(phone string, s *Session) { m.sessions[phone] = s }

func (m *Manager) DeleteSession(phone string) { delete(m.sessions, phone) }

// SessionPhones returns the keys of all open sessions, detached from the
// underlying map so callers may delete while iterating.
func (m *Manager) SessionPhones() []string {
	out := make([]string, 0, len(m.sessions))
	for p := range m.sessions {
		out = append(out, p)
	}
	return out
}

func (m *Manager) Watermarks(phone string) (date string, status string) {
	return m.lastDates[phone], m.lastStatuses[phone]
}

func (m *Manager) SetWatermarks(phone, date, status string) {
	m.lastDates[phone] = date
	m.lastStatuses[phone] = status
}

func (m *Manager) SetCacheRefreshedAt(t time.Time) { m.cacheRefreshedAt = t.UnixMilli() }

func (m *Manager) CacheRefreshedAt() time.Time { return time.UnixMilli(m.cacheRefreshedAt) }

// PruneLedger drops ledger entries with no timestamp newer than the cutoff.
func (m *Manager) PruneLedger(cutoff time.Time) int {
	limit := cutoff.UnixMilli()
	removed := 0
	for phone, byType := range m.ledger {
		active := false
		for _, ts := range byType {
			if ts >= limit {
				active = true
				break
			}
		}
		if !active {
			delete(m.ledger, phone)
			removed++
		}
	}
	return removed
}

// PruneSessions drops consent sessions whose first send is older than the
// cutoff.
func (m *Manager) PruneSessions(cutoff time.Time) int {
	limit := cutoff.UnixMilli()
	removed := 0
	for phone, s := range m.sessions {
		first := s.FirstSentAt
		if first == 0 {
			first = s.LastSentAt
		}
		if first < limit {
			delete(m.sessions, phone)
			removed++
		}
	}
	return removed
}

// ReconcilePhones purges notified markers and ledger entries for phones no
// longer present in the live registry.
func (m *Manager) ReconcilePhones(live map[string]struct{}) int {
	removed := 0
	for phone := range m.notified {
		if _, ok := live[phone]; !ok {
			delete(m.notified, phone)
			removed++
		}
	}
	for phone := range m.ledger {
		if _, ok := live[phone]; !ok {
			delete(m.ledger, phone)
			removed++
		}
	}
	return removed
}

func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{
		Notified:         make([]string, 0, len(m.notified)),
		CacheRefreshedAt: m.cacheRefreshedAt,
		Ledger:           make(map[string]map[string]int64, len(m.ledger)),
		Sessions:         make(map[string]Session, len(m.sessions)),
		LastDates:        make(map[string]string, len(m.lastDates)),
		LastStatuses:     make(map[string]string, len(m.lastStatuses)),
	}
	for p := range m.notified {
		snap.Notified = append(snap.Notified, p)
	}
	for p, byType := range m.ledger {
		cp := make(map[string]int64, len(byType))
		for t, ts := range byType {
			cp[t] = ts
		}
		snap.Ledger[p] = cp
	}
	for p, s := range m.sessions {
		snap.Sessions[p] = *s
	}
	for p, d := range m.lastDates {
		snap.LastDates[p] = d
	}
	for p, s := range m.lastStatuses {
		snap.LastStatuses[p] = s
	}
	return snap
}

func (m *Manager) Restore(snap Snapshot) {
	m.notified = make(map[string]struct{}, len(snap.Notified))
	for _, p := range snap.Notified {
		m.notified[p] = struct{}{}
	}
	m.cacheRefreshedAt = snap.CacheRefreshedAt
	m.ledger = make(map[string]map[string]int64, len(snap.Ledger))
	for p, byType := range snap.Ledger {
		cp := make(map[string]int64, len(byType))
		for t, ts := range byType {
			cp[t] = ts
		}
		m.ledger[p] = cp
	}
	m.sessions = make(map[string]*Session, len(snap.Sessions))
	for p, s := range snap.Sessions {
		s := s
		m.sessions[p] = &s
	}
	m.lastDates = make(map[string]string, len(snap.LastDates))
	for p, d := range snap.LastDates {
		m.lastDates[p] = d
	}
	m.lastStatuses = make(map[string]string, len(snap.LastStatuses))
	for p, s := range snap.LastStatuses {
		m.lastStatuses[p] = s
	}
}
