package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/capture"
	"github.com/good-yellow-bee/blazecatch/internal/dispatch"
	"github.com/good-yellow-bee/blazecatch/internal/metrics"
	"github.com/good-yellow-bee/blazecatch/internal/models"
	"github.com/good-yellow-bee/blazecatch/internal/normalizer"
	"github.com/good-yellow-bee/blazecatch/internal/rules"
	"github.com/good-yellow-bee/blazecatch/internal/settings"
	"github.com/good-yellow-bee/blazecatch/internal/storage"
	"github.com/good-yellow-bee/blazecatch/internal/stormguard"
)

// Options configures a Manager.
type Options struct {
	// Settings are the initial settings (default: settings.Default()).
	Settings *settings.Settings
	// Bus receives all notices (default: a new bus).
	Bus *dispatch.Bus
	// Pins persists pinned events. Optional.
	Pins PinStore
	// SettingsStore persists settings changes. Optional.
	SettingsStore SettingsStore
	// Normalizer builds events (default: normalizer.New(nil)).
	Normalizer *normalizer.Normalizer
	// Now is the pipeline clock (default: time.Now).
	Now func() time.Time
	// SweepInterval is how often cooldowns are checked (default: 250ms).
	SweepInterval time.Duration
	// Persister configures the persistence worker.
	Persister PersisterConfig
	Logger    *zap.Logger
}

// Manager owns all sessions and the shared rule engine.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*CoreState
	settings *settings.Settings

	engine        *rules.Engine
	normalizer    *normalizer.Normalizer
	adapters      map[models.Kind]*capture.Adapter
	bus           *dispatch.Bus
	pins          PinStore
	settingsStore SettingsStore
	persister     *Persister
	now           func() time.Time
	sweepInterval time.Duration
	logger        *zap.Logger
}

// NewManager creates a manager. It fails only if the initial rule set has a
// structural error.
func NewManager(opts *Options) (*Manager, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		sessions:      make(map[string]*CoreState),
		engine:        rules.NewEngine(logger),
		normalizer:    opts.Normalizer,
		bus:           opts.Bus,
		pins:          opts.Pins,
		settingsStore: opts.SettingsStore,
		now:           opts.Now,
		sweepInterval: opts.SweepInterval,
		logger:        logger.With(zap.String("component", "session")),
	}
	if m.normalizer == nil {
		m.normalizer = normalizer.New(nil)
	}
	if m.bus == nil {
		m.bus = dispatch.NewBus(logger)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = 250 * time.Millisecond
	}
	m.persister = newPersister(opts.Persister, m.storageWarning, logger)
	m.adapters = capture.NewAdapters(nil, &capture.Options{Now: m.now, Logger: logger})

	s := opts.Settings
	if s == nil {
		s = settings.Default()
	}
	if err := m.engine.Replace(s.Rules); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	s = s.Clone()
	s.SetDefaults()
	s.Rules = m.engine.Rules()
	m.settings = s

	return m, nil
}

// Bus returns the dispatch bus.
func (m *Manager) Bus() *dispatch.Bus {
	return m.bus
}

// Engine returns the shared rule engine.
func (m *Manager) Engine() *rules.Engine {
	return m.engine
}

func (m *Manager) currentSettings() *settings.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

func (m *Manager) session(id string) (*CoreState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (m *Manager) snapshot() []*CoreState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CoreState, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Start creates a session and rehydrates pinned events persisted for the
// same hostname. An empty id is replaced by a generated one.
func (m *Manager) Start(ctx context.Context, id, tabID, hostname string) (Info, error) {
	if id == "" {
		id = uuid.New().String()
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	cfg := m.currentSettings()

	state := newCoreState(id, tabID, hostname, m.now(), cfg.StormGuard.Config(), cfg.RingBufferCapacity)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.sessions[id] = state
	m.mu.Unlock()
	metrics.SessionsActive.Inc()

	state.mu.Lock()
	defer state.mu.Unlock()

	if m.pins != nil {
		pinned, err := m.pins.ListByScope(ctx, hostname)
		if err != nil {
			m.logger.Warn("failed to rehydrate pins", zap.String("session_id", id), zap.Error(err))
			m.storageWarning("rehydrate", id, err)
		}
		for _, e := range pinned {
			// Each session holds its own copy under its own id.
			e.ID = uuid.NewString()
			e.SessionID = id
			e.TabID = tabID
			e.Pinned = true
			state.store.Insert(e)
			state.buffer.Append(e)
		}
	}

	m.logger.Info("session started",
		zap.String("session_id", id),
		zap.String("hostname", hostname),
		zap.Int("rehydrated", state.buffer.Len()),
	)
	return state.info(), nil
}

// End flushes any pending suppression notice and destroys the session.
// Pinned entries remain in the pin store.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	state, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	metrics.SessionsActive.Dec()

	state.mu.Lock()
	defer state.mu.Unlock()
	if n := state.guard.Flush(m.now()); n != nil {
		m.publishSuppression(id, n)
	}

	m.logger.Info("session ended", zap.String("session_id", id))
	return nil
}

// Capture decodes a payload from the failure channel of the given kind and
// runs it through the pipeline. Undecodable payloads are dropped with
// OutcomeInvalid.
func (m *Manager) Capture(sessionID string, kind models.Kind, deliveryID string, payload json.RawMessage) (Outcome, error) {
	adapter, ok := m.adapters[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", normalizer.ErrUnknownKind, kind)
	}
	if _, err := m.session(sessionID); err != nil {
		return "", err
	}
	raw, err := adapter.Decode(payload)
	if err != nil {
		metrics.PipelineOutcomes.WithLabelValues(string(OutcomeInvalid)).Inc()
		return OutcomeInvalid, err
	}
	return m.IngestDelivery(sessionID, deliveryID, raw)
}

// PersistBacklog reports queued storage writes and the queue capacity.
func (m *Manager) PersistBacklog() (pending, capacity int) {
	return m.persister.Backlog()
}

// Attach feeds every payload emitted on ch into the session as a capture of
// the given kind. Payloads arriving after the session ended are dropped.
func (m *Manager) Attach(sessionID string, kind models.Kind, ch capture.Channel) (detach func(), err error) {
	if _, ok := m.adapters[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", normalizer.ErrUnknownKind, kind)
	}
	if _, err := m.session(sessionID); err != nil {
		return nil, err
	}
	return ch.Subscribe(func(payload json.RawMessage) {
		if _, err := m.Capture(sessionID, kind, "", payload); err != nil {
			m.logger.Debug("channel capture dropped",
				zap.String("session_id", sessionID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}), nil
}

// Ingest runs one raw capture through the pipeline of a session.
func (m *Manager) Ingest(sessionID string, raw *models.RawCapture) (Outcome, error) {
	return m.IngestDelivery(sessionID, "", raw)
}

// IngestDelivery is Ingest for at-least-once delivery: a capture carrying a
// recently seen delivery id is dropped before it is counted anywhere.
func (m *Manager) IngestDelivery(sessionID, deliveryID string, raw *models.RawCapture) (Outcome, error) {
	state, err := m.session(sessionID)
	if err != nil {
		return "", err
	}
	cfg := m.currentSettings()

	state.mu.Lock()
	defer state.mu.Unlock()

	outcome, err := m.pipeline(state, cfg, deliveryID, raw)
	if outcome != "" {
		metrics.PipelineOutcomes.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

// pipeline must be called with state.mu held.
func (m *Manager) pipeline(state *CoreState, cfg *settings.Settings, deliveryID string, raw *models.RawCapture) (Outcome, error) {
	// Recorded before filtering: a redelivered rejected or suppressed capture
	// counts once.
	if state.store.MarkSeen(deliveryID) {
		return OutcomeDuplicate, nil
	}

	event, err := m.normalizer.Normalize(raw, normalizer.Scope{SessionID: state.id, TabID: state.tabID})
	if err != nil {
		return OutcomeInvalid, err
	}

	if !cfg.SiteEnabled(state.hostname) {
		return OutcomeDisabled, nil
	}

	decision := m.engine.Evaluate(event, state.hostname)
	if !decision.Admit {
		return OutcomeRejected, nil
	}
	event.Highlights = decision.Highlights

	admitted, notice := state.guard.Admit(m.now())
	if notice != nil {
		m.publishSuppression(state.id, notice)
	}
	if !admitted {
		return OutcomeSuppressed, nil
	}

	stored, created := state.store.Upsert(event)
	if !created {
		m.bus.Publish(&dispatch.EventUpdated{Header: dispatch.Header{SessionID: state.id}, Event: stored.Clone()})
		if stored.Pinned {
			m.savePin(state, stored)
		}
		return OutcomeUpdated, nil
	}

	evicted := state.buffer.Append(stored)
	m.bus.Publish(&dispatch.EventCreated{Header: dispatch.Header{SessionID: state.id}, Event: stored.Clone()})
	if evicted != nil {
		m.evict(state, evicted)
	}
	return OutcomeCreated, nil
}

// evict must be called with state.mu held.
func (m *Manager) evict(state *CoreState, e *models.ErrorEvent) {
	state.store.Remove(e.Fingerprint)
	metrics.EvictionsTotal.Inc()
	m.bus.Publish(&dispatch.EventEvicted{Header: dispatch.Header{SessionID: state.id}, ID: e.ID})
}

// Sweep ends expired cooldowns in every session.
func (m *Manager) Sweep() {
	now := m.now()
	for _, state := range m.snapshot() {
		state.mu.Lock()
		if n := state.guard.Tick(now); n != nil {
			m.publishSuppression(state.id, n)
		}
		state.mu.Unlock()
	}
}

// Run drives cooldown expiry and the persistence worker until ctx is done.
// On return every session has been ended.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.persister.Run(ctx)
	}()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			for _, state := range m.snapshot() {
				_ = m.End(state.id)
			}
			wg.Wait()
			return nil
		}
	}
}

// findEvent locks and returns the session holding event id. The caller must
// unlock state.mu.
func (m *Manager) findEvent(id string) (*CoreState, *models.ErrorEvent, error) {
	for _, state := range m.snapshot() {
		state.mu.Lock()
		if e, ok := state.buffer.Get(id); ok {
			return state, e, nil
		}
		state.mu.Unlock()
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
}

// Pin exempts an entry from eviction and persists it for the session's
// hostname.
func (m *Manager) Pin(id string) (*models.ErrorEvent, error) {
	state, _, err := m.findEvent(id)
	if err != nil {
		return nil, err
	}
	defer state.mu.Unlock()

	e, err := state.buffer.Pin(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	m.savePin(state, e)
	m.bus.Publish(&dispatch.EventUpdated{Header: dispatch.Header{SessionID: state.id}, Event: e.Clone()})
	return e.Clone(), nil
}

// Unpin makes an entry evictable again and deletes its persisted pin. Copies
// of the pin rehydrated into other live sessions on the same hostname are
// unpinned too, so none of them can save it back. Re-entering the history as
// its newest entry may evict the oldest one.
func (m *Manager) Unpin(id string) (*models.ErrorEvent, error) {
	state, _, err := m.findEvent(id)
	if err != nil {
		return nil, err
	}
	e, err := m.unpinLocked(state, id)
	state.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, other := range m.snapshot() {
		if other == state || other.hostname != state.hostname {
			continue
		}
		other.mu.Lock()
		if dup, ok := other.store.Get(e.Fingerprint); ok && dup.Pinned {
			m.unpinLocked(other, dup.ID)
		}
		other.mu.Unlock()
	}

	// Queued after every copy is unpinned, so no pending save can follow it.
	hostname, fingerprint := state.hostname, e.Fingerprint
	m.persister.enqueue(job{
		op:        "unpin",
		sessionID: state.id,
		run: func(ctx context.Context) error {
			if m.pins == nil {
				return nil
			}
			if err := m.pins.Delete(ctx, hostname, fingerprint); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			return nil
		},
	})
	return e, nil
}

// unpinLocked must be called with state.mu held.
func (m *Manager) unpinLocked(state *CoreState, id string) (*models.ErrorEvent, error) {
	e, evicted, err := state.buffer.Unpin(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	m.bus.Publish(&dispatch.EventUpdated{Header: dispatch.Header{SessionID: state.id}, Event: e.Clone()})
	if evicted != nil {
		m.evict(state, evicted)
	}
	return e.Clone(), nil
}

// Clear drops all unpinned entries of a session and returns how many were
// dropped.
func (m *Manager) Clear(sessionID string) (int, error) {
	state, err := m.session(sessionID)
	if err != nil {
		return 0, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	dropped := state.buffer.Clear()
	for _, e := range dropped {
		state.store.Remove(e.Fingerprint)
		m.bus.Publish(&dispatch.EventEvicted{Header: dispatch.Header{SessionID: state.id}, ID: e.ID})
	}
	return len(dropped), nil
}

// Events returns copies of a session's history, pinned entries first.
func (m *Manager) Events(sessionID string) ([]*models.ErrorEvent, error) {
	state, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	entries := state.buffer.Entries()
	out := make([]*models.ErrorEvent, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out, nil
}

// Session returns a snapshot of one session.
func (m *Manager) Session(id string) (Info, error) {
	state, err := m.session(id)
	if err != nil {
		return Info{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.info(), nil
}

// Sessions lists active sessions ordered by start time.
func (m *Manager) Sessions() []Info {
	states := m.snapshot()
	out := make([]Info, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		out = append(out, state.info())
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// AddRule appends a rule to the shared rule set and persists the settings.
func (m *Manager) AddRule(rule rules.Rule) (*rules.Rule, error) {
	added, err := m.engine.AddRule(rule)
	if err != nil {
		return nil, err
	}
	m.rulesChanged()
	return added, nil
}

// RemoveRule deletes a rule by id and persists the settings.
func (m *Manager) RemoveRule(id string) error {
	if err := m.engine.RemoveRule(id); err != nil {
		return err
	}
	m.rulesChanged()
	return nil
}

// Rules returns the current rule set in evaluation order.
func (m *Manager) Rules() []rules.Rule {
	return m.engine.Rules()
}

func (m *Manager) rulesChanged() {
	m.mu.Lock()
	next := m.settings.Clone()
	next.Rules = m.engine.Rules()
	m.settings = next
	m.mu.Unlock()

	m.saveSettings(next)
}

// Settings returns a copy of the current settings.
func (m *Manager) Settings() *settings.Settings {
	return m.currentSettings().Clone()
}

// ApplySettings replaces rules, limits and per-site toggles. Live sessions
// pick up the new storm guard settings and capacity at once; shrinking the
// capacity evicts the oldest unpinned entries.
func (m *Manager) ApplySettings(s *settings.Settings) error {
	if err := m.engine.Replace(s.Rules); err != nil {
		return err
	}
	next := s.Clone()
	next.SetDefaults()
	next.Rules = m.engine.Rules()

	m.mu.Lock()
	m.settings = next
	m.mu.Unlock()

	guardCfg := next.StormGuard.Config()
	for _, state := range m.snapshot() {
		state.mu.Lock()
		state.guard.Reconfigure(guardCfg)
		for _, e := range state.buffer.SetCapacity(next.RingBufferCapacity) {
			m.evict(state, e)
		}
		state.mu.Unlock()
	}

	m.saveSettings(next)
	return nil
}

// savePin must be called with state.mu held.
func (m *Manager) savePin(state *CoreState, e *models.ErrorEvent) {
	if m.pins == nil {
		return
	}
	snapshot := e.Clone()
	hostname := state.hostname
	m.persister.enqueue(job{
		op:        "pin",
		sessionID: state.id,
		run: func(ctx context.Context) error {
			return m.pins.Save(ctx, hostname, snapshot)
		},
	})
}

func (m *Manager) saveSettings(s *settings.Settings) {
	if m.settingsStore == nil {
		return
	}
	snapshot := s.Clone()
	m.persister.enqueue(job{
		op: "settings",
		run: func(ctx context.Context) error {
			return m.settingsStore.Save(ctx, snapshot)
		},
	})
}

func (m *Manager) publishSuppression(sessionID string, n *stormguard.Notice) {
	metrics.SuppressionNotices.Inc()
	m.logger.Info("storm suppressed events",
		zap.String("session_id", sessionID),
		zap.Int("suppressed", n.SuppressedCount),
	)
	m.bus.Publish(&dispatch.SuppressionNotice{Header: dispatch.Header{SessionID: sessionID}, Notice: *n})
}

// storageWarning surfaces a failed write to consumers. The in-memory state
// is unaffected.
func (m *Manager) storageWarning(op, sessionID string, err error) {
	m.bus.Publish(&dispatch.StorageWarning{
		Header:  dispatch.Header{SessionID: sessionID},
		Op:      op,
		Message: err.Error(),
	})
}
