package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/capture"
	"github.com/good-yellow-bee/blazecatch/internal/dispatch"
	"github.com/good-yellow-bee/blazecatch/internal/models"
	"github.com/good-yellow-bee/blazecatch/internal/normalizer"
	"github.com/good-yellow-bee/blazecatch/internal/rules"
	"github.com/good-yellow-bee/blazecatch/internal/settings"
	"github.com/good-yellow-bee/blazecatch/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	notices []dispatch.Notice
}

func (r *recorder) Notify(n dispatch.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) ofType(t dispatch.Type) []dispatch.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.Notice
	for _, n := range r.notices {
		if n.NoticeType() == t {
			out = append(out, n)
		}
	}
	return out
}

type fakePins struct {
	mu      sync.Mutex
	saved   map[string]*models.ErrorEvent // hostname + "/" + fingerprint
	failErr error
}

func newFakePins() *fakePins {
	return &fakePins{saved: map[string]*models.ErrorEvent{}}
}

func pinKey(hostname, fingerprint string) string {
	return hostname + "/" + fingerprint
}

func (f *fakePins) Save(_ context.Context, hostname string, e *models.ErrorEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.saved[pinKey(hostname, e.Fingerprint)] = e.Clone()
	return nil
}

func (f *fakePins) Delete(_ context.Context, hostname, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pinKey(hostname, fingerprint)
	if _, ok := f.saved[key]; !ok {
		return storage.ErrNotFound
	}
	delete(f.saved, key)
	return nil
}

func (f *fakePins) ListByScope(_ context.Context, hostname string) ([]*models.ErrorEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	var out []*models.ErrorEvent
	for key, e := range f.saved {
		if key == pinKey(hostname, e.Fingerprint) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (f *fakePins) has(hostname, fingerprint string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.saved[pinKey(hostname, fingerprint)]
	return ok
}

func logged(msg string) *models.RawCapture {
	return &models.RawCapture{
		Kind:   models.KindLoggedError,
		Logged: &models.LoggedPayload{Message: msg, URL: "https://shop.test/"},
	}
}

type fixture struct {
	m     *Manager
	clock *fakeClock
	rec   *recorder
	pins  *fakePins
}

func newFixture(t *testing.T, s *settings.Settings, persist PersisterConfig) *fixture {
	t.Helper()
	clock := newFakeClock()
	rec := &recorder{}
	pins := newFakePins()

	bus := dispatch.NewBus(nil)
	bus.Subscribe(rec)

	m, err := NewManager(&Options{
		Settings:  s,
		Bus:       bus,
		Pins:      pins,
		Now:       clock.Now,
		Persister: persist,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return &fixture{m: m, clock: clock, rec: rec, pins: pins}
}

// runPersister starts the background worker and stops it at test end.
func (f *fixture) runPersister(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.m.persister.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestManager_StartEnd(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})

	info, err := f.m.Start(context.Background(), "", "tab-1", "Shop.Test")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if info.ID == "" {
		t.Error("expected generated session id")
	}
	if info.Hostname != "shop.test" {
		t.Errorf("Hostname = %q, want shop.test", info.Hostname)
	}

	if _, err := f.m.Start(context.Background(), info.ID, "", "shop.test"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate Start() error = %v, want ErrSessionExists", err)
	}
	if got := len(f.m.Sessions()); got != 1 {
		t.Errorf("Sessions() = %d, want 1", got)
	}

	if err := f.m.End(info.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := f.m.End(info.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second End() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := f.m.Ingest(info.ID, logged("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Ingest() after End error = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_IngestGroupsRepeats(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		want := OutcomeUpdated
		if i == 0 {
			want = OutcomeCreated
		}
		got, err := f.m.Ingest("s1", logged("boom"))
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if got != want {
			t.Errorf("Ingest() #%d = %s, want %s", i, got, want)
		}
	}

	events, _ := f.m.Events("s1")
	if len(events) != 1 {
		t.Fatalf("Events() = %d, want 1", len(events))
	}
	if events[0].OccurrenceCount != 3 {
		t.Errorf("OccurrenceCount = %d, want 3", events[0].OccurrenceCount)
	}
	if n := len(f.rec.ofType(dispatch.TypeEventCreated)); n != 1 {
		t.Errorf("created notices = %d, want 1", n)
	}
	if n := len(f.rec.ofType(dispatch.TypeEventUpdated)); n != 2 {
		t.Errorf("updated notices = %d, want 2", n)
	}
}

func TestManager_IgnoreRuleNeverReachesConsumers(t *testing.T) {
	s := settings.Default()
	s.Rules = []rules.Rule{{ID: "noise", Pattern: "ResizeObserver"}}
	f := newFixture(t, s, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	got, err := f.m.Ingest("s1", logged("ResizeObserver loop limit exceeded"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if got != OutcomeRejected {
		t.Errorf("Ingest() = %s, want rejected", got)
	}
	if n := len(f.rec.ofType(dispatch.TypeEventCreated)) + len(f.rec.ofType(dispatch.TypeEventUpdated)); n != 0 {
		t.Errorf("event notices = %d, want 0", n)
	}
	if events, _ := f.m.Events("s1"); len(events) != 0 {
		t.Errorf("Events() = %d, want 0", len(events))
	}
}

func TestManager_HighlightTagsEvent(t *testing.T) {
	s := settings.Default()
	s.Rules = []rules.Rule{{ID: "checkout", Pattern: "checkout", Action: rules.ActionHighlight}}
	f := newFixture(t, s, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	f.m.Ingest("s1", logged("checkout failed"))

	events, _ := f.m.Events("s1")
	if len(events) != 1 || len(events[0].Highlights) != 1 || events[0].Highlights[0] != "checkout" {
		t.Errorf("Events() = %+v, want one event highlighted by checkout", events)
	}
}

func TestManager_StormSuppression(t *testing.T) {
	s := settings.Default()
	s.StormGuard = settings.StormGuard{WindowMs: 1000, Threshold: 5, CooldownMs: 2000}
	f := newFixture(t, s, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	var outcomes []Outcome
	for i := 0; i < 8; i++ {
		f.clock.Advance(10 * time.Millisecond)
		o, err := f.m.Ingest("s1", logged(fmt.Sprintf("error %d", i)))
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		outcomes = append(outcomes, o)
	}

	for i, o := range outcomes {
		want := OutcomeCreated
		if i >= 5 {
			want = OutcomeSuppressed
		}
		if o != want {
			t.Errorf("outcome[%d] = %s, want %s", i, o, want)
		}
	}
	if n := len(f.rec.ofType(dispatch.TypeSuppression)); n != 0 {
		t.Fatalf("suppression notices before cooldown = %d, want 0", n)
	}

	f.clock.Advance(2 * time.Second)
	f.m.Sweep()
	f.m.Sweep()

	notices := f.rec.ofType(dispatch.TypeSuppression)
	if len(notices) != 1 {
		t.Fatalf("suppression notices = %d, want 1", len(notices))
	}
	sn := notices[0].(*dispatch.SuppressionNotice)
	if sn.SuppressedCount != 3 {
		t.Errorf("SuppressedCount = %d, want 3", sn.SuppressedCount)
	}
	if sn.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", sn.SessionID)
	}

	o, _ := f.m.Ingest("s1", logged("after cooldown"))
	if o != OutcomeCreated {
		t.Errorf("Ingest() after cooldown = %s, want created", o)
	}
}

func TestManager_EndFlushesSuppression(t *testing.T) {
	s := settings.Default()
	s.StormGuard = settings.StormGuard{WindowMs: 1000, Threshold: 1, CooldownMs: 60000}
	f := newFixture(t, s, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	f.m.Ingest("s1", logged("a"))
	f.m.Ingest("s1", logged("b"))
	f.m.End("s1")

	notices := f.rec.ofType(dispatch.TypeSuppression)
	if len(notices) != 1 {
		t.Fatalf("suppression notices = %d, want 1", len(notices))
	}
	if got := notices[0].(*dispatch.SuppressionNotice).SuppressedCount; got != 1 {
		t.Errorf("SuppressedCount = %d, want 1", got)
	}
}

func TestManager_CapacityEviction(t *testing.T) {
	s := settings.Default()
	s.RingBufferCapacity = 2
	f := newFixture(t, s, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	f.m.Ingest("s1", logged("first"))
	f.m.Ingest("s1", logged("second"))
	f.m.Ingest("s1", logged("third"))

	events, _ := f.m.Events("s1")
	if len(events) != 2 {
		t.Fatalf("Events() = %d, want 2", len(events))
	}
	evicted := f.rec.ofType(dispatch.TypeEventEvicted)
	if len(evicted) != 1 {
		t.Fatalf("evicted notices = %d, want 1", len(evicted))
	}
	created := f.rec.ofType(dispatch.TypeEventCreated)
	if got, want := evicted[0].(*dispatch.EventEvicted).ID, created[0].(*dispatch.EventCreated).Event.ID; got != want {
		t.Errorf("evicted id = %s, want oldest %s", got, want)
	}

	// An evicted fingerprint starts a fresh entry.
	o, _ := f.m.Ingest("s1", logged("first"))
	if o != OutcomeCreated {
		t.Errorf("Ingest() of evicted message = %s, want created", o)
	}
}

func TestManager_PinSurvivesEvictionAndRehydrates(t *testing.T) {
	s := settings.Default()
	s.RingBufferCapacity = 1
	f := newFixture(t, s, PersisterConfig{})
	f.runPersister(t)
	f.m.Start(context.Background(), "s1", "tab", "shop.test")

	f.m.Ingest("s1", logged("keep me"))
	events, _ := f.m.Events("s1")
	pinned, err := f.m.Pin(events[0].ID)
	if err != nil {
		t.Fatalf("Pin() error = %v", err)
	}
	if !pinned.Pinned {
		t.Error("expected pinned event")
	}

	f.m.Ingest("s1", logged("other 1"))
	f.m.Ingest("s1", logged("other 2"))

	events, _ = f.m.Events("s1")
	if len(events) != 2 || events[0].ID != pinned.ID {
		t.Fatalf("Events() = %+v, want pinned entry first plus newest", events)
	}

	waitFor(t, func() bool { return f.pins.has("shop.test", pinned.Fingerprint) })
	f.m.End("s1")

	f.m.Start(context.Background(), "s2", "tab-2", "shop.test")
	events, _ = f.m.Events("s2")
	if len(events) != 1 || events[0].Fingerprint != pinned.Fingerprint || !events[0].Pinned {
		t.Fatalf("rehydrated Events() = %+v, want the pinned entry", events)
	}
	if events[0].SessionID != "s2" {
		t.Errorf("SessionID = %q, want s2", events[0].SessionID)
	}
	if events[0].ID == pinned.ID {
		t.Error("rehydrated entry should get a session-local id")
	}

	// Further occurrences merge into the rehydrated entry.
	o, _ := f.m.Ingest("s2", logged("keep me"))
	if o != OutcomeUpdated {
		t.Errorf("Ingest() = %s, want updated", o)
	}

	if _, err := f.m.Unpin(events[0].ID); err != nil {
		t.Fatalf("Unpin() error = %v", err)
	}
	waitFor(t, func() bool { return !f.pins.has("shop.test", pinned.Fingerprint) })

	// Other hostnames do not see the pin.
	f.m.Start(context.Background(), "s3", "", "other.test")
	if events, _ := f.m.Events("s3"); len(events) != 0 {
		t.Errorf("other host Events() = %d, want 0", len(events))
	}
}

func TestManager_PinUnknownEvent(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	if _, err := f.m.Pin("missing"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Pin() error = %v, want ErrEventNotFound", err)
	}
	if _, err := f.m.Unpin("missing"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Unpin() error = %v, want ErrEventNotFound", err)
	}
}

func TestManager_StorageWarningOnFailedPin(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{Retries: -1})
	f.runPersister(t)
	f.m.Start(context.Background(), "s1", "", "shop.test")
	f.pins.failErr = errors.New("disk full")

	f.m.Ingest("s1", logged("x"))
	events, _ := f.m.Events("s1")
	if _, err := f.m.Pin(events[0].ID); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}

	waitFor(t, func() bool { return len(f.rec.ofType(dispatch.TypeStorageWarning)) == 1 })
	w := f.rec.ofType(dispatch.TypeStorageWarning)[0].(*dispatch.StorageWarning)
	if w.Op != "pin" || w.SessionID != "s1" {
		t.Errorf("warning = %+v, want op pin for s1", w)
	}

	// In-memory state is unaffected.
	events, _ = f.m.Events("s1")
	if !events[0].Pinned {
		t.Error("expected entry to stay pinned in memory")
	}
}

func TestManager_RehydrateFailureWarns(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.pins.failErr = errors.New("locked")

	if _, err := f.m.Start(context.Background(), "s1", "", "shop.test"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := len(f.rec.ofType(dispatch.TypeStorageWarning)); n != 1 {
		t.Errorf("storage warnings = %d, want 1", n)
	}
}

func TestManager_SiteDisabled(t *testing.T) {
	s := settings.Default()
	s.PerSiteEnabled = map[string]bool{"Quiet.Test": false}
	f := newFixture(t, s, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "quiet.test")
	f.m.Start(context.Background(), "s2", "", "shop.test")

	if o, _ := f.m.Ingest("s1", logged("x")); o != OutcomeDisabled {
		t.Errorf("Ingest() on disabled site = %s, want disabled", o)
	}
	if o, _ := f.m.Ingest("s2", logged("x")); o != OutcomeCreated {
		t.Errorf("Ingest() on enabled site = %s, want created", o)
	}
}

func TestManager_DuplicateDelivery(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	if o, _ := f.m.IngestDelivery("s1", "d-1", logged("x")); o != OutcomeCreated {
		t.Errorf("first delivery = %s, want created", o)
	}
	if o, _ := f.m.IngestDelivery("s1", "d-1", logged("x")); o != OutcomeDuplicate {
		t.Errorf("redelivery = %s, want duplicate", o)
	}
	events, _ := f.m.Events("s1")
	if events[0].OccurrenceCount != 1 {
		t.Errorf("OccurrenceCount = %d, want 1", events[0].OccurrenceCount)
	}
}

func TestManager_InvalidCapture(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	o, err := f.m.Ingest("s1", &models.RawCapture{Kind: models.KindLoggedError})
	if err == nil {
		t.Error("expected error for capture without payload")
	}
	if o != OutcomeInvalid {
		t.Errorf("Ingest() = %s, want invalid", o)
	}
}

func TestManager_Clear(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")
	f.m.Ingest("s1", logged("a"))
	f.m.Ingest("s1", logged("b"))
	events, _ := f.m.Events("s1")
	f.m.Pin(events[0].ID)

	n, err := f.m.Clear("s1")
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear() = %d, want 1", n)
	}
	events, _ = f.m.Events("s1")
	if len(events) != 1 || !events[0].Pinned {
		t.Errorf("Events() after Clear = %+v, want only the pinned entry", events)
	}
}

func TestManager_ApplySettings(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")
	for i := 0; i < 4; i++ {
		f.m.Ingest("s1", logged(fmt.Sprintf("e%d", i)))
	}

	next := settings.Default()
	next.RingBufferCapacity = 2
	next.Rules = []rules.Rule{{ID: "drop-e", Pattern: "e"}}
	if err := f.m.ApplySettings(next); err != nil {
		t.Fatalf("ApplySettings() error = %v", err)
	}

	events, _ := f.m.Events("s1")
	if len(events) != 2 {
		t.Errorf("Events() = %d, want 2 after shrinking capacity", len(events))
	}
	if n := len(f.rec.ofType(dispatch.TypeEventEvicted)); n != 2 {
		t.Errorf("evicted notices = %d, want 2", n)
	}
	if o, _ := f.m.Ingest("s1", logged("e9")); o != OutcomeRejected {
		t.Errorf("Ingest() = %s, want rejected by new rule", o)
	}
	if got := f.m.Settings().RingBufferCapacity; got != 2 {
		t.Errorf("Settings().RingBufferCapacity = %d, want 2", got)
	}

	dup := settings.Default()
	dup.Rules = []rules.Rule{{ID: "a", Pattern: "x"}, {ID: "a", Pattern: "y"}}
	if err := f.m.ApplySettings(dup); err == nil {
		t.Error("expected error for duplicate rule ids")
	}
	if got := len(f.m.Rules()); got != 1 {
		t.Errorf("Rules() = %d, want previous rule set kept", got)
	}
}

func TestManager_AddRemoveRule(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	if _, err := f.m.AddRule(rules.Rule{ID: "r1", Pattern: "noise"}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if o, _ := f.m.Ingest("s1", logged("noise")); o != OutcomeRejected {
		t.Errorf("Ingest() = %s, want rejected", o)
	}
	if got := len(f.m.Settings().Rules); got != 1 {
		t.Errorf("Settings().Rules = %d, want 1", got)
	}

	if err := f.m.RemoveRule("r1"); err != nil {
		t.Fatalf("RemoveRule() error = %v", err)
	}
	if o, _ := f.m.Ingest("s1", logged("noise")); o != OutcomeCreated {
		t.Errorf("Ingest() = %s, want created", o)
	}
	if err := f.m.RemoveRule("r1"); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("RemoveRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestManager_RunEndsSessions(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
	if got := len(f.m.Sessions()); got != 0 {
		t.Errorf("Sessions() = %d, want 0", got)
	}
}

func TestManager_Capture(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	payload := json.RawMessage(`{"message":"Uncaught TypeError: x is undefined","filename":"https://shop.test/app.js","lineno":3,"colno":7}`)
	o, err := f.m.Capture("s1", models.KindUncaughtException, "", payload)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if o != OutcomeCreated {
		t.Errorf("Capture() = %s, want created", o)
	}

	o, err = f.m.Capture("s1", models.KindUncaughtException, "", json.RawMessage(`{}`))
	if err == nil || o != OutcomeInvalid {
		t.Errorf("Capture(malformed) = %s, %v; want invalid with error", o, err)
	}

	if _, err := f.m.Capture("s1", models.Kind("bogus"), "", payload); !errors.Is(err, normalizer.ErrUnknownKind) {
		t.Errorf("Capture(unknown kind) error = %v, want ErrUnknownKind", err)
	}
	if _, err := f.m.Capture("nope", models.KindUncaughtException, "", payload); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Capture(unknown session) error = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_AttachChannel(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	feed := capture.NewFeed()
	if _, err := f.m.Attach("s1", models.Kind("bogus"), feed); !errors.Is(err, normalizer.ErrUnknownKind) {
		t.Fatalf("Attach(unknown kind) error = %v", err)
	}
	if _, err := f.m.Attach("nope", models.KindLoggedError, feed); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Attach(unknown session) error = %v", err)
	}

	detach, err := f.m.Attach("s1", models.KindLoggedError, feed)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	feed.Emit(json.RawMessage(`{"args":["boom"]}`))
	feed.Emit(json.RawMessage(`not json`))

	if got := len(f.rec.ofType(dispatch.TypeEventCreated)); got != 1 {
		t.Fatalf("created notices = %d, want 1", got)
	}

	detach()
	feed.Emit(json.RawMessage(`{"args":["after detach"]}`))
	if got := len(f.rec.ofType(dispatch.TypeEventCreated)); got != 1 {
		t.Errorf("created notices after detach = %d, want 1", got)
	}
}

func TestManager_UnpinAppliesToEveryTabOnHost(t *testing.T) {
	f := newFixture(t, nil, PersisterConfig{})
	f.runPersister(t)
	ctx := context.Background()

	f.m.Start(ctx, "s0", "", "shop.test")
	f.m.Ingest("s0", logged("boom"))
	events, _ := f.m.Events("s0")
	pinned, err := f.m.Pin(events[0].ID)
	if err != nil {
		t.Fatalf("Pin() error = %v", err)
	}
	waitFor(t, func() bool { return f.pins.has("shop.test", pinned.Fingerprint) })
	f.m.End("s0")

	f.m.Start(ctx, "a", "", "shop.test")
	f.m.Start(ctx, "b", "", "shop.test")
	f.m.Start(ctx, "c", "", "other.test")
	f.m.Ingest("c", logged("boom"))
	c, _ := f.m.Pin(mustEvents(t, f.m, "c")[0].ID)

	a, b := mustEvents(t, f.m, "a")[0], mustEvents(t, f.m, "b")[0]
	if a.ID == b.ID {
		t.Fatalf("sessions share event id %q", a.ID)
	}

	if _, err := f.m.Unpin(a.ID); err != nil {
		t.Fatalf("Unpin() error = %v", err)
	}
	if mustEvents(t, f.m, "b")[0].Pinned {
		t.Error("copy in the other tab stayed pinned")
	}
	if !mustEvents(t, f.m, "c")[0].Pinned {
		t.Error("pin on another hostname was dropped")
	}

	waitFor(t, func() bool { return !f.pins.has("shop.test", pinned.Fingerprint) })

	// Repeats in either tab must not write the pin back.
	f.m.Ingest("a", logged("boom"))
	f.m.Ingest("b", logged("boom"))
	waitFor(t, func() bool {
		pending, _ := f.m.PersistBacklog()
		return pending == 0
	})
	time.Sleep(50 * time.Millisecond)
	if f.pins.has("shop.test", pinned.Fingerprint) {
		t.Fatal("unpinned entry was persisted again")
	}
	if !f.pins.has("other.test", c.Fingerprint) {
		t.Error("other.test pin lost")
	}

	f.m.Start(ctx, "d", "", "shop.test")
	if events, _ := f.m.Events("d"); len(events) != 0 {
		t.Errorf("new session rehydrated %d entries, want 0", len(events))
	}
}

func mustEvents(t *testing.T, m *Manager, sessionID string) []*models.ErrorEvent {
	t.Helper()
	events, err := m.Events(sessionID)
	if err != nil || len(events) == 0 {
		t.Fatalf("Events(%s) = %v, %v", sessionID, events, err)
	}
	return events
}

func TestManager_RedeliveryOfFilteredCaptureCountsOnce(t *testing.T) {
	s := settings.Default()
	s.StormGuard = settings.StormGuard{WindowMs: 1000, Threshold: 1, CooldownMs: 60000}
	s.Rules = []rules.Rule{{ID: "noise", Pattern: "ResizeObserver"}}
	f := newFixture(t, s, PersisterConfig{})
	f.m.Start(context.Background(), "s1", "", "shop.test")

	steps := []struct {
		delivery string
		msg      string
		want     Outcome
	}{
		{"r-1", "ResizeObserver loop", OutcomeRejected},
		{"r-1", "ResizeObserver loop", OutcomeDuplicate},
		{"d-1", "a", OutcomeCreated},
		{"d-2", "b", OutcomeSuppressed},
		{"d-2", "b", OutcomeDuplicate},
		{"d-2", "b", OutcomeDuplicate},
	}
	for i, st := range steps {
		if got, _ := f.m.IngestDelivery("s1", st.delivery, logged(st.msg)); got != st.want {
			t.Errorf("step %d (%s) = %s, want %s", i, st.delivery, got, st.want)
		}
	}

	if got := f.m.Engine().Stats().EventsRejected; got != 1 {
		t.Errorf("EventsRejected = %d, want 1", got)
	}
	f.m.End("s1")
	notices := f.rec.ofType(dispatch.TypeSuppression)
	if len(notices) != 1 || notices[0].(*dispatch.SuppressionNotice).SuppressedCount != 1 {
		t.Errorf("suppression notices = %+v, want one with count 1", notices)
	}
}
