package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeProvider is a scriptable provider for manager tests.
type fakeProvider struct {
	id       string
	initErr  error
	sendErr  error
	healthy  bool
	initCall int
	sent     []*EmailMessage
}

func (f *fakeProvider) ID() string   { return f.id }
func (f *fakeProvider) Name() string { return f.id }

func (f *fakeProvider) Initialize(ctx context.Context) error {
	f.initCall++
	if f.initErr != nil {
		return f.initErr
	}
	f.healthy = true
	return nil
}

func (f *fakeProvider) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return &SendResult{MessageID: f.id + "-msg"}, nil
}

func (f *fakeProvider) TestConnection(ctx context.Context, addr string) (*TestResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &TestResult{MessageID: f.id + "-test", ResponseTimeMs: 12}, nil
}

func (f *fakeProvider) HealthStatus(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: f.healthy}
}

func (f *fakeProvider) ConfigRequirements() ConfigRequirements {
	return ConfigRequirements{}
}

// fakeSettings is an in-memory SettingsStore recording every save.
type fakeSettings struct {
	stored  *Settings
	loadErr error
	saveErr error
	saves   int
}

func (f *fakeSettings) LoadProviderSettings(ctx context.Context) (*Settings, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.stored, nil
}

func (f *fakeSettings) SaveProviderSettings(ctx context.Context, s *Settings) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	copied := *s
	f.stored = &copied
	return nil
}

// fakeEvents collects event log records.
type fakeEvents struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeEvents) RecordProviderEvent(ctx context.Context, ev *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeEvents) byCategory(category string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Category == category {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T, settings *fakeSettings, events *fakeEvents, providers ...*fakeProvider) *Manager {
	t.Helper()
	ps := make([]Provider, len(providers))
	order := make([]string, len(providers))
	for i, p := range providers {
		ps[i] = p
		order[i] = p.id
	}
	m, err := NewManager(settings, events, order, ps...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func testMsg() *EmailMessage {
	return &EmailMessage{
		Recipients: []Recipient{{Email: "reader@example.com"}},
		Subject:    "hello",
	}
}

func TestManager_InitializeUsesPersistedSettings(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost"}
	secondary := &fakeProvider{id: "ses"}
	settings := &fakeSettings{stored: &Settings{ActiveProvider: "ses", FallbackEnabled: false}}
	m := newTestManager(t, settings, &fakeEvents{}, primary, secondary)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := m.ActiveProvider(); got != "ses" {
		t.Errorf("ActiveProvider = %s, want ses", got)
	}
	if m.FallbackEnabled() {
		t.Error("FallbackEnabled = true, want false from persisted settings")
	}
	if secondary.initCall != 1 {
		t.Errorf("secondary initialized %d times, want 1", secondary.initCall)
	}
	if primary.initCall != 0 {
		t.Errorf("primary initialized %d times, want 0", primary.initCall)
	}
}

func TestManager_InitializeFallbackIsNotPersisted(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", initErr: errors.New("missing api key")}
	secondary := &fakeProvider{id: "ses"}
	settings := &fakeSettings{}
	events := &fakeEvents{}
	m := newTestManager(t, settings, events, primary, secondary)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := m.ActiveProvider(); got != "ses" {
		t.Errorf("ActiveProvider = %s, want ses after in-memory fallback", got)
	}
	if settings.saves != 0 {
		t.Errorf("fallback at startup must not persist settings, got %d saves", settings.saves)
	}
	if got := events.byCategory(EventFallback); len(got) != 1 {
		t.Errorf("got %d fallback events, want 1", len(got))
	}
}

func TestManager_InitializeBothFail(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", initErr: errors.New("bad key")}
	secondary := &fakeProvider{id: "ses", initErr: errors.New("bad creds")}
	m := newTestManager(t, &fakeSettings{}, &fakeEvents{}, primary, secondary)

	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected error when both providers fail to initialize")
	}
}

func TestManager_SwitchProvider(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost"}
	secondary := &fakeProvider{id: "ses"}
	settings := &fakeSettings{}
	events := &fakeEvents{}
	m := newTestManager(t, settings, events, primary, secondary)

	if err := m.SwitchProvider(context.Background(), "ses", "admin@example.com"); err != nil {
		t.Fatalf("SwitchProvider: %v", err)
	}
	if got := m.ActiveProvider(); got != "ses" {
		t.Errorf("ActiveProvider = %s, want ses", got)
	}
	if settings.stored == nil || settings.stored.ActiveProvider != "ses" {
		t.Error("switch must persist the new active provider")
	}
	if settings.stored.PreviousProvider != "sparkpost" {
		t.Errorf("PreviousProvider = %s, want sparkpost", settings.stored.PreviousProvider)
	}
	if got := events.byCategory(EventProviderSwitched); len(got) != 1 {
		t.Fatalf("got %d switch events, want 1", len(got))
	}
}

func TestManager_SwitchProviderNoOp(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost"}
	secondary := &fakeProvider{id: "ses"}
	settings := &fakeSettings{}
	events := &fakeEvents{}
	m := newTestManager(t, settings, events, primary, secondary)

	if err := m.SwitchProvider(context.Background(), "sparkpost", "admin"); err != nil {
		t.Fatalf("SwitchProvider: %v", err)
	}
	if settings.saves != 0 {
		t.Error("switching to the already-active provider must not persist")
	}
	if len(events.events) != 0 {
		t.Errorf("no-op switch logged %d events, want 0", len(events.events))
	}
}

func TestManager_SwitchProviderFailsClosed(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost"}
	secondary := &fakeProvider{id: "ses", initErr: errors.New("bad creds")}
	settings := &fakeSettings{}
	events := &fakeEvents{}
	m := newTestManager(t, settings, events, primary, secondary)

	if err := m.SwitchProvider(context.Background(), "ses", "admin"); err == nil {
		t.Fatal("expected error when target fails to initialize")
	}
	if got := m.ActiveProvider(); got != "sparkpost" {
		t.Errorf("ActiveProvider = %s, want sparkpost after failed switch", got)
	}
	if settings.saves != 0 {
		t.Error("failed switch must not persist settings")
	}
	if got := events.byCategory(EventProviderSwitchFailed); len(got) != 1 {
		t.Errorf("got %d switch-failed events, want 1", len(got))
	}
}

func TestManager_SwitchProviderPersistFailure(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost"}
	secondary := &fakeProvider{id: "ses"}
	settings := &fakeSettings{saveErr: errors.New("db down")}
	m := newTestManager(t, settings, &fakeEvents{}, primary, secondary)

	if err := m.SwitchProvider(context.Background(), "ses", "admin"); err == nil {
		t.Fatal("expected error when persisting settings fails")
	}
	if got := m.ActiveProvider(); got != "sparkpost" {
		t.Errorf("ActiveProvider = %s, want sparkpost after failed persist", got)
	}
}

func TestManager_SwitchProviderUnknown(t *testing.T) {
	m := newTestManager(t, &fakeSettings{}, &fakeEvents{}, &fakeProvider{id: "sparkpost"}, &fakeProvider{id: "ses"})
	if err := m.SwitchProvider(context.Background(), "mailgun", "admin"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestManager_SendSuccess(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", healthy: true}
	secondary := &fakeProvider{id: "ses"}
	events := &fakeEvents{}
	m := newTestManager(t, &fakeSettings{}, events, primary, secondary)

	res, err := m.Send(context.Background(), testMsg())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Provider != "sparkpost" || res.UsedFallback {
		t.Errorf("result = %+v, want sparkpost without fallback", res)
	}
	if got := events.byCategory(EventSent); len(got) != 1 {
		t.Fatalf("got %d sent events, want 1", len(got))
	}
	if got := events.byCategory(EventSent)[0].Recipient; got != "reader@example.com" {
		t.Errorf("event recipient = %s", got)
	}
}

func TestManager_SendFallsBackOnce(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", healthy: true, sendErr: errors.New("upstream 500")}
	secondary := &fakeProvider{id: "ses"}
	events := &fakeEvents{}
	m := newTestManager(t, &fakeSettings{}, events, primary, secondary)

	res, err := m.Send(context.Background(), testMsg())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.UsedFallback {
		t.Error("UsedFallback = false, want true")
	}
	if res.Provider != "ses" {
		t.Errorf("Provider = %s, want ses", res.Provider)
	}
	if secondary.initCall != 1 {
		t.Errorf("fallback initialized %d times, want 1 (was unhealthy)", secondary.initCall)
	}
	if got := events.byCategory(EventSentFallback); len(got) != 1 {
		t.Errorf("got %d sent_fallback events, want 1", len(got))
	}
	if m.ActiveProvider() != "sparkpost" {
		t.Error("per-send fallback must not change the active provider")
	}
}

func TestManager_SendFallbackDisabled(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", healthy: true, sendErr: errors.New("upstream 500")}
	secondary := &fakeProvider{id: "ses", healthy: true}
	settings := &fakeSettings{stored: &Settings{ActiveProvider: "sparkpost", FallbackEnabled: false}}
	events := &fakeEvents{}
	m := newTestManager(t, settings, events, primary, secondary)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := m.Send(context.Background(), testMsg())
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if sendErr.Provider != "sparkpost" {
		t.Errorf("SendError.Provider = %s", sendErr.Provider)
	}
	if len(secondary.sent) != 0 {
		t.Error("fallback provider must not be attempted when fallback is disabled")
	}
	if got := events.byCategory(EventFailed); len(got) != 1 {
		t.Errorf("got %d failed events, want 1", len(got))
	}
}

func TestManager_SendFailoverExhausted(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", healthy: true, sendErr: errors.New("upstream 500")}
	secondary := &fakeProvider{id: "ses", healthy: true, sendErr: errors.New("throttled")}
	events := &fakeEvents{}
	m := newTestManager(t, &fakeSettings{}, events, primary, secondary)

	_, err := m.Send(context.Background(), testMsg())
	var exhausted *FailoverExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *FailoverExhaustedError, got %v", err)
	}
	if exhausted.Primary != "sparkpost" || exhausted.Fallback != "ses" {
		t.Errorf("exhausted = %+v", exhausted)
	}
	if got := events.byCategory(EventFailed); len(got) != 1 {
		t.Errorf("got %d failed events, want 1", len(got))
	}
}

func TestManager_SendFallbackInitFails(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", healthy: true, sendErr: errors.New("upstream 500")}
	secondary := &fakeProvider{id: "ses", initErr: errors.New("bad creds")}
	m := newTestManager(t, &fakeSettings{}, &fakeEvents{}, primary, secondary)

	_, err := m.Send(context.Background(), testMsg())
	var exhausted *FailoverExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *FailoverExhaustedError, got %v", err)
	}
}

func TestManager_TestProvider(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", healthy: true}
	events := &fakeEvents{}
	m := newTestManager(t, &fakeSettings{}, events, primary, &fakeProvider{id: "ses"})

	res, err := m.TestProvider(context.Background(), "sparkpost", "admin@example.com")
	if err != nil {
		t.Fatalf("TestProvider: %v", err)
	}
	if res.MessageID == "" {
		t.Error("expected test message id")
	}
	if got := events.byCategory(EventProviderTest); len(got) != 1 {
		t.Fatalf("got %d test events, want 1", len(got))
	}
	if got := events.byCategory(EventProviderTest)[0]; got.ResponseTimeMs != 12 {
		t.Errorf("ResponseTimeMs = %d, want 12", got.ResponseTimeMs)
	}
}

func TestManager_ProvidersStatus(t *testing.T) {
	primary := &fakeProvider{id: "sparkpost", healthy: true}
	secondary := &fakeProvider{id: "ses"}
	m := newTestManager(t, &fakeSettings{}, &fakeEvents{}, primary, secondary)

	statuses := m.ProvidersStatus(context.Background())
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if !statuses[0].Active || statuses[1].Active {
		t.Error("only the first provider should be active")
	}
	if !statuses[0].Health.Healthy {
		t.Error("first provider should report healthy")
	}
}
