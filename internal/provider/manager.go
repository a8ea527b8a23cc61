package provider

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/weblisite/newsletterfy-sub000/internal/pkg/logger"
)

// Provider event categories written to the append-only event log.
const (
	EventSent                 = "sent"
	EventSentFallback         = "sent_fallback"
	EventFailed               = "failed"
	EventFallback             = "fallback"
	EventProviderSwitched     = "provider_switched"
	EventProviderSwitchFailed = "provider_switch_failed"
	EventProviderTest         = "provider_test"
	EventProviderTestFailed   = "provider_test_failed"
	EventHealthCheck          = "health_check"
)

// Settings are the persisted provider selection settings.
type Settings struct {
	ActiveProvider   string
	PreviousProvider string
	FallbackEnabled  bool
}

// SettingsStore persists provider selection. Read at startup, written only
// on an explicit administrative switch.
type SettingsStore interface {
	LoadProviderSettings(ctx context.Context) (*Settings, error)
	SaveProviderSettings(ctx context.Context, s *Settings) error
}

// Event is one append-only provider event log record. The engine only ever
// writes these; nothing reads them back.
type Event struct {
	Provider       string
	Category       string
	Recipient      string
	Subject        string
	Detail         string
	Success        bool
	Error          string
	ResponseTimeMs int64
}

// EventSink receives provider event log records.
type EventSink interface {
	RecordProviderEvent(ctx context.Context, ev *Event) error
}

// ProviderStatus is the per-provider snapshot returned by ProvidersStatus.
type ProviderStatus struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Active       bool               `json:"active"`
	Configured   bool               `json:"configured"`
	Health       HealthStatus       `json:"health"`
	Requirements ConfigRequirements `json:"requirements"`
}

// Manager owns the provider set, tracks the active provider, and performs
// automatic failover on send failure. All state mutations go through its
// methods under a single mutex.
type Manager struct {
	mu              sync.Mutex
	providers       map[string]Provider
	order           []string // fallback chain, first entry is the default
	activeID        string
	fallbackEnabled bool

	settings SettingsStore
	events   EventSink
}

// NewManager creates a manager over the given providers. The order slice is
// the fallback chain; its first entry is the default active provider.
func NewManager(settings SettingsStore, events EventSink, order []string, providers ...Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("manager requires at least one provider")
	}
	byID := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	if len(order) == 0 {
		for _, p := range providers {
			order = append(order, p.ID())
		}
	}
	for _, id := range order {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("fallback chain names unknown provider %q", id)
		}
	}
	return &Manager{
		providers:       byID,
		order:           order,
		activeID:        order[0],
		fallbackEnabled: true,
		settings:        settings,
		events:          events,
	}, nil
}

// Initialize loads persisted settings and initializes the active provider.
// If that initialization fails and fallback is enabled, the manager falls
// back to the alternate provider in memory only; a restart reverts to the
// last explicitly configured provider.
func (m *Manager) Initialize(ctx context.Context) error {
	active := m.order[0]
	fallbackEnabled := true
	if s, err := m.settings.LoadProviderSettings(ctx); err != nil {
		log.Printf("[ProviderManager] Could not load settings, using defaults: %v", err)
	} else if s != nil {
		if _, ok := m.providers[s.ActiveProvider]; ok {
			active = s.ActiveProvider
		}
		fallbackEnabled = s.FallbackEnabled
	}

	m.mu.Lock()
	m.activeID = active
	m.fallbackEnabled = fallbackEnabled
	m.mu.Unlock()

	p := m.providers[active]
	err := p.Initialize(ctx)
	if err == nil {
		log.Printf("[ProviderManager] Active provider: %s (fallback enabled: %v)", active, fallbackEnabled)
		return nil
	}

	alt := m.alternate(active)
	if !fallbackEnabled || alt == nil {
		return fmt.Errorf("initialize active provider %s: %w", active, err)
	}
	if altErr := alt.Initialize(ctx); altErr != nil {
		return fmt.Errorf("initialize active provider %s: %w (fallback %s also failed: %v)",
			active, err, alt.ID(), altErr)
	}

	// In-memory only. The persisted setting still names the configured
	// provider, so a restart goes back to it.
	m.mu.Lock()
	m.activeID = alt.ID()
	m.mu.Unlock()

	m.logEvent(ctx, &Event{
		Provider: alt.ID(),
		Category: EventFallback,
		Detail:   fmt.Sprintf("active provider %s failed to initialize, using %s until restart", active, alt.ID()),
		Success:  true,
		Error:    err.Error(),
	})
	log.Printf("[ProviderManager] Provider %s unavailable, fell back to %s (not persisted)", active, alt.ID())
	return nil
}

// ActiveProvider returns the id of the currently selected provider.
func (m *Manager) ActiveProvider() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// FallbackEnabled reports whether automatic failover is on.
func (m *Manager) FallbackEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackEnabled
}

// SwitchProvider performs an explicit, persisted switch of the active
// provider. The target is initialized before any state changes; on any
// failure the previous provider stays active.
func (m *Manager) SwitchProvider(ctx context.Context, newID, actor string) error {
	m.mu.Lock()
	current := m.activeID
	fallbackEnabled := m.fallbackEnabled
	m.mu.Unlock()

	if newID == current {
		return nil
	}

	target, ok := m.providers[newID]
	if !ok {
		return fmt.Errorf("unknown provider %q", newID)
	}

	fail := func(step string, err error) error {
		m.logEvent(ctx, &Event{
			Provider: newID,
			Category: EventProviderSwitchFailed,
			Detail:   fmt.Sprintf("switch from %s requested by %s failed at %s", current, actor, step),
			Error:    err.Error(),
		})
		return fmt.Errorf("switch to %s: %s: %w", newID, step, err)
	}

	if err := target.Initialize(ctx); err != nil {
		return fail("initialize", err)
	}

	if err := m.settings.SaveProviderSettings(ctx, &Settings{
		ActiveProvider:   newID,
		PreviousProvider: current,
		FallbackEnabled:  fallbackEnabled,
	}); err != nil {
		return fail("persist settings", err)
	}

	m.mu.Lock()
	m.activeID = newID
	m.mu.Unlock()

	m.logEvent(ctx, &Event{
		Provider: newID,
		Category: EventProviderSwitched,
		Detail:   fmt.Sprintf("switched from %s by %s", current, actor),
		Success:  true,
	})
	log.Printf("[ProviderManager] Switched active provider %s -> %s (by %s)", current, newID, actor)
	return nil
}

// Send delivers a message through the active provider, retrying exactly
// once through the alternate provider when fallback is enabled. Any error
// from the active provider triggers the failover; error classes are not
// distinguished.
func (m *Manager) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	m.mu.Lock()
	active := m.providers[m.activeID]
	fallbackEnabled := m.fallbackEnabled
	m.mu.Unlock()

	res, primaryErr := active.Send(ctx, msg)
	if primaryErr == nil {
		res.Provider = active.ID()
		m.logSendEvent(ctx, active.ID(), EventSent, msg, res, nil)
		return res, nil
	}

	if !fallbackEnabled {
		m.logSendEvent(ctx, active.ID(), EventFailed, msg, nil, primaryErr)
		return nil, &SendError{Provider: active.ID(), Err: primaryErr}
	}

	alt := m.alternate(active.ID())
	if alt == nil {
		m.logSendEvent(ctx, active.ID(), EventFailed, msg, nil, primaryErr)
		return nil, &SendError{Provider: active.ID(), Err: primaryErr}
	}

	if !alt.HealthStatus(ctx).Healthy {
		if err := alt.Initialize(ctx); err != nil {
			exhausted := &FailoverExhaustedError{
				Primary: active.ID(), Fallback: alt.ID(),
				PrimaryErr: primaryErr, FallbackErr: err,
			}
			m.logSendEvent(ctx, active.ID(), EventFailed, msg, nil, exhausted)
			return nil, exhausted
		}
		m.logEvent(ctx, &Event{
			Provider: alt.ID(),
			Category: EventHealthCheck,
			Detail:   "fallback provider re-initialized before retry",
			Success:  true,
		})
	}

	res, fallbackErr := alt.Send(ctx, msg)
	if fallbackErr != nil {
		exhausted := &FailoverExhaustedError{
			Primary: active.ID(), Fallback: alt.ID(),
			PrimaryErr: primaryErr, FallbackErr: fallbackErr,
		}
		m.logSendEvent(ctx, active.ID(), EventFailed, msg, nil, exhausted)
		return nil, exhausted
	}

	res.Provider = alt.ID()
	res.UsedFallback = true
	m.logSendEvent(ctx, alt.ID(), EventSentFallback, msg, res, nil)
	logger.Warn("send used fallback provider",
		"primary", active.ID(), "fallback", alt.ID(), "primary_error", primaryErr.Error())
	return res, nil
}

// TestProvider initializes the named provider if needed and runs its
// connection test, logging the outcome with response time.
func (m *Manager) TestProvider(ctx context.Context, id, addr string) (*TestResult, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	if !p.HealthStatus(ctx).Healthy {
		if err := p.Initialize(ctx); err != nil {
			m.logEvent(ctx, &Event{
				Provider:  id,
				Category:  EventProviderTestFailed,
				Recipient: addr,
				Error:     err.Error(),
			})
			return nil, err
		}
	}

	res, err := p.TestConnection(ctx, addr)
	if err != nil {
		m.logEvent(ctx, &Event{
			Provider:  id,
			Category:  EventProviderTestFailed,
			Recipient: addr,
			Error:     err.Error(),
		})
		return nil, err
	}

	m.logEvent(ctx, &Event{
		Provider:       id,
		Category:       EventProviderTest,
		Recipient:      addr,
		Success:        true,
		ResponseTimeMs: res.ResponseTimeMs,
	})
	return res, nil
}

// ProvidersStatus reports every registered provider's health snapshot,
// configuration requirements, configured flag, and whether it is active.
// Used for status reporting only.
func (m *Manager) ProvidersStatus(ctx context.Context) []ProviderStatus {
	m.mu.Lock()
	activeID := m.activeID
	m.mu.Unlock()

	statuses := make([]ProviderStatus, 0, len(m.order))
	for _, id := range m.order {
		p := m.providers[id]
		reqs := p.ConfigRequirements()
		configured := true
		for _, name := range reqs.RequiredEnvVars {
			if os.Getenv(name) == "" {
				configured = false
				break
			}
		}
		statuses = append(statuses, ProviderStatus{
			ID:           id,
			Name:         p.Name(),
			Active:       id == activeID,
			Configured:   configured,
			Health:       p.HealthStatus(ctx),
			Requirements: reqs,
		})
	}
	return statuses
}

// alternate returns the next provider in the fallback chain after id, or
// nil when the chain has no other provider. With two providers this is
// simply "the other one".
func (m *Manager) alternate(id string) Provider {
	for i, candidate := range m.order {
		if candidate == id {
			next := m.order[(i+1)%len(m.order)]
			if next == id {
				return nil
			}
			return m.providers[next]
		}
	}
	// Active id not in the chain (in-memory fallback state): use the head.
	if m.order[0] != id {
		return m.providers[m.order[0]]
	}
	return nil
}

func (m *Manager) logSendEvent(ctx context.Context, providerID, category string, msg *EmailMessage, res *SendResult, sendErr error) {
	ev := &Event{
		Provider: providerID,
		Category: category,
		Subject:  msg.Subject,
		Success:  sendErr == nil,
	}
	if len(msg.Recipients) == 1 {
		ev.Recipient = msg.Recipients[0].Email
	} else {
		ev.Detail = fmt.Sprintf("%d recipients", len(msg.Recipients))
	}
	if res != nil {
		ev.Detail = appendDetail(ev.Detail, "message_id="+res.MessageID)
	}
	if sendErr != nil {
		ev.Error = sendErr.Error()
	}
	m.logEvent(ctx, ev)
}

func (m *Manager) logEvent(ctx context.Context, ev *Event) {
	if m.events == nil {
		return
	}
	// Event logging is observability only; never fail the caller over it.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.events.RecordProviderEvent(logCtx, ev); err != nil {
		log.Printf("[ProviderManager] Warning: failed to record %s event: %v", ev.Category, err)
	}
}

func appendDetail(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "; " + extra
}
