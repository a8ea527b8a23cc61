// Package dispatch runs the periodic loop that resolves due schedules,
// expands their audience segments, and hands recipient batches to the
// provider manager.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weblisite/newsletterfy-sub000/internal/pkg/distlock"
	"github.com/weblisite/newsletterfy-sub000/internal/pkg/logger"
	"github.com/weblisite/newsletterfy-sub000/internal/provider"
	"github.com/weblisite/newsletterfy-sub000/internal/schedule"
	"github.com/weblisite/newsletterfy-sub000/internal/segment"
	"github.com/weblisite/newsletterfy-sub000/internal/store"
)

const (
	// DefaultTickInterval is how often the loop scans for due schedules.
	DefaultTickInterval = time.Minute

	// DefaultTickTimeout bounds one tick. It must stay below the tick
	// interval so runs never overlap.
	DefaultTickTimeout = 50 * time.Second

	// DefaultBatchSize is how many recipients go into one provider call.
	DefaultBatchSize = 100
)

// ScheduleStore is the schedule persistence the loop needs.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]schedule.Entry, error)
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	AdvanceSchedule(ctx context.Context, id uuid.UUID, sendDate string) error
}

// AudienceStore loads the newsletter and subscriber data a send needs.
type AudienceStore interface {
	GetNewsletter(ctx context.Context, id uuid.UUID) (*store.Newsletter, error)
	ListSubscribers(ctx context.Context, userID uuid.UUID) ([]segment.Subscriber, error)
}

// StatsStore updates per-newsletter aggregate counters.
type StatsStore interface {
	IncrementSentCount(ctx context.Context, newsletterID uuid.UUID, sent int) error
}

// Sender delivers one message; the provider manager implements it.
type Sender interface {
	Send(ctx context.Context, msg *provider.EmailMessage) (*provider.SendResult, error)
}

// Config holds the loop's tunables.
type Config struct {
	TickInterval  time.Duration
	TickTimeout   time.Duration
	BatchSize     int
	SendingDomain string
}

// Loop is the periodic dispatcher. Schedules within one tick are processed
// sequentially, and batches within one schedule are sent sequentially, so
// at most one outbound provider call is in flight at a time.
type Loop struct {
	schedules ScheduleStore
	audience  AudienceStore
	stats     StatsStore
	sender    Sender

	tickInterval  time.Duration
	tickTimeout   time.Duration
	batchSize     int
	sendingDomain string

	// tickLock, when set, keeps multiple dispatcher replicas from
	// processing the same tick.
	tickLock distlock.Lock

	now func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New creates a dispatch loop. Zero config fields take defaults.
func New(schedules ScheduleStore, audience AudienceStore, stats StatsStore, sender Sender, cfg Config) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TickTimeout <= 0 || cfg.TickTimeout >= cfg.TickInterval {
		cfg.TickTimeout = cfg.TickInterval * 5 / 6
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SendingDomain == "" {
		cfg.SendingDomain = "mail.newsletterfy.com"
	}
	return &Loop{
		schedules:     schedules,
		audience:      audience,
		stats:         stats,
		sender:        sender,
		tickInterval:  cfg.TickInterval,
		tickTimeout:   cfg.TickTimeout,
		batchSize:     cfg.BatchSize,
		sendingDomain: cfg.SendingDomain,
		now:           time.Now,
	}
}

// SetTickLock installs a distributed lock acquired at the start of every
// tick. A tick that loses the race is skipped, not queued.
func (l *Loop) SetTickLock(lock distlock.Lock) {
	l.tickLock = lock
}

// Start begins the ticking loop.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("dispatch loop already running")
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.mu.Unlock()

	log.Printf("[DispatchLoop] Starting with tick interval %v, batch size %d", l.tickInterval, l.batchSize)

	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop cancels the loop and waits for any in-flight tick to finish or
// fail cleanly.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	log.Printf("[DispatchLoop] Stopping...")
	l.cancel()
	l.wg.Wait()
	log.Printf("[DispatchLoop] Stopped")
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	ctx, cancel := context.WithTimeout(l.ctx, l.tickTimeout)
	defer cancel()

	if l.tickLock != nil {
		acquired, err := l.tickLock.TryAcquire(ctx)
		if err != nil {
			log.Printf("[DispatchLoop] Error acquiring tick lock: %v", err)
			return
		}
		if !acquired {
			return
		}
		defer l.tickLock.Release(ctx)
	}

	l.ProcessSchedules(ctx)
}

// ProcessSchedules runs one pass over all pending schedules. A failure on
// one schedule is logged and does not stop the others.
func (l *Loop) ProcessSchedules(ctx context.Context) {
	entries, err := l.schedules.ListSchedules(ctx)
	if err != nil {
		log.Printf("[DispatchLoop] Error listing schedules: %v", err)
		return
	}

	now := l.now()
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		if err := l.processSchedule(ctx, &entries[i], now); err != nil {
			logger.Error("schedule processing failed",
				"schedule_id", entries[i].ID.String(),
				"newsletter_id", entries[i].NewsletterID.String(),
				"error", err.Error())
		}
	}
}

// processSchedule handles a single entry: due check, audience resolution,
// batched sending, counter update, and the one-time-delete or
// recurring-advance outcome.
func (l *Loop) processSchedule(ctx context.Context, e *schedule.Entry, now time.Time) error {
	due, err := schedule.DueAt(e, now)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	nl, err := l.audience.GetNewsletter(ctx, e.NewsletterID)
	if err != nil {
		return fmt.Errorf("load newsletter: %w", err)
	}

	from, err := provider.DeriveSenderIdentity(nl.Name, nl.OwnerEmail, l.sendingDomain)
	if err != nil {
		return fmt.Errorf("derive sender identity: %w", err)
	}

	subs, err := l.audience.ListSubscribers(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	recipients := segment.Resolve(e.Segment, subs, now)

	log.Printf("[DispatchLoop] Schedule %s due: newsletter %q, segment %q, %d recipients",
		e.ID, nl.Name, e.Segment, len(recipients))

	attempted, sendErr := l.sendBatches(ctx, e, nl, from, recipients)
	if sendErr != nil {
		logger.Error("newsletter send stopped early",
			"schedule_id", e.ID.String(),
			"attempted", fmt.Sprintf("%d", attempted),
			"error", sendErr.Error())
	}

	if attempted > 0 {
		if err := l.stats.IncrementSentCount(ctx, nl.ID, attempted); err != nil {
			log.Printf("[DispatchLoop] Warning: failed to update sent count for %s: %v", nl.ID, err)
		}
	}

	// Exactly one outcome per firing, applied only after every batch has
	// been attempted: one-time entries are deleted, recurring entries
	// advance to the next occurrence.
	if e.Frequency == schedule.Recurring {
		next, err := schedule.Advance(e)
		if err != nil {
			return err
		}
		if err := l.schedules.AdvanceSchedule(ctx, e.ID, next.SendDate); err != nil {
			return fmt.Errorf("advance schedule: %w", err)
		}
	} else {
		if err := l.schedules.DeleteSchedule(ctx, e.ID); err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
	}
	return nil
}

// sendBatches partitions recipients into fixed-size batches and sends them
// sequentially. It returns how many recipients were attempted; a batch
// failure stops the remaining batches for this schedule, but already-sent
// batches stay sent.
func (l *Loop) sendBatches(ctx context.Context, e *schedule.Entry, nl *store.Newsletter, from provider.SenderIdentity, recipients []segment.Subscriber) (int, error) {
	attempted := 0
	for start := 0; start < len(recipients); start += l.batchSize {
		end := start + l.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]
		attempted += len(batch)

		if _, err := l.sender.Send(ctx, l.buildMessage(e, nl, from, batch)); err != nil {
			return attempted, err
		}
	}
	return attempted, nil
}

// buildMessage constructs the immutable message for one batch. The
// subject, preheader and content come verbatim from the newsletter record.
func (l *Loop) buildMessage(e *schedule.Entry, nl *store.Newsletter, from provider.SenderIdentity, batch []segment.Subscriber) *provider.EmailMessage {
	recipients := make([]provider.Recipient, 0, len(batch))
	for _, s := range batch {
		recipients = append(recipients, provider.Recipient{Email: s.Email, Name: s.Name})
	}
	return &provider.EmailMessage{
		Recipients:  recipients,
		Subject:     nl.Subject,
		HTMLContent: withPreheader(nl.HTMLContent, nl.Preheader),
		TextContent: nl.TextContent,
		From:        from,
		Tags: map[string]string{
			"newsletter_id": nl.ID.String(),
			"schedule_id":   e.ID.String(),
			"segment":       e.Segment,
		},
	}
}

// withPreheader injects the preheader as hidden preview text at the top
// of the HTML body.
func withPreheader(html, preheader string) string {
	if preheader == "" {
		return html
	}
	span := fmt.Sprintf(`<span style="display:none;max-height:0;overflow:hidden">%s</span>`, preheader)
	if idx := strings.Index(html, "<body"); idx >= 0 {
		if gt := strings.Index(html[idx:], ">"); gt >= 0 {
			at := idx + gt + 1
			return html[:at] + span + html[at:]
		}
	}
	return span + html
}
