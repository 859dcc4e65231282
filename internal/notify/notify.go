// Package notify delivers workflow events to people outside the request that
// caused them. Delivery is best effort and never blocks or fails a workflow
// operation.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"refflow/api/internal/email"
	"refflow/api/internal/metrics"
)

type EventKind string

const (
	EventInviteCreated      EventKind = "invite.created"
	EventStatementCompleted EventKind = "statement.completed"
	EventEditsRequested     EventKind = "statement.edits_requested"
)

type Event struct {
	Kind         EventKind
	Recipients   []string
	OwnerEmail   string
	AcademicYear string
	Actor        string
	// InviteToken is only set on invite.created and is used to build the
	// accept link; it is never logged.
	InviteToken string
	Reason      string
	OccurredAt  time.Time
}

// Sender is the e-mail transport.
type Sender interface {
	SendInvite(ctx context.Context, to string, data email.InviteData) error
	SendStatementCompleted(ctx context.Context, to string, data email.StatementCompletedData) error
	SendEditsRequested(ctx context.Context, to string, data email.EditsRequestedData) error
}

type Options struct {
	Timeout       time.Duration
	RatePerMinute int
	Buffer        int
	InviteBaseURL string
	InviteTTL     time.Duration
}

type Bus struct {
	sender  Sender
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

// NewBus returns a bus that delivers through sender. A nil sender turns
// delivery into a logged no-op.
func NewBus(sender Sender, opts Options, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 128
	}
	limit := rate.Inf
	burst := 1
	if opts.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RatePerMinute))
		burst = max(1, opts.RatePerMinute/10)
	}
	return &Bus{
		sender:  sender,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		metrics: m,
		events:  make(chan Event, opts.Buffer),
		closed:  make(chan struct{}),
	}
}

// Emit queues ev for delivery. It never blocks: when the buffer is full or
// the bus has stopped the event is dropped and logged.
func (b *Bus) Emit(ev Event) {
	select {
	case <-b.closed:
		b.drop(ev, "bus stopped")
		return
	default:
	}
	select {
	case b.events <- ev:
	default:
		b.drop(ev, "buffer full")
	}
}

func (b *Bus) drop(ev Event, reason string) {
	b.metrics.ObserveNotification(string(ev.Kind), "dropped")
	b.logger.Warn("notify: event dropped", "event", ev.Kind, "owner", ev.OwnerEmail, "reason", reason)
}

// Run consumes events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	defer b.closeOnce.Do(func() { close(b.closed) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	if b.sender == nil {
		b.metrics.ObserveNotification(string(ev.Kind), "skipped")
		b.logger.Debug("notify: no sender configured", "event", ev.Kind, "recipients", len(ev.Recipients))
		return
	}
	for _, to := range ev.Recipients {
		if err := b.limiter.Wait(ctx); err != nil {
			b.metrics.ObserveNotification(string(ev.Kind), "dropped")
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
		err := b.send(sendCtx, to, ev)
		cancel()
		if err != nil {
			b.metrics.ObserveNotification(string(ev.Kind), "failed")
			b.logger.Warn("notify: delivery failed", "event", ev.Kind, "to", to, "error", err)
			continue
		}
		b.metrics.ObserveNotification(string(ev.Kind), "sent")
	}
}

func (b *Bus) send(ctx context.Context, to string, ev Event) error {
	switch ev.Kind {
	case EventInviteCreated:
		return b.sender.SendInvite(ctx, to, email.InviteData{
			StudentEmail: ev.OwnerEmail,
			AcademicYear: ev.AcademicYear,
			AcceptURL:    b.acceptURL(ev.InviteToken),
			ExpiresIn:    humanDuration(b.opts.InviteTTL),
		})
	case EventStatementCompleted:
		return b.sender.SendStatementCompleted(ctx, to, email.StatementCompletedData{
			StudentEmail: ev.OwnerEmail,
			AcademicYear: ev.AcademicYear,
		})
	case EventEditsRequested:
		return b.sender.SendEditsRequested(ctx, to, email.EditsRequestedData{
			AcademicYear: ev.AcademicYear,
			RequestedBy:  ev.Actor,
			Reason:       ev.Reason,
		})
	default:
		return fmt.Errorf("unknown event %q", ev.Kind)
	}
}

func (b *Bus) acceptURL(token string) string {
	base := strings.TrimSpace(b.opts.InviteBaseURL)
	if base == "" || token == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d%(24*time.Hour) == 0:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	default:
		return d.String()
	}
}
