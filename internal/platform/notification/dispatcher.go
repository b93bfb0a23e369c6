package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/platform/metrics"
)

const (
	defaultQueueSize = 256
	defaultKeep      = 1000
	drainTimeout     = 5 * time.Second
)

type DispatcherOptions struct {
	QueueSize int
	// Keep bounds how many recent messages are retained for inspection.
	Keep    int
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher implements Notifier over a bounded queue drained by Run.
type Dispatcher struct {
	sender    Sender
	templates *TemplateEngine
	queue     chan *Message
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu       sync.RWMutex
	messages map[string]*Message
	order    []string
	keep     int
}

func NewDispatcher(sender Sender, templates *TemplateEngine, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Keep <= 0 {
		opts.Keep = defaultKeep
	}
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Dispatcher{
		sender:    sender,
		templates: templates,
		queue:     make(chan *Message, opts.QueueSize),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		messages:  make(map[string]*Message),
		keep:      opts.Keep,
	}
}

// Notify renders and enqueues a message. It never blocks: when the queue is
// full the message is recorded as dropped.
func (d *Dispatcher) Notify(_ context.Context, donorID uuid.UUID, event string, data map[string]string) {
	subject, body, err := d.templates.Render(event, data)
	if err != nil {
		subject, body = event, fmt.Sprintf("%v", data)
	}
	m := &Message{
		ID:        uuid.NewString(),
		DonorID:   donorID,
		Event:     event,
		Subject:   subject,
		Body:      body,
		Data:      data,
		Status:    StatusQueued,
		CreatedAt: d.now(),
	}
	d.remember(m)

	select {
	case d.queue <- m:
		d.metrics.SetQueueDepth(len(d.queue))
	default:
		d.update(m.ID, func(m *Message) {
			m.Status = StatusDropped
			m.Error = "queue full"
		})
		d.logger.Warn().Str("event", event).Str("donor_id", donorID.String()).Msg("notification queue full, dropping")
	}
}

// Run delivers queued messages until ctx is cancelled, then drains what is
// left within a short grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case m := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.deliver(ctx, m)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case m := <-d.queue:
			d.deliver(ctx, m)
		default:
			d.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, m *Message) {
	snapshot := *m
	snapshot.Attempts++
	err := d.sender.Send(ctx, &snapshot)
	d.metrics.IncNotification(d.sender.Name(), err)

	d.update(m.ID, func(m *Message) {
		m.Attempts++
		if err != nil {
			m.Status = StatusFailed
			m.Error = err.Error()
			return
		}
		sentAt := d.now()
		m.Status = StatusSent
		m.SentAt = &sentAt
		m.Error = ""
	})
	if err != nil {
		d.logger.Error().Err(err).
			Str("sender", d.sender.Name()).
			Str("event", m.Event).
			Str("donor_id", m.DonorID.String()).
			Msg("notification delivery failed")
	}
}

// Retry re-sends a failed or dropped message synchronously.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Message, error) {
	m, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusFailed && m.Status != StatusDropped {
		return nil, fmt.Errorf("notification %q is not retryable (current: %s)", id, m.Status)
	}
	d.deliver(ctx, m)
	return d.Get(id)
}

func (d *Dispatcher) remember(m *Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *m
	d.messages[m.ID] = &cp
	d.order = append(d.order, m.ID)
	for len(d.order) > d.keep {
		delete(d.messages, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *Dispatcher) update(id string, fn func(m *Message)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.messages[id]; ok {
		fn(m)
	}
}

// Get returns a copy of a retained message.
func (d *Dispatcher) Get(id string) (*Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.messages[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	cp := *m
	return &cp, nil
}

// ListByDonor returns the newest messages for a donor, up to limit.
func (d *Dispatcher) ListByDonor(donorID uuid.UUID, limit int) []*Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Message
	for i := len(d.order) - 1; i >= 0 && len(out) < limit; i-- {
		if m := d.messages[d.order[i]]; m.DonorID == donorID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

// Stats returns counts of retained messages grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]int)
	for _, m := range d.messages {
		stats[m.Status]++
	}
	return stats
}

// Events lists the distinct events seen, sorted. Used by the admin endpoint.
func (d *Dispatcher) Events() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range d.messages {
		if !seen[m.Event] {
			seen[m.Event] = true
			out = append(out, m.Event)
		}
	}
	sort.Strings(out)
	return out
}
