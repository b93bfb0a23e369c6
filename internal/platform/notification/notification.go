// Package notification delivers donor-facing status notifications. Domain
// services call Notify after their transaction commits; a Dispatcher renders
// the message and a background worker hands it to the configured Sender.
// Delivery failures are logged and recorded, never returned to the caller.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

const (
	EventReminderDayBefore = "registration.reminder_1d"
	EventReminderTwoHours  = "registration.reminder_2h"
)

// RegistrationEvent names the event for a registration reaching status.
func RegistrationEvent(status string) string {
	return "registration." + strings.ToLower(status)
}

// DonationEvent names the event for a donation reaching status.
func DonationEvent(status string) string {
	return "donation." + strings.ToLower(status)
}

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

const (
	StatusQueued  = "queued"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// Message is one rendered notification addressed to a donor.
type Message struct {
	ID        string            `json:"id"`
	DonorID   uuid.UUID         `json:"donor_id"`
	Event     string            `json:"event"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Status    string            `json:"status"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
	SentAt    *time.Time        `json:"sent_at,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Notifier is the fire-and-forget contract the domain depends on.
type Notifier interface {
	Notify(ctx context.Context, donorID uuid.UUID, event string, data map[string]string)
}

// Sender delivers a rendered message over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, m *Message) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, uuid.UUID, string, map[string]string) {}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template renders the subject and body for one event.
type Template struct {
	Event   string `json:"event"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

const genericEvent = "*"

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			Event:   genericEvent,
			Subject: "Update on {{code}}",
			Body:    "Your record {{code}} is now {{status}}.",
		},
		{
			Event:   RegistrationEvent("PENDING_APPROVAL"),
			Subject: "Registration {{code}} received",
			Body:    "Thank you for registering to donate on {{preferred_date}}. We will confirm your appointment shortly.",
		},
		{
			Event:   RegistrationEvent("REGISTERED"),
			Subject: "Registration {{code}} confirmed",
			Body:    "Your donation appointment on {{preferred_date}} is confirmed. Show check-in code {{check_in_code}} at the desk.",
		},
		{
			Event:   RegistrationEvent("REJECTED_REGISTRATION"),
			Subject: "Registration {{code}} declined",
			Body:    "We are unable to accept registration {{code}}. {{note}}",
		},
		{
			Event:   RegistrationEvent("CANCELLED"),
			Subject: "Registration {{code}} cancelled",
			Body:    "Registration {{code}} has been cancelled. {{note}}",
		},
		{
			Event:   RegistrationEvent("WAITING_DONATION"),
			Subject: "You are cleared to donate",
			Body:    "Your health check passed. Please wait to be called for donation.",
		},
		{
			Event:   RegistrationEvent("COMPLETED"),
			Subject: "Thank you for donating",
			Body:    "Your donation under {{code}} is complete. Thank you for saving lives.",
		},
		{
			Event:   EventReminderDayBefore,
			Subject: "Donation tomorrow",
			Body:    "Reminder: your donation appointment {{code}} is on {{preferred_date}}.",
		},
		{
			Event:   EventReminderTwoHours,
			Subject: "Donation in two hours",
			Body:    "Reminder: your donation appointment {{code}} starts at {{preferred_date}}.",
		},
		{
			Event:   DonationEvent("completed"),
			Subject: "Donation {{code}} recorded",
			Body:    "We recorded {{quantity}} mL from your donation {{code}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.Event] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Event] = &t
}

// Render performs {{key}} replacement on the event's template, falling back to
// the generic template for events without one. Keys absent from data are left
// as-is.
func (e *TemplateEngine) Render(event string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[event]
	if !ok {
		t, ok = e.templates[genericEvent]
	}
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template for %q not found", event)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, strings.TrimSpace(body), nil
}

// ---------------------------------------------------------------------------
// Recorder (test double)
// ---------------------------------------------------------------------------

// Call records a single Notify invocation.
type Call struct {
	DonorID uuid.UUID
	Event   string
	Data    map[string]string
}

// Recorder is a Notifier that keeps every call.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) Notify(_ context.Context, donorID uuid.UUID, event string, data map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{DonorID: donorID, Event: event, Data: data})
}

// Calls returns a copy of recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Events returns the recorded event names in order.
func (r *Recorder) Events() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, c.Event)
	}
	return out
}
