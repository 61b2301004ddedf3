// Package notification fans referral and escalation events out to reviewers
// over in-app, ordinary message and urgent channels, with per-recipient rate
// limiting, bounded retries and idempotent delivery.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDeliveryTransient marks a failure worth retrying (timeouts, 5xx, broker unavailable).
	ErrDeliveryTransient = errors.New("transient delivery failure")
	// ErrDeliveryPermanent marks a failure that will not succeed on retry.
	ErrDeliveryPermanent = errors.New("permanent delivery failure")
	ErrInvalidAudience   = errors.New("invalid audience")
	ErrInvalidEvent      = errors.New("invalid notification event")
	ErrUnknownRecipient  = errors.New("unknown recipient")
)

// ---------------------------------------------------------------------------
// Event Model
// ---------------------------------------------------------------------------

// Priority selects which channels an event is delivered on.
type Priority string

const (
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ChannelName identifies a delivery channel.
type ChannelName string

const (
	ChannelInApp   ChannelName = "in_app"
	ChannelMessage ChannelName = "message"
	ChannelUrgent  ChannelName = "urgent"
)

// Audience selects recipients by role or by a single user id. Exactly one of
// the two fields must be set.
type Audience struct {
	Role   string `json:"role,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// ToRole targets every member of role.
func ToRole(role string) Audience { return Audience{Role: role} }

// ToUser targets a single user.
func ToUser(id string) Audience { return Audience{UserID: id} }

func (a Audience) validate() error {
	hasRole := strings.TrimSpace(a.Role) != ""
	hasUser := strings.TrimSpace(a.UserID) != ""
	if hasRole == hasUser {
		return fmt.Errorf("%w: exactly one of role or user_id must be set (role=%q user_id=%q)",
			ErrInvalidAudience, a.Role, a.UserID)
	}
	return nil
}

// Event is what domain code hands to the Dispatcher.
type Event struct {
	Kind             string         `json:"kind"`
	Audiences        []Audience     `json:"audiences"`
	Payload          map[string]any `json:"payload"`
	Priority         Priority       `json:"priority"`
	IdempotencyToken string         `json:"idempotency_token"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Validate checks the event is dispatchable.
func (e Event) Validate() error {
	if e.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	if e.IdempotencyToken == "" {
		return fmt.Errorf("%w: idempotency token is required", ErrInvalidEvent)
	}
	if !e.Priority.valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidEvent, e.Priority)
	}
	if len(e.Audiences) == 0 {
		return fmt.Errorf("%w: at least one audience is required", ErrInvalidAudience)
	}
	for _, a := range e.Audiences {
		if err := a.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Envelope is one event addressed to one recipient on one channel.
type Envelope struct {
	Kind        string         `json:"kind"`
	RecipientID string         `json:"recipient_id"`
	Channel     ChannelName    `json:"channel"`
	Address     string         `json:"address,omitempty"`
	Priority    Priority       `json:"priority"`
	Payload     map[string]any `json:"payload"`
	Token       string         `json:"idempotency_token"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DeliveryKey identifies the (token, recipient, channel) triple that must be
// delivered at most once.
func (e Envelope) DeliveryKey() string {
	return e.Token + "|" + e.RecipientID + "|" + string(e.Channel)
}

// Recipient is a resolved reviewer with per-channel contact addresses.
type Recipient struct {
	ID       string                 `yaml:"id" json:"id"`
	Name     string                 `yaml:"name" json:"name,omitempty"`
	Roles    []string               `yaml:"roles" json:"roles,omitempty"`
	Contacts map[ChannelName]string `yaml:"contacts" json:"contacts,omitempty"`
}

// Address returns the contact for ch. In-app delivery is addressed by the
// recipient id when no explicit contact is configured.
func (r Recipient) Address(ch ChannelName) string {
	if addr := r.Contacts[ch]; addr != "" {
		return addr
	}
	if ch == ChannelInApp {
		return r.ID
	}
	return ""
}

// ---------------------------------------------------------------------------
// Channel
// ---------------------------------------------------------------------------

// Channel delivers a single envelope. Implementations return an error wrapping
// ErrDeliveryTransient or ErrDeliveryPermanent.
type Channel interface {
	Name() ChannelName
	Send(ctx context.Context, r Recipient, env Envelope) error
}

// SendCall records a single call to MockChannel.Send.
type SendCall struct {
	Recipient Recipient
	Envelope  Envelope
}

// MockChannel is a test double for Channel. FailTimes makes the first N sends
// fail with FailError (ErrDeliveryTransient when unset).
type MockChannel struct {
	ChannelName ChannelName
	FailTimes   int
	FailError   error
	// Delay blocks each send, honouring context cancellation.
	Delay time.Duration

	mu       sync.Mutex
	attempts int
	calls    []SendCall
}

// NewMockChannel creates a MockChannel that always succeeds.
func NewMockChannel(name ChannelName) *MockChannel {
	return &MockChannel{ChannelName: name}
}

func (m *MockChannel) Name() ChannelName { return m.ChannelName }

// Send records the call and fails while attempts < FailTimes.
func (m *MockChannel) Send(ctx context.Context, r Recipient, env Envelope) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrDeliveryTransient, ctx.Err())
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.attempts <= m.FailTimes {
		if m.FailError != nil {
			return m.FailError
		}
		return fmt.Errorf("%w: mock failure %d", ErrDeliveryTransient, m.attempts)
	}
	m.calls = append(m.calls, SendCall{Recipient: r, Envelope: env})
	return nil
}

// Calls returns a copy of the successful sends.
func (m *MockChannel) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Attempts returns the number of Send invocations, failed ones included.
func (m *MockChannel) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
