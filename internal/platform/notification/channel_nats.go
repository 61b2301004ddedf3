package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the in-app broker connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// ConnectNATS opens a connection and a JetStream context.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, nats.JetStreamContext, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return conn, js, nil
}

// msgPublisher is the subset of nats.JetStreamContext the in-app channel uses.
type msgPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// InAppChannel publishes envelopes to a per-recipient JetStream subject. The
// delivery key is sent as the Nats-Msg-Id so the stream drops replays.
type InAppChannel struct {
	js     msgPublisher
	prefix string
}

// NewInAppChannel creates the in-app channel publishing under subjectPrefix.
func NewInAppChannel(js msgPublisher, subjectPrefix string) *InAppChannel {
	if subjectPrefix == "" {
		subjectPrefix = "referral.inbox"
	}
	return &InAppChannel{js: js, prefix: subjectPrefix}
}

func (c *InAppChannel) Name() ChannelName { return ChannelInApp }

func (c *InAppChannel) Send(ctx context.Context, _ Recipient, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrDeliveryPermanent, err)
	}
	msg := nats.NewMsg(c.Subject(env.Address))
	msg.Data = data
	msg.Header.Set("Event-Kind", env.Kind)

	if _, err := c.js.PublishMsg(msg, nats.MsgId(env.DeliveryKey()), nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrBadSubject) || errors.Is(err, nats.ErrMaxPayload) {
			return fmt.Errorf("%w: %v", ErrDeliveryPermanent, err)
		}
		return fmt.Errorf("%w: %v", ErrDeliveryTransient, err)
	}
	return nil
}

// Subject returns the inbox subject for an address. Characters NATS treats
// as token separators or wildcards are replaced.
func (c *InAppChannel) Subject(address string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, address)
	return c.prefix + "." + clean
}
