package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogChannel writes envelopes to the log instead of delivering them. It
// stands in for a broker-backed channel in development.
type LogChannel struct {
	name   ChannelName
	logger zerolog.Logger
}

func NewLogChannel(name ChannelName, logger zerolog.Logger) *LogChannel {
	return &LogChannel{name: name, logger: logger.With().Str("channel", string(name)).Logger()}
}

func (c *LogChannel) Name() ChannelName { return c.name }

func (c *LogChannel) Send(_ context.Context, r Recipient, env Envelope) error {
	c.logger.Info().
		Str("recipient", r.ID).
		Str("address", env.Address).
		Str("kind", env.Kind).
		Str("priority", string(env.Priority)).
		Str("key", env.DeliveryKey()).
		Interface("payload", env.Payload).
		Msg("notification")
	return nil
}
