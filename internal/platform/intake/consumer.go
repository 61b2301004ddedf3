// Package intake feeds referral submissions from a Kafka topic into the
// lifecycle service.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/vitalred/referral/internal/domain/referral"
	"github.com/vitalred/referral/internal/domain/scoring"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter accepts one submission. *referral.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, in referral.SubmitInput) (*referral.Request, error)
}

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
}

// IdempotencyHeader may carry the submission token when the message has no key.
const IdempotencyHeader = "Idempotency-Key"

// Stats counts what the consumer did with each message.
type Stats struct {
	Submitted int
	Rejected  int
}

type Consumer struct {
	reader      MessageReader
	submitter   Submitter
	logger      zerolog.Logger
	maxAttempts uint
	backoff     func() backoff.BackOff

	stats Stats
}

type Option func(*Consumer)

// WithRetry bounds the attempts for a submission failing with a non-input
// error. Once exhausted, Run returns without committing the message.
func WithRetry(attempts uint, initial time.Duration) Option {
	return func(c *Consumer) {
		c.maxAttempts = attempts
		c.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			return b
		}
	}
}

func NewConsumer(reader MessageReader, submitter Submitter, logger zerolog.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		reader:    reader,
		submitter: submitter,
		logger:    logger.With().Str("component", "intake").Logger(),
	}
	WithRetry(5, 500*time.Millisecond)(c)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Consumer) Stats() Stats { return c.stats }

// Run consumes until ctx is cancelled. A message is committed once its
// submission is stored or found to be malformed; anything else is retried
// and, if it keeps failing, left uncommitted for the next run.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("intake consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("intake consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	in, err := Decode(msg)
	if err != nil {
		c.stats.Rejected++
		log.Warn().Err(err).Msg("dropping malformed submission")
		return nil
	}

	req, err := backoff.Retry(ctx, func() (*referral.Request, error) {
		req, err := c.submitter.Submit(ctx, in)
		if err != nil && isRejection(err) {
			return nil, backoff.Permanent(err)
		}
		return req, err
	},
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("next", next).Msg("submission failed, retrying")
		}),
	)
	switch {
	case err == nil:
		c.stats.Submitted++
		log.Info().
			Str("code", req.Code).
			Str("priority", string(req.Priority)).
			Str("state", string(req.State)).
			Msg("submission accepted")
		return nil
	case isRejection(err):
		c.stats.Rejected++
		log.Warn().Err(err).Msg("submission rejected")
		return nil
	default:
		return fmt.Errorf("submit offset %d: %w", msg.Offset, err)
	}
}

func isRejection(err error) bool {
	return errors.Is(err, referral.ErrInvalidSubmission) || errors.Is(err, scoring.ErrInvalidInput)
}

// Decode turns a message into a submission. The token is the message key,
// then the Idempotency-Key header, then the body's idempotency_token, then
// the message coordinates, so that a redelivered message never creates a
// second request.
func Decode(msg kafka.Message) (referral.SubmitInput, error) {
	var in referral.SubmitInput
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return in, fmt.Errorf("decode submission: %w", err)
	}
	switch {
	case len(msg.Key) > 0:
		in.IdempotencyToken = string(msg.Key)
	case header(msg, IdempotencyHeader) != "":
		in.IdempotencyToken = header(msg, IdempotencyHeader)
	case in.IdempotencyToken != "":
	default:
		in.IdempotencyToken = fmt.Sprintf("kafka:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return in, nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
