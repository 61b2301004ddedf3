package notification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// NewSQSClient builds an SQS client from the default AWS credential chain.
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	}), nil
}

// sqsSender is the subset of *sqs.Client the message channel uses.
type sqsSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// MessageChannel hands ordinary messages (SMS/e-mail) to a downstream sender
// through an SQS queue. FIFO queues get the delivery key as deduplication id.
type MessageChannel struct {
	client   sqsSender
	queueURL string
	fifo     bool
}

// NewMessageChannel creates the message channel for queueURL.
func NewMessageChannel(client sqsSender, queueURL string) *MessageChannel {
	return &MessageChannel{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (c *MessageChannel) Name() ChannelName { return ChannelMessage }

func (c *MessageChannel) Send(ctx context.Context, _ Recipient, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrDeliveryPermanent, err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"address":  {DataType: aws.String("String"), StringValue: aws.String(env.Address)},
			"kind":     {DataType: aws.String("String"), StringValue: aws.String(env.Kind)},
			"priority": {DataType: aws.String("String"), StringValue: aws.String(string(env.Priority))},
		},
	}
	if c.fifo {
		in.MessageGroupId = aws.String(env.RecipientID)
		in.MessageDeduplicationId = aws.String(dedupID(env.DeliveryKey()))
	}

	if _, err := c.client.SendMessage(ctx, in); err != nil {
		var notFound *types.QueueDoesNotExist
		var invalid *types.InvalidMessageContents
		if errors.As(err, &notFound) || errors.As(err, &invalid) {
			return fmt.Errorf("%w: %v", ErrDeliveryPermanent, err)
		}
		return fmt.Errorf("%w: %v", ErrDeliveryTransient, err)
	}
	return nil
}

// dedupID hashes the delivery key to fit the 128-character SQS limit.
func dedupID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
