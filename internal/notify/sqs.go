package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/snapvault/backend/internal/obs"
)

// sqsAPI is the subset of the SQS client the publisher uses. Satisfied by
// *sqs.Client; mock it in tests.
type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes notifications to an SQS FIFO queue. The message
// group id is the user id, which preserves per-user ordering; the
// deduplication id collapses rapid duplicate publishes within SQS's
// five-minute window, though consumers must still tolerate duplicates beyond
// it.
type SQSPublisher struct {
	client    sqsAPI
	queueName string
	queueURL  string
	logger    obs.Logger
}

// SQSOption configures an SQSPublisher.
type SQSOption func(*SQSPublisher)

// WithSQSAPI injects a custom SQS client. Useful for testing.
func WithSQSAPI(api sqsAPI) SQSOption {
	return func(p *SQSPublisher) {
		p.client = api
	}
}

// NewSQSPublisher creates a publisher for the named FIFO queue and resolves
// its URL. The queue name must end with ".fifo".
func NewSQSPublisher(ctx context.Context, awsCfg *aws.Config, queueName string, logger obs.Logger, opts ...SQSOption) (*SQSPublisher, error) {
	if !strings.HasSuffix(queueName, ".fifo") {
		return nil, errors.New("the notification queue must be a FIFO queue (the name must end with .fifo)")
	}

	if logger == nil {
		logger = obs.NopLogger{}
	}

	p := &SQSPublisher{
		queueName: queueName,
		logger:    logger.WithField("publisher", "sqs").WithField("queue_name", queueName),
	}

	for _, o := range opts {
		o(p)
	}

	if p.client == nil {
		p.client = sqs.NewFromConfig(*awsCfg, func(o *sqs.Options) {
			o.Retryer = awsretry.AddWithMaxAttempts(o.Retryer, 5)
		})
	}

	resp, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		return nil, fmt.Errorf("failed to get SQS queue URL for %s: %w", queueName, err)
	}

	p.queueURL = aws.ToString(resp.QueueUrl)

	return p, nil
}

func (p *SQSPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	groupID := msg.GroupID()
	dedupID := msg.DedupID()

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.queueURL,
		MessageGroupId:         &groupID,
		MessageDeduplicationId: &dedupID,
		MessageBody:            aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification for op %s to SQS: %w", msg.OpID, err)
	}

	p.logger.WithField("op_id", msg.OpID).Debug("notification published")

	return nil
}

func (p *SQSPublisher) Close() error {
	return nil
}
