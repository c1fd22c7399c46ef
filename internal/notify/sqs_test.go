package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	getQueueURL func(*sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error)
	sendMessage func(*sqs.SendMessageInput) (*sqs.SendMessageOutput, error)

	sent []*sqs.SendMessageInput
}

func (m *mockSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if m.getQueueURL != nil {
		return m.getQueueURL(in)
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.test/123/" + aws.ToString(in.QueueName))}, nil
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = append(m.sent, in)
	if m.sendMessage != nil {
		return m.sendMessage(in)
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSPublishSetsOrderingAndDeduplication(t *testing.T) {
	t.Parallel()

	mock := &mockSQS{}

	p, err := NewSQSPublisher(context.Background(), nil, "notify.fifo", nil, WithSQSAPI(mock))
	if err != nil {
		t.Fatalf("NewSQSPublisher failed: %v", err)
	}

	msg := Message{UserID: 42, OpID: "00000007-002a", Method: "photo.share"}

	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(mock.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(mock.sent))
	}

	in := mock.sent[0]

	if aws.ToString(in.QueueUrl) != "https://sqs.test/123/notify.fifo" {
		t.Errorf("unexpected queue url %q", aws.ToString(in.QueueUrl))
	}

	if aws.ToString(in.MessageGroupId) != "42" {
		t.Errorf("group id must be the user id, got %q", aws.ToString(in.MessageGroupId))
	}

	if aws.ToString(in.MessageDeduplicationId) != "42:00000007-002a" {
		t.Errorf("unexpected dedup id %q", aws.ToString(in.MessageDeduplicationId))
	}

	var decoded Message
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}

	if decoded.OpID != msg.OpID || decoded.Method != msg.Method {
		t.Errorf("body round trip diverged: %+v", decoded)
	}
}

func TestNewSQSPublisherRejectsNonFIFOQueue(t *testing.T) {
	t.Parallel()

	_, err := NewSQSPublisher(context.Background(), nil, "notify", nil, WithSQSAPI(&mockSQS{}))
	if err == nil {
		t.Fatal("expected an error for a non-FIFO queue name")
	}
}

func TestNewSQSPublisherPropagatesQueueLookupFailure(t *testing.T) {
	t.Parallel()

	lookupErr := errors.New("queue does not exist")
	mock := &mockSQS{
		getQueueURL: func(*sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
			return nil, lookupErr
		},
	}

	_, err := NewSQSPublisher(context.Background(), nil, "notify.fifo", nil, WithSQSAPI(mock))
	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected the lookup error, got %v", err)
	}
}

func TestSQSPublishWrapsSendFailure(t *testing.T) {
	t.Parallel()

	sendErr := errors.New("throttled")
	mock := &mockSQS{
		sendMessage: func(*sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
			return nil, sendErr
		},
	}

	p, err := NewSQSPublisher(context.Background(), nil, "notify.fifo", nil, WithSQSAPI(mock))
	if err != nil {
		t.Fatalf("NewSQSPublisher failed: %v", err)
	}

	err = p.Publish(context.Background(), Message{UserID: 1, OpID: "00000001-0001"})
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected the send error, got %v", err)
	}
}
