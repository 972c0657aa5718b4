package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/3leaps/ocrfleet/pkg/provider"
	"github.com/3leaps/ocrfleet/pkg/provider/awsconfig"
)

// api is the subset of the SQS client used by Queue.
type api interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	DeleteQueue(ctx context.Context, in *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
}

// Queue implements provider.Queue over SQS.
type Queue struct {
	client            api
	waitSeconds       int32
	maxMessages       int32
	visibilitySeconds int32
}

var _ provider.Queue = (*Queue)(nil)

// New creates an SQS adapter.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.Load(ctx, cfg.Config)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderSQS, Err: err}
	}

	return newWithClient(sqs.NewFromConfig(awsCfg), cfg), nil
}

func newWithClient(client api, cfg Config) *Queue {
	wait := cfg.WaitTime
	if wait == 0 {
		wait = DefaultWaitTime
	}
	maxMessages := cfg.MaxMessages
	if maxMessages == 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Queue{
		client:            client,
		waitSeconds:       int32(wait.Seconds()),
		maxMessages:       int32(maxMessages),
		visibilitySeconds: int32(cfg.VisibilityTimeout.Seconds()),
	}
}

// CreateQueue creates the named queue, or returns the URL of an existing
// queue with the same name and attributes.
func (q *Queue) CreateQueue(ctx context.Context, name string) (string, error) {
	out, err := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		return "", wrapError("CreateQueue", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// QueueURL resolves the URL of an existing queue.
func (q *Queue) QueueURL(ctx context.Context, name string) (string, error) {
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", wrapError("QueueURL", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// Receive long-polls the queue for up to the configured wait time.
func (q *Queue) Receive(ctx context.Context, queueURL string) ([]provider.Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: q.maxMessages,
		WaitTimeSeconds:     q.waitSeconds,
	}
	if q.visibilitySeconds > 0 {
		input.VisibilityTimeout = q.visibilitySeconds
	}

	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, wrapError("Receive", queueURL, err)
	}

	msgs := make([]provider.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, provider.Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Send enqueues a single message.
func (q *Queue) Send(ctx context.Context, queueURL, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return wrapError("Send", queueURL, err)
	}
	return nil
}

// Ack deletes handled messages in batches of ten.
func (q *Queue) Ack(ctx context.Context, queueURL string, msgs []provider.Message) error {
	var failed []string
	for start := 0; start < len(msgs); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(msgs))

		entries := make([]types.DeleteMessageBatchRequestEntry, 0, end-start)
		for i, m := range msgs[start:end] {
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: aws.String(m.ReceiptHandle),
			})
		}

		out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			return wrapError("Ack", queueURL, err)
		}
		for _, f := range out.Failed {
			failed = append(failed, aws.ToString(f.Id)+":"+aws.ToString(f.Code))
		}
	}
	if len(failed) > 0 {
		return &provider.ProviderError{
			Op:       "Ack",
			Provider: provider.ProviderSQS,
			Resource: queueURL,
			Err:      fmt.Errorf("%d entries not deleted: %s", len(failed), strings.Join(failed, ", ")),
		}
	}
	return nil
}

// DeleteQueue deletes the queue and any messages left in it.
func (q *Queue) DeleteQueue(ctx context.Context, queueURL string) error {
	if _, err := q.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(queueURL)}); err != nil {
		return wrapError("DeleteQueue", queueURL, err)
	}
	return nil
}

func wrapError(op, resource string, err error) error {
	var missing *types.QueueDoesNotExist
	if errors.As(err, &missing) {
		return &provider.ProviderError{Op: op, Provider: provider.ProviderSQS, Resource: resource, Err: provider.ErrQueueNotFound}
	}
	return provider.Wrap(provider.ProviderSQS, op, resource, "", err)
}
