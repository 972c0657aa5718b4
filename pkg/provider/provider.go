// Package provider defines the cloud service abstractions used by the manager.
//
// Three services are consumed: object storage (item lists in, artifacts out),
// a durable message queue (submissions, work items, results), and a compute
// service (the worker fleet). Each concrete adapter lives in a subpackage and
// uses the AWS SDK v2 default credential chain; adapters should not implement
// custom auth logic.
package provider

import "context"

// ObjectStore reads item lists and writes artifacts.
//
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// ReadLines returns the non-blank lines of an object, trimmed.
	// The whole object is read before returning so callers observe
	// all-or-nothing semantics.
	ReadLines(ctx context.Context, bucket, key string) ([]string, error)

	// WriteString stores content under bucket/key, replacing any existing object.
	WriteString(ctx context.Context, bucket, key, content string) error
}

// Message is a single message received from a queue.
type Message struct {
	// ID is the service-assigned message id.
	ID string

	// Body is the raw message body.
	Body string

	// ReceiptHandle identifies this delivery for acknowledgement.
	ReceiptHandle string
}

// Queue sends and receives delimited text messages over named durable queues.
//
// Implementations must be safe for concurrent use.
type Queue interface {
	// CreateQueue creates (or returns the existing) queue and returns its URL.
	CreateQueue(ctx context.Context, name string) (string, error)

	// QueueURL resolves the URL of an existing queue.
	QueueURL(ctx context.Context, name string) (string, error)

	// Receive blocks up to the adapter's wait time and returns zero or more
	// messages. An empty batch is not an error.
	Receive(ctx context.Context, queueURL string) ([]Message, error)

	// Send enqueues a single message body.
	Send(ctx context.Context, queueURL, body string) error

	// Ack removes handled messages from the queue so they are not redelivered.
	Ack(ctx context.Context, queueURL string, msgs []Message) error

	// DeleteQueue deletes the queue.
	DeleteQueue(ctx context.Context, queueURL string) error
}

// ProviderType identifies a cloud service adapter.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderSQS represents AWS SQS.
	ProviderSQS ProviderType = "sqs"

	// ProviderEC2 represents AWS EC2.
	ProviderEC2 ProviderType = "ec2"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
