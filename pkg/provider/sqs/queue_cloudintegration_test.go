//go:build cloudintegration

package sqs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ocrfleet/pkg/provider"
	"github.com/3leaps/ocrfleet/pkg/provider/sqs"
	"github.com/3leaps/ocrfleet/test/cloudtest"
)

func newQueue(t *testing.T, ctx context.Context) *sqs.Queue {
	t.Helper()
	q, err := sqs.New(ctx, sqs.Config{
		Config:   cloudtest.AWSConfig(),
		WaitTime: time.Second,
	})
	require.NoError(t, err)
	return q
}

// receiveN polls until n messages arrive or the deadline passes.
func receiveN(t *testing.T, ctx context.Context, q *sqs.Queue, url string, n int) []provider.Message {
	t.Helper()
	var got []provider.Message
	deadline := time.Now().Add(10 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		msgs, err := q.Receive(ctx, url)
		require.NoError(t, err)
		got = append(got, msgs...)
	}
	return got
}

func TestQueue_SendReceiveAck_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	q := newQueue(t, ctx)

	name, url := cloudtest.CreateQueue(t, ctx)

	resolved, err := q.QueueURL(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, url, resolved)

	require.NoError(t, q.Send(ctx, url, "new task🤠in/list.txt🤠client-1🤠6"))
	cloudtest.SendMessage(t, ctx, url, "done OCR task🤠client-1🤠https://img.example.com/a.png🤠hello")

	msgs := receiveN(t, ctx, q, url, 2)
	require.Len(t, msgs, 2)
	bodies := []string{msgs[0].Body, msgs[1].Body}
	assert.ElementsMatch(t, []string{
		"new task🤠in/list.txt🤠client-1🤠6",
		"done OCR task🤠client-1🤠https://img.example.com/a.png🤠hello",
	}, bodies)
	for _, m := range msgs {
		assert.NotEmpty(t, m.ReceiptHandle)
	}

	require.NoError(t, q.Ack(ctx, url, msgs))
	require.NoError(t, q.Ack(ctx, url, nil))
}

func TestQueue_CreateAndDelete_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	q := newQueue(t, ctx)

	name := cloudtest.UniqueName(t, 80)
	url, err := q.CreateQueue(ctx, name)
	require.NoError(t, err)
	assert.Contains(t, url, name)

	again, err := q.CreateQueue(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, url, again)

	require.NoError(t, q.DeleteQueue(ctx, url))

	_, err = q.QueueURL(ctx, name)
	require.Error(t, err)
	assert.True(t, provider.IsQueueNotFound(err))
}

func TestQueue_MissingQueue_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	_, err := newQueue(t, ctx).QueueURL(ctx, "ocrfleet-missing-queue")
	require.Error(t, err)
	assert.True(t, provider.IsQueueNotFound(err))
}
