package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ProviderError
		expected string
	}{
		{
			name: "with key",
			err: &ProviderError{
				Op:       "ReadLines",
				Provider: ProviderS3,
				Resource: "my-bucket",
				Key:      "input/urls.txt",
				Err:      ErrNotFound,
			},
			expected: "s3 ReadLines: my-bucket/input/urls.txt: not found",
		},
		{
			name: "without key",
			err: &ProviderError{
				Op:       "Send",
				Provider: ProviderSQS,
				Resource: "https://sqs.us-east-1.amazonaws.com/1/q",
				Err:      ErrAccessDenied,
			},
			expected: "sqs Send: https://sqs.us-east-1.amazonaws.com/1/q: access denied",
		},
		{
			name: "without resource",
			err: &ProviderError{
				Op:       "New",
				Provider: ProviderEC2,
				Err:      errors.New("failed to load config"),
			},
			expected: "ec2 New: failed to load config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	err := &ProviderError{Op: "ReadLines", Provider: ProviderS3, Resource: "b", Key: "k", Err: ErrNotFound}

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAccessDenied))
	assert.Equal(t, ErrNotFound, err.Unwrap())
}

func TestClassify_APIErrorCodes(t *testing.T) {
	tests := []struct {
		code     string
		expected error
	}{
		{"NoSuchKey", ErrNotFound},
		{"InvalidInstanceID.NotFound", ErrNotFound},
		{"NoSuchBucket", ErrBucketNotFound},
		{"AWS.SimpleQueueService.NonExistentQueue", ErrQueueNotFound},
		{"QueueDoesNotExist", ErrQueueNotFound},
		{"AccessDenied", ErrAccessDenied},
		{"UnauthorizedOperation", ErrAccessDenied},
		{"AuthFailure", ErrInvalidCredentials},
		{"InvalidAccessKeyId", ErrInvalidCredentials},
		{"RequestLimitExceeded", ErrThrottled},
		{"SlowDown", ErrThrottled},
		{"InsufficientInstanceCapacity", ErrProviderUnavailable},
		{"ServiceUnavailable", ErrProviderUnavailable},
		{"SomethingElse", nil},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got := Classify(&mockAPIError{code: tt.code, message: "boom"})
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestClassify_FromMessage(t *testing.T) {
	tests := []struct {
		name     string
		errMsg   string
		expected error
	}{
		{"not found", "operation error: 404 NotFound", ErrNotFound},
		{"bucket", "NoSuchBucket: the bucket does not exist", ErrBucketNotFound},
		{"queue", "AWS.SimpleQueueService.NonExistentQueue", ErrQueueNotFound},
		{"forbidden", "StatusCode: 403, Forbidden", ErrAccessDenied},
		{"throttled", "StatusCode: 429", ErrThrottled},
		{"unavailable", "StatusCode: 503 ServiceUnavailable", ErrProviderUnavailable},
		{"unknown", "connection reset by peer", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(errors.New(tt.errMsg)))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, Wrap(ProviderS3, "ReadLines", "b", "k", nil))
	})

	t.Run("context errors are not wrapped", func(t *testing.T) {
		err := Wrap(ProviderSQS, "Receive", "q", "", context.Canceled)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("classified error becomes sentinel", func(t *testing.T) {
		err := Wrap(ProviderEC2, "RunInstances", "", "", &mockAPIError{code: "RequestLimitExceeded"})

		var provErr *ProviderError
		require.True(t, errors.As(err, &provErr))
		assert.Equal(t, "RunInstances", provErr.Op)
		assert.Equal(t, ProviderEC2, provErr.Provider)
		assert.True(t, IsThrottled(err))
		assert.True(t, IsTransient(err))
	})

	t.Run("unclassified error is kept", func(t *testing.T) {
		underlying := errors.New("weird")
		err := Wrap(ProviderS3, "WriteString", "b", "k", underlying)
		assert.True(t, errors.Is(err, underlying))
		assert.False(t, IsTransient(err))
	})
}

func TestSentinelHelpers(t *testing.T) {
	assert.True(t, IsNotFound(&ProviderError{Err: ErrNotFound}))
	assert.True(t, IsAccessDenied(&ProviderError{Err: ErrAccessDenied}))
	assert.True(t, IsBucketNotFound(&ProviderError{Err: ErrBucketNotFound}))
	assert.True(t, IsQueueNotFound(&ProviderError{Err: ErrQueueNotFound}))
	assert.False(t, IsQueueNotFound(ErrNotFound))
	assert.True(t, IsTransient(ErrProviderUnavailable))
}

func TestProviderType_String(t *testing.T) {
	assert.Equal(t, "s3", ProviderS3.String())
	assert.Equal(t, "sqs", ProviderSQS.String())
	assert.Equal(t, "ec2", ProviderEC2.String())
}
