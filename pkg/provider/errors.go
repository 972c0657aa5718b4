package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors for provider operations.
var (
	// ErrNotFound indicates the requested object or instance does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrQueueNotFound indicates the queue does not exist (or was deleted).
	ErrQueueNotFound = errors.New("queue not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates the provider service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")
)

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "ReadLines", "Send").
	Op string

	// Provider is the provider type (e.g., "s3").
	Provider ProviderType

	// Resource is the bucket name, queue URL, or instance id, if applicable.
	Resource string

	// Key is the object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Resource, e.Key, e.Err)
	}
	if e.Resource != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Wrap builds a ProviderError for err, replacing the underlying error with a
// sentinel when the failure can be classified. Context errors pass through
// unchanged so callers can still detect cancellation.
func Wrap(p ProviderType, op, resource, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := &ProviderError{
		Op:       op,
		Provider: p,
		Resource: resource,
		Key:      key,
		Err:      err,
	}
	if sentinel := Classify(err); sentinel != nil {
		wrapped.Err = sentinel
	}
	return wrapped
}

// Classify maps an AWS SDK error to one of the sentinel errors.
// It returns nil when the error does not match a known class.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyCode(apiErr.ErrorCode())
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NonExistentQueue") || strings.Contains(errMsg, "QueueDoesNotExist"):
		return ErrQueueNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		return ErrBucketNotFound
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		return ErrNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		return ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		return ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		return ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		return ErrProviderUnavailable
	}
	return nil
}

func classifyCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound", "InvalidInstanceID.NotFound", "InvalidAMIID.NotFound":
		return ErrNotFound
	case "NoSuchBucket":
		return ErrBucketNotFound
	case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
		return ErrQueueNotFound
	case "AccessDenied", "AccessDeniedException", "Forbidden", "UnauthorizedOperation":
		return ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AuthFailure", "InvalidClientTokenId":
		return ErrInvalidCredentials
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "RequestThrottled":
		return ErrThrottled
	case "ServiceUnavailable", "InternalError", "InsufficientInstanceCapacity", "Unavailable":
		return ErrProviderUnavailable
	}
	return nil
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsQueueNotFound returns true if the error indicates the queue does not exist.
func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsTransient reports whether retrying the operation could succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}
