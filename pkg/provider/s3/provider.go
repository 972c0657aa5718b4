package s3

import (
	"bufio"
	"context"
	"errors"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/3leaps/ocrfleet/pkg/provider"
	"github.com/3leaps/ocrfleet/pkg/provider/awsconfig"
)

// api is the subset of the S3 client used by Provider.
type api interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Provider implements provider.ObjectStore for AWS S3.
type Provider struct {
	client       api
	maxLineBytes int
}

var _ provider.ObjectStore = (*Provider)(nil)

// New creates a new S3 provider with the given configuration.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.Load(ctx, cfg.Config)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newWithClient(client, cfg.MaxLineBytes), nil
}

func newWithClient(client api, maxLineBytes int) *Provider {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Provider{client: client, maxLineBytes: maxLineBytes}
}

// ReadLines downloads bucket/key and returns its non-blank lines, trimmed.
//
// The body is fully consumed before returning; a read error part-way through
// yields no lines at all.
func (p *Provider) ReadLines(ctx context.Context, bucket, key string) ([]string, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("ReadLines", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	scanner := bufio.NewScanner(out.Body)
	scanner.Buffer(make([]byte, 0, min(4096, p.maxLineBytes)), p.maxLineBytes)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, p.wrapError("ReadLines", bucket, key, err)
	}
	return lines, nil
}

// WriteString uploads content to bucket/key. The content type is derived from
// the key's extension.
func (p *Provider) WriteString(ctx context.Context, bucket, key, content string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return p.wrapError("WriteString", bucket, key, err)
	}
	return nil
}

// wrapError converts S3 errors to provider errors with appropriate sentinel errors.
func (p *Provider) wrapError(op, bucket, key string, err error) error {
	// Typed S3 errors carry more certainty than code matching.
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return &provider.ProviderError{Op: op, Provider: provider.ProviderS3, Resource: bucket, Key: key, Err: provider.ErrNotFound}
	case errors.As(err, &noSuchBucket):
		return &provider.ProviderError{Op: op, Provider: provider.ProviderS3, Resource: bucket, Key: key, Err: provider.ErrBucketNotFound}
	}

	return provider.Wrap(provider.ProviderS3, op, bucket, key, err)
}
