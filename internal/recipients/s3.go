package recipients

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads recipient objects from S3 or any S3-compatible store.
type S3Store struct {
	client s3API
}

// NewS3Store builds a client from ac. PathStyle is needed by most
// S3-compatible servers reached through a custom endpoint.
func NewS3Store(ac aws.Config, pathStyle bool) *S3Store {
	client := s3.NewFromConfig(ac, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	})
	return &S3Store{client: client}
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapS3Error(bucket, key, err)
	}
	return out.Body, nil
}

// wrapS3Error keeps the S3 reason readable in the run report while callers
// only match on campaign.ErrSourceUnavailable.
func wrapS3Error(bucket, key string, err error) error {
	reason := "get object failed"

	var notFound *types.NoSuchKey
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &notFound):
		reason = "object not found"
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			reason = "object not found"
		case "NoSuchBucket":
			reason = "bucket not found"
		case "AccessDenied", "Forbidden":
			reason = "access denied"
		}
	}
	return fmt.Errorf("%w: s3://%s/%s: %s: %v", campaign.ErrSourceUnavailable, bucket, key, reason, err)
}
