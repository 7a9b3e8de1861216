package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3 (or S3-compatible) blob store.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// PublicURL prefixes object keys in returned URLs. When empty URLs take
	// the s3://bucket/key form.
	PublicURL string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Blob stores blobs in a bucket.
type S3Blob struct {
	client    putObjectAPI
	bucket    string
	publicURL string
}

// NewS3Blob loads AWS configuration from the environment and builds the store.
func NewS3Blob(ctx context.Context, opts S3Options) (*S3Blob, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &S3Blob{client: client, bucket: opts.Bucket, publicURL: strings.TrimRight(opts.PublicURL, "/")}, nil
}

func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	}), nil
}

func (s *S3Blob) Write(ctx context.Context, key string, data []byte, mime string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(clean),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if mime != "" {
		in.ContentType = aws.String(mime)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.publicURL != "" {
		return s.publicURL + "/" + clean, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, clean), nil
}
