package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3BackendOptions struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string
}

// S3Backend stores the snapshot as one object. PutObject replaces the object
// atomically, so readers never see a partial snapshot. It does not implement
// Locker; callers pair it with a local lock path.
type S3Backend struct {
	opts S3BackendOptions

	initOnce sync.Once
	initErr  error
	client   s3API
}

func NewS3Backend(opts S3BackendOptions) (*S3Backend, error) {
	opts.Bucket = strings.TrimSpace(opts.Bucket)
	opts.Key = strings.TrimPrefix(strings.TrimSpace(opts.Key), "/")
	if opts.Bucket == "" || opts.Key == "" {
		return nil, fmt.Errorf("%w: s3 state requires bucket and key", ErrInvalidInput)
	}
	return &S3Backend{opts: opts}, nil
}

func (b *S3Backend) Load(ctx context.Context) ([]byte, error) {
	if err := b.ensureClient(ctx); err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.opts.Bucket),
		Key:    aws.String(b.opts.Key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: s3://%s/%s: %v", ErrStorageUnavailable, b.opts.Bucket, b.opts.Key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return data, nil
}

func (b *S3Backend) Save(ctx context.Context, snapshot []byte) error {
	if err := b.ensureClient(ctx); err != nil {
		return err
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.opts.Bucket),
		Key:         aws.String(b.opts.Key),
		Body:        bytes.NewReader(snapshot),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (b *S3Backend) Close() error {
	return nil
}

func (b *S3Backend) ensureClient(ctx context.Context) error {
	b.initOnce.Do(func() {
		if b.client != nil {
			return
		}
		var loadOpts []func(*awsconfig.LoadOptions) error
		if b.opts.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(b.opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			b.initErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			return
		}
		endpoint := b.opts.Endpoint
		b.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
	})
	return b.initErr
}
