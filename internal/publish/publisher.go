// Package publish stores finished snapshots in object storage and brings
// back the latest one from a prior run. Keys are prefixed with the run's
// timezone-offset timestamp, so lexicographic order equals temporal order.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssigner "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/qldspatial/address-etl/internal/etl"
)

const defaultPresignExpiry = 168 * time.Hour

// S3API is the slice of the S3 client the publisher uses.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*awssigner.PresignedHTTPRequest, error)
}

type Config struct {
	Bucket        string
	Prefix        string
	Client        S3API
	Presign       PresignAPI
	Logger        *slog.Logger
	PresignExpiry time.Duration

	// CreateMissing creates the bucket when the head check fails. Only
	// the MinIO profile sets it; production buckets are provisioned out
	// of band.
	CreateMissing bool
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Client == nil {
		return errors.New("s3 client is required")
	}
	if c.Presign == nil {
		return errors.New("presign client is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.PresignExpiry <= 0 {
		c.PresignExpiry = defaultPresignExpiry
	}
	return nil
}

type Publisher struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}
	return &Publisher{cfg: cfg, log: cfg.Logger}, nil
}

// EnsureBucket verifies the target bucket is reachable, creating it first
// when CreateMissing is set. A missing bucket fails the run before any
// work.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	_, err := p.cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.cfg.Bucket)})
	if err == nil {
		return nil
	}
	if !p.cfg.CreateMissing {
		return etl.NewStorageFatal("bucket_check", fmt.Sprintf("bucket %s does not exist or is not accessible", p.cfg.Bucket), err)
	}
	p.log.Info("Creating missing bucket", "bucket", p.cfg.Bucket)
	if _, err := p.cfg.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(p.cfg.Bucket)}); err != nil {
		return etl.NewStorageFatal("bucket_check", fmt.Sprintf("failed to create bucket %s", p.cfg.Bucket), err)
	}
	return nil
}

// FetchPrevious downloads the most recent snapshot under the prefix to
// localPath. It reports false when no snapshot has ever been published,
// which callers treat as a first run.
func (p *Publisher) FetchPrevious(ctx context.Context, localPath string) (bool, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.Bucket),
		Prefix: aws.String(p.cfg.Prefix),
	}
	for {
		page, err := p.cfg.Client.ListObjectsV2(ctx, input)
		if err != nil {
			return false, etl.NewStorageFatal("fetch_previous", fmt.Sprintf("failed to list %s", p.cfg.Prefix), err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}

	if len(keys) == 0 {
		p.log.Info("No previous snapshot found, treating run as first", "bucket", p.cfg.Bucket, "prefix", p.cfg.Prefix)
		return false, nil
	}

	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	latest := keys[0]

	obj, err := p.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(latest),
	})
	if err != nil {
		return false, etl.NewStorageFatal("fetch_previous", fmt.Sprintf("failed to get %s", latest), err)
	}
	defer obj.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return false, etl.NewStorageFatal("fetch_previous", fmt.Sprintf("failed to create %s", localPath), err)
	}
	defer f.Close()

	written, err := io.Copy(f, obj.Body)
	if err != nil {
		return false, etl.NewStorageFatal("fetch_previous", fmt.Sprintf("failed to write %s", localPath), err)
	}

	p.log.Info("Fetched previous snapshot", "key", latest, "bytes", written)
	return true, nil
}

// PublishCurrent uploads the snapshot under <prefix><timestamp>/<name> and
// returns a presigned download URL.
func (p *Publisher) PublishCurrent(ctx context.Context, localPath, timestamp, name string) (string, error) {
	key := p.cfg.Prefix + timestamp + "/" + name

	f, err := os.Open(localPath)
	if err != nil {
		return "", etl.NewStorageFatal("publish_current", fmt.Sprintf("failed to open %s", localPath), err)
	}
	defer f.Close()

	_, err = p.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", etl.NewStorageFatal("publish_current", fmt.Sprintf("failed to upload %s", key), err)
	}

	signed, err := p.cfg.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) { o.Expires = p.cfg.PresignExpiry })
	if err != nil {
		return "", etl.NewStorageFatal("publish_current", fmt.Sprintf("failed to presign %s", key), err)
	}

	p.log.Info("Published snapshot", "key", key, "url_expiry", p.cfg.PresignExpiry.String())
	return signed.URL, nil
}
