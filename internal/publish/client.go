package publish

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/qldspatial/address-etl/internal/etl"
)

// NewS3Client builds the S3 client from the process configuration. In MinIO
// mode it uses static credentials and the configured endpoint; otherwise the
// default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg *etl.Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.UseMinIO {
		loadOpts = append(loadOpts,
			awsconfig.WithRegion(cfg.MinIORegion),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.MinIOAccessKey, cfg.MinIOSecretKey, "")),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if !cfg.UseMinIO {
		return s3.NewFromConfig(awsCfg), nil
	}

	endpointURL := cfg.MinIOEndpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		endpointURL = "http://" + endpointURL
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpointURL
		o.UsePathStyle = true // Required for MinIO
	}), nil
}
