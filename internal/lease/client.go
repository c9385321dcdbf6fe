package lease

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/qldspatial/address-etl/internal/etl"
)

// localstack serves DynamoDB in the MinIO-based local stack.
const localstackEndpoint = "http://localhost:4566"

// NewDynamoDBClient builds the DynamoDB client from the process
// configuration. In MinIO mode the lock table lives in localstack and the
// MinIO credentials double as its static credentials; otherwise the default
// AWS credential chain applies.
func NewDynamoDBClient(ctx context.Context, cfg *etl.Config) (*dynamodb.Client, error) {
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
		return dynamodb.NewFromConfig(awsCfg), nil
	}

	endpointURL := localstackEndpoint
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = &endpointURL
	}), nil
}
