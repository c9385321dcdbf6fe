// Package lease implements the cross-process mutex guarding each pipeline:
// one DynamoDB item per lock id, held for the run and reclaimed by TTL when
// a holder dies without releasing.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/qldspatial/address-etl/internal/etl"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultRetryTimeout  = 10 * time.Minute
	defaultRetryInterval = time.Minute
)

// DynamoDBAPI is the slice of the DynamoDB client the lease uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type Config struct {
	Table         string
	LockID        string
	Client        DynamoDBAPI
	Clock         clockwork.Clock
	Logger        *slog.Logger
	TTL           time.Duration
	RetryTimeout  time.Duration
	RetryInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Table == "" {
		return errors.New("table is required")
	}
	if c.LockID == "" {
		return errors.New("lock id is required")
	}
	if c.Client == nil {
		return errors.New("client is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = defaultRetryTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return nil
}

// Lease is one acquisition attempt's handle. The owner id ties release to
// this process, so a lease reclaimed after TTL expiry is never deleted out
// from under its new holder.
type Lease struct {
	cfg   Config
	log   *slog.Logger
	owner string
}

func New(cfg Config) (*Lease, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lease config: %w", err)
	}
	return &Lease{cfg: cfg, log: cfg.Logger, owner: uuid.New().String()}, nil
}

// Acquire takes the lock, retrying at the configured interval until the
// retry timeout elapses. A lock still held at that point surfaces as
// lease_unavailable, which callers treat as a clean no-work exit.
func (l *Lease) Acquire(ctx context.Context) error {
	deadline := l.cfg.Clock.Now().Add(l.cfg.RetryTimeout)
	for {
		err := l.tryAcquire(ctx)
		if err == nil {
			l.log.Info("Acquired lease", "lock_id", l.cfg.LockID, "ttl", l.cfg.TTL.String())
			return nil
		}

		var condFailed *types.ConditionalCheckFailedException
		if !errors.As(err, &condFailed) {
			return etl.NewStorageFatal("lease_acquire", fmt.Sprintf("failed to write lock %s", l.cfg.LockID), err)
		}
		if !l.cfg.Clock.Now().Add(l.cfg.RetryInterval).Before(deadline) {
			return etl.NewLeaseUnavailable("lease_acquire",
				fmt.Sprintf("lock %s still held after %s", l.cfg.LockID, l.cfg.RetryTimeout), err)
		}

		l.log.Info("Lease is held elsewhere, waiting to retry",
			"lock_id", l.cfg.LockID, "retry_in", l.cfg.RetryInterval.String())
		select {
		case <-ctx.Done():
			return etl.NewLeaseUnavailable("lease_acquire", "context cancelled while waiting for lock", ctx.Err())
		case <-l.cfg.Clock.After(l.cfg.RetryInterval):
		}
	}
}

func (l *Lease) tryAcquire(ctx context.Context) error {
	now := l.cfg.Clock.Now()
	expires := now.Add(l.cfg.TTL).Unix()

	_, err := l.cfg.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &l.cfg.Table,
		Item: map[string]types.AttributeValue{
			"lock_id":    &types.AttributeValueMemberS{Value: l.cfg.LockID},
			"owner_id":   &types.AttributeValueMemberS{Value: l.owner},
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
		},
		ConditionExpression: awsString("attribute_not_exists(lock_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	return err
}

// Release deletes the lock if this process still owns it. Losing the lock
// to TTL takeover between the last write and release is logged, not fatal:
// the work is already done and the new holder owns the item now.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.cfg.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &l.cfg.Table,
		Key: map[string]types.AttributeValue{
			"lock_id": &types.AttributeValueMemberS{Value: l.cfg.LockID},
		},
		ConditionExpression: awsString("owner_id = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: l.owner},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			l.log.Warn("Lease was taken over before release", "lock_id", l.cfg.LockID)
			return nil
		}
		return etl.NewStorageFatal("lease_release", fmt.Sprintf("failed to delete lock %s", l.cfg.LockID), err)
	}

	l.log.Info("Released lease", "lock_id", l.cfg.LockID)
	return nil
}

func awsString(s string) *string {
	return &s
}
