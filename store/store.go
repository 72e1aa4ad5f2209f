package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses.
// *dynamodb.Client satisfies it; tests substitute an in-memory fake.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Config holds configuration for the Store. The TTLs and the lock retry
// policy are operational tuning knobs; the defaults match production.
type Config struct {
	// Table is the single-table name holding every record kind.
	Table string

	// EntityReplicationIndex is the GSI keyed by R1PK/R1SK, used to find
	// every denormalized copy of an entity.
	// Default: "entity-replication-index"
	EntityReplicationIndex string

	// MutualReplicationIndex is the GSI keyed by R2PK/R2SK, used to find
	// every copy of a mutual.
	// Default: "mutual-replication-index"
	MutualReplicationIndex string

	// MutualLockTTL bounds how long an abandoned reconciliation lock can
	// block a pair. Default: 5m
	MutualLockTTL time.Duration

	// TagLockTTL bounds the tag recomputation lock. Default: 1m
	TagLockTTL time.Duration

	// TombstoneTTL is how long soft-deleted mutual rows linger before the
	// table TTL reaps them. Default: 10m
	TombstoneTTL time.Duration

	// LockRetries is how many times a lock acquisition backs off and
	// retries before giving the event back to the transport. Negative
	// disables local retries. Default: 2
	LockRetries int

	// LockBackoff is the pause between lock retries. Default: 2s
	LockBackoff time.Duration
}

// DefaultConfig returns the production defaults for everything but the
// table name.
func DefaultConfig(table string) Config {
	cfg := Config{Table: table}
	cfg.validate()
	return cfg
}

func (c *Config) validate() {
	if c.EntityReplicationIndex == "" {
		c.EntityReplicationIndex = "entity-replication-index"
	}
	if c.MutualReplicationIndex == "" {
		c.MutualReplicationIndex = "mutual-replication-index"
	}
	if c.MutualLockTTL <= 0 {
		c.MutualLockTTL = 5 * time.Minute
	}
	if c.TagLockTTL <= 0 {
		c.TagLockTTL = time.Minute
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 10 * time.Minute
	}
	switch {
	case c.LockRetries < 0:
		c.LockRetries = 0
	case c.LockRetries == 0:
		c.LockRetries = 2
	}
	if c.LockBackoff <= 0 {
		c.LockBackoff = 2 * time.Second
	}
}

// Store provides entity, mutual and tag operations over the single table.
type Store struct {
	client   DynamoDBAPI
	config   Config
	registry *Registry

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Store. The registry supplies per-entity-type configuration
// (unique fields, mutual fields, prejoins, tags); it is consulted, never
// mutated.
func New(client DynamoDBAPI, config Config, registry *Registry) *Store {
	config.validate()
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{
		client:   client,
		config:   config,
		registry: registry,
		now:      time.Now,
	}
}

// Registry returns the entity-type configuration registry.
func (s *Store) Registry() *Registry { return s.registry }

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.config }

// isoFormat renders timestamps with fixed millisecond precision so that
// lexicographic comparison in condition expressions matches chronological
// order.
const isoFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(isoFormat)
}

// FormatTime renders a timestamp the way the store persists them, for
// callers that put timestamps on the wire.
func FormatTime(t time.Time) string {
	return formatTime(t)
}

// ParseTime accepts the store's own timestamp rendering as well as plain
// RFC 3339 values coming off the wire.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(isoFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// executeTransactWrite runs a transaction and maps cancellation into coded
// errors: CONDITIONAL_CHECK_FAILED when a condition lost, TRANSACTION_FAILED
// for anything else.
func (s *Store) executeTransactWrite(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == conditionalCheckFailed {
				return NewError(CodeConditionalCheckFailed, "transact write condition failed", err, nil)
			}
		}
	}

	return NewError(CodeTransactionFailed, "transact write failed", err, nil)
}

// conditionalCheckFailed is the cancellation reason code DynamoDB reports
// for a lost condition inside a transaction.
const conditionalCheckFailed = "ConditionalCheckFailed"

// isConditionalCheckFailed matches both the single-item exception and a
// transaction cancelled by a lost condition.
func isConditionalCheckFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == conditionalCheckFailed {
				return true
			}
		}
	}
	return false
}

// IsExpectedRace reports whether err is a lost conditional write - the
// signature of a duplicate or out-of-order delivery that processors swallow.
func IsExpectedRace(err error) bool {
	if err == nil {
		return false
	}
	if isConditionalCheckFailed(err) {
		return true
	}
	return IsCode(err, CodeConditionalCheckFailed) || IsCode(err, CodeMutualNotFound)
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// sleepCtx pauses for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
