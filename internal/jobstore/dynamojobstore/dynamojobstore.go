// Package dynamojobstore implements jobstore.Store on a single DynamoDB
// table.
//
// Items are keyed by pk = "JOB#<id>" with sk = "META" for the job and
// sk = "BATCH#<index>" for each batch. Counter updates use ADD so they are
// field-scoped, and every update is conditioned on the item existing.
// Status transitions are further conditioned on the item still being
// processing. The table's TTL attribute must be set to expiresAt.
package dynamojobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
)

var _ jobstore.Store = (*Store)(nil)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

const (
	metaSK      = "META"
	batchPrefix = "BATCH#"
)

// Store is a DynamoDB-backed job store.
type Store struct {
	client   API
	table    string
	attempts uint
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetryAttempts bounds the retries of unprocessed batch reads.
// Default is 5.
func WithRetryAttempts(n uint) Option {
	return func(s *Store) { s.attempts = n }
}

// New creates a store on an existing client.
func New(client API, table string, opts ...Option) *Store {
	s := &Store{
		client:   client,
		table:    table,
		attempts: 5,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads the default AWS configuration and creates a store. endpoint
// overrides the service endpoint (DynamoDB Local) when non-empty.
func Open(ctx context.Context, table, region, endpoint string, opts ...Option) (*Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, table, opts...), nil
}

// jobItem and batchItem add the table keys to the records.
type jobItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	jobstore.Job
}

type batchItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	jobstore.Batch
}

func pk(jobID string) string { return "JOB#" + jobID }

func batchSK(index int) string { return fmt.Sprintf("%s%05d", batchPrefix, index) }

func key(jobID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk(jobID)},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *Store) PutJob(ctx context.Context, job *jobstore.Job) error {
	item, err := attributevalue.MarshalMap(jobItem{PK: pk(job.ID), SK: metaSK, Job: *job})
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return fmt.Errorf("writing job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*jobstore.Job, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(jobID, metaSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, jobstore.ErrNotFound)
	}
	var item jobItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling job %s: %w", jobID, err)
	}
	// TTL deletion is lazy; expired items may still be returned.
	if jobstore.Expired(item.ExpiresAt, s.now()) {
		return nil, fmt.Errorf("job %s: %w", jobID, jobstore.ErrNotFound)
	}
	return &item.Job, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, games, mistakes int) error {
	_, err := s.update(ctx, jobID, metaSK, update{
		expr: "ADD gamesProcessed :g, mistakesFound :m SET updatedAt = :now",
		values: map[string]any{
			":g": games,
			":m": mistakes,
		},
	})
	return err
}

func (s *Store) IncrCompletedBatches(ctx context.Context, jobID string) (int, error) {
	attrs, err := s.update(ctx, jobID, metaSK, update{
		expr:      "ADD completedBatches :one SET updatedAt = :now",
		values:    map[string]any{":one": 1},
		returnNew: true,
	})
	if err != nil {
		return 0, err
	}
	var n int
	if err := attributevalue.Unmarshal(attrs["completedBatches"], &n); err != nil {
		return 0, fmt.Errorf("reading completed batches of %s: %w", jobID, err)
	}
	return n, nil
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string, mistakes []game.Mistake, gamesProcessed int) error {
	if mistakes == nil {
		mistakes = []game.Mistake{}
	}
	_, err := s.update(ctx, jobID, metaSK, update{
		expr: "SET #status = :status, mistakes = :mistakes, mistakesFound = :n, gamesProcessed = :g, updatedAt = :now REMOVE #error",
		names: map[string]string{
			"#status": "status",
			"#error":  "error",
		},
		values: map[string]any{
			":status":   jobstore.StatusCompleted,
			":mistakes": mistakes,
			":n":        len(mistakes),
			":g":        gamesProcessed,
		},
		finished: jobstore.ErrJobFinished,
	})
	return err
}

func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	return s.fail(ctx, jobID, metaSK, reason, jobstore.ErrJobFinished)
}

func (s *Store) PutBatch(ctx context.Context, batch *jobstore.Batch) error {
	item, err := attributevalue.MarshalMap(batchItem{PK: pk(batch.JobID), SK: batchSK(batch.Index), Batch: *batch})
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return fmt.Errorf("writing batch %s/%d: %w", batch.JobID, batch.Index, err)
	}
	return nil
}

func (s *Store) UpdateBatchProgress(ctx context.Context, jobID string, index, games, mistakes int) error {
	_, err := s.update(ctx, jobID, batchSK(index), update{
		expr: "ADD gamesProcessed :g, mistakesFound :m SET updatedAt = :now",
		values: map[string]any{
			":g": games,
			":m": mistakes,
		},
	})
	return err
}

func (s *Store) FinishBatch(ctx context.Context, jobID string, index int, mistakes []game.Mistake) error {
	if mistakes == nil {
		mistakes = []game.Mistake{}
	}
	_, err := s.update(ctx, jobID, batchSK(index), update{
		expr:  "SET #status = :status, mistakes = :mistakes, mistakesFound = :n, updatedAt = :now",
		names: map[string]string{"#status": "status"},
		values: map[string]any{
			":status":   jobstore.StatusCompleted,
			":mistakes": mistakes,
			":n":        len(mistakes),
		},
		finished: jobstore.ErrBatchFinished,
	})
	return err
}

func (s *Store) FailBatch(ctx context.Context, jobID string, index int, reason string) error {
	return s.fail(ctx, jobID, batchSK(index), reason, jobstore.ErrBatchFinished)
}

// GetBatches issues one BatchGetItem and retries unprocessed keys with
// backoff until all are read or the attempts run out.
func (s *Store) GetBatches(ctx context.Context, jobID string, indexes []int) ([]*jobstore.Batch, error) {
	if len(indexes) > jobstore.MaxKeysPerRead {
		return nil, fmt.Errorf("%w: %d", jobstore.ErrTooManyKeys, len(indexes))
	}
	out := make([]*jobstore.Batch, 0, len(indexes))
	if len(indexes) == 0 {
		return out, nil
	}

	keys := make([]map[string]types.AttributeValue, len(indexes))
	for i, idx := range indexes {
		keys[i] = key(jobID, batchSK(idx))
	}
	pending := map[string]types.KeysAndAttributes{
		s.table: {Keys: keys, ConsistentRead: aws.Bool(true)},
	}

	now := s.now()
	err := retry.Do(
		func() error {
			resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			for _, raw := range resp.Responses[s.table] {
				var item batchItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					return retry.Unrecoverable(fmt.Errorf("unmarshaling batch: %w", err))
				}
				if jobstore.Expired(item.ExpiresAt, now) {
					continue
				}
				b := item.Batch
				out = append(out, &b)
			}
			if len(resp.UnprocessedKeys) == 0 {
				return nil
			}
			pending = resp.UnprocessedKeys
			return errUnprocessed
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("reading batches of %s: %w", jobID, err)
	}
	return out, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

var errUnprocessed = errors.New("dynamojobstore: unprocessed keys remain")

// update is one conditional UpdateItem call. A non-nil finished limits the
// update to processing items and is returned for items in another status.
type update struct {
	expr      string
	names     map[string]string
	values    map[string]any
	returnNew bool
	finished  error
}

func (s *Store) update(ctx context.Context, jobID, sk string, u update) (map[string]types.AttributeValue, error) {
	values := make(map[string]types.AttributeValue, len(u.values)+2)
	for name, v := range u.values {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s: %w", name, err)
		}
		values[name] = av
	}
	now, err := attributevalue.Marshal(s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshaling timestamp: %w", err)
	}
	values[":now"] = now

	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(jobID, sk),
		UpdateExpression:          aws.String(u.expr),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: values,
	}
	if len(u.names) > 0 {
		in.ExpressionAttributeNames = u.names
	}
	if u.finished != nil {
		if in.ExpressionAttributeNames == nil {
			in.ExpressionAttributeNames = map[string]string{}
		}
		in.ExpressionAttributeNames["#status"] = "status"
		values[":processing"] = &types.AttributeValueMemberS{Value: string(jobstore.StatusProcessing)}
		in.ConditionExpression = aws.String("attribute_exists(pk) AND #status = :processing")
		in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld
	}
	if u.returnNew {
		in.ReturnValues = types.ReturnValueUpdatedNew
	}

	out, err := s.client.UpdateItem(ctx, in)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if u.finished != nil && len(ccf.Item) > 0 {
				return nil, fmt.Errorf("%s %s: %w", pk(jobID), sk, u.finished)
			}
			return nil, fmt.Errorf("%s %s: %w", pk(jobID), sk, jobstore.ErrNotFound)
		}
		return nil, fmt.Errorf("updating %s %s: %w", pk(jobID), sk, err)
	}
	return out.Attributes, nil
}

func (s *Store) fail(ctx context.Context, jobID, sk, reason string, finished error) error {
	_, err := s.update(ctx, jobID, sk, update{
		expr: "SET #status = :status, #error = :reason, updatedAt = :now",
		names: map[string]string{
			"#status": "status",
			"#error":  "error",
		},
		values: map[string]any{
			":status": jobstore.StatusError,
			":reason": reason,
		},
		finished: finished,
	})
	return err
}
