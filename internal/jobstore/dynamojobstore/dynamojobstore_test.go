package dynamojobstore

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/jobstore/jobstoretest"
)

// fakeDynamo stores items by pk and sk. UpdateItem understands the completed
// batch counter, status writes and the processing condition; other updates
// are recorded and acknowledged.
type fakeDynamo struct {
	mu          sync.Mutex
	items       map[string]map[string]types.AttributeValue
	counters    map[string]int
	updates     []*dynamodb.UpdateItemInput
	unprocessed int // keys to defer on the next BatchGetItem
	batchCalls  int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]map[string]types.AttributeValue),
		counters: make(map[string]int),
	}
}

func itemKey(k map[string]types.AttributeValue) string {
	return k["pk"].(*types.AttributeValueMemberS).Value + "|" + k["sk"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	k := itemKey(in.Key)
	item, ok := f.items[k]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	if strings.Contains(aws.ToString(in.ConditionExpression), "#status = :processing") {
		status, _ := item["status"].(*types.AttributeValueMemberS)
		if status == nil || status.Value != string(jobstore.StatusProcessing) {
			ccf := &types.ConditionalCheckFailedException{Message: aws.String("status")}
			if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
				ccf.Item = item
			}
			return nil, ccf
		}
	}
	if v, ok := in.ExpressionAttributeValues[":status"]; ok {
		updated := make(map[string]types.AttributeValue, len(item))
		for name, av := range item {
			updated[name] = av
		}
		updated["status"] = v
		f.items[k] = updated
	}
	out := &dynamodb.UpdateItemOutput{}
	if strings.Contains(*in.UpdateExpression, "ADD completedBatches") {
		f.counters[k]++
		out.Attributes = map[string]types.AttributeValue{
			"completedBatches": &types.AttributeValueMemberN{Value: itoa(f.counters[k])},
		}
	}
	return out, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	out := &dynamodb.BatchGetItemOutput{Responses: make(map[string][]map[string]types.AttributeValue)}
	for table, ka := range in.RequestItems {
		keys := ka.Keys
		if f.unprocessed > 0 && f.unprocessed < len(keys) {
			out.UnprocessedKeys = map[string]types.KeysAndAttributes{
				table: {Keys: keys[len(keys)-f.unprocessed:]},
			}
			keys = keys[:len(keys)-f.unprocessed]
			f.unprocessed = 0
		}
		for _, k := range keys {
			if item, ok := f.items[itemKey(k)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func itoa(n int) string {
	av, _ := attributevalue.Marshal(n)
	return av.(*types.AttributeValueMemberN).Value
}

func TestStore_JobRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := New(fake, "pitfall")

	job := jobstoretest.NewJob("j1", 45, 3)
	job.CachedMistakes = []game.Mistake{{Move: "Qh5", MoveSequence: []string{"e4", "e5", "Qh5"}, PlayerColor: game.White}}
	if err := s.PutJob(ctx, job); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}

	item := fake.items["JOB#j1|META"]
	if item == nil {
		t.Fatalf("item not stored under JOB#j1/META: %v", fake.items)
	}
	if _, ok := item["expiresAt"].(*types.AttributeValueMemberN); !ok {
		t.Errorf("expiresAt should be a number attribute for TTL, got %T", item["expiresAt"])
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.ID != "j1" || got.TotalGames != 45 || got.TotalBatches != 3 || got.Status != jobstore.StatusProcessing {
		t.Errorf("GetJob() = %+v", got)
	}
	if len(got.CachedMistakes) != 1 || got.CachedMistakes[0].Move != "Qh5" {
		t.Errorf("CachedMistakes = %+v", got.CachedMistakes)
	}

	if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("GetJob(nope) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ExpiredJob(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeDynamo(), "pitfall")
	job := jobstoretest.NewJob("old", 1, 1)
	job.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := s.PutJob(ctx, job); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	if _, err := s.GetJob(ctx, "old"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("GetJob(expired) error = %v, want ErrNotFound", err)
	}
}

func TestStore_IncrCompletedBatches(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := New(fake, "pitfall")
	if err := s.PutJob(ctx, jobstoretest.NewJob("j", 2, 2)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}

	for want := 1; want <= 2; want++ {
		got, err := s.IncrCompletedBatches(ctx, "j")
		if err != nil {
			t.Fatalf("IncrCompletedBatches() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrCompletedBatches() = %d, want %d", got, want)
		}
	}

	in := fake.updates[0]
	if in.ReturnValues != types.ReturnValueUpdatedNew {
		t.Errorf("ReturnValues = %s, want UPDATED_NEW", in.ReturnValues)
	}
	if aws.ToString(in.ConditionExpression) != "attribute_exists(pk)" {
		t.Errorf("ConditionExpression = %q", aws.ToString(in.ConditionExpression))
	}
	if _, err := s.IncrCompletedBatches(ctx, "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("IncrCompletedBatches(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateExpressions(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := New(fake, "pitfall")
	for _, id := range []string{"j", "k"} {
		if err := s.PutJob(ctx, jobstoretest.NewJob(id, 20, 2)); err != nil {
			t.Fatalf("PutJob() error = %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := s.PutBatch(ctx, jobstoretest.NewBatch("j", i, 20)); err != nil {
			t.Fatalf("PutBatch() error = %v", err)
		}
	}

	calls := []struct {
		name string
		fn   func() error
		want string
	}{
		{"UpdateJobProgress", func() error { return s.UpdateJobProgress(ctx, "j", 1, 2) }, "ADD gamesProcessed :g, mistakesFound :m"},
		{"UpdateBatchProgress", func() error { return s.UpdateBatchProgress(ctx, "j", 0, 1, 0) }, "ADD gamesProcessed :g, mistakesFound :m"},
		{"FinishBatch", func() error { return s.FinishBatch(ctx, "j", 0, nil) }, "SET #status = :status, mistakes = :mistakes"},
		{"FailBatch", func() error { return s.FailBatch(ctx, "j", 1, "boom") }, "SET #status = :status, #error = :reason"},
		{"FinalizeJob", func() error { return s.FinalizeJob(ctx, "j", nil, 20) }, "REMOVE #error"},
		{"FailJob", func() error { return s.FailJob(ctx, "k", "boom") }, "#error = :reason"},
	}
	for i, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			if err := c.fn(); err != nil {
				t.Fatalf("%s() error = %v", c.name, err)
			}
			expr := aws.ToString(fake.updates[i].UpdateExpression)
			if !strings.Contains(expr, c.want) {
				t.Errorf("UpdateExpression = %q, want it to contain %q", expr, c.want)
			}
			if _, ok := fake.updates[i].ExpressionAttributeValues[":now"]; !ok {
				t.Error("updates must stamp updatedAt")
			}
		})
	}

	if err := s.FailBatch(ctx, "j", 5, "boom"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("FailBatch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_StatusTransitionsRequireProcessing(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := New(fake, "pitfall")
	if err := s.PutJob(ctx, jobstoretest.NewJob("j", 20, 1)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	if err := s.PutBatch(ctx, jobstoretest.NewBatch("j", 0, 20)); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}

	if err := s.FinishBatch(ctx, "j", 0, nil); err != nil {
		t.Fatalf("FinishBatch() error = %v", err)
	}
	in := fake.updates[len(fake.updates)-1]
	if got := aws.ToString(in.ConditionExpression); got != "attribute_exists(pk) AND #status = :processing" {
		t.Errorf("ConditionExpression = %q", got)
	}
	if in.ReturnValuesOnConditionCheckFailure != types.ReturnValuesOnConditionCheckFailureAllOld {
		t.Errorf("ReturnValuesOnConditionCheckFailure = %s, want ALL_OLD", in.ReturnValuesOnConditionCheckFailure)
	}

	if err := s.FinishBatch(ctx, "j", 0, nil); !errors.Is(err, jobstore.ErrBatchFinished) {
		t.Errorf("FinishBatch() again error = %v, want ErrBatchFinished", err)
	}
	if err := s.FailBatch(ctx, "j", 0, "late"); !errors.Is(err, jobstore.ErrBatchFinished) {
		t.Errorf("FailBatch(completed) error = %v, want ErrBatchFinished", err)
	}
	if err := s.FinishBatch(ctx, "j", 3, nil); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("FinishBatch(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.FinalizeJob(ctx, "j", nil, 20); err != nil {
		t.Fatalf("FinalizeJob() error = %v", err)
	}
	if err := s.FinalizeJob(ctx, "j", nil, 20); !errors.Is(err, jobstore.ErrJobFinished) {
		t.Errorf("FinalizeJob() again error = %v, want ErrJobFinished", err)
	}
	if err := s.FailJob(ctx, "j", "late"); !errors.Is(err, jobstore.ErrJobFinished) {
		t.Errorf("FailJob(completed) error = %v, want ErrJobFinished", err)
	}
}

func TestStore_GetBatchesRetriesUnprocessed(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := New(fake, "pitfall")
	for i := 0; i < 6; i++ {
		if err := s.PutBatch(ctx, jobstoretest.NewBatch("j", i, 20)); err != nil {
			t.Fatalf("PutBatch() error = %v", err)
		}
	}
	fake.unprocessed = 2

	got, err := s.GetBatches(ctx, "j", []int{0, 1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("GetBatches() error = %v", err)
	}
	var idx []int
	for _, b := range got {
		idx = append(idx, b.Index)
	}
	sort.Ints(idx)
	if len(idx) != 6 || idx[0] != 0 || idx[5] != 5 {
		t.Errorf("indexes = %v, want 0..5", idx)
	}
	if fake.batchCalls != 2 {
		t.Errorf("BatchGetItem calls = %d, want 2", fake.batchCalls)
	}

	if _, err := s.GetBatches(ctx, "j", make([]int, jobstore.MaxKeysPerRead+1)); !errors.Is(err, jobstore.ErrTooManyKeys) {
		t.Errorf("GetBatches(101) error = %v, want ErrTooManyKeys", err)
	}
}

func TestBatchSK(t *testing.T) {
	if got := batchSK(7); got != "BATCH#00007" {
		t.Errorf("batchSK(7) = %q", got)
	}
}

// TestConformance runs against a real table when PITFALL_TEST_DYNAMODB_TABLE
// is set. PITFALL_TEST_DYNAMODB_ENDPOINT points at DynamoDB Local.
func TestConformance(t *testing.T) {
	table := os.Getenv("PITFALL_TEST_DYNAMODB_TABLE")
	if table == "" {
		t.Skip("PITFALL_TEST_DYNAMODB_TABLE not set")
	}
	endpoint := os.Getenv("PITFALL_TEST_DYNAMODB_ENDPOINT")
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		s, err := Open(context.Background(), table, "", endpoint)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		return s
	})
}
