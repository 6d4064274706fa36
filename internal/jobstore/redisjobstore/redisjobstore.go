// Package redisjobstore implements jobstore.Store on Redis hashes.
//
// Each job and batch is one hash. Counters are updated with HINCRBY inside
// scripts that first check the record exists, so updates never resurrect an
// expired record. Status transitions run in a script that also checks the
// record is still processing. Records expire with EXPIREAT at their
// ExpiresAt time.
package redisjobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
)

var _ jobstore.Store = (*Store)(nil)

// Hash field names.
const (
	fieldID               = "jobId"
	fieldIndex            = "batchIndex"
	fieldStatus           = "status"
	fieldTotalGames       = "totalGames"
	fieldGamesProcessed   = "gamesProcessed"
	fieldMistakesFound    = "mistakesFound"
	fieldTotalBatches     = "totalBatches"
	fieldCompletedBatches = "completedBatches"
	fieldCachedMistakes   = "cachedMistakes"
	fieldMistakes         = "mistakes"
	fieldError            = "error"
	fieldCreatedAt        = "createdAt"
	fieldUpdatedAt        = "updatedAt"
	fieldExpiresAt        = "expiresAt"
)

// incrScript adds ARGV pairs (field, delta) to an existing hash and returns
// the value of the last field. Returns -1 when the hash does not exist.
var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local v = 0
for i = 1, #ARGV - 1, 2 do
  v = redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('HSET', KEYS[1], 'updatedAt', ARGV[#ARGV])
return v
`)

// transitionScript sets ARGV pairs (field, value) on an existing hash whose
// status is processing. Returns 0 when the hash does not exist and -1 when
// its status is anything else.
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return -1 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// Store is a Redis-backed job store.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default is "pitfall:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a store on an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "pitfall:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the Redis server at rawURL (redis:// or rediss://) and
// verifies the connection.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Store, error) {
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		return nil, fmt.Errorf("redisjobstore: unsupported url %q", rawURL)
	}
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) jobKey(jobID string) string {
	return s.prefix + "job:" + jobID
}

func (s *Store) batchKey(jobID string, index int) string {
	return s.prefix + "batch:" + jobID + ":" + strconv.Itoa(index)
}

func (s *Store) PutJob(ctx context.Context, job *jobstore.Job) error {
	fields, err := encodeJob(job)
	if err != nil {
		return err
	}
	return s.replace(ctx, s.jobKey(job.ID), fields, job.ExpiresAt)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*jobstore.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, jobstore.ErrNotFound)
	}
	job, err := decodeJob(fields)
	if err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	if jobstore.Expired(job.ExpiresAt, s.now()) {
		return nil, fmt.Errorf("job %s: %w", jobID, jobstore.ErrNotFound)
	}
	return job, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, games, mistakes int) error {
	_, err := s.incr(ctx, s.jobKey(jobID), fieldGamesProcessed, games, fieldMistakesFound, mistakes)
	return err
}

func (s *Store) IncrCompletedBatches(ctx context.Context, jobID string) (int, error) {
	return s.incr(ctx, s.jobKey(jobID), fieldCompletedBatches, 1)
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string, mistakes []game.Mistake, gamesProcessed int) error {
	encoded, err := encodeMistakes(mistakes)
	if err != nil {
		return err
	}
	return s.transition(ctx, s.jobKey(jobID), jobstore.ErrJobFinished,
		fieldStatus, string(jobstore.StatusCompleted),
		fieldMistakes, encoded,
		fieldMistakesFound, len(mistakes),
		fieldGamesProcessed, gamesProcessed,
		fieldError, "",
	)
}

func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	return s.transition(ctx, s.jobKey(jobID), jobstore.ErrJobFinished,
		fieldStatus, string(jobstore.StatusError),
		fieldError, reason,
	)
}

func (s *Store) PutBatch(ctx context.Context, batch *jobstore.Batch) error {
	fields, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	return s.replace(ctx, s.batchKey(batch.JobID, batch.Index), fields, batch.ExpiresAt)
}

func (s *Store) UpdateBatchProgress(ctx context.Context, jobID string, index, games, mistakes int) error {
	_, err := s.incr(ctx, s.batchKey(jobID, index), fieldGamesProcessed, games, fieldMistakesFound, mistakes)
	return err
}

func (s *Store) FinishBatch(ctx context.Context, jobID string, index int, mistakes []game.Mistake) error {
	encoded, err := encodeMistakes(mistakes)
	if err != nil {
		return err
	}
	return s.transition(ctx, s.batchKey(jobID, index), jobstore.ErrBatchFinished,
		fieldStatus, string(jobstore.StatusCompleted),
		fieldMistakes, encoded,
		fieldMistakesFound, len(mistakes),
	)
}

func (s *Store) FailBatch(ctx context.Context, jobID string, index int, reason string) error {
	return s.transition(ctx, s.batchKey(jobID, index), jobstore.ErrBatchFinished,
		fieldStatus, string(jobstore.StatusError),
		fieldError, reason,
	)
}

// GetBatches reads all requested batches in one pipelined round trip.
func (s *Store) GetBatches(ctx context.Context, jobID string, indexes []int) ([]*jobstore.Batch, error) {
	if len(indexes) > jobstore.MaxKeysPerRead {
		return nil, fmt.Errorf("%w: %d", jobstore.ErrTooManyKeys, len(indexes))
	}
	if len(indexes) == 0 {
		return []*jobstore.Batch{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(indexes))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, idx := range indexes {
			cmds[i] = p.HGetAll(ctx, s.batchKey(jobID, idx))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading batches of %s: %w", jobID, err)
	}

	now := s.now()
	out := make([]*jobstore.Batch, 0, len(indexes))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		b, err := decodeBatch(fields)
		if err != nil {
			return nil, fmt.Errorf("decoding batch of %s: %w", jobID, err)
		}
		if jobstore.Expired(b.ExpiresAt, now) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// replace writes a whole record atomically and sets its expiry.
func (s *Store) replace(ctx context.Context, key string, fields map[string]any, expiresAt int64) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fields)
		if expiresAt != 0 {
			p.ExpireAt(ctx, key, time.Unix(expiresAt, 0))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// incr applies field/delta pairs and returns the last field's new value.
func (s *Store) incr(ctx context.Context, key string, pairs ...any) (int, error) {
	args := append(pairs, s.now().UTC().Format(time.RFC3339Nano))
	v, err := incrScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("updating %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: %w", key, jobstore.ErrNotFound)
	}
	return v, nil
}

// transition applies field/value pairs to a record that is still
// processing, returning finished when it is not.
func (s *Store) transition(ctx context.Context, key string, finished error, pairs ...any) error {
	args := append(pairs, fieldUpdatedAt, s.now().UTC().Format(time.RFC3339Nano))
	v, err := transitionScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	switch v {
	case 0:
		return fmt.Errorf("%s: %w", key, jobstore.ErrNotFound)
	case -1:
		return fmt.Errorf("%s: %w", key, finished)
	}
	return nil
}

func encodeMistakes(m []game.Mistake) (string, error) {
	if m == nil {
		m = []game.Mistake{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding mistakes: %w", err)
	}
	return string(b), nil
}

func decodeMistakes(s string) ([]game.Mistake, error) {
	if s == "" {
		return nil, nil
	}
	var m []game.Mistake
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding mistakes: %w", err)
	}
	return m, nil
}

func encodeJob(j *jobstore.Job) (map[string]any, error) {
	cached, err := encodeMistakes(j.CachedMistakes)
	if err != nil {
		return nil, err
	}
	mistakes, err := encodeMistakes(j.Mistakes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		fieldID:               j.ID,
		fieldStatus:           string(j.Status),
		fieldTotalGames:       j.TotalGames,
		fieldGamesProcessed:   j.GamesProcessed,
		fieldMistakesFound:    j.MistakesFound,
		fieldTotalBatches:     j.TotalBatches,
		fieldCompletedBatches: j.CompletedBatches,
		fieldCachedMistakes:   cached,
		fieldMistakes:         mistakes,
		fieldError:            j.Error,
		fieldCreatedAt:        j.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:        j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		fieldExpiresAt:        j.ExpiresAt,
	}, nil
}

func encodeBatch(b *jobstore.Batch) (map[string]any, error) {
	mistakes, err := encodeMistakes(b.Mistakes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		fieldID:             b.JobID,
		fieldIndex:          b.Index,
		fieldStatus:         string(b.Status),
		fieldTotalGames:     b.TotalGames,
		fieldGamesProcessed: b.GamesProcessed,
		fieldMistakesFound:  b.MistakesFound,
		fieldMistakes:       mistakes,
		fieldError:          b.Error,
		fieldCreatedAt:      b.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:      b.UpdatedAt.UTC().Format(time.RFC3339Nano),
		fieldExpiresAt:      b.ExpiresAt,
	}, nil
}

// fieldReader decodes hash fields, keeping the first error.
type fieldReader struct {
	fields map[string]string
	err    error
}

func (r *fieldReader) intField(name string) int {
	v, ok := r.fields[name]
	if !ok || v == "" || r.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", name, err)
	}
	return n
}

func (r *fieldReader) int64Field(name string) int64 {
	v, ok := r.fields[name]
	if !ok || v == "" || r.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", name, err)
	}
	return n
}

func (r *fieldReader) timeField(name string) time.Time {
	v, ok := r.fields[name]
	if !ok || v == "" || r.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", name, err)
	}
	return t
}

func (r *fieldReader) mistakesField(name string) []game.Mistake {
	if r.err != nil {
		return nil
	}
	m, err := decodeMistakes(r.fields[name])
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", name, err)
	}
	return m
}

func decodeJob(fields map[string]string) (*jobstore.Job, error) {
	r := &fieldReader{fields: fields}
	j := &jobstore.Job{
		ID:               fields[fieldID],
		Status:           jobstore.Status(fields[fieldStatus]),
		TotalGames:       r.intField(fieldTotalGames),
		GamesProcessed:   r.intField(fieldGamesProcessed),
		MistakesFound:    r.intField(fieldMistakesFound),
		TotalBatches:     r.intField(fieldTotalBatches),
		CompletedBatches: r.intField(fieldCompletedBatches),
		CachedMistakes:   r.mistakesField(fieldCachedMistakes),
		Mistakes:         r.mistakesField(fieldMistakes),
		Error:            fields[fieldError],
		CreatedAt:        r.timeField(fieldCreatedAt),
		UpdatedAt:        r.timeField(fieldUpdatedAt),
		ExpiresAt:        r.int64Field(fieldExpiresAt),
	}
	if r.err != nil {
		return nil, r.err
	}
	if j.ID == "" {
		return nil, errors.New("record has no job id")
	}
	return j, nil
}

func decodeBatch(fields map[string]string) (*jobstore.Batch, error) {
	r := &fieldReader{fields: fields}
	b := &jobstore.Batch{
		JobID:          fields[fieldID],
		Index:          r.intField(fieldIndex),
		Status:         jobstore.Status(fields[fieldStatus]),
		TotalGames:     r.intField(fieldTotalGames),
		GamesProcessed: r.intField(fieldGamesProcessed),
		MistakesFound:  r.intField(fieldMistakesFound),
		Mistakes:       r.mistakesField(fieldMistakes),
		Error:          fields[fieldError],
		CreatedAt:      r.timeField(fieldCreatedAt),
		UpdatedAt:      r.timeField(fieldUpdatedAt),
		ExpiresAt:      r.int64Field(fieldExpiresAt),
	}
	if r.err != nil {
		return nil, r.err
	}
	if b.JobID == "" {
		return nil, errors.New("record has no job id")
	}
	return b, nil
}
