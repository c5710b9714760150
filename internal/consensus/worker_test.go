package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/forecastex/internal/models"
)

// fakeLog scripts the external log's responses, one per call.
type fakeLog struct {
	submitCalls int
	topicCalls  int
	errs        []error
	txRef       string
	lastTopic   string
}

func (f *fakeLog) next() error {
	i := f.submitCalls + f.topicCalls - 1
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func (f *fakeLog) SubmitMessage(_ context.Context, topic string, _ []byte) (string, error) {
	f.submitCalls++
	f.lastTopic = topic
	if err := f.next(); err != nil {
		return "", err
	}
	return f.txRef, nil
}

func (f *fakeLog) CreateTopic(_ context.Context, _ string) (string, error) {
	f.topicCalls++
	if err := f.next(); err != nil {
		return "", err
	}
	return f.txRef, nil
}

func newTestWorker(t *testing.T, q *Queue, log LogClient) *Worker {
	t.Helper()
	w := NewWorker("worker-test", q, log, time.Minute, nil)
	w.SetBackoff(func(int) time.Duration { return 0 })
	return w
}

func TestWorkerSubmitsJob(t *testing.T) {
	q := NewQueue(testDB(t), nil)
	ctx := context.Background()
	job := enqueueOrderJob(t, q)

	log := &fakeLog{txRef: "tx-1"}
	w := newTestWorker(t, q, log)

	assert.Equal(t, 1, w.RunOnce(ctx))
	assert.Equal(t, 1, log.submitCalls)
	assert.Equal(t, models.TopicOrders, log.lastTopic)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, stored.Status)
	assert.Equal(t, "tx-1", stored.TransactionRef)
}

func TestWorkerRetriesTransientSubmitErrors(t *testing.T) {
	q := NewQueue(testDB(t), nil)
	ctx := context.Background()
	job := enqueueOrderJob(t, q)

	log := &fakeLog{
		txRef: "tx-2",
		errs:  []error{errors.New("connection reset"), errors.New("timeout")},
	}
	w := newTestWorker(t, q, log)

	assert.Equal(t, 1, w.RunOnce(ctx))
	assert.Equal(t, 3, log.submitCalls, "two failures then success")

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, stored.Status)
}

func TestWorkerFailsJobAfterRetryBudget(t *testing.T) {
	q := NewQueue(testDB(t), nil)
	ctx := context.Background()

	job, err := NewJob(models.JobKindPublishOrder, OrderPayload{MarketID: "m"}, 2)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	boom := errors.New("log unreachable")
	log := &fakeLog{errs: []error{boom, boom, boom, boom}}
	w := newTestWorker(t, q, log)

	assert.Equal(t, 1, w.RunOnce(ctx))
	assert.Equal(t, 2, log.submitCalls, "attempts bounded by the job's retry budget")

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "log unreachable")
}

func TestWorkerCreateTopicJob(t *testing.T) {
	q := NewQueue(testDB(t), nil)
	ctx := context.Background()

	job, err := NewJob(models.JobKindCreateTopic, TopicPayload{MarketID: "mkt-1", Memo: "mkt-1"}, 5)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	log := &fakeLog{txRef: "tx-topic"}
	w := newTestWorker(t, q, log)

	assert.Equal(t, 1, w.RunOnce(ctx))
	assert.Equal(t, 1, log.topicCalls)
	assert.Zero(t, log.submitCalls)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSubmitted, stored.Status)
}

func TestWorkerIdempotentOnAlreadySubmitted(t *testing.T) {
	q := NewQueue(testDB(t), nil)
	ctx := context.Background()
	enqueued := enqueueOrderJob(t, q)

	log := &fakeLog{txRef: "tx-3"}
	w := newTestWorker(t, q, log)
	require.Equal(t, 1, w.RunOnce(ctx))

	// Re-processing a submitted job must not resubmit the message.
	job, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.NoError(t, w.process(ctx, job))
	assert.Equal(t, 1, log.submitCalls)
}

func TestWorkerDrainsQueue(t *testing.T) {
	q := NewQueue(testDB(t), nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		enqueueOrderJob(t, q)
	}

	log := &fakeLog{txRef: "tx-n"}
	w := newTestWorker(t, q, log)
	assert.Equal(t, 4, w.RunOnce(ctx))
	assert.Zero(t, w.RunOnce(ctx), "empty queue processes nothing")
}
