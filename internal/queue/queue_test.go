package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func job(id string) campaign.Job {
	return campaign.Job{RunID: id, Target: campaign.Target{TemplateName: "promo.html"}}
}

func TestMemory_FullAndClosed(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("1")))
	require.NoError(t, q.Enqueue(ctx, job("2")))
	require.ErrorIs(t, q.Enqueue(ctx, job("3")), ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue(ctx, job("4")), ErrQueueClosed)

	var got []string
	for j := range q.Jobs() {
		got = append(got, j.RunID)
	}
	assert.Equal(t, []string{"1", "2"}, got, "close keeps queued jobs readable")
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  []string
	block chan struct{}
	err   error
}

func (f *fakeRunner) RunCampaign(ctx context.Context, runID string, _ campaign.Source, _ campaign.Target) (campaign.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, runID)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return campaign.Result{RunID: runID, State: campaign.StateFailed}, ctx.Err()
		}
	}
	if f.err != nil {
		return campaign.Result{RunID: runID, State: campaign.StateFailed}, f.err
	}
	return campaign.Result{RunID: runID, State: campaign.StateCompleted}, nil
}

func TestConsumer_DrainsAfterClose(t *testing.T) {
	q := NewMemory(4)
	r := &fakeRunner{err: errors.New("boom")}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), job(id)))
	}
	q.Close()

	require.NoError(t, NewConsumer(r).Run(context.Background(), q.Jobs()))
	assert.Equal(t, []string{"a", "b", "c"}, r.runs, "a failed run does not stop the loop")
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	q := NewMemory(4)
	r := &fakeRunner{block: make(chan struct{})}
	require.NoError(t, q.Enqueue(context.Background(), job("a")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(r).Run(ctx, q.Jobs()) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.runs) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	q.Close()
}

type fakePublisher struct {
	body []byte
	err  error
}

func (p *fakePublisher) PublishJSON(_ context.Context, body []byte) error {
	p.body = body
	return p.err
}

func TestRMQ_Enqueue(t *testing.T) {
	pub := &fakePublisher{}
	q := NewRMQ(pub)

	require.NoError(t, q.Enqueue(context.Background(), job("run-9")))
	var got campaign.Job
	require.NoError(t, json.Unmarshal(pub.body, &got))
	assert.Equal(t, "run-9", got.RunID)
	assert.Equal(t, "promo.html", got.Target.TemplateName)

	pub.err = errors.New("channel closed")
	require.ErrorIs(t, q.Enqueue(context.Background(), job("run-10")), ErrBroker)
}
