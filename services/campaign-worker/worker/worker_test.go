package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/internal/orchestrator"
	"github.com/Mutter0815/campaign-dispatch/internal/queue"
)

type fakeAck struct {
	acks, nacks int
	requeued    bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acks++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return nil
}
func (f *fakeAck) Reject(uint64, bool) error { return nil }

type fakePub struct {
	headers amqp.Table
	body    []byte
	err     error
}

func (p *fakePub) PublishJSONWithHeaders(_ context.Context, body []byte, headers amqp.Table) error {
	p.body, p.headers = body, headers
	return p.err
}

type fakeRunner struct {
	err   error
	calls int
}

func (f *fakeRunner) RunCampaign(_ context.Context, runID string, _ campaign.Source, _ campaign.Target) (campaign.Result, error) {
	f.calls++
	return campaign.Result{RunID: runID}, f.err
}

func newWorker(r *fakeRunner, pub *fakePub) *Worker {
	return &Worker{
		Pub:        pub,
		Jobs:       queue.NewConsumer(r),
		MaxRetries: 3,
		delay:      func(int) time.Duration { return 0 },
	}
}

func delivery(t *testing.T, ack *fakeAck, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(campaign.Job{RunID: "run-1", Source: campaign.Source{Bucket: "b", Key: "k"}})
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Headers: headers}
}

func runErr(state campaign.State, err error) error {
	return &orchestrator.RunError{State: state, Err: err}
}

func TestHandle_SuccessAcks(t *testing.T) {
	ack, pub := &fakeAck{}, &fakePub{}
	newWorker(&fakeRunner{}, pub).handle(context.Background(), delivery(t, ack, nil))

	if ack.acks != 1 || pub.body != nil {
		t.Fatalf("want plain ack, got acks=%d published=%v", ack.acks, pub.body != nil)
	}
}

func TestHandle_LoadFailureIsRequeued(t *testing.T) {
	ack, pub := &fakeAck{}, &fakePub{}
	r := &fakeRunner{err: runErr(campaign.StateLoading, campaign.ErrSourceUnavailable)}

	newWorker(r, pub).handle(context.Background(), delivery(t, ack, amqp.Table{"x-retries": int32(1)}))

	if got := headerRetries(pub.headers); got != 2 {
		t.Fatalf("want x-retries=2, got %d", got)
	}
	if ack.acks != 1 {
		t.Fatalf("original delivery must be acked after republish, acks=%d", ack.acks)
	}
}

func TestHandle_DispatchFailureIsNeverRepeated(t *testing.T) {
	ack, pub := &fakeAck{}, &fakePub{}
	r := &fakeRunner{err: runErr(campaign.StateDispatching, fmt.Errorf("%w: promo.html", campaign.ErrTemplateNotFound))}

	newWorker(r, pub).handle(context.Background(), delivery(t, ack, nil))

	if pub.body != nil {
		t.Fatal("a run that reached dispatch must not be republished")
	}
	if ack.acks != 1 {
		t.Fatalf("want ack, got %d", ack.acks)
	}
}

func TestHandle_RetriesExhausted(t *testing.T) {
	ack, pub := &fakeAck{}, &fakePub{}
	r := &fakeRunner{err: runErr(campaign.StateLoading, campaign.ErrSourceUnavailable)}

	newWorker(r, pub).handle(context.Background(), delivery(t, ack, amqp.Table{"x-retries": int32(3)}))

	if pub.body != nil || ack.acks != 1 {
		t.Fatalf("want drop, got published=%v acks=%d", pub.body != nil, ack.acks)
	}
}

func TestHandle_PanicIsDropped(t *testing.T) {
	ack, pub := &fakeAck{}, &fakePub{}
	r := &fakeRunner{err: runErr(campaign.StateValidating, campaign.ErrPipelinePanic)}

	newWorker(r, pub).handle(context.Background(), delivery(t, ack, nil))

	if pub.body != nil || ack.acks != 1 {
		t.Fatalf("want drop, got published=%v acks=%d", pub.body != nil, ack.acks)
	}
}

func TestHandle_PublishErrorNacks(t *testing.T) {
	ack, pub := &fakeAck{}, &fakePub{err: errors.New("channel closed")}
	r := &fakeRunner{err: runErr(campaign.StateValidating, context.DeadlineExceeded)}

	newWorker(r, pub).handle(context.Background(), delivery(t, ack, nil))

	if ack.nacks != 1 || !ack.requeued || ack.acks != 0 {
		t.Fatalf("want nack+requeue, got acks=%d nacks=%d requeue=%v", ack.acks, ack.nacks, ack.requeued)
	}
}

func TestHandle_ShutdownReturnsDelivery(t *testing.T) {
	ack, pub := &fakeAck{}, &fakePub{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &fakeRunner{err: runErr(campaign.StateValidating, context.Canceled)}

	newWorker(r, pub).handle(ctx, delivery(t, ack, nil))

	if ack.nacks != 1 || !ack.requeued {
		t.Fatalf("want nack+requeue, got nacks=%d requeue=%v", ack.nacks, ack.requeued)
	}
}

func TestHandle_BadBodyIsAcked(t *testing.T) {
	ack := &fakeAck{}
	r := &fakeRunner{}
	newWorker(r, &fakePub{}).handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")})

	if ack.acks != 1 || r.calls != 0 {
		t.Fatalf("want ack without a run, got acks=%d calls=%d", ack.acks, r.calls)
	}
}

func TestHeaderRetries(t *testing.T) {
	cases := []struct {
		h    amqp.Table
		want int
	}{
		{nil, 0},
		{amqp.Table{}, 0},
		{amqp.Table{"x-retries": int32(2)}, 2},
		{amqp.Table{"x-retries": int64(4)}, 4},
		{amqp.Table{"x-retries": uint8(1)}, 1},
		{amqp.Table{"x-retries": "3"}, 0},
	}
	for _, tc := range cases {
		if got := headerRetries(tc.h); got != tc.want {
			t.Fatalf("headerRetries(%v)=%d, want %d", tc.h, got, tc.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := backoffDelay(i); got != w {
			t.Fatalf("backoffDelay(%d)=%v, want %v", i, got, w)
		}
	}
}
