// Package queue hands campaign jobs from the ingress to a single consumer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
)

var (
	ErrQueueFull   = errors.New("queue: full")
	ErrQueueClosed = errors.New("queue: closed")
	ErrBroker      = errors.New("queue: broker publish failed")
)

type Queue interface {
	Enqueue(ctx context.Context, job campaign.Job) error
}

// Memory is a bounded in-process queue. Enqueue never blocks.
type Memory struct {
	mu     sync.RWMutex
	ch     chan campaign.Job
	closed bool
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{ch: make(chan campaign.Job, capacity)}
}

func (m *Memory) Enqueue(_ context.Context, job campaign.Job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.ch <- job:
		metrics.JobsEnqueuedTotal.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Jobs is closed by Close once every queued job has been received.
func (m *Memory) Jobs() <-chan campaign.Job { return m.ch }

func (m *Memory) Len() int { return len(m.ch) }

// Close rejects further enqueues. Jobs already queued stay readable.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

type Publisher interface {
	PublishJSON(ctx context.Context, body []byte) error
}

// RMQ publishes jobs to a RabbitMQ queue for campaign-worker.
type RMQ struct {
	pub Publisher
}

func NewRMQ(pub Publisher) *RMQ { return &RMQ{pub: pub} }

func (q *RMQ) Enqueue(ctx context.Context, job campaign.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.pub.PublishJSON(ctx, body); err != nil {
		return fmt.Errorf("%w: %v", ErrBroker, err)
	}
	metrics.JobsEnqueuedTotal.Inc()
	return nil
}
