// Package sink collects the addresses rejected during a run and writes them
// out once the run is over.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Entry is one rejected address.
type Entry struct {
	Address string
	Reason  string
}

// Writer persists the entries of one run. It is called at most once per run.
type Writer interface {
	Write(ctx context.Context, at time.Time, runID, campaign string, entries []Entry) error
}

// Sink buffers entries in memory. Add is safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	entries []Entry
	flushed bool
}

func New() *Sink { return &Sink{} }

func (s *Sink) Add(address, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushed {
		return
	}
	s.entries = append(s.entries, Entry{Address: address, Reason: reason})
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Flush hands the buffered entries to w. Only the first call writes; an empty
// sink never reaches w. Entries added after the first Flush are dropped.
func (s *Sink) Flush(ctx context.Context, runID, campaign string, w Writer) (int, error) {
	s.mu.Lock()
	if s.flushed {
		s.mu.Unlock()
		return 0, nil
	}
	s.flushed = true
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	if len(entries) == 0 || w == nil {
		return 0, nil
	}
	if err := w.Write(ctx, time.Now().UTC(), runID, campaign, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// MultiWriter writes to every writer and joins their errors.
type MultiWriter []Writer

func (m MultiWriter) Write(ctx context.Context, at time.Time, runID, campaign string, entries []Entry) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, at, runID, campaign, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
