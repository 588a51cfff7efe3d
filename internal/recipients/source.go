// Package recipients streams campaign recipient records out of a CSV object
// held in bulk storage.
package recipients

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
)

const (
	colEmail    = "email"
	colIsActive = "isactive"
)

// ObjectStore fetches one object. Implementations wrap failures in
// campaign.ErrSourceUnavailable.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type Reader struct {
	store ObjectStore
}

func NewReader(store ObjectStore) *Reader {
	return &Reader{store: store}
}

// Batch is a fully materialised object.
type Batch struct {
	Records   []campaign.Record
	Malformed []*campaign.RowError
}

// Records fetches the object and returns a lazy sequence over its rows. The
// object is fetched again on every call, so the sequence can be restarted by
// calling Records again.
//
// A row that cannot be parsed is yielded as a *campaign.RowError and iteration
// continues. A read failure mid-object is yielded once, wrapped in
// campaign.ErrSourceUnavailable, and ends the sequence.
func (r *Reader) Records(ctx context.Context, bucket, key string) (iter.Seq2[campaign.Record, error], error) {
	body, err := r.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(body)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		body.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s/%s is empty", campaign.ErrSourceUnavailable, bucket, key)
		}
		return nil, fmt.Errorf("%w: read header: %v", campaign.ErrSourceUnavailable, err)
	}
	cols, err := columns(header)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("%w: %s/%s: %v", campaign.ErrSourceUnavailable, bucket, key, err)
	}

	return func(yield func(campaign.Record, error) bool) {
		defer body.Close()
		for {
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			var pe *csv.ParseError
			switch {
			case errors.As(err, &pe):
				if !yield(campaign.Record{}, &campaign.RowError{Line: pe.Line, Err: pe.Err}) {
					return
				}
				continue
			case err != nil:
				yield(campaign.Record{}, fmt.Errorf("%w: read %s/%s: %v", campaign.ErrSourceUnavailable, bucket, key, err))
				return
			}

			line, _ := cr.FieldPos(0)
			rec, err := cols.parse(row)
			if err != nil {
				err = &campaign.RowError{Line: line, Err: err}
			}
			if !yield(rec, err) {
				return
			}
			if ctx.Err() != nil {
				yield(campaign.Record{}, ctx.Err())
				return
			}
		}
	}, nil
}

// ReadAll materialises the object. Only a fatal error is returned; malformed
// rows are collected in the batch.
func (r *Reader) ReadAll(ctx context.Context, bucket, key string) (Batch, error) {
	seq, err := r.Records(ctx, bucket, key)
	if err != nil {
		return Batch{}, err
	}

	var b Batch
	for rec, err := range seq {
		var rowErr *campaign.RowError
		switch {
		case errors.As(err, &rowErr):
			b.Malformed = append(b.Malformed, rowErr)
		case err != nil:
			return b, err
		default:
			b.Records = append(b.Records, rec)
		}
	}
	return b, nil
}

type columnIndex struct {
	email, active int
}

func columns(header []string) (columnIndex, error) {
	idx := columnIndex{email: -1, active: -1}
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		switch strings.ToLower(strings.TrimSpace(h)) {
		case colEmail:
			idx.email = i
		case colIsActive:
			idx.active = i
		}
	}
	switch {
	case idx.email < 0:
		return idx, errors.New(`missing column "Email"`)
	case idx.active < 0:
		return idx, errors.New(`missing column "IsActive"`)
	}
	return idx, nil
}

func (c columnIndex) parse(row []string) (campaign.Record, error) {
	if len(row) <= c.email || len(row) <= c.active {
		return campaign.Record{}, fmt.Errorf("want at least %d fields, got %d", max(c.email, c.active)+1, len(row))
	}
	active, err := parseBool(row[c.active])
	if err != nil {
		return campaign.Record{}, err
	}
	return campaign.Record{
		Email:    strings.TrimSpace(row[c.email]),
		IsActive: active,
	}, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes", "y":
		return true, nil
	case "false", "f", "0", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("IsActive: cannot parse %q as boolean", s)
}
