package campaign

import (
	"errors"
	"fmt"
)

var (
	ErrSourceUnavailable = errors.New("campaign: recipient source unavailable")
	ErrMalformedRecord   = errors.New("campaign: malformed recipient record")
	ErrTemplateNotFound  = errors.New("campaign: template not found")
	ErrSendRateExceeded  = errors.New("campaign: send rate exceeded")
	ErrSendFailed        = errors.New("campaign: send failed")
	ErrPipelinePanic     = errors.New("campaign: pipeline panicked")
)

// RowError reports a data row that could not be parsed. Line is 1-based and
// counts the header.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() []error { return []error{ErrMalformedRecord, e.Err} }
