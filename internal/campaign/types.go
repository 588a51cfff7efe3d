package campaign

import "time"

type StartCampaignReq struct {
	TemplateName string `json:"template_name" binding:"required"`
	FromEmail    string `json:"from_email"    binding:"required,email"`
	Subject      string `json:"subject"       binding:"required"`
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	Campaign     string `json:"campaign"`
}

type StartCampaignResp struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

// Target is what gets sent; immutable for a run.
type Target struct {
	TemplateName string `json:"template_name"`
	FromAddress  string `json:"from_address"`
	Subject      string `json:"subject"`
}

// Source identifies where recipients live and how the send is tagged.
type Source struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	CampaignTag string `json:"campaign_tag"`
}

// Job is the unit handed from ingress to the queue consumer.
type Job struct {
	RunID      string    `json:"run_id"`
	Target     Target    `json:"target"`
	Source     Source    `json:"source"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type Record struct {
	Email    string
	IsActive bool
}

type State string

const (
	StateLoading     State = "loading"
	StateValidating  State = "validating"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

type Result struct {
	RunID          string `json:"run_id"`
	State          State  `json:"state"`
	TotalRecords   int    `json:"total_records"`
	ValidCount     int    `json:"valid_count"`
	InvalidCount   int    `json:"invalid_count"`
	InactiveCount  int    `json:"inactive_count"`
	DuplicateCount int    `json:"duplicate_count"`
	MalformedCount int    `json:"malformed_count"`
	SentCount      int    `json:"sent_count"`
	FailedCount    int    `json:"failed_count"`
	Error          string `json:"error,omitempty"`
}
