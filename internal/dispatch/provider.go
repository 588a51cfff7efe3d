package dispatch

import "context"

// Message is one fully rendered email for one recipient.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Tags    map[string]string
}

// Provider hands a message to a transactional email service. A throttling
// answer must wrap campaign.ErrSendRateExceeded; any other rejection should
// wrap campaign.ErrSendFailed.
type Provider interface {
	Send(ctx context.Context, msg *Message) error
}

type TemplateStore interface {
	Get(ctx context.Context, name string) (string, error)
}
