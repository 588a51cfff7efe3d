package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v3"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
)

type resendAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type ResendProvider struct {
	emails resendAPI
}

func NewResendProvider(apiKey string) *ResendProvider {
	return &ResendProvider{emails: resend.NewClient(apiKey).Emails}
}

func (p *ResendProvider) Send(ctx context.Context, msg *Message) error {
	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}
	for name, value := range msg.Tags {
		req.Tags = append(req.Tags, resend.Tag{Name: name, Value: value})
	}

	if _, err := p.emails.SendWithContext(ctx, req); err != nil {
		return classifyResendError(err)
	}
	return nil
}

// classifyResendError maps the client's typed 429 error to a retryable
// rate-limit failure.
func classifyResendError(err error) error {
	if errors.Is(err, resend.ErrRateLimit) {
		return fmt.Errorf("%w: resend: %v", campaign.ErrSendRateExceeded, err)
	}
	return fmt.Errorf("%w: resend: %v", campaign.ErrSendFailed, err)
}
