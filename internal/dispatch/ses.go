package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
)

type sesSendAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESProvider struct {
	client           sesSendAPI
	configurationSet string
}

// NewSESProvider disables the SDK retryer: throttling is retried by the
// engine, whose backoff is the one the batch pacing is tuned for.
func NewSESProvider(ac aws.Config, configurationSet string) *SESProvider {
	client := sesv2.NewFromConfig(ac, func(o *sesv2.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	return &SESProvider{client: client, configurationSet: configurationSet}
}

func (p *SESProvider) Send(ctx context.Context, msg *Message) error {
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if p.configurationSet != "" {
		in.ConfigurationSetName = aws.String(p.configurationSet)
	}
	for name, value := range msg.Tags {
		in.EmailTags = append(in.EmailTags, types.MessageTag{
			Name:  aws.String(sesTagValue(name)),
			Value: aws.String(sesTagValue(value)),
		})
	}

	if _, err := p.client.SendEmail(ctx, in); err != nil {
		return classifySESError(err)
	}
	return nil
}

func classifySESError(err error) error {
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return fmt.Errorf("%w: ses: %v", campaign.ErrSendRateExceeded, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "Throttling", "ThrottlingException":
			return fmt.Errorf("%w: ses: %v", campaign.ErrSendRateExceeded, err)
		}
	}
	return fmt.Errorf("%w: ses: %v", campaign.ErrSendFailed, err)
}

// sesTagValue keeps the characters SES accepts in tag names and values.
func sesTagValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
