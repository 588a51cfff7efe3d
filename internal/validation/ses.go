package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type suppressionAPI interface {
	GetSuppressedDestination(ctx context.Context, in *sesv2.GetSuppressedDestinationInput, optFns ...func(*sesv2.Options)) (*sesv2.GetSuppressedDestinationOutput, error)
}

// SESSuppression looks addresses up in the SES account-level suppression list.
type SESSuppression struct {
	client suppressionAPI
}

func NewSESSuppression(client *sesv2.Client) *SESSuppression {
	return &SESSuppression{client: client}
}

func (s *SESSuppression) Suppressed(ctx context.Context, address string) (bool, error) {
	out, err := s.client.GetSuppressedDestination(ctx, &sesv2.GetSuppressedDestinationInput{
		EmailAddress: aws.String(address),
	})
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return false, ErrNotListed
		}
		return false, fmt.Errorf("ses: get suppressed destination: %w", err)
	}
	return out.SuppressedDestination != nil, nil
}
