package notifxses

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/notifx"
)

var ErrRegistry = errx.NewRegistry("NOTIF_SES")

var CodeSendFailed = ErrRegistry.Register("SEND_FAILED", errx.TypeDependency, 502, "SES send email failed")

// SESSender implements notifx.EmailSender on AWS SES.
type SESSender struct {
	client *ses.Client
}

func NewSESSender(client *ses.Client) *SESSender {
	return &SESSender{client: client}
}

func (p *SESSender) SendEmail(ctx context.Context, msg notifx.EmailMessage) error {
	body := &types.Body{}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: msg.To,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		return ErrRegistry.NewWithCause(CodeSendFailed, err).
			WithDetail("subject", msg.Subject)
	}
	return nil
}
