package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// ResendMailer delivers messages through the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
	to     string
	log    *slog.Logger
}

// NewResend creates a Resend-backed mailer.
func NewResend(apiKey, from, to string, log *slog.Logger) *ResendMailer {
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     to,
		log:    log,
	}
}

func (r *ResendMailer) Send(ctx context.Context, msg Message) error {
	params := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{r.to},
		Subject: msg.Subject,
		Text:    msg.Text,
	}
	if msg.Attachment != nil {
		params.Attachments = []*resend.Attachment{{
			Filename: msg.Attachment.Filename,
			Content:  msg.Attachment.Content,
		}}
	}

	sent, err := r.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend send: %w", err)
	}
	r.log.Info("message sent via resend", "to", r.to, "subject", msg.Subject, "id", sent.Id)
	return nil
}
