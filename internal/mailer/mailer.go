// Package mailer delivers the exported report (and failure alerts) by email.
// Two providers are available: direct SMTP and the Resend API.
package mailer

import "context"

// Attachment is a file to deliver with a message.
type Attachment struct {
	Filename string
	Content  []byte
}

// Message is one outbound email. Sender and recipient are fixed per Mailer.
type Message struct {
	Subject    string
	Text       string
	Attachment *Attachment
}

// Mailer sends messages to the configured recipient.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
