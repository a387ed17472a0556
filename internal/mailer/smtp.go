package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	From     string
	To       string
}

// SMTPMailer sends mail over SMTP with TLS or opportunistic STARTTLS.
type SMTPMailer struct {
	cfg SMTPConfig
	log *slog.Logger
}

// NewSMTP creates an SMTP mailer.
func NewSMTP(cfg SMTPConfig, log *slog.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, log: log}
}

func (s *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := buildMIME(s.cfg.From, s.cfg.To, msg)
	if err != nil {
		return fmt.Errorf("assembling message: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	var client *smtp.Client
	if s.cfg.TLS {
		conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
		if err != nil {
			return fmt.Errorf("smtp tls dial %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, s.cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp new client: %w", err)
		}
	} else {
		client, err = smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("smtp dial %s: %w", addr, err)
		}
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				s.log.Warn("STARTTLS failed, continuing without TLS", "error", err)
			}
		}
	}
	defer client.Close()

	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(s.cfg.To); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	s.log.Info("message sent over smtp", "to", s.cfg.To, "subject", msg.Subject)
	return client.Quit()
}

// buildMIME assembles an RFC 5322 message with a plain-text part and an
// optional spreadsheet attachment.
func buildMIME(from, to string, msg Message) ([]byte, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*mail.Address{{Address: from}})
	header.SetAddressList("To", []*mail.Address{{Address: to}})
	header.SetSubject(msg.Subject)

	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	var textHeader mail.InlineHeader
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(textHeader)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(tw, msg.Text); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close text part: %w", err)
	}

	if msg.Attachment != nil {
		var attHeader mail.AttachmentHeader
		attHeader.SetFilename(msg.Attachment.Filename)
		attHeader.SetContentType("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", nil)
		aw, err := mw.CreateAttachment(attHeader)
		if err != nil {
			return nil, fmt.Errorf("create attachment: %w", err)
		}
		if _, err := aw.Write(msg.Attachment.Content); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("close attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}
