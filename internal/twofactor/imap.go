package twofactor

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

// ConnConfig holds IMAP connection parameters.
type ConnConfig struct {
	Host     string
	Port     int
	TLS      bool
	MinTLS   uint16 // minimum TLS version, e.g. tls.VersionTLS12
	Username string
	Password string
}

// imapSession implements session over go-imap/v2.
type imapSession struct {
	client      *imapclient.Client
	numMessages uint32 // message count of the currently selected mailbox
}

func dialIMAP(ctx context.Context, conn ConnConfig) (session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(conn.Host, fmt.Sprintf("%d", conn.Port))

	tlsConfig := &tls.Config{
		ServerName: conn.Host,
		MinVersion: conn.MinTLS,
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	var client *imapclient.Client
	var err error
	if conn.TLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{TLSConfig: tlsConfig})
	} else {
		client, err = imapclient.DialStartTLS(addr, &imapclient.Options{TLSConfig: tlsConfig})
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if err := client.Login(conn.Username, conn.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w", conn.Username, err)
	}
	return &imapSession{client: client}, nil
}

func (s *imapSession) Select(mailbox string) (uint32, error) {
	data, err := s.client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("imap select %s: %w", mailbox, err)
	}
	s.numMessages = data.NumMessages
	return data.NumMessages, nil
}

func (s *imapSession) SearchUIDs(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	return data.AllUIDs(), nil
}

func (s *imapSession) Fetch(uids []imap.UID) ([]candidate, error) {
	return s.fetch(imap.UIDSetNum(uids...))
}

func (s *imapSession) FetchRecent(n uint32) ([]candidate, error) {
	if s.numMessages == 0 || n == 0 {
		return nil, nil
	}
	if n > s.numMessages {
		n = s.numMessages
	}
	first := s.numMessages - n + 1
	var seqSet imap.SeqSet
	seqSet.AddRange(first, s.numMessages)
	return s.fetch(seqSet)
}

func (s *imapSession) fetch(numSet imap.NumSet) ([]candidate, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	options := &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(numSet, options)
	defer fetchCmd.Close()

	var candidates []candidate
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			// One bad message must not sink the scan.
			continue
		}

		c := candidate{
			uid:  buf.UID,
			date: buf.InternalDate,
			raw:  buf.FindBodySection(bodySection),
		}
		if buf.Envelope != nil {
			c.subject = buf.Envelope.Subject
			if c.date.IsZero() {
				c.date = buf.Envelope.Date
			}
			if len(buf.Envelope.From) > 0 {
				c.from = buf.Envelope.From[0].Addr()
			}
		}
		for _, flag := range buf.Flags {
			if flag == imap.FlagSeen {
				c.seen = true
			}
		}
		candidates = append(candidates, c)
	}

	if err := fetchCmd.Close(); err != nil {
		return candidates, fmt.Errorf("imap fetch: %w", err)
	}
	return candidates, nil
}

func (s *imapSession) Logout() error {
	return s.client.Logout().Wait()
}

// splitBody parses a raw RFC 5322 message and returns its text/plain and
// text/html parts. Transfer encodings are decoded by go-message. If the
// message does not parse as MIME, the whole source is treated as plain text.
func splitBody(raw []byte) (text, html string) {
	if len(raw) == 0 {
		return "", ""
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			if text == "" {
				text = string(body)
			}
		case strings.HasPrefix(contentType, "text/html"):
			if html == "" {
				html = string(body)
			}
		}
	}
	return text, html
}
