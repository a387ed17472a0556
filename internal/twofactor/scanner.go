package twofactor

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
)

// maxScanMessages bounds how many candidate messages one mailbox scan will
// inspect, including the recent-N fallback for servers with unreliable SEARCH.
const maxScanMessages = 60

// SearchSpec describes the message filter for one poll attempt. It is built
// fresh per attempt so the Since cutoff slides forward with the clock.
type SearchSpec struct {
	Since      time.Time
	Skew       time.Duration
	Sender     string
	Subject    string
	UnseenOnly bool
}

// cutoff is the oldest internal timestamp still eligible.
func (s SearchSpec) cutoff() time.Time {
	return s.Since.Add(-s.Skew)
}

// FilterConfig holds the static filter settings a SearchSpec is derived from.
type FilterConfig struct {
	Sender     string
	Subject    string
	Lookback   time.Duration
	Skew       time.Duration
	UnseenOnly bool
}

// SpecAt derives the SearchSpec for an attempt starting at now.
func (f FilterConfig) SpecAt(now time.Time) SearchSpec {
	return SearchSpec{
		Since:      now.Add(-f.Lookback),
		Skew:       f.Skew,
		Sender:     f.Sender,
		Subject:    f.Subject,
		UnseenOnly: f.UnseenOnly,
	}
}

// candidate is one fetched message under consideration. Candidates are
// ephemeral: fetched per scan and discarded, never cached across polls.
type candidate struct {
	uid     imap.UID
	date    time.Time
	from    string
	subject string
	seen    bool
	raw     []byte
}

// session is one authenticated mailbox connection. Implemented over
// go-imap/v2 by imapSession; faked in tests.
type session interface {
	// Select opens a mailbox read-only and returns its message count.
	Select(mailbox string) (uint32, error)
	// SearchUIDs runs a UID SEARCH and returns matching UIDs in mailbox order.
	SearchUIDs(criteria *imap.SearchCriteria) ([]imap.UID, error)
	// Fetch retrieves envelope, flags, internal date and full source.
	Fetch(uids []imap.UID) ([]candidate, error)
	// FetchRecent retrieves the newest n messages by sequence number.
	FetchRecent(n uint32) ([]candidate, error)
	Logout() error
}

// Finder locates a verification code by scanning an ordered list of
// mailboxes. It holds no state between calls.
type Finder struct {
	mailboxes []string
	extractor *Extractor
	dial      func(ctx context.Context) (session, error)
	log       *slog.Logger
}

// NewFinder creates a Finder that connects with conn and scans mailboxes in
// the given order.
func NewFinder(conn ConnConfig, mailboxes []string, extractor *Extractor, log *slog.Logger) *Finder {
	if len(mailboxes) == 0 {
		mailboxes = []string{"INBOX"}
	}
	return &Finder{
		mailboxes: mailboxes,
		extractor: extractor,
		dial: func(ctx context.Context) (session, error) {
			return dialIMAP(ctx, conn)
		},
		log: log,
	}
}

// FindCode scans every configured mailbox in order and returns the first
// code found, or "" if all mailboxes are exhausted. The connection is opened
// and logged out within a single call. Mailbox-level failures are tolerated;
// only connection-level failures surface as errors.
func (f *Finder) FindCode(ctx context.Context, spec SearchSpec) (string, error) {
	sess, err := f.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := sess.Logout(); err != nil {
			f.log.Debug("imap logout failed", "error", err)
		}
	}()

	for _, mailbox := range f.mailboxes {
		code, err := f.scanMailbox(sess, mailbox, spec)
		if err != nil {
			f.log.Warn("mailbox scan failed", "mailbox", mailbox, "error", err)
			continue
		}
		if code != "" {
			return code, nil
		}
	}
	return "", nil
}

// scanMailbox scans one mailbox for a code. Search predicates are relaxed
// narrow to broad until a non-empty result set appears; if SEARCH yields
// nothing at all, the newest messages are scanned regardless of predicates.
func (f *Finder) scanMailbox(sess session, mailbox string, spec SearchSpec) (string, error) {
	total, err := sess.Select(mailbox)
	if err != nil {
		// Folder may not exist on this account; treat as empty.
		f.log.Debug("mailbox select failed, skipping", "mailbox", mailbox, "error", err)
		return "", nil
	}
	if total == 0 {
		return "", nil
	}

	var uids []imap.UID
	for _, criteria := range searchLadder(spec) {
		found, err := sess.SearchUIDs(criteria)
		if err != nil {
			f.log.Debug("search failed, relaxing", "mailbox", mailbox, "error", err)
			continue
		}
		if len(found) > 0 {
			uids = found
			break
		}
	}

	var candidates []candidate
	if len(uids) > 0 {
		if len(uids) > maxScanMessages {
			uids = uids[len(uids)-maxScanMessages:]
		}
		candidates, err = sess.Fetch(uids)
	} else {
		n := uint32(maxScanMessages)
		if total < n {
			n = total
		}
		candidates, err = sess.FetchRecent(n)
	}
	if err != nil {
		return "", err
	}

	// Newest first.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].date.After(candidates[j].date)
	})

	for _, c := range candidates {
		if !eligible(c, spec) {
			continue
		}
		text, html := splitBody(c.raw)
		result, ok := f.extractor.Extract(c.subject, text, html, c.raw)
		if !ok {
			continue
		}
		f.log.Info("verification code found",
			"mailbox", mailbox,
			"uid", uint32(c.uid),
			"from", c.from,
			"source", string(result.Source),
			"code", MaskCode(result.Code),
		)
		return result.Code, nil
	}
	return "", nil
}

// eligible reports whether a candidate passes the recency and seen filters.
func eligible(c candidate, spec SearchSpec) bool {
	if c.date.Before(spec.cutoff()) {
		return false
	}
	if spec.UnseenOnly && c.seen {
		return false
	}
	return true
}

// searchLadder builds the narrow-to-broad list of search criteria for a
// spec: since+subject+sender+unseen, then dropping unseen-only, then sender,
// down to since alone. Rungs that would repeat the previous one are omitted.
func searchLadder(spec SearchSpec) []*imap.SearchCriteria {
	build := func(subject, sender string, unseen bool) *imap.SearchCriteria {
		c := &imap.SearchCriteria{Since: spec.Since}
		if subject != "" {
			c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: subject})
		}
		if sender != "" {
			c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: sender})
		}
		if unseen {
			c.NotFlag = append(c.NotFlag, imap.FlagSeen)
		}
		return c
	}

	ladder := []*imap.SearchCriteria{build(spec.Subject, spec.Sender, spec.UnseenOnly)}
	if spec.UnseenOnly {
		ladder = append(ladder, build(spec.Subject, spec.Sender, false))
	}
	if spec.Sender != "" {
		ladder = append(ladder, build(spec.Subject, "", false))
	}
	if spec.Subject != "" {
		ladder = append(ladder, build("", "", false))
	}
	return ladder
}
