package twofactor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession implements session from in-memory mailboxes.
type fakeSession struct {
	mailboxes map[string][]candidate // nil entry means Select fails
	selected  string

	selectCalls []string
	searchCalls int

	// searchEmptyUntil makes the first n SearchUIDs calls per mailbox return
	// nothing, exercising the relaxation ladder and recent-N fallback.
	searchEmptyUntil int
	loggedOut        bool
}

func (f *fakeSession) Select(mailbox string) (uint32, error) {
	f.selectCalls = append(f.selectCalls, mailbox)
	msgs, ok := f.mailboxes[mailbox]
	if !ok {
		return 0, assert.AnError
	}
	f.selected = mailbox
	return uint32(len(msgs)), nil
}

func (f *fakeSession) SearchUIDs(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	f.searchCalls++
	if f.searchCalls <= f.searchEmptyUntil {
		return nil, nil
	}
	var uids []imap.UID
	for _, c := range f.mailboxes[f.selected] {
		uids = append(uids, c.uid)
	}
	return uids, nil
}

func (f *fakeSession) Fetch(uids []imap.UID) ([]candidate, error) {
	var out []candidate
	for _, c := range f.mailboxes[f.selected] {
		for _, uid := range uids {
			if c.uid == uid {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (f *fakeSession) FetchRecent(n uint32) ([]candidate, error) {
	msgs := f.mailboxes[f.selected]
	if uint32(len(msgs)) > n {
		msgs = msgs[uint32(len(msgs))-n:]
	}
	return msgs, nil
}

func (f *fakeSession) Logout() error {
	f.loggedOut = true
	return nil
}

func newTestFinder(sess *fakeSession, mailboxes []string) *Finder {
	extractor, _ := NewExtractor("", 6)
	return &Finder{
		mailboxes: mailboxes,
		extractor: extractor,
		dial: func(context.Context) (session, error) {
			return sess, nil
		},
		log: testLogger(),
	}
}

func plainMessage(uid uint32, age time.Duration, body string) candidate {
	return candidate{
		uid:     imap.UID(uid),
		date:    time.Now().Add(-age),
		from:    "no-reply@portal.example.com",
		subject: "Your verification code",
		raw:     []byte("From: no-reply@portal.example.com\r\n\r\n" + body + "\r\n"),
	}
}

func TestSearchLadderNarrowToBroad(t *testing.T) {
	since := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	spec := SearchSpec{
		Since:      since,
		Sender:     "no-reply@portal.example.com",
		Subject:    "verification",
		UnseenOnly: true,
	}

	ladder := searchLadder(spec)
	require.Len(t, ladder, 4)

	// Narrowest rung carries every predicate.
	assert.Equal(t, since, ladder[0].Since)
	assert.Len(t, ladder[0].Header, 2)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, ladder[0].NotFlag)

	// Then unseen-only is dropped, then sender, then subject.
	assert.Empty(t, ladder[1].NotFlag)
	assert.Len(t, ladder[1].Header, 2)
	assert.Len(t, ladder[2].Header, 1)
	assert.Equal(t, "Subject", ladder[2].Header[0].Key)
	assert.Empty(t, ladder[3].Header)
	assert.Equal(t, since, ladder[3].Since)
}

func TestSearchLadderSkipsRedundantRungs(t *testing.T) {
	ladder := searchLadder(SearchSpec{Since: time.Now()})
	assert.Len(t, ladder, 1, "no predicates means a single since-only rung")

	ladder = searchLadder(SearchSpec{Since: time.Now(), Subject: "code"})
	assert.Len(t, ladder, 2)
}

func TestEligibleTimestampCutoff(t *testing.T) {
	now := time.Now()
	// Lookback window 60 minutes, no tolerated skew.
	spec := SearchSpec{Since: now.Add(-60 * time.Minute)}

	tooOld := candidate{date: now.Add(-61 * time.Minute)}
	fresh := candidate{date: now.Add(-59 * time.Minute)}
	assert.False(t, eligible(tooOld, spec))
	assert.True(t, eligible(fresh, spec))

	// Skew widens the cutoff.
	spec.Skew = 2 * time.Minute
	assert.True(t, eligible(tooOld, spec))
}

func TestEligibleSeenFlag(t *testing.T) {
	spec := SearchSpec{Since: time.Now().Add(-time.Hour), UnseenOnly: true}
	seen := candidate{date: time.Now(), seen: true}
	unseen := candidate{date: time.Now(), seen: false}
	assert.False(t, eligible(seen, spec))
	assert.True(t, eligible(unseen, spec))

	spec.UnseenOnly = false
	assert.True(t, eligible(seen, spec))
}

func TestFindCodeAcrossMailboxes(t *testing.T) {
	sess := &fakeSession{mailboxes: map[string][]candidate{
		"INBOX": {
			plainMessage(1, 5*time.Minute, "Welcome to the portal, no code here."),
			plainMessage(2, 4*time.Minute, "Your invoice total is 12."),
		},
		"All Mail": {
			plainMessage(10, 9*time.Minute, "newsletter"),
			plainMessage(11, 8*time.Minute, "still nothing"),
			plainMessage(12, 7*time.Minute, "Your verification code is 445extra"),
			plainMessage(13, 10*time.Minute, "Your verification code is 998877"),
		},
	}}
	finder := newTestFinder(sess, []string{"INBOX", "All Mail"})

	spec := SearchSpec{Since: time.Now().Add(-30 * time.Minute)}
	code, err := finder.FindCode(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "998877", code)
	assert.Equal(t, []string{"INBOX", "All Mail"}, sess.selectCalls, "INBOX scanned once, not revisited")
	assert.True(t, sess.loggedOut)
}

func TestFindCodeToleratesMissingMailbox(t *testing.T) {
	sess := &fakeSession{mailboxes: map[string][]candidate{
		// "Spam" absent: Select fails for it.
		"INBOX": {plainMessage(1, time.Minute, "code 123456")},
	}}
	finder := newTestFinder(sess, []string{"Spam", "INBOX"})

	code, err := finder.FindCode(context.Background(), SearchSpec{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "123456", code)
}

func TestScanRelaxesSearch(t *testing.T) {
	sess := &fakeSession{
		mailboxes: map[string][]candidate{
			"INBOX": {plainMessage(1, time.Minute, "Your verification code is 246810")},
		},
		searchEmptyUntil: 2, // first two rungs empty, third succeeds
	}
	finder := newTestFinder(sess, []string{"INBOX"})

	spec := SearchSpec{
		Since:      time.Now().Add(-time.Hour),
		Sender:     "no-reply@portal.example.com",
		Subject:    "verification",
		UnseenOnly: true,
	}
	code, err := finder.FindCode(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "246810", code)
	assert.Equal(t, 3, sess.searchCalls)
}

func TestScanFallsBackToRecentMessages(t *testing.T) {
	sess := &fakeSession{
		mailboxes: map[string][]candidate{
			"INBOX": {plainMessage(1, time.Minute, "Your verification code is 135791")},
		},
		searchEmptyUntil: 100, // SEARCH never returns anything
	}
	finder := newTestFinder(sess, []string{"INBOX"})

	code, err := finder.FindCode(context.Background(), SearchSpec{Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "135791", code)
}

func TestScanSkipsStaleAndSeenCandidates(t *testing.T) {
	stale := plainMessage(1, 2*time.Hour, "Your verification code is 111111")
	seen := plainMessage(2, time.Minute, "Your verification code is 222222")
	seen.seen = true
	fresh := plainMessage(3, 2*time.Minute, "Your verification code is 333333")

	sess := &fakeSession{mailboxes: map[string][]candidate{
		"INBOX": {stale, seen, fresh},
	}}
	finder := newTestFinder(sess, []string{"INBOX"})

	spec := SearchSpec{Since: time.Now().Add(-time.Hour), UnseenOnly: true}
	code, err := finder.FindCode(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "333333", code)
}

func TestSplitBodyMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"From: no-reply@portal.example.com",
		"To: ops@example.com",
		"Subject: Your verification code",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary=BOUNDARY`,
		"",
		"--BOUNDARY",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Plain code 123456.",
		"--BOUNDARY",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>HTML code <b>654321</b></p>",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	text, html := splitBody([]byte(raw))
	assert.Contains(t, text, "123456")
	assert.Contains(t, html, "654321")
}

func TestSplitBodyNonMIMEFallsBackToPlain(t *testing.T) {
	text, html := splitBody([]byte("just some bytes with 123456"))
	assert.Contains(t, text, "123456")
	assert.Empty(t, html)
}
