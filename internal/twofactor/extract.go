package twofactor

import (
	"fmt"
	"regexp"
	"strings"
)

// ExtractionSource identifies which haystack a code was found in.
type ExtractionSource string

const (
	SourceText    ExtractionSource = "text"
	SourceHTML    ExtractionSource = "html"
	SourceSubject ExtractionSource = "subject"
	SourceRaw     ExtractionSource = "raw"
)

// ExtractionResult carries the extracted code and its origin, for diagnostics.
type ExtractionResult struct {
	Code   string
	Source ExtractionSource
}

// Extractor pulls a numeric verification code out of message content.
// It is a pure value: calling Extract never mutates it.
type Extractor struct {
	length  int
	pattern *regexp.Regexp // operator-supplied, or the strict default
	generic *regexp.Regexp // separator-tolerant fallback
}

// NewExtractor builds an Extractor for codes of exactly length digits.
// pattern is an optional operator-supplied regular expression; when empty,
// the default matches a digit run of exactly length not adjacent to other
// digits. A pattern with a capture group has the group treated as the code.
func NewExtractor(pattern string, length int) (*Extractor, error) {
	if length < 4 || length > 8 {
		return nil, fmt.Errorf("code length must be between 4 and 8, got %d", length)
	}

	strict := fmt.Sprintf(`(?:^|\D)(\d{%d})(?:\D|$)`, length)
	if pattern == "" {
		pattern = strict
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile code pattern: %w", err)
	}

	// A run of exactly length digits, optionally interleaved with single
	// spaces or hyphens, not adjacent to other digits.
	generic := regexp.MustCompile(fmt.Sprintf(`(?:^|\D)(\d(?:[ \-]?\d){%d})(?:\D|$)`, length-1))

	return &Extractor{length: length, pattern: re, generic: generic}, nil
}

// Extract searches the message haystacks for a verification code. Preference
// order is plaintext, then HTML with tags stripped, then subject, each tried
// first with the configured pattern and then with the generic
// separator-tolerant one. If nothing matched and raw source is available,
// quoted-printable soft line breaks are undone and the generic pattern is
// retried against the raw text.
func (e *Extractor) Extract(subject, text, html string, raw []byte) (ExtractionResult, bool) {
	haystacks := []struct {
		source ExtractionSource
		value  string
	}{
		{SourceText, normalizeText(text)},
		{SourceHTML, normalizeText(stripHTML(html))},
		{SourceSubject, normalizeText(subject)},
	}

	for _, re := range []*regexp.Regexp{e.pattern, e.generic} {
		for _, h := range haystacks {
			if h.value == "" {
				continue
			}
			if code, ok := e.match(re, h.value); ok {
				return ExtractionResult{Code: code, Source: h.source}, true
			}
		}
	}

	if len(raw) > 0 {
		unfolded := normalizeText(unfoldSoftBreaks(string(raw)))
		if code, ok := e.match(e.generic, unfolded); ok {
			return ExtractionResult{Code: code, Source: SourceRaw}, true
		}
	}

	return ExtractionResult{}, false
}

// match applies re to haystack and validates the candidate: after stripping
// spaces and hyphens it must be exactly the expected number of digits.
func (e *Extractor) match(re *regexp.Regexp, haystack string) (string, bool) {
	for _, m := range re.FindAllStringSubmatch(haystack, -1) {
		candidate := m[0]
		if len(m) > 1 && m[1] != "" {
			candidate = m[1]
		}
		if code, ok := e.normalize(candidate); ok {
			return code, true
		}
	}
	return "", false
}

func (e *Extractor) normalize(candidate string) (string, bool) {
	var b strings.Builder
	for _, r := range candidate {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			// separator, dropped
		default:
			return "", false
		}
	}
	code := b.String()
	if len(code) != e.length {
		return "", false
	}
	return code, true
}

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	entities     = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">")
	zeroWidth    = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "")
)

// stripHTML removes tags and decodes the four basic entities. Tags are
// replaced with nothing so a code wrapped across adjacent spans stays one run.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	return entities.Replace(tagRe.ReplaceAllString(s, ""))
}

// normalizeText strips zero-width characters and collapses internal
// whitespace to single spaces.
func normalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = zeroWidth.Replace(s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// unfoldSoftBreaks undoes quoted-printable soft line breaks (=<CRLF>), which
// transport encoding uses to wrap long lines mid-code.
func unfoldSoftBreaks(s string) string {
	s = strings.ReplaceAll(s, "=\r\n", "")
	return strings.ReplaceAll(s, "=\n", "")
}

// MaskCode obscures all but the last two digits of a code for log output.
func MaskCode(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}
