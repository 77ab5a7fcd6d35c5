// Package extract finds short one-time codes in message bodies.
//
// An Extractor holds an ordered list of matchers, most specific first. The
// first matcher that yields a code wins and later matchers are not
// consulted, so a labeled code always outranks a bare token that merely
// looks like one.
package extract

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultLabel      = "Steam Guard code"
	DefaultCodeLength = 5
)

// Matcher inspects text and reports the code it found, if any.
type Matcher func(text string) (code string, ok bool)

// Options configures the default matcher chain.
type Options struct {
	// Label is the phrase that precedes a code in the labeled matcher.
	Label string
	// CodeLength is the exact number of alphanumeric characters in a code.
	CodeLength int
}

// Extractor evaluates matchers in order and returns the first match.
type Extractor struct {
	matchers []Matcher
}

// New builds the default chain: labeled, then code after a line break,
// then code after any whitespace. Every matcher requires a word boundary
// after the code, so a longer token never yields its prefix.
func New(opts Options) (*Extractor, error) {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = DefaultLabel
	}
	length := opts.CodeLength
	if length == 0 {
		length = DefaultCodeLength
	}
	if length < 0 {
		return nil, fmt.Errorf("code length must be positive")
	}

	labeled, err := LabeledMatcher(label, length)
	if err != nil {
		return nil, err
	}
	afterBreak, err := regexp.Compile(fmt.Sprintf(`\n([A-Z0-9]{%d})\b`, length))
	if err != nil {
		return nil, fmt.Errorf("compile line-break matcher: %w", err)
	}
	afterSpace, err := regexp.Compile(fmt.Sprintf(`\s([A-Z0-9]{%d})\b`, length))
	if err != nil {
		return nil, fmt.Errorf("compile whitespace matcher: %w", err)
	}

	return NewWithMatchers(labeled, RegexpMatcher(afterBreak), RegexpMatcher(afterSpace)), nil
}

// NewWithMatchers returns an Extractor that evaluates matchers in the given order.
func NewWithMatchers(matchers ...Matcher) *Extractor {
	kept := make([]Matcher, 0, len(matchers))
	for _, m := range matchers {
		if m != nil {
			kept = append(kept, m)
		}
	}
	return &Extractor{matchers: kept}
}

// Default returns the extractor for Steam Guard codes.
func Default() *Extractor {
	e, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return e
}

// Extract scans plain text for a code.
func (e *Extractor) Extract(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	for _, match := range e.matchers {
		if code, ok := match(text); ok {
			return code, true
		}
	}
	return "", false
}

// ExtractHTML reduces an HTML document to text and scans it for a code.
func (e *Extractor) ExtractHTML(src string) (string, bool) {
	if strings.TrimSpace(src) == "" {
		return "", false
	}
	return e.Extract(HTMLToText(src))
}

// ExtractBody prefers the plain-text part and falls back to the HTML part.
func (e *Extractor) ExtractBody(text, html string) (string, bool) {
	if strings.TrimSpace(text) != "" {
		return e.Extract(text)
	}
	return e.ExtractHTML(html)
}

// LabeledMatcher matches label, an optional "is", an optional colon, then a
// code of exactly length alphanumeric characters. Matching is case-insensitive.
func LabeledMatcher(label string, length int) (Matcher, error) {
	words := strings.Fields(label)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	pattern := fmt.Sprintf(`(?i)\b%s(?:\s+is)?\s*:?\s*([a-z0-9]{%d})\b`, strings.Join(words, `\s+`), length)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile labeled matcher: %w", err)
	}
	return RegexpMatcher(re), nil
}

// RegexpMatcher adapts a regexp with one capture group into a Matcher.
func RegexpMatcher(re *regexp.Regexp) Matcher {
	return func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 || m[1] == "" {
			return "", false
		}
		return m[1], true
	}
}
