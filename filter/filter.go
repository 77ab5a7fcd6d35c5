package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/mail-relay/model"

	relayerrors "github.com/dhcgn/mail-relay/errors"
)

// Options captures the filtering configuration.
type Options struct {
	AllowedDomains  []string
	BlockedKeywords []string
	MaxSize         int64
}

// Filter holds the normalized accept/reject policy.
type Filter struct {
	allowedDomains  map[string]struct{}
	blockedKeywords []string
	maxSize         int64
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive")
	}

	allowed := make(map[string]struct{}, len(opts.AllowedDomains))
	for _, domain := range opts.AllowedDomains {
		domain = normalizeDomain(domain)
		if domain == "" {
			continue
		}
		allowed[domain] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("at least one allowed domain is required")
	}

	keywords := make([]string, 0, len(opts.BlockedKeywords))
	for _, keyword := range opts.BlockedKeywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		keywords = append(keywords, keyword)
	}

	return &Filter{
		allowedDomains:  allowed,
		blockedKeywords: keywords,
		maxSize:         opts.MaxSize,
	}, nil
}

// Accept reports whether the message passes every filter condition.
func (f *Filter) Accept(msg model.Message) bool {
	return f.Check(msg) == nil
}

// Check returns nil for an accepted message, otherwise the first failing
// reason wrapped with ErrValidation. Conditions are evaluated as sender
// domain, subject keywords, then size.
func (f *Filter) Check(msg model.Message) error {
	domain := senderDomain(msg.From)
	if domain == "" {
		return reject(relayerrors.ErrNoSender, "")
	}
	if _, ok := f.allowedDomains[domain]; !ok {
		return reject(relayerrors.ErrDomainNotAllowed, domain)
	}

	subject := strings.ToLower(msg.Subject)
	for _, keyword := range f.blockedKeywords {
		if strings.Contains(subject, keyword) {
			return reject(relayerrors.ErrBlockedKeyword, keyword)
		}
	}

	if msg.Size > f.maxSize {
		return reject(relayerrors.ErrMessageTooLarge, fmt.Sprintf("%d > %d bytes", msg.Size, f.maxSize))
	}

	return nil
}

// AllowsSender reports whether an envelope sender may start a transaction.
// Addresses without a domain are let through here and rejected by Check
// once the message headers are known.
func (f *Filter) AllowsSender(address string) bool {
	domain := senderDomain(address)
	if domain == "" {
		return true
	}
	_, ok := f.allowedDomains[domain]
	return ok
}

// MaxSize returns the configured size ceiling in bytes.
func (f *Filter) MaxSize() int64 {
	return f.maxSize
}

// Reason returns the specific rejection reason carried by err, or nil.
func Reason(err error) error {
	for _, reason := range []error{
		relayerrors.ErrNoSender,
		relayerrors.ErrDomainNotAllowed,
		relayerrors.ErrBlockedKeyword,
		relayerrors.ErrMessageTooLarge,
	} {
		if errors.Is(err, reason) {
			return reason
		}
	}
	return nil
}

func reject(reason error, detail string) error {
	if detail == "" {
		return fmt.Errorf("%w: %w", relayerrors.ErrValidation, reason)
	}
	return fmt.Errorf("%w: %w (%s)", relayerrors.ErrValidation, reason, detail)
}

func senderDomain(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return ""
	}
	return normalizeDomain(address[idx+1:])
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
