package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/dhcgn/mail-relay/model"

	relayerrors "github.com/dhcgn/mail-relay/errors"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := New(Options{
		AllowedDomains:  []string{"steampowered.com", "Gmail.com"},
		BlockedKeywords: []string{"spam", "Unwanted"},
		MaxSize:         10 * 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func TestFilter_Check(t *testing.T) {
	f := newTestFilter(t)

	tests := []struct {
		name   string
		msg    model.Message
		reason error
	}{
		{
			name: "allowed domain",
			msg:  model.Message{From: "noreply@steampowered.com", Subject: "Steam Guard Code", Size: 1024},
		},
		{
			name: "domain compared case-insensitively",
			msg:  model.Message{From: "someone@GMAIL.com", Subject: "hello", Size: 1024},
		},
		{
			name: "missing subject never blocks",
			msg:  model.Message{From: "noreply@steampowered.com", Size: 1024},
		},
		{
			name:   "unauthorized domain",
			msg:    model.Message{From: "spam@malicious.com", Subject: "Steam Guard Code", Size: 1024},
			reason: relayerrors.ErrDomainNotAllowed,
		},
		{
			name:   "subdomain is not a member",
			msg:    model.Message{From: "noreply@store.steampowered.com", Subject: "Steam Guard Code", Size: 1024},
			reason: relayerrors.ErrDomainNotAllowed,
		},
		{
			name:   "no sender",
			msg:    model.Message{Subject: "Steam Guard Code", Size: 1024},
			reason: relayerrors.ErrNoSender,
		},
		{
			name:   "sender without domain",
			msg:    model.Message{From: "postmaster", Subject: "Steam Guard Code", Size: 1024},
			reason: relayerrors.ErrNoSender,
		},
		{
			name:   "blocked keyword",
			msg:    model.Message{From: "noreply@steampowered.com", Subject: "spam Steam Guard Code", Size: 1024},
			reason: relayerrors.ErrBlockedKeyword,
		},
		{
			name:   "blocked keyword as substring in upper case",
			msg:    model.Message{From: "noreply@steampowered.com", Subject: "Totally UNWANTEDness", Size: 1024},
			reason: relayerrors.ErrBlockedKeyword,
		},
		{
			name: "size at ceiling",
			msg:  model.Message{From: "noreply@steampowered.com", Subject: "Steam Guard Code", Size: 10 * 1024 * 1024},
		},
		{
			name:   "oversized",
			msg:    model.Message{From: "noreply@steampowered.com", Subject: "Steam Guard Code", Size: 11 * 1024 * 1024},
			reason: relayerrors.ErrMessageTooLarge,
		},
		{
			name:   "domain reported before keyword and size",
			msg:    model.Message{From: "x@malicious.com", Subject: "spam", Size: 11 * 1024 * 1024},
			reason: relayerrors.ErrDomainNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Check(tt.msg)
			if tt.reason == nil {
				if err != nil {
					t.Fatalf("Check() error = %v, want nil", err)
				}
				if !f.Accept(tt.msg) {
					t.Fatal("Accept() = false, want true")
				}
				return
			}
			if !errors.Is(err, relayerrors.ErrValidation) {
				t.Fatalf("Check() error = %v, want ErrValidation", err)
			}
			if got := Reason(err); got != tt.reason {
				t.Errorf("Reason() = %v, want %v", got, tt.reason)
			}
			if f.Accept(tt.msg) {
				t.Error("Accept() = true, want false")
			}
		})
	}
}

func TestFilter_AllowsSender(t *testing.T) {
	f := newTestFilter(t)

	if !f.AllowsSender("<noreply@steampowered.com>") {
		t.Error("Expected steampowered.com sender to be allowed")
	}
	if f.AllowsSender("bounce@malicious.com") {
		t.Error("Expected malicious.com sender to be rejected")
	}
	if !f.AllowsSender("") {
		t.Error("Expected null reverse-path to be deferred to Check")
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	if _, err := New(Options{AllowedDomains: []string{"example.com"}}); err == nil {
		t.Error("Expected error for zero max size")
	}
	if _, err := New(Options{AllowedDomains: []string{" ", ""}, MaxSize: 1}); err == nil {
		t.Error("Expected error for empty allowed domains")
	}
}

func TestFilter_KeywordsIgnoreBlankEntries(t *testing.T) {
	f, err := New(Options{
		AllowedDomains:  []string{"example.com"},
		BlockedKeywords: []string{"", "  "},
		MaxSize:         100,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	msg := model.Message{From: "a@example.com", Subject: strings.Repeat("x", 10), Size: 1}
	if !f.Accept(msg) {
		t.Error("Expected blank keywords to never block")
	}
}
