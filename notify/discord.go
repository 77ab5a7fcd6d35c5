package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dhcgn/mail-relay/model"
)

const (
	colorDefault = 0x1B2838
	colorCode    = 0x4CAF50

	discordUsername = "Steam Guard"
	discordAvatar   = "https://store.steampowered.com/favicon.ico"
	footerText      = "Discord Mail Server"

	maxRetryAfter = 30 * time.Second
)

type DiscordOptions struct {
	WebhookURL string
	// Attempts is the total number of tries for retryable failures.
	Attempts int
	// Backoff is the first retry delay; it doubles on every further retry.
	// A Retry-After header overrides it, capped at 30s.
	Backoff time.Duration
	Client  *http.Client
}

// Discord posts an embed to a Discord webhook.
type Discord struct {
	url      string
	attempts int
	backoff  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

type discordPayload struct {
	Username  string         `json:"username,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Timestamp string         `json:"timestamp,omitempty"`
	Footer    *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type statusError struct {
	status     int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

func NewDiscord(opts DiscordOptions, logger *slog.Logger) (*Discord, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("discord webhook url is empty")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Discord{
		url:      opts.WebhookURL,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		client:   opts.Client,
		logger:   logger,
	}, nil
}

func (d *Discord) Notify(ctx context.Context, summary model.Summary) error {
	body, err := json.Marshal(buildPayload(summary))
	if err != nil {
		return fmt.Errorf("encode discord payload: %w", err)
	}

	var retryAfter time.Duration
	limited := retry.WithMaxRetries(uint64(d.attempts-1), retry.NewExponential(d.backoff))
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := limited.Next()
		if stop {
			return 0, true
		}
		if retryAfter > 0 {
			next = min(retryAfter, maxRetryAfter)
		}
		return next, false
	})

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := d.post(ctx, body)
		var serr *statusError
		if !errors.As(err, &serr) || !serr.retryable() {
			return err
		}
		retryAfter = serr.retryAfter
		d.logger.Debug("discord webhook attempt failed", "attempt", attempt, "status", serr.status, "retryAfter", serr.retryAfter)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func (d *Discord) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{status: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
}

func buildPayload(summary model.Summary) discordPayload {
	embed := discordEmbed{
		Title: "📧 New Email Received",
		Color: colorDefault,
		Fields: []discordField{
			{Name: "📤 From", Value: displayOr(summary.From, "Unknown"), Inline: true},
			{Name: "📋 Subject", Value: displayOr(summary.Subject, "No Subject"), Inline: true},
		},
		Footer: &discordFooter{Text: footerText, IconURL: discordAvatar},
	}
	if !summary.ReceivedAt.IsZero() {
		embed.Timestamp = summary.ReceivedAt.UTC().Format(time.RFC3339)
	}

	if summary.Code != "" {
		embed.Fields = append(embed.Fields, discordField{
			Name:  "🔑 Steam Guard Code",
			Value: "```" + summary.Code + "```",
		})
		embed.Color = colorCode
	}

	if summary.ViewURL != "" {
		embed.Fields = append(embed.Fields, discordField{
			Name:  "🔗 Actions",
			Value: "[View Full Email](" + summary.ViewURL + ")",
		})
	}

	return discordPayload{
		Username:  discordUsername,
		AvatarURL: discordAvatar,
		Embeds:    []discordEmbed{embed},
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
