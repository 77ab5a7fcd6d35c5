// Package relay wires classification, code extraction, storage and
// notification into a single per-message pipeline.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dhcgn/mail-relay/extract"
	"github.com/dhcgn/mail-relay/filter"
	"github.com/dhcgn/mail-relay/model"
	"github.com/dhcgn/mail-relay/notify"
	"github.com/dhcgn/mail-relay/stats"
)

// Store is the storage operation the pipeline needs.
type Store interface {
	Store(ctx context.Context, content model.Content, metadata model.Metadata) (string, string, error)
}

// EventSink receives pipeline observations.
type EventSink interface {
	EmitEvent(stats.Event)
}

type Options struct {
	// BaseURL prefixes view links handed to the notifier. Empty disables links.
	BaseURL string
}

// Result describes what happened to one message. It never carries the
// capability token.
type Result struct {
	Accepted bool
	Reason   error
	ID       string
	Code     string
}

type Pipeline struct {
	filter    *filter.Filter
	extractor *extract.Extractor
	store     Store
	notifier  notify.Notifier
	baseURL   string
	logger    *slog.Logger
	events    EventSink
	now       func() time.Time
}

// New returns a Pipeline. notifier may be nil.
func New(f *filter.Filter, x *extract.Extractor, s Store, n notify.Notifier, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if f == nil {
		return nil, fmt.Errorf("filter must not be nil")
	}
	if x == nil {
		return nil, fmt.Errorf("extractor must not be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		filter:    f,
		extractor: x,
		store:     s,
		notifier:  n,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// WithEvents attaches an event sink.
func (p *Pipeline) WithEvents(sink EventSink) *Pipeline {
	p.events = sink
	return p
}

// WithClock replaces the clock used for ReceivedAt.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Classify runs the filter and the extractor without storing or notifying.
func (p *Pipeline) Classify(msg model.Message) Result {
	if err := p.filter.Check(msg); err != nil {
		return Result{Reason: err}
	}
	code, _ := p.extractor.ExtractBody(msg.Text, msg.HTML)
	return Result{Accepted: true, Code: code}
}

// Process relays one message. A rejected message is not an error: the
// result carries the reason. Storage failures, ErrInsufficientSpace
// included, are returned so the caller can signal them upstream.
// Notification failures are logged and never returned.
func (p *Pipeline) Process(ctx context.Context, msg model.Message) (Result, error) {
	result := p.Classify(msg)
	if !result.Accepted {
		reason := filter.Reason(result.Reason)
		p.logger.Info("message filtered", "from", msg.From, "subject", msg.Subject, "reason", result.Reason)
		p.emit(stats.Event{Stage: stats.StageRelay, Type: stats.EventTypeRejected, MessageID: msg.Hash, Detail: reasonDetail(reason)})
		return result, nil
	}

	id, token, err := p.store.Store(ctx, model.ContentOf(msg), model.MetadataOf(msg))
	if err != nil {
		err = fmt.Errorf("store message: %w", err)
		p.emit(stats.Event{Stage: stats.StageRelay, Type: stats.EventTypeError, MessageID: msg.Hash, Err: err})
		return result, err
	}
	result.ID = id

	p.emit(stats.Event{Stage: stats.StageRelay, Type: stats.EventTypeStored, MessageID: id})
	if result.Code != "" {
		p.emit(stats.Event{Stage: stats.StageRelay, Type: stats.EventTypeCodeFound, MessageID: id})
	}
	p.logger.Info("message stored", "id", id, "from", msg.From, "subject", msg.Subject, "codeFound", result.Code != "")

	if p.notifier == nil {
		return result, nil
	}

	summary := model.Summary{
		From:       displayFrom(msg),
		Subject:    msg.Subject,
		Code:       result.Code,
		ReceivedAt: p.now(),
	}
	if p.baseURL != "" {
		summary.ViewURL = ViewURL(p.baseURL, id, token)
	}

	if err := p.notifier.Notify(ctx, summary); err != nil {
		p.logger.Warn("notification failed", "id", id, "err", err)
		p.emit(stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeNotifyFailed, MessageID: id, Err: err})
	}

	return result, nil
}

// ViewURL builds the retrieval link for a stored record.
func ViewURL(baseURL, id, token string) string {
	return strings.TrimRight(baseURL, "/") + "/view-email/" + url.PathEscape(id) + "?token=" + url.QueryEscape(token)
}

func (p *Pipeline) emit(evt stats.Event) {
	if p.events != nil {
		p.events.EmitEvent(evt)
	}
}

func displayFrom(msg model.Message) string {
	if msg.FromText != "" {
		return msg.FromText
	}
	return msg.From
}

func reasonDetail(reason error) string {
	if reason == nil {
		return "unknown"
	}
	return reason.Error()
}
