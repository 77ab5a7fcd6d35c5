package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageIngest Stage = "ingest"
	StageRelay  Stage = "relay"
	StageNotify Stage = "notify"
)

type EventType string

const (
	EventTypeScanned        EventType = "scanned"
	EventTypeEnqueued       EventType = "enqueued"
	EventTypeStored         EventType = "stored"
	EventTypeRejected       EventType = "rejected"
	EventTypeDryRunAccepted EventType = "dry_run_accepted"
	EventTypeCodeFound      EventType = "code_found"
	EventTypeDuplicate      EventType = "duplicate"
	EventTypeNotifyFailed   EventType = "notify_failed"
	EventTypeError          EventType = "error"
)

// Event is a single pipeline observation. MessageID is the content hash for
// replayed messages and the record id once stored; it never carries a token.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Scanned        int
	Enqueued       int
	Stored         int
	Rejected       int
	DryRunAccepted int
	CodesFound     int
	Duplicates     int
	NotifyFailures int
	Errors         int
	Rejections     map[string]int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"enqueued", s.Enqueued,
		"stored", s.Stored,
		"rejected", s.Rejected,
		"dryRunAccepted", s.DryRunAccepted,
		"codesFound", s.CodesFound,
		"duplicates", s.Duplicates,
		"notifyFailures", s.NotifyFailures,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

// EmitEvent records evt synchronously. It lets a Collector serve as the
// event sink of a long-running server that has no event channel.
func (c *Collector) EmitEvent(evt Event) {
	c.apply(evt)
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	if c.summary.Rejections != nil {
		summary.Rejections = make(map[string]int, len(c.summary.Rejections))
		for k, v := range c.summary.Rejections {
			summary.Rejections[k] = v
		}
	}
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeStored:
		c.summary.Stored++
	case EventTypeRejected:
		c.summary.Rejected++
		if evt.Detail != "" {
			if c.summary.Rejections == nil {
				c.summary.Rejections = make(map[string]int)
			}
			c.summary.Rejections[evt.Detail]++
		}
	case EventTypeDryRunAccepted:
		c.summary.DryRunAccepted++
	case EventTypeCodeFound:
		c.summary.CodesFound++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeNotifyFailed:
		c.summary.NotifyFailures++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Ranked is one entry of a frequency table.
type Ranked struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties broken by key.
func Top(m map[string]int, limit int) []Ranked {
	pairs := make([]Ranked, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Ranked{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
