package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-relay/stats"
)

// Bar shows replay progress on the terminal.
type Bar struct {
	pb          *pterm.ProgressbarPrinter
	total       int
	alreadyDone int
	stored      int
	rejected    int
	mu          sync.Mutex
	enabled     bool
}

// New creates a progress bar when logLevel is "info"; at other levels log
// lines would interleave with it and it stays off.
func New(total int, alreadyDone int, logLevel string) *Bar {
	bar := &Bar{
		total:       total,
		alreadyDone: alreadyDone,
		enabled:     logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Replaying messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Total messages in mbox: %d\n", total)
		pterm.Info.Printf("Already replayed: %d\n", alreadyDone)
		pterm.Println()
	}

	return bar
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Update advances the bar for evt.
func (b *Bar) Update(evt stats.Event) {
	if !b.Enabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.Increment()
	case stats.EventTypeStored, stats.EventTypeDryRunAccepted:
		b.stored++
		b.pb.UpdateTitle(b.title())
	case stats.EventTypeRejected:
		b.rejected++
		b.pb.UpdateTitle(b.title())
	case stats.EventTypeError, stats.EventTypeNotifyFailed:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) title() string {
	return pterm.Sprintf("Replaying messages (accepted %d, rejected %d)", b.stored, b.rejected)
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.Enabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Replay complete!")
}

// Subscriber feeds stats events into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter renders the bar and a final summary table.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes the bar and a summary collector to stream. Nothing
// is subscribed when the bar is disabled.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (r *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)
	r.bar.Stop()

	summary := r.collector.Snapshot()
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")

	rows := [][]string{
		{"Metric", "Count"},
		{"Scanned", pterm.Sprint(summary.Scanned)},
		{"Already replayed (skipped)", pterm.Sprint(summary.Duplicates)},
		{"Stored", pterm.Sprint(summary.Stored)},
		{"Accepted (dry run)", pterm.Sprint(summary.DryRunAccepted)},
		{"Rejected", pterm.Sprint(summary.Rejected)},
		{"Codes found", pterm.Sprint(summary.CodesFound)},
		{"Notification failures", pterm.Sprint(summary.NotifyFailures)},
		{"Errors", pterm.Sprint(summary.Errors)},
	}
	for _, reason := range stats.Top(summary.Rejections, -1) {
		rows = append(rows, []string{"  rejected: " + reason.Key, pterm.Sprint(reason.Value)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	pterm.Info.Printf("Duration: %v\n", time.Since(r.started).Round(time.Millisecond))
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if r.logger != nil {
		r.logger.Debug("progress summary rendered", summary.LogAttrs()...)
	}
	return nil
}
