package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mail-relay/filter"
	"github.com/dhcgn/mail-relay/model"
	"github.com/dhcgn/mail-relay/relay"
	"github.com/dhcgn/mail-relay/state"
	"github.com/dhcgn/mail-relay/stats"
)

var ErrMessageHashMissing = errors.New("message missing content hash")

// Processor is the per-message work of a replay.
type Processor interface {
	Process(ctx context.Context, msg model.Message) (relay.Result, error)
	Classify(msg model.Message) relay.Result
}

type StageFunc func(context.Context) error

type Options struct {
	Processor Processor
	Tracker   state.Tracker
	// DryRun classifies messages without storing, notifying or recording them.
	DryRun bool
}

type Runner struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope

	subMu       sync.Mutex
	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(opts Options, logger *slog.Logger) (*Runner, error) {
	if opts.Processor == nil {
		return nil, fmt.Errorf("processor must not be nil")
	}
	if opts.Tracker == nil {
		opts.Tracker = state.NewMemoryTracker()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
	}

	r.AddStage("relay", r.relay)
	return r, nil
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.opts.Tracker
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// Stop cancels every stage.
func (r *Runner) Stop() {
	r.cancel()
}

// EmitEvent delivers evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event. Subscribers must be
// registered before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start waits for every stage and subscriber to finish and returns the
// first failure.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("replay failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("replay completed", "duration", duration)
	return nil
}

func (r *Runner) relay(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, envelope); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, envelope model.Envelope) error {
	if envelope.Err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeError, Err: envelope.Err})
		r.logger.Warn("skipping unreadable message", "err", envelope.Err)
		return nil
	}

	msg := envelope.Message
	r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeScanned, MessageID: msg.Hash})

	if msg.Hash == "" {
		r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeError, Err: ErrMessageHashMissing})
		return ErrMessageHashMissing
	}

	if r.opts.Tracker.AlreadyProcessed(msg.Hash) {
		r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeDuplicate, MessageID: msg.Hash})
		r.logger.Debug("message already replayed", "hash", msg.Hash, "messageID", msg.ID)
		return nil
	}
	r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeEnqueued, MessageID: msg.Hash})

	if r.opts.DryRun {
		result := r.opts.Processor.Classify(msg)
		if !result.Accepted {
			r.EmitEvent(stats.Event{Stage: stats.StageRelay, Type: stats.EventTypeRejected, MessageID: msg.Hash, Detail: reasonDetail(result.Reason)})
			return nil
		}
		r.EmitEvent(stats.Event{Stage: stats.StageRelay, Type: stats.EventTypeDryRunAccepted, MessageID: msg.Hash})
		if result.Code != "" {
			r.EmitEvent(stats.Event{Stage: stats.StageRelay, Type: stats.EventTypeCodeFound, MessageID: msg.Hash})
		}
		r.logger.Debug("dry-run accepted", "hash", msg.Hash, "from", msg.From, "subject", msg.Subject, "codeFound", result.Code != "")
		return nil
	}

	result, err := r.opts.Processor.Process(ctx, msg)
	if err != nil {
		return fmt.Errorf("relay message %s: %w", msg.Hash, err)
	}

	entry := state.Entry{Outcome: state.OutcomeStored, RecordID: result.ID, At: time.Now().UTC()}
	if !result.Accepted {
		entry = state.Entry{Outcome: state.OutcomeRejected, Reason: reasonDetail(result.Reason), At: entry.At}
	}
	if err := r.opts.Tracker.MarkProcessed(msg.Hash, entry); err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageIngest, Type: stats.EventTypeError, MessageID: msg.Hash, Err: err})
		return err
	}
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

func reasonDetail(err error) string {
	if reason := filter.Reason(err); reason != nil {
		return reason.Error()
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}
