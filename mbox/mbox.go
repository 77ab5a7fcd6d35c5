package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-relay/inbound"
	"github.com/dhcgn/mail-relay/model"
	"github.com/dhcgn/mail-relay/runner"
)

type Options struct {
	Path string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &fileReader{path: path, logger: logger, open: openFile(path)}, nil
}

type fileReader struct {
	path   string
	logger *slog.Logger
	open   func() (io.ReadCloser, error)
}

func openFile(path string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open mbox: %w", err)
		}
		return file, nil
	}
}

// Stream parses every message of the archive into out. A message that
// cannot be read or parsed is sent as an error envelope and the stream
// carries on with the next one; only a broken mbox framing ends it.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	src, err := f.open()
	if err != nil {
		return err
	}
	defer src.Close()

	reader := mboxlib.NewReader(src)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			if err := f.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err)); err != nil {
				return err
			}
			continue
		}

		msg, err := inbound.Parse(raw)
		if err != nil {
			if err := f.emitError(ctx, out, fmt.Errorf("message %d parse: %w", idx, err)); err != nil {
				return err
			}
			continue
		}

		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.reader.Stream(ctx, p.runner.MailboxWriter())
}

// Read opens an mbox file and calls fn for every message that parses.
// Unparseable messages are skipped.
func Read(path string, fn func(msg model.Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return ReadFrom(file, fn)
}

func ReadFrom(src io.Reader, fn func(msg model.Message) error) error {
	reader := mboxlib.NewReader(src)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			continue
		}
		msg, err := inbound.Parse(raw)
		if err != nil {
			continue
		}

		if err := fn(msg); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return countMessages(file)
}

func countMessages(src io.Reader) (int, error) {
	reader := mboxlib.NewReader(src)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		// A message that fails to drain still counts.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
