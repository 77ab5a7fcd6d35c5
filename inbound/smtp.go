package inbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/dhcgn/mail-relay/filter"
	"github.com/dhcgn/mail-relay/model"
	"github.com/dhcgn/mail-relay/relay"

	relayerrors "github.com/dhcgn/mail-relay/errors"
)

// Processor is the pipeline step run for every accepted DATA payload.
type Processor interface {
	Process(ctx context.Context, msg model.Message) (relay.Result, error)
}

// SenderPolicy decides at MAIL FROM whether a transaction may start.
type SenderPolicy interface {
	AllowsSender(address string) bool
}

var (
	errSenderNotAllowed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Sender domain not allowed",
	}
	errMessageTooLarge = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 3, 4},
		Message:      "Message too large",
	}
	errInsufficientStorage = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 3, 1},
		Message:      "Insufficient system storage",
	}
	errProcessing = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Error processing email",
	}
)

// Backend implements smtp.Backend on top of a Processor.
type Backend struct {
	processor Processor
	policy    SenderPolicy
	maxSize   int64
	timeout   time.Duration
	logger    *slog.Logger
}

type BackendOptions struct {
	// MaxSize is the DATA ceiling in bytes.
	MaxSize int64
	// ProcessTimeout bounds the pipeline call made for each message.
	ProcessTimeout time.Duration
}

// NewBackend returns a Backend. policy may be nil to accept every sender at
// MAIL FROM.
func NewBackend(processor Processor, policy SenderPolicy, opts BackendOptions, logger *slog.Logger) (*Backend, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor must not be nil")
	}
	if opts.MaxSize <= 0 {
		return nil, fmt.Errorf("max message size must be positive")
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		processor: processor,
		policy:    policy,
		maxSize:   opts.MaxSize,
		timeout:   opts.ProcessTimeout,
		logger:    logger,
	}, nil
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	b.logger.Debug("smtp connection", "remote", remote)
	return &session{backend: b, remote: remote}, nil
}

type session struct {
	backend *Backend
	remote  string
	from    string
	to      []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.policy != nil && !s.backend.policy.AllowsSender(from) {
		s.backend.logger.Info("smtp sender rejected", "remote", s.remote, "from", from)
		return errSenderNotAllowed
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxSize+1))
	if err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return errMessageTooLarge
		}
		s.backend.logger.Warn("smtp data read failed", "remote", s.remote, "err", err)
		return errProcessing
	}
	if int64(len(raw)) > s.backend.maxSize {
		_, _ = io.Copy(io.Discard, r)
		s.backend.logger.Info("smtp message too large", "remote", s.remote, "from", s.from, "limit", s.backend.maxSize)
		return errMessageTooLarge
	}

	msg, err := Parse(raw)
	if err != nil {
		s.backend.logger.Warn("smtp message parse failed", "remote", s.remote, "from", s.from, "err", err)
		return errProcessing
	}
	if msg.From == "" && msg.FromText == "" {
		msg.From = s.from
	}
	s.backend.logger.Debug("smtp message received", "from", msg.FromText, "to", msg.To, "size", msg.Size)

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	if _, err := s.backend.processor.Process(ctx, msg); err != nil {
		if errors.Is(err, relayerrors.ErrInsufficientSpace) {
			s.backend.logger.Warn("smtp message deferred", "from", msg.From, "err", err)
			return errInsufficientStorage
		}
		s.backend.logger.Error("smtp message processing failed", "from", msg.From, "err", err)
		return errProcessing
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

type ServerOptions struct {
	Addr    string
	Domain  string
	MaxSize int64
	// TLSKeyPath and TLSCertPath enable STARTTLS when both load.
	TLSKeyPath  string
	TLSCertPath string
	ReadTimeout time.Duration
}

// NewServer builds an SMTP server for backend. A key/cert pair that fails to
// load is logged and the server runs without STARTTLS.
func NewServer(backend smtp.Backend, opts ServerOptions, logger *slog.Logger) *smtp.Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Minute
	}

	srv := smtp.NewServer(backend)
	srv.Addr = opts.Addr
	srv.Domain = opts.Domain
	srv.ReadTimeout = opts.ReadTimeout
	srv.WriteTimeout = opts.ReadTimeout
	srv.MaxRecipients = 50
	srv.ErrorLog = slogErrorLog{logger: logger}
	// One extra byte lets the session tell an oversize message apart.
	if opts.MaxSize > 0 {
		srv.MaxMessageBytes = opts.MaxSize + 1
	}

	if opts.TLSKeyPath != "" && opts.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCertPath, opts.TLSKeyPath)
		if err != nil {
			logger.Warn("smtp tls disabled", "cert", opts.TLSCertPath, "key", opts.TLSKeyPath, "err", err)
		} else {
			srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}
	}

	return srv
}

type slogErrorLog struct {
	logger *slog.Logger
}

func (l slogErrorLog) Printf(format string, v ...interface{}) {
	l.logger.Warn("smtp server", "msg", fmt.Sprintf(format, v...))
}

func (l slogErrorLog) Println(v ...interface{}) {
	l.logger.Warn("smtp server", "msg", fmt.Sprint(v...))
}

var _ SenderPolicy = (*filter.Filter)(nil)
