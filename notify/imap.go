package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-relay/model"
)

type IMAPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	// From is the address used on the composed summary messages.
	From string
}

// IMAP appends each summary as a new message to a mailbox folder. The
// connection is opened lazily and reused; a failed append drops it so the
// next call dials again.
type IMAP struct {
	opts   IMAPOptions
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	client *imapclient.Client
}

func NewIMAP(opts IMAPOptions, logger *slog.Logger) (*IMAP, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.From == "" {
		opts.From = "mail-relay@localhost"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IMAP{opts: opts, logger: logger, now: time.Now}, nil
}

func (n *IMAP) Notify(ctx context.Context, summary model.Summary) error {
	raw, err := n.compose(summary)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client == nil {
		client, err := n.dial()
		if err != nil {
			return err
		}
		n.client = client
	}

	stop := context.AfterFunc(ctx, func() {
		_ = n.client.Close()
	})
	err = n.appendMessage(n.client, raw, summary.ReceivedAt)
	interrupted := !stop()

	if err != nil || interrupted {
		_ = n.client.Close()
		n.client = nil
		if interrupted && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("imap notify: %w", err)
	}

	n.logger.Debug("imap summary appended", "target", n.targetFolder(), "subject", summary.Subject)
	return nil
}

// Close logs out and closes the cached connection, if any.
func (n *IMAP) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client == nil {
		return nil
	}
	if err := n.client.Logout().Wait(); err != nil {
		n.logger.Warn("imap logout failed", "err", err)
	}
	err := n.client.Close()
	n.client = nil
	return err
}

func (n *IMAP) dial() (*imapclient.Client, error) {
	address := net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port))
	options := &imapclient.Options{}

	if n.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         n.opts.Host,
			InsecureSkipVerify: n.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if n.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(n.opts.Username, n.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := n.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	n.logger.Debug("imap connection established", "address", address, "user", n.opts.Username, "target", n.targetFolder(), "tls", n.opts.UseTLS)
	return client, nil
}

func (n *IMAP) appendMessage(client *imapclient.Client, raw []byte, received time.Time) error {
	var opts *imapv2.AppendOptions
	if !received.IsZero() {
		opts = &imapv2.AppendOptions{Time: received}
	}

	cmd := client.Append(n.targetFolder(), int64(len(raw)), opts)
	if _, err := io.Copy(cmd, bytes.NewReader(raw)); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}

func (n *IMAP) targetFolder() string {
	if n.opts.TargetFolder == "" {
		return "INBOX"
	}
	return n.opts.TargetFolder
}

func (n *IMAP) ensureMailbox(client *imapclient.Client) error {
	target := n.targetFolder()
	if strings.EqualFold(target, "INBOX") {
		return nil
	}
	if err := client.Create(target, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			n.logger.Debug("imap mailbox already exists", "mailbox", target)
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}
	n.logger.Info("imap mailbox created", "mailbox", target)
	return nil
}

// compose renders the summary as a single-part text/plain message.
func (n *IMAP) compose(summary model.Summary) ([]byte, error) {
	date := summary.ReceivedAt
	if date.IsZero() {
		date = n.now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: "mail-relay", Address: n.opts.From}})
	h.SetAddressList("To", []*mail.Address{{Address: n.opts.From}})
	subject := "New Email Received: " + displayOr(summary.Subject, "No Subject")
	if summary.Code != "" {
		subject = "[" + summary.Code + "] " + subject
	}
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create summary message: %w", err)
	}
	if _, err := io.WriteString(w, summaryText(summary)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write summary body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close summary message: %w", err)
	}
	return buf.Bytes(), nil
}

func summaryText(summary model.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", displayOr(summary.From, "Unknown"))
	fmt.Fprintf(&b, "Subject: %s\r\n", displayOr(summary.Subject, "No Subject"))
	if summary.Code != "" {
		fmt.Fprintf(&b, "Steam Guard Code: %s\r\n", summary.Code)
	}
	if summary.ViewURL != "" {
		fmt.Fprintf(&b, "\r\nView Full Email: %s\r\n", summary.ViewURL)
	}
	return b.String()
}
