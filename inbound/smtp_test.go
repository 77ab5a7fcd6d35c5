package inbound

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-relay/filter"
	"github.com/dhcgn/mail-relay/model"
	"github.com/dhcgn/mail-relay/relay"

	relayerrors "github.com/dhcgn/mail-relay/errors"
)

type fakeProcessor struct {
	mu   sync.Mutex
	err  error
	msgs []model.Message
}

func (p *fakeProcessor) Process(_ context.Context, msg model.Message) (relay.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	if p.err != nil {
		return relay.Result{}, p.err
	}
	return relay.Result{Accepted: true}, nil
}

func (p *fakeProcessor) received() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Message(nil), p.msgs...)
}

func newTestBackend(t *testing.T, p Processor, maxSize int64) *Backend {
	t.Helper()
	f, err := filter.New(filter.Options{AllowedDomains: []string{"steampowered.com"}, MaxSize: maxSize})
	require.NoError(t, err)
	b, err := NewBackend(p, f, BackendOptions{MaxSize: maxSize}, nil)
	require.NoError(t, err)
	return b
}

func newTestSession(t *testing.T, b *Backend) smtp.Session {
	t.Helper()
	s, err := b.NewSession(nil)
	require.NoError(t, err)
	return s
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var serr *smtp.SMTPError
	require.True(t, errors.As(err, &serr), "expected SMTPError, got %v", err)
	return serr.Code
}

func TestSession_MailFromPolicy(t *testing.T) {
	s := newTestSession(t, newTestBackend(t, &fakeProcessor{}, 1024))

	assert.NoError(t, s.Mail("noreply@steampowered.com", nil))
	assert.Equal(t, 550, smtpCode(t, s.Mail("bad@evil.example", nil)))
	assert.NoError(t, s.Mail("postmaster", nil))
	assert.NoError(t, s.Rcpt("anyone@anywhere.example", nil))
}

func TestSession_DataProcessed(t *testing.T) {
	p := &fakeProcessor{}
	s := newTestSession(t, newTestBackend(t, p, 1<<20))

	require.NoError(t, s.Mail("noreply@steampowered.com", nil))
	require.NoError(t, s.Rcpt("me@example.com", nil))
	require.NoError(t, s.Data(strings.NewReader(plainMessage)))

	got := p.received()
	require.Len(t, got, 1)
	assert.Equal(t, "Your Steam account", got[0].Subject)
	assert.Equal(t, int64(len(plainMessage)), got[0].Size)
}

func TestSession_DataTooLarge(t *testing.T) {
	p := &fakeProcessor{}
	s := newTestSession(t, newTestBackend(t, p, 16))

	err := s.Data(strings.NewReader(plainMessage))
	assert.Equal(t, 552, smtpCode(t, err))
	assert.Empty(t, p.received())
}

func TestSession_DataAtLimitIsProcessed(t *testing.T) {
	p := &fakeProcessor{}
	s := newTestSession(t, newTestBackend(t, p, int64(len(plainMessage))))

	require.NoError(t, s.Data(strings.NewReader(plainMessage)))
	assert.Len(t, p.received(), 1)

	err := s.Data(strings.NewReader(plainMessage + "x"))
	assert.Equal(t, 552, smtpCode(t, err))
	assert.Len(t, p.received(), 1)
}

func TestSession_DataErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"insufficient space", relayerrors.ErrInsufficientSpace, 452},
		{"wrapped insufficient space", errors.Join(errors.New("store"), relayerrors.ErrInsufficientSpace), 452},
		{"other failure", errors.New("disk on fire"), 451},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, newTestBackend(t, &fakeProcessor{err: tt.err}, 1<<20))
			err := s.Data(strings.NewReader(plainMessage))
			assert.Equal(t, tt.code, smtpCode(t, err))
		})
	}
}

func TestNewBackend_Validation(t *testing.T) {
	_, err := NewBackend(nil, nil, BackendOptions{MaxSize: 1}, nil)
	assert.Error(t, err)
	_, err = NewBackend(&fakeProcessor{}, nil, BackendOptions{}, nil)
	assert.Error(t, err)
}

func TestServer_EndToEnd(t *testing.T) {
	p := &fakeProcessor{}
	srv := NewServer(newTestBackend(t, p, 1<<20), ServerOptions{Domain: "localhost", MaxSize: 1 << 20}, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	c, err := smtp.Dial(l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.example"))

	err = c.Mail("spammer@evil.example", nil)
	require.Error(t, err)
	assert.Equal(t, 550, smtpCode(t, err))

	require.NoError(t, c.Mail("noreply@steampowered.com", nil))
	require.NoError(t, c.Rcpt("me@example.com", nil))
	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte(plainMessage))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	require.Eventually(t, func() bool { return len(p.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "noreply@steampowered.com", p.received()[0].From)
}
