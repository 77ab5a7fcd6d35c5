// Package inbound turns delivered RFC 5322 messages into model.Message
// values and accepts them over SMTP.
package inbound

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-relay/model"
)

// Parse decodes a raw message. Header fields that fail to decode are left
// empty rather than failing the message; only an unreadable header block is
// an error. The first text/plain and the first text/html inline parts
// become Text and HTML.
func Parse(raw []byte) (model.Message, error) {
	msg := model.Message{
		Size: int64(len(raw)),
		Raw:  raw,
		Hash: Hash(raw),
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return msg, fmt.Errorf("read message header: %w", err)
	}
	if mr == nil {
		return msg, fmt.Errorf("read message header: %w", err)
	}
	defer mr.Close()

	readHeader(&msg, mr.Header)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			// A broken MIME structure keeps whatever was decoded so far.
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := inline.ContentType()
		switch mediaType {
		case "text/plain", "":
			if msg.Text != "" {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Text = string(body)
		case "text/html":
			if msg.HTML != "" {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.HTML = string(body)
		}
	}

	return msg, nil
}

// Hash returns the base64 SHA-256 digest of raw.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func readHeader(msg *model.Message, h mail.Header) {
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
		msg.FromText = formatAddress(from[0])
	} else if raw := strings.TrimSpace(h.Get("From")); raw != "" {
		msg.FromText = raw
		if addr, err := mail.ParseAddress(raw); err == nil {
			msg.From = addr.Address
		}
	}

	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		list := make([]string, 0, len(to))
		for _, addr := range to {
			list = append(list, formatAddress(addr))
		}
		msg.To = strings.Join(list, ", ")
	} else {
		msg.To = strings.TrimSpace(h.Get("To"))
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if date, err := h.Date(); err == nil {
		msg.Date = date
	}

	if id, err := h.MessageID(); err == nil {
		msg.ID = id
	}

	headers := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := fields.Key()
		headers[key] = append(headers[key], value)
	}
	msg.Headers = headers
}

func formatAddress(addr *mail.Address) string {
	if addr.Name == "" {
		return addr.Address
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
}
