package model

import "time"

// Message represents a single inbound email after parsing.
type Message struct {
	// ID is the Message-Id header without angle brackets. It may be empty.
	ID string
	// From is the bare sender address, FromText its display form.
	From     string
	FromText string
	To       string
	Subject  string
	Date     time.Time
	Text     string
	HTML     string
	Headers  map[string][]string
	Size     int64
	Raw      []byte
	Hash     string
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}
