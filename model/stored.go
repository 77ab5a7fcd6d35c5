package model

import "time"

// Metadata is the denormalized summary kept next to a stored message so the
// viewer can render it without re-reading the content.
type Metadata struct {
	From    string    `json:"from,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Date    time.Time `json:"date,omitzero"`
}

// Content is the parsed message body as delivered.
type Content struct {
	From    string              `json:"from,omitempty"`
	To      string              `json:"to,omitempty"`
	Subject string              `json:"subject,omitempty"`
	Date    time.Time           `json:"date,omitzero"`
	Text    string              `json:"text,omitempty"`
	HTML    string              `json:"html,omitempty"`
	Headers map[string][]string `json:"headers"`
}

// StoredMessage is the persisted record addressed by ID and guarded by AuthToken.
type StoredMessage struct {
	ID        string    `json:"id"`
	AuthToken string    `json:"authToken"`
	StoredAt  time.Time `json:"storedAt"`
	Metadata  Metadata  `json:"metadata"`
	Content   Content   `json:"content"`
}

// Summary is the payload handed to a notifier once a message has been stored.
type Summary struct {
	From       string
	Subject    string
	ViewURL    string
	Code       string
	ReceivedAt time.Time
}

// ContentOf converts an inbound message into the content stored for it.
func ContentOf(msg Message) Content {
	return Content{
		From:    msg.FromText,
		To:      msg.To,
		Subject: msg.Subject,
		Date:    msg.Date,
		Text:    msg.Text,
		HTML:    msg.HTML,
		Headers: msg.Headers,
	}
}

// MetadataOf builds the stored metadata for an inbound message.
func MetadataOf(msg Message) Metadata {
	return Metadata{
		From:    msg.FromText,
		Subject: msg.Subject,
		Date:    msg.Date,
	}
}
