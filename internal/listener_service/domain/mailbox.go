// Package domain defines the mailbox abstraction the listener polls.
package domain

import (
	"context"
	"time"
)

// Attachment is one decoded MIME attachment.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one fetched mail message, decoded far enough for payload
// extraction.
type Message struct {
	UID         uint32
	MessageID   string
	Subject     string
	From        string
	To          string
	Date        *time.Time
	TextBody    string
	Attachments []Attachment
}

// MailboxClient is the IMAP surface the listener needs. Implementations
// are not required to be safe for concurrent use; the listener is the
// sole caller.
type MailboxClient interface {
	Connect(ctx context.Context) error
	// FetchUnseen returns every unseen message in the watched mailbox.
	FetchUnseen(ctx context.Context) ([]*Message, error)
	// MarkSeen flags a message so it is not fetched again.
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}
