package imapclient

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *IMAPClient {
	return New(Config{Host: "imap.example.com", Mailbox: "INBOX"}, slog.Default())
}

func literalBody(section *imap.BodySectionName, raw string) map[*imap.BodySectionName]imap.Literal {
	return map[*imap.BodySectionName]imap.Literal{
		section: bytes.NewBufferString(raw),
	}
}

func TestDecode_PlainTextMessage(t *testing.T) {
	c := testClient()
	section := &imap.BodySectionName{Peek: true}

	raw := "From: leads@sunrisetoyota.com\r\n" +
		"Subject: New lead\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"<adf><prospect></prospect></adf>\r\n"
	msg := &imap.Message{
		Uid: 9,
		Envelope: &imap.Envelope{
			MessageId: "<msg-9@vendor>",
			Subject:   "New lead",
			Date:      time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		},
		Body: literalBody(section, raw),
	}

	decoded, err := c.decode(msg, section)

	require.NoError(t, err)
	assert.Equal(t, uint32(9), decoded.UID)
	assert.Equal(t, "<msg-9@vendor>", decoded.MessageID)
	assert.Contains(t, decoded.TextBody, "<adf>")
}

func TestDecode_MissingBodyKeepsEnvelope(t *testing.T) {
	c := testClient()
	section := &imap.BodySectionName{Peek: true}

	msg := &imap.Message{
		Uid:      7,
		Envelope: &imap.Envelope{MessageId: "<msg-7@vendor>", Subject: "New lead"},
	}

	decoded, err := c.decode(msg, section)

	require.Error(t, err)
	// The envelope survives so the listener can retire the message
	// instead of refetching it on every poll.
	require.NotNil(t, decoded)
	assert.Equal(t, uint32(7), decoded.UID)
	assert.Equal(t, "<msg-7@vendor>", decoded.MessageID)
	assert.Empty(t, decoded.TextBody)
}

func TestDecode_MalformedHeadersKeepEnvelope(t *testing.T) {
	c := testClient()
	section := &imap.BodySectionName{Peek: true}

	msg := &imap.Message{
		Uid:      8,
		Envelope: &imap.Envelope{MessageId: "<msg-8@vendor>"},
		Body:     literalBody(section, "this first line is not a header\r\n\r\nbody\r\n"),
	}

	decoded, err := c.decode(msg, section)

	require.Error(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, uint32(8), decoded.UID)
	assert.Equal(t, "<msg-8@vendor>", decoded.MessageID)
}
