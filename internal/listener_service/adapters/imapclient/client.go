// Package imapclient adapts go-imap to the listener's mailbox contract.
package imapclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/dealerlink/leadrelay/internal/listener_service/domain"
)

// Config holds the IMAP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	UseTLS   bool
}

// IMAPClient implements domain.MailboxClient over a single IMAP
// connection. Connect re-establishes a dropped session.
type IMAPClient struct {
	cfg    Config
	logger *slog.Logger
	conn   *client.Client
}

func New(cfg Config, logger *slog.Logger) *IMAPClient {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPClient{cfg: cfg, logger: logger.With("component", "imap_client")}
}

func (c *IMAPClient) Connect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Logout()
		c.conn = nil
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var (
		conn *client.Client
		err  error
	)
	if c.cfg.UseTLS {
		conn, err = client.DialTLS(addr, nil)
	} else {
		conn, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to dial IMAP server %s: %w", addr, err)
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password); err != nil {
		_ = conn.Logout()
		return fmt.Errorf("IMAP login failed: %w", err)
	}
	if _, err := conn.Select(c.cfg.Mailbox, false); err != nil {
		_ = conn.Logout()
		return fmt.Errorf("failed to select mailbox %q: %w", c.cfg.Mailbox, err)
	}

	c.conn = conn
	c.logger.InfoContext(ctx, "IMAP session established", "host", c.cfg.Host, "mailbox", c.cfg.Mailbox)
	return nil
}

func (c *IMAPClient) FetchUnseen(ctx context.Context) ([]*domain.Message, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("IMAP client is not connected")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.conn.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("IMAP search failed: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqset, items, ch)
	}()

	var messages []*domain.Message
	for msg := range ch {
		decoded, err := c.decode(msg, section)
		if err != nil {
			// An undecodable body never improves on a refetch. The envelope
			// still flows through so the listener can retire the message
			// instead of fetching it again forever.
			c.logger.WarnContext(ctx, "failed to decode message body", "uid", msg.Uid, "error", err)
		}
		messages = append(messages, decoded)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("IMAP fetch failed: %w", err)
	}
	return messages, nil
}

// decode always returns a message: on error it carries whatever envelope
// and parts were recovered before the failure.
func (c *IMAPClient) decode(msg *imap.Message, section *imap.BodySectionName) (*domain.Message, error) {
	out := &domain.Message{UID: msg.Uid}

	if env := msg.Envelope; env != nil {
		out.MessageID = env.MessageId
		out.Subject = env.Subject
		if len(env.From) > 0 {
			out.From = env.From[0].Address()
		}
		if len(env.To) > 0 {
			out.To = env.To[0].Address()
		}
		if !env.Date.IsZero() {
			date := env.Date.UTC()
			out.Date = &date
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return out, fmt.Errorf("server returned no body section")
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return out, fmt.Errorf("failed to open mail reader: %w", err)
	}

	var textParts []string
	defer func() { out.TextBody = strings.Join(textParts, "\n") }()
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read mail part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return out, fmt.Errorf("failed to read inline part: %w", err)
			}
			textParts = append(textParts, string(data))
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return out, fmt.Errorf("failed to read attachment %q: %w", filename, err)
			}
			out.Attachments = append(out.Attachments, domain.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        data,
			})
		}
	}
	return out, nil
}

func (c *IMAPClient) MarkSeen(ctx context.Context, uid uint32) error {
	if c.conn == nil {
		return fmt.Errorf("IMAP client is not connected")
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.conn.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark message %d seen: %w", uid, err)
	}
	return nil
}

func (c *IMAPClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	return err
}
