package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Compose writes the message as MIME. Bcc is never written.
func (m *Mail) Compose(w io.Writer) error {
	h := m.header()

	if len(m.Attachments) == 0 && m.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		body, err := mail.CreateSingleInlineWriter(w, h)
		if err != nil {
			return fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(body, m.Text); err != nil {
			return fmt.Errorf("failed to write message body: %w", err)
		}
		return body.Close()
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}

	if err := m.writeInline(mw); err != nil {
		return err
	}

	for _, a := range m.Attachments {
		if a.Inline {
			continue
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(contentType(a.ContentType), nil)
		if a.Filename != "" {
			ah.SetFilename(a.Filename)
		}
		if a.ContentID != "" {
			ah.Set("Content-Id", a.ContentID)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("failed to create attachment: %w", err)
		}
		if _, err := aw.Write(a.Data); err != nil {
			return fmt.Errorf("failed to write attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return err
		}
	}

	return mw.Close()
}

// Bytes composes the message into memory.
func (m *Mail) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Compose(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Mail) writeInline(mw *mail.Writer) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create inline part: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", m.Text},
		{"text/html", m.HTML},
	}
	for _, p := range parts {
		if p.body == "" && p.contentType == "text/html" {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("failed to create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return fmt.Errorf("failed to write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	for _, a := range m.Attachments {
		if !a.Inline {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(contentType(a.ContentType), nil)
		ih.Set("Content-Transfer-Encoding", "base64")
		if a.ContentID != "" {
			ih.Set("Content-Id", a.ContentID)
		}
		pw, err := iw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("failed to create inline attachment: %w", err)
		}
		if _, err := pw.Write(a.Data); err != nil {
			return fmt.Errorf("failed to write inline attachment: %w", err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	return iw.Close()
}

func (m *Mail) header() mail.Header {
	var h mail.Header

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)

	if m.From != nil {
		h.SetAddressList("From", []*mail.Address{m.From})
	}
	if len(m.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", m.ReplyTo)
	}
	if len(m.To) > 0 {
		h.SetAddressList("To", m.To)
	}
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", m.Cc)
	}
	if m.Subject != "" {
		h.SetSubject(m.Subject)
	}
	if m.MessageID != "" {
		h.SetMessageID(m.MessageID)
	}
	if m.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{m.InReplyTo})
	}
	if len(m.References) > 0 {
		h.SetMsgIDList("References", m.References)
	}

	// Add prepends, so walk backwards to keep the original order.
	for i := len(m.Headers) - 1; i >= 0; i-- {
		f := m.Headers[i]
		key := strings.ToLower(f.Key)
		if lifted[key] || structural[key] {
			continue
		}
		h.Add(f.Key, f.Value)
	}
	return h
}

func contentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// NewMessageID returns a fresh Message-Id (without angle brackets) in domain.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return uuid.New().String() + "@" + domain
}
