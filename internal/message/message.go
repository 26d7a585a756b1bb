// Package message turns raw RFC 5322 bytes into a structured Mail and back.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Field is one header line that the relay passes through untouched.
type Field struct {
	Key   string
	Value string
}

// Header is an ordered list of pass-through header fields.
type Header []Field

// Get returns the first value for key, case-insensitively.
func (h Header) Get(key string) string {
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether key is present.
func (h Header) Has(key string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			return true
		}
	}
	return false
}

// Del removes every field named key and returns the remaining header.
func (h Header) Del(key string) Header {
	out := h[:0]
	for _, f := range h {
		if !strings.EqualFold(f.Key, key) {
			out = append(out, f)
		}
	}
	return out
}

// Map collapses the header into a lowercase key map, keeping the first value.
func (h Header) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, f := range h {
		k := strings.ToLower(f.Key)
		if _, ok := m[k]; !ok {
			m[k] = f.Value
		}
	}
	return m
}

// Attachment is a buffered non-text part.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Data        []byte
}

// Mail is a parsed message. Well known headers are lifted into typed fields,
// every other header stays in Headers.
type Mail struct {
	From       *mail.Address
	ReplyTo    []*mail.Address
	To         []*mail.Address
	Cc         []*mail.Address
	Bcc        []*mail.Address
	Subject    string
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time

	Headers     Header
	Text        string
	HTML        string
	Attachments []Attachment

	// HasDKIMSignature records whether the inbound message carried a signature.
	HasDKIMSignature bool
	// Rewritten is set once the friendly-from rewrite has been applied.
	Rewritten bool

	originalFrom    *mail.Address
	originalReplyTo []*mail.Address
}

// lifted headers are parsed into Mail fields and never copied into Headers.
var lifted = map[string]bool{
	"subject":     true,
	"references":  true,
	"date":        true,
	"to":          true,
	"from":        true,
	"cc":          true,
	"bcc":         true,
	"message-id":  true,
	"in-reply-to": true,
	"reply-to":    true,
}

// structural headers are produced by Compose from the message body.
var structural = map[string]bool{
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}

// ErrNoFrom is returned when a message has no parseable From header.
var ErrNoFrom = errors.New("message has no From address")

// Parse decodes a raw message.
func Parse(raw []byte) (*Mail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	m := &Mail{}
	if err := m.readHeader(mr.Header); err != nil {
		return nil, err
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}
		if p == nil {
			break
		}
		if err := m.readPart(p); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Mail) readHeader(h mail.Header) error {
	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoFrom, err)
		}
		return ErrNoFrom
	}
	m.From = from[0]
	m.originalFrom = from[0]

	m.ReplyTo, _ = h.AddressList("Reply-To")
	m.originalReplyTo = m.ReplyTo
	m.To, _ = h.AddressList("To")
	m.Cc, _ = h.AddressList("Cc")
	m.Bcc, _ = h.AddressList("Bcc")

	if m.Subject, err = h.Subject(); err != nil {
		m.Subject = h.Get("Subject")
	}
	m.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		m.InReplyTo = ids[0]
	}
	m.References, _ = h.MsgIDList("References")
	m.Date, _ = h.Date()
	m.HasDKIMSignature = h.Has("Dkim-Signature")

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if lifted[key] || structural[key] {
			continue
		}
		m.Headers = append(m.Headers, Field{Key: fields.Key(), Value: fields.Value()})
	}
	return nil
}

func (m *Mail) readPart(p *mail.Part) error {
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return fmt.Errorf("failed to read message part: %w", err)
	}

	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		ct, _, _ := h.ContentType()
		switch ct {
		case "text/plain", "":
			m.Text += string(body)
		case "text/html":
			m.HTML += string(body)
		default:
			m.Attachments = append(m.Attachments, Attachment{
				ContentType: ct,
				ContentID:   h.Get("Content-Id"),
				Inline:      true,
				Data:        body,
			})
		}
	case *mail.AttachmentHeader:
		ct, _, _ := h.ContentType()
		name, _ := h.Filename()
		m.Attachments = append(m.Attachments, Attachment{
			Filename:    name,
			ContentType: ct,
			ContentID:   h.Get("Content-Id"),
			Data:        body,
		})
	}
	return nil
}

// FormatAddress renders an address as "Name <addr>" or the bare address when
// there is no display name.
func FormatAddress(a *mail.Address) string {
	if a == nil {
		return ""
	}
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}
