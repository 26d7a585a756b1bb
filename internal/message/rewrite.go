package message

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// ForeignHeaders are removed before the relay re-signs and re-composes a message.
var ForeignHeaders = []string{
	"mime-version",
	"content-type",
	"content-transfer-encoding",
	"dkim-signature",
	"x-google-dkim-signature",
	"domainkey-signature",
}

// RewriteFriendlyFrom makes noReply the visible sender while keeping the
// original display name, and points Reply-To at the original sender unless
// the message already had an explicit Reply-To. It always works from the
// parsed values so applying it twice gives the same result.
func (m *Mail) RewriteFriendlyFrom(noReply string) {
	if m.originalFrom == nil {
		m.originalFrom = m.From
	}

	name := ""
	if m.originalFrom != nil {
		name = m.originalFrom.Name
	}
	m.From = &mail.Address{Name: name, Address: noReply}

	switch {
	case len(m.originalReplyTo) > 0:
		m.ReplyTo = m.originalReplyTo
	case m.originalFrom != nil:
		m.ReplyTo = []*mail.Address{m.originalFrom}
	}
	m.Rewritten = true
}

// OriginalFrom returns the sender as parsed, before any rewrite.
func (m *Mail) OriginalFrom() *mail.Address {
	if m.originalFrom != nil {
		return m.originalFrom
	}
	return m.From
}

// StripHeaders drops the given pass-through headers, case-insensitively.
func (m *Mail) StripHeaders(keys ...string) {
	for _, k := range keys {
		m.Headers = m.Headers.Del(k)
		if strings.EqualFold(k, "dkim-signature") {
			m.HasDKIMSignature = false
		}
	}
}

// Relink gives the message a new Message-Id in domain and threads it to the
// previous one through In-Reply-To.
func (m *Mail) Relink(domain string) {
	if m.MessageID != "" {
		m.InReplyTo = m.MessageID
	}
	m.MessageID = NewMessageID(domain)
}
