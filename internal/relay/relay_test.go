package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mxforward/internal/cache"
	"github.com/busybox42/mxforward/internal/delivery"
	"github.com/busybox42/mxforward/internal/dnsbl"
	"github.com/busybox42/mxforward/internal/domainfilter"
	"github.com/busybox42/mxforward/internal/forward"
	"github.com/busybox42/mxforward/internal/logging"
	"github.com/busybox42/mxforward/internal/mailauth"
	"github.com/busybox42/mxforward/internal/message"
	"github.com/busybox42/mxforward/internal/metrics"
	"github.com/busybox42/mxforward/internal/ratelimit"
	"github.com/busybox42/mxforward/internal/resolver"
	"github.com/busybox42/mxforward/internal/smtperr"
)

const (
	senderIP = "203.0.113.5"
	relayIP  = "198.51.100.7"
)

const inbound = "From: Alice <a@x.com>\r\n" +
	"To: hello@y.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <orig@x.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi there.\r\n"

type fakeTransport struct {
	mu       sync.Mutex
	requests []*delivery.Request
	err      error
}

func (f *fakeTransport) Send(_ context.Context, req *delivery.Request) (*delivery.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &delivery.Receipt{Host: "mx.test", Accepted: req.To}, nil
}

type fakeClassifier struct {
	score float64
	err   error
}

func (f fakeClassifier) Name() string { return "fake" }

func (f fakeClassifier) Score(context.Context, []byte) (float64, error) { return f.score, f.err }

type fakeBlocklist struct {
	listed bool
	err    error
}

func (f fakeBlocklist) Lookup(context.Context, string, string) (bool, error) { return f.listed, f.err }

// baseDNS publishes a sender domain x.com whose SPF allows both the sender
// and the relay, and a forwarding domain y.com pointed at the relay.
func baseDNS() *resolver.Mock {
	return resolver.NewMock().
		AddMX("x.com", "mx.x.com", 10).
		AddTXT("x.com", "v=spf1 ip4:"+senderIP+" ip4:"+relayIP+" -all").
		AddMX("y.com", "mx1.forwardemail.net", 10).
		AddMX("y.com", "mx2.forwardemail.net", 20).
		AddTXT("y.com", "forward-email=hello:z@gmail.com,hi:z@gmail.com")
}

type harness struct {
	relay     *Relay
	dns       *resolver.Mock
	transport *fakeTransport
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, dns *resolver.Mock, mutate func(*Config, *Dependencies)) *harness {
	t.Helper()

	h := &harness{
		dns:       dns,
		transport: &fakeTransport{},
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	config := Config{PublicIP: relayIP}
	deps := Dependencies{
		DNS:       dns,
		Forwarder: forward.New(dns, domainfilter.New(nil, nil, nil)),
		Auth:      mailauth.NewValidator(dns),
		Blocklist: dnsbl.NewChecker(dns),
		Limiter: ratelimit.New(cache.NewMemory(cache.Config{}), ratelimit.Options{
			Max:      5,
			Duration: time.Hour,
		}),
		Transport: h.transport,
		Metrics:   h.metrics,
	}
	if mutate != nil {
		mutate(&config, &deps)
	}

	r, err := New(config, deps)
	require.NoError(t, err)
	h.relay = r
	return h
}

func newSession(rcpts ...string) *Session {
	return &Session{
		ID:             "test",
		RemoteAddress:  senderIP,
		ClientHostname: "mail.x.com",
		Envelope:       Envelope{MailFrom: "a@x.com", RcptTo: rcpts},
	}
}

func parseDelivered(t *testing.T, req *delivery.Request) *message.Mail {
	t.Helper()
	m, err := message.Parse(req.Data)
	require.NoError(t, err)
	return m
}

func TestOnDataDeliversToDestination(t *testing.T) {
	h := newHarness(t, baseDNS(), nil)

	res, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
	require.NoError(t, err)
	assert.False(t, res.Rewritten)
	assert.Equal(t, []string{"z@gmail.com"}, res.Envelope.RcptTo)

	require.Len(t, h.transport.requests, 1)
	req := h.transport.requests[0]
	assert.Equal(t, "a@x.com", req.From)
	assert.Equal(t, []string{"z@gmail.com"}, req.To)

	delivered := parseDelivered(t, req)
	assert.Equal(t, "a@x.com", delivered.From.Address)
	assert.Empty(t, delivered.ReplyTo)
	assert.Equal(t, "orig@x.com", delivered.MessageID)
	assert.Contains(t, delivered.Text, "Hi there.")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Deliveries.WithLabelValues("success")))
}

func TestOnDataReverseSPFRewrite(t *testing.T) {
	dns := resolver.NewMock().
		AddTXT("x.com", "v=spf1 ip4:"+senderIP+" -all").
		AddTXT("y.com", "forward-email=hello:z@gmail.com")
	h := newHarness(t, dns, nil)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := logging.WithLogger(context.Background(), logger)

	res, err := h.relay.OnData(ctx, newSession("hello@y.com"), []byte(inbound))
	require.NoError(t, err)
	assert.True(t, res.Rewritten)

	require.Len(t, h.transport.requests, 1)
	req := h.transport.requests[0]
	assert.Equal(t, DefaultNoReply, req.From)

	var rewrite map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "friendly-from rewrite" {
			rewrite = entry
		}
	}
	require.NotNil(t, rewrite, "rewrite is logged")
	assert.Equal(t, "reverse_spf", rewrite["reason"])
	assert.Equal(t, `"Alice" <a@x.com>`, rewrite["original_from"])

	delivered := parseDelivered(t, req)
	assert.Equal(t, DefaultNoReply, delivered.From.Address)
	assert.Equal(t, "Alice", delivered.From.Name)
	require.Len(t, delivered.ReplyTo, 1)
	assert.Equal(t, "a@x.com", delivered.ReplyTo[0].Address)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rewrites.WithLabelValues("reverse_spf")))
}

func TestOnDataRewriteIsIdempotent(t *testing.T) {
	dns := resolver.NewMock().
		AddTXT("x.com", "v=spf1 ip4:"+senderIP+" -all").
		AddTXT("_dmarc.x.com", "v=DMARC1; p=reject").
		AddTXT("y.com", "forward-email=hello:z@gmail.com")
	h := newHarness(t, dns, nil)

	raw := strings.Replace(inbound, "Subject: Hello\r\n", "Subject: Hello\r\nReply-To: Desk <desk@x.com>\r\n", 1)
	res, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(raw))
	require.NoError(t, err)
	assert.True(t, res.Rewritten)

	delivered := parseDelivered(t, h.transport.requests[0])
	assert.Equal(t, DefaultNoReply, delivered.From.Address)
	assert.Equal(t, "Alice", delivered.From.Name)
	require.Len(t, delivered.ReplyTo, 1, "reply-to is not wrapped twice")
	assert.Equal(t, "desk@x.com", delivered.ReplyTo[0].Address)
	assert.Equal(t, "Desk", delivered.ReplyTo[0].Name)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rewrites.WithLabelValues("dmarc")))
	assert.Equal(t, 1, dns.Count("txt:_dmarc.x.com"), "DMARC is looked up for the original sender domain")
	assert.Zero(t, dns.Count("txt:_dmarc.forwardemail.net"))
}

func TestOnDataDMARCRewrite(t *testing.T) {
	dns := baseDNS().AddTXT("_dmarc.x.com", "v=DMARC1; p=quarantine; rua=mailto:d@x.com")
	h := newHarness(t, dns, nil)

	res, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
	require.NoError(t, err)
	assert.True(t, res.Rewritten)
	assert.Equal(t, DefaultNoReply, h.transport.requests[0].From)
}

func TestOnDataForwardSPFFailure(t *testing.T) {
	h := newHarness(t, baseDNS(), nil)
	s := newSession("hello@y.com")
	s.RemoteAddress = "192.0.2.99"

	_, err := h.relay.OnData(context.Background(), s, []byte(inbound))
	require.Error(t, err)
	assert.Equal(t, 550, smtperr.Code(err))
	assert.Equal(t, `The email you sent has failed SPF validation with a result of "fail".  Please try again or check your email service's SPF configuration.`, err.Error())
	assert.Empty(t, h.transport.requests)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rejections.WithLabelValues("data", "550")))
}

func TestOnDataSPFErrorIsTransient(t *testing.T) {
	dns := baseDNS().Fail("x.com", errors.New("SERVFAIL"))
	h := newHarness(t, dns, nil)

	_, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
	require.Error(t, err)
	assert.Equal(t, 421, smtperr.Code(err))
}

func TestOnDataSpam(t *testing.T) {
	t.Run("score over threshold", func(t *testing.T) {
		h := newHarness(t, baseDNS(), func(_ *Config, d *Dependencies) {
			d.Classifier = fakeClassifier{score: 7.5}
		})

		_, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
		require.Error(t, err)
		assert.Equal(t, 554, smtperr.Code(err))
		assert.Equal(t, "Message detected as spam (spam score was 7.5)", err.Error())
	})

	t.Run("classifier failure is ignored", func(t *testing.T) {
		h := newHarness(t, baseDNS(), func(_ *Config, d *Dependencies) {
			d.Classifier = fakeClassifier{err: errors.New("spamd down")}
		})

		res, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
		require.NoError(t, err)
		assert.Zero(t, res.SpamScore)
		assert.Len(t, h.transport.requests, 1)
	})
}

func TestOnDataDeduplicatesDestinations(t *testing.T) {
	h := newHarness(t, baseDNS(), nil)

	res, err := h.relay.OnData(context.Background(), newSession("hello@y.com", "hi@y.com"), []byte(inbound))
	require.NoError(t, err)
	assert.Equal(t, []string{"z@gmail.com"}, res.Envelope.RcptTo)
	assert.Len(t, h.transport.requests, 1)
}

func TestOnDataForwardToSelf(t *testing.T) {
	dns := baseDNS()
	dns.TXT["y.com"] = [][]string{{"forward-email=a@x.com"}}
	h := newHarness(t, dns, nil)

	_, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
	require.NoError(t, err)

	delivered := parseDelivered(t, h.transport.requests[0])
	assert.Equal(t, "orig@x.com", delivered.InReplyTo)
	assert.NotEqual(t, "orig@x.com", delivered.MessageID)
	assert.True(t, strings.HasSuffix(delivered.MessageID, "@x.com"))
}

func TestOnDataNoReplyRecipient(t *testing.T) {
	h := newHarness(t, baseDNS(), nil)

	_, err := h.relay.OnData(context.Background(), newSession("hello@y.com", DefaultNoReply), []byte(inbound))
	require.Error(t, err)
	assert.Equal(t, 550, smtperr.Code(err))
	assert.Contains(t, err.Error(), "do not send messages to <no-reply@forwardemail.net>")
}

func TestOnDataSizeLimit(t *testing.T) {
	h := newHarness(t, baseDNS(), func(c *Config, _ *Dependencies) {
		c.MaxSize = 64
	})

	_, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
	require.Error(t, err)
	assert.Equal(t, 450, smtperr.Code(err))
	assert.Equal(t, "Message size exceeds maximum of 64 B", err.Error())
}

func TestOnDataDeliveryFailureAborts(t *testing.T) {
	dns := baseDNS()
	dns.TXT["y.com"] = [][]string{{"forward-email=hello:z@gmail.com,hi:w@gmail.com"}}
	h := newHarness(t, dns, nil)
	h.transport.err = &smtperr.Error{Code: 552, Message: "Mailbox full"}

	_, err := h.relay.OnData(context.Background(), newSession("hello@y.com", "hi@y.com"), []byte(inbound))
	require.Error(t, err)
	assert.Equal(t, 552, smtperr.Code(err), "remote reply codes are kept")
	assert.Len(t, h.transport.requests, 1, "remaining destinations are skipped")
}

func TestOnDataInvalidDKIM(t *testing.T) {
	dns := baseDNS()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dns.AddTXT("sel._domainkey.x.com", "v=DKIM1; k=ed25519; p="+base64.StdEncoding.EncodeToString(pub))

	var signed bytes.Buffer
	require.NoError(t, dkim.Sign(&signed, strings.NewReader(inbound), &dkim.SignOptions{
		Domain:   "x.com",
		Selector: "sel",
		Signer:   priv,
	}))

	t.Run("valid signature", func(t *testing.T) {
		h := newHarness(t, dns, nil)
		_, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), signed.Bytes())
		require.NoError(t, err)

		delivered := h.transport.requests[0].Data
		assert.NotContains(t, string(delivered), "DKIM-Signature", "inbound signatures are stripped")
	})

	t.Run("tampered body", func(t *testing.T) {
		h := newHarness(t, dns, nil)
		tampered := bytes.Replace(signed.Bytes(), []byte("Hi there."), []byte("Pay me."), 1)

		_, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), tampered)
		require.Error(t, err)
		assert.Equal(t, 550, smtperr.Code(err))
		assert.Contains(t, err.Error(), "invalid DKIM signature")
	})
}

type recordingSigner struct{ called bool }

func (s *recordingSigner) Sign(raw []byte) ([]byte, error) {
	s.called = true
	return append([]byte("DKIM-Signature: v=1; d=forwardemail.net\r\n"), raw...), nil
}

func TestOnDataSignsOutbound(t *testing.T) {
	signer := &recordingSigner{}
	h := newHarness(t, baseDNS(), func(_ *Config, d *Dependencies) {
		d.Signer = signer
	})

	_, err := h.relay.OnData(context.Background(), newSession("hello@y.com"), []byte(inbound))
	require.NoError(t, err)
	assert.True(t, signer.called)
	assert.True(t, bytes.HasPrefix(h.transport.requests[0].Data, []byte("DKIM-Signature:")))
}

func TestOnConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("unqualified hostname", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		s := newSession()
		s.ClientHostname = "localhost"

		err := h.relay.OnConnect(ctx, s)
		require.Error(t, err)
		assert.Equal(t, 550, smtperr.Code(err))
		assert.Equal(t, "localhost is not a FQDN", err.Error())
	})

	t.Run("listed address", func(t *testing.T) {
		dns := baseDNS().AddIP("5.113.0.203.zen.spamhaus.org", "127.0.0.2")
		h := newHarness(t, dns, nil)

		err := h.relay.OnConnect(ctx, newSession())
		require.Error(t, err)
		assert.Equal(t, 554, smtperr.Code(err))
		assert.Equal(t, "Your IP address of 203.0.113.5 is listed on the zen.spamhaus.org DNS Blacklist.  See https://www.spamhaus.org/query/ip/203.0.113.5 for more information.", err.Error())
	})

	t.Run("blocklist failure is ignored", func(t *testing.T) {
		h := newHarness(t, baseDNS(), func(_ *Config, d *Dependencies) {
			d.Blocklist = fakeBlocklist{err: errors.New("timeout")}
		})
		assert.NoError(t, h.relay.OnConnect(ctx, newSession()))
	})

	t.Run("clean address", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		assert.NoError(t, h.relay.OnConnect(ctx, newSession()))
	})
}

func TestOnMailFrom(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		s := newSession()
		require.NoError(t, h.relay.OnMailFrom(ctx, s, "a@x.com"))
		assert.Equal(t, "a@x.com", s.Envelope.MailFrom)
	})

	t.Run("no MX records", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		err := h.relay.OnMailFrom(ctx, newSession(), "a@nomx.com")
		assert.ErrorIs(t, err, smtperr.ErrInvalidMX)
		assert.Equal(t, 550, smtperr.Code(err))
	})

	t.Run("MX lookup failure", func(t *testing.T) {
		h := newHarness(t, baseDNS().Fail("broken.com", errors.New("SERVFAIL")), nil)
		err := h.relay.OnMailFrom(ctx, newSession(), "a@broken.com")
		assert.Equal(t, 421, smtperr.Code(err))
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		for i := 0; i < 5; i++ {
			require.NoError(t, h.relay.OnMailFrom(ctx, newSession(), "a@x.com"))
		}
		err := h.relay.OnMailFrom(ctx, newSession(), "a@x.com")
		require.Error(t, err)
		assert.Equal(t, 451, smtperr.Code(err))
		assert.Contains(t, err.Error(), "Rate limit exceeded, retry in")

		assert.NoError(t, h.relay.OnMailFrom(ctx, newSession(), "b@x.com"), "other senders are unaffected")
	})

	t.Run("null sender", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		assert.Equal(t, 550, smtperr.Code(h.relay.OnMailFrom(ctx, newSession(), "")))
	})

	t.Run("no-reply is never rate limited", func(t *testing.T) {
		dns := baseDNS().AddMX("forwardemail.net", "mx1.forwardemail.net", 10)
		h := newHarness(t, dns, func(_ *Config, d *Dependencies) {
			d.Limiter = ratelimit.New(cache.NewMemory(cache.Config{}), ratelimit.Options{Max: 1, Duration: time.Hour})
		})
		for i := 0; i < 3; i++ {
			require.NoError(t, h.relay.OnMailFrom(ctx, newSession(), "No-Reply@ForwardEmail.net"))
		}
		require.NoError(t, h.relay.OnMailFrom(ctx, newSession(), "a@x.com"))
		assert.Equal(t, 451, smtperr.Code(h.relay.OnMailFrom(ctx, newSession(), "a@x.com")))
	})
}

func TestOnRcptTo(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		s := newSession()
		require.NoError(t, h.relay.OnRcptTo(ctx, s, "hello@y.com"))
		assert.Equal(t, []string{"hello@y.com"}, s.Envelope.RcptTo)
	})

	t.Run("missing exchange", func(t *testing.T) {
		dns := baseDNS()
		dns.MX["y.com"] = []resolver.MX{{Exchange: "mx1.forwardemail.net", Priority: 10}}
		h := newHarness(t, dns, nil)

		err := h.relay.OnRcptTo(ctx, newSession(), "hello@y.com")
		require.Error(t, err)
		assert.Equal(t, 550, smtperr.Code(err))
		assert.Equal(t, "Missing required DNS MX records: mx2.forwardemail.net", err.Error())
	})

	t.Run("no forwarding record", func(t *testing.T) {
		dns := baseDNS().AddMX("z.com", "mx1.forwardemail.net", 10)
		h := newHarness(t, dns, nil)

		err := h.relay.OnRcptTo(ctx, newSession(), "hello@z.com")
		assert.ErrorIs(t, err, smtperr.ErrInvalidForwardRecord)
	})

	t.Run("no-reply address", func(t *testing.T) {
		h := newHarness(t, baseDNS(), nil)
		err := h.relay.OnRcptTo(ctx, newSession(), "No-Reply@forwardemail.net")
		require.Error(t, err)
		assert.Equal(t, 550, smtperr.Code(err))
	})
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "25 MB", FormatBytes(25<<20))
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.Error(t, err)
}
