package delivery

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mxforward/internal/resolver"
	"github.com/busybox42/mxforward/internal/smtperr"
)

type receivedMessage struct {
	from string
	to   []string
	data string
	helo string
	tls  bool
}

type testBackend struct {
	mu       sync.Mutex
	messages []receivedMessage
	rejectTo string
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b, conn: c}, nil
}

func (b *testBackend) received() []receivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	conn    *smtp.Conn
	msg     receivedMessage
}

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.msg.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if to == s.backend.rejectTo {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user here",
		}
	}
	s.msg.to = append(s.msg.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.data = string(data)
	s.msg.helo = s.conn.Hostname()
	_, s.msg.tls = s.conn.TLSConnectionState()
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() { s.msg = receivedMessage{} }

func (s *testSession) Logout() error { return nil }

// startTestServer runs an SMTP server on loopback and returns its port. A
// non-nil tlsConfig enables STARTTLS.
func startTestServer(t *testing.T, be *testBackend, tlsConfig *tls.Config) int {
	t.Helper()

	s := smtp.NewServer(be)
	s.Domain = "mx.dest.test"
	s.AllowInsecureAuth = true
	s.TLSConfig = tlsConfig
	s.ReadTimeout = 5 * time.Second
	s.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return p
}

const outbound = "From: Alice <no-reply@forwardemail.net>\r\nTo: bob@dest.test\r\nSubject: hi\r\n\r\nhello\r\n"

func TestMXTransportSend(t *testing.T) {
	be := &testBackend{}
	port := startTestServer(t, be, nil)

	mock := resolver.NewMock().
		AddMX("dest.test", "127.0.0.1", 10).
		AddMX("dest.test", "192.0.2.1", 20)

	transport := NewMXTransport(mock, &Config{Port: port, Timeout: 5 * time.Second, HeloName: "relay.test"})
	receipt, err := transport.Send(context.Background(), &Request{
		From: "no-reply@forwardemail.net",
		To:   []string{"bob@dest.test"},
		Data: []byte(outbound),
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", receipt.Host)
	assert.Equal(t, []string{"bob@dest.test"}, receipt.Accepted)
	assert.False(t, receipt.TLS, "the exchange does not offer STARTTLS")

	msgs := be.received()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].tls)
	assert.Equal(t, "relay.test", msgs[0].helo)
	assert.Equal(t, "no-reply@forwardemail.net", msgs[0].from)
	assert.Equal(t, []string{"bob@dest.test"}, msgs[0].to)
	assert.Contains(t, msgs[0].data, "hello")
}

// selfSignedTLS returns a server TLS config for a throwaway certificate.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.dest.test"},
		DNSNames:     []string{"mx.dest.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestMXTransportSTARTTLS(t *testing.T) {
	req := &Request{
		From: "no-reply@forwardemail.net",
		To:   []string{"bob@dest.test"},
		Data: []byte(outbound),
	}

	t.Run("upgrades when offered", func(t *testing.T) {
		be := &testBackend{}
		port := startTestServer(t, be, selfSignedTLS(t))
		mock := resolver.NewMock().AddMX("dest.test", "127.0.0.1", 10)

		transport := NewMXTransport(mock, &Config{
			Port:                  port,
			Timeout:               5 * time.Second,
			HeloName:              "relay.test",
			TLSInsecureSkipVerify: true,
		})
		receipt, err := transport.Send(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, receipt.TLS)

		msgs := be.received()
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].tls, "message must arrive over the encrypted channel")
		assert.Equal(t, "relay.test", msgs[0].helo, "EHLO is repeated with our name after the upgrade")
	})

	t.Run("falls back to plaintext when the handshake fails", func(t *testing.T) {
		be := &testBackend{}
		port := startTestServer(t, be, selfSignedTLS(t))
		mock := resolver.NewMock().AddMX("dest.test", "127.0.0.1", 10)

		// The certificate is not trusted, so verification fails.
		transport := NewMXTransport(mock, &Config{Port: port, Timeout: 5 * time.Second, HeloName: "relay.test"})
		receipt, err := transport.Send(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, receipt.TLS)

		msgs := be.received()
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].tls)
	})

	t.Run("disabled", func(t *testing.T) {
		be := &testBackend{}
		port := startTestServer(t, be, selfSignedTLS(t))
		mock := resolver.NewMock().AddMX("dest.test", "127.0.0.1", 10)

		transport := NewMXTransport(mock, &Config{Port: port, Timeout: 5 * time.Second, DisableTLS: true})
		receipt, err := transport.Send(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, receipt.TLS)
		require.Len(t, be.received(), 1)
	})
}

func TestMXTransportKeepsRemoteCode(t *testing.T) {
	be := &testBackend{rejectTo: "ghost@dest.test"}
	port := startTestServer(t, be, nil)

	mock := resolver.NewMock().AddMX("dest.test", "127.0.0.1", 10)
	transport := NewMXTransport(mock, &Config{Port: port, Timeout: 5 * time.Second})

	_, err := transport.Send(context.Background(), &Request{
		From: "a@example.com",
		To:   []string{"ghost@dest.test"},
		Data: []byte(outbound),
	})
	require.Error(t, err)
	assert.Equal(t, 550, smtperr.Code(err))
	assert.Contains(t, smtperr.Message(err), "No such user here")
	assert.Empty(t, be.received())
}

func TestMXTransportErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("lookup failure is transient", func(t *testing.T) {
		mock := resolver.NewMock().Fail("dest.test", errors.New("SERVFAIL"))
		_, err := NewMXTransport(mock, nil).Send(ctx, &Request{From: "a@example.com", To: []string{"b@dest.test"}})
		require.Error(t, err)
		assert.Equal(t, smtperr.CodeTransient, smtperr.Code(err))
	})

	t.Run("connection refused is transient", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		ln.Close()
		p, _ := strconv.Atoi(port)

		mock := resolver.NewMock().AddMX("dest.test", "127.0.0.1", 10)
		_, err = NewMXTransport(mock, &Config{Port: p, Timeout: time.Second}).
			Send(ctx, &Request{From: "a@example.com", To: []string{"b@dest.test"}})
		require.Error(t, err)
		assert.Equal(t, smtperr.CodeTransient, smtperr.Code(err))
	})

	t.Run("domain without MX is rejected", func(t *testing.T) {
		mock := resolver.NewMock().AddIP("nomx.test", "192.0.2.1")
		_, err := NewMXTransport(mock, nil).Send(ctx, &Request{From: "a@example.com", To: []string{"b@nomx.test"}})
		require.Error(t, err)
		assert.ErrorIs(t, err, smtperr.ErrInvalidMX)
		assert.Equal(t, 550, smtperr.Code(err))
		assert.Zero(t, mock.Count("ip:nomx.test"), "no implicit MX fallback to the A record")
	})

	t.Run("no recipients", func(t *testing.T) {
		_, err := NewMXTransport(resolver.NewMock(), nil).Send(ctx, &Request{From: "a@example.com"})
		assert.Equal(t, smtperr.CodeRejected, smtperr.Code(err))
	})
}

func TestBestExchange(t *testing.T) {
	mock := resolver.NewMock().
		AddMX("dest.test", "mx2.dest.test", 20).
		AddMX("dest.test", "mx1.dest.test", 10)
	transport := NewMXTransport(mock, nil)

	host, err := transport.bestExchange(context.Background(), "dest.test")
	require.NoError(t, err)
	assert.Equal(t, "mx1.dest.test", host)

	_, err = transport.bestExchange(context.Background(), "nomx.test")
	assert.ErrorIs(t, err, smtperr.ErrInvalidMX)
}

func TestGroupByDomain(t *testing.T) {
	groups := groupByDomain([]string{"a@one.test", "b@two.test", "c@one.test"})
	require.Len(t, groups, 2)
	assert.Equal(t, "one.test", groups[0].domain)
	assert.Equal(t, []string{"a@one.test", "c@one.test"}, groups[0].recipients)
	assert.Equal(t, []string{"b@two.test"}, groups[1].recipients)
}

func TestCreateTLSConfig(t *testing.T) {
	tests := []struct {
		version string
		want    uint16
		wantErr bool
	}{
		{"", tls.VersionTLS12, false},
		{"1.2", tls.VersionTLS12, false},
		{"1.3", tls.VersionTLS13, false},
		{"2.0", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			cfg, err := createTLSConfig(&Config{TLSMinVersion: tt.version}, "mx.dest.test")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.MinVersion)
			assert.Equal(t, "mx.dest.test", cfg.ServerName)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 25, cfg.Port)
	assert.NotEmpty(t, cfg.HeloName)
}
