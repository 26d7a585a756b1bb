package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/busybox42/mxforward/internal/logging"
	"github.com/busybox42/mxforward/internal/relay"
	"github.com/busybox42/mxforward/internal/smtperr"
)

// Handler is the relay side of an SMTP session.
type Handler interface {
	OnConnect(ctx context.Context, s *relay.Session) error
	OnMailFrom(ctx context.Context, s *relay.Session, from string) error
	OnRcptTo(ctx context.Context, s *relay.Session, to string) error
	OnData(ctx context.Context, s *relay.Session, raw []byte) (*relay.Result, error)
}

type backend struct {
	server *Server
}

// NewSession runs after every HELO/EHLO, so the client hostname is known
// here. A repeated greeting on the same connection keeps its session and
// starts a new transaction.
func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	srv := b.server
	if existing, ok := srv.sessions.Load(c); ok {
		sess := existing.(*session)
		sess.state.Reset()
		sess.state.ClientHostname = c.Hostname()
		sess.logger.Debug("repeated greeting", "client_hostname", c.Hostname())
		return sess, nil
	}

	state := &relay.Session{
		ID:             uuid.NewString(),
		ClientHostname: c.Hostname(),
	}
	if addr := c.Conn().RemoteAddr(); addr != nil {
		state.RemoteAddress = remoteHost(addr)
	}

	srv.metrics.ConnectionsTotal.Inc()

	if err := srv.handler.OnConnect(srv.ctx, state); err != nil {
		return nil, srv.replyError(err)
	}

	sess := &session{
		server: srv,
		conn:   c,
		state:  state,
		logger: srv.logger.With("session_id", state.ID, "remote_addr", state.RemoteAddress),
	}
	srv.sessions.Store(c, sess)
	srv.metrics.ConnectionsActive.Inc()
	return sess, nil
}

type session struct {
	server *Server
	conn   *gosmtp.Conn
	state  *relay.Session
	logger *slog.Logger
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if err := s.server.handler.OnMailFrom(s.server.ctx, s.state, from); err != nil {
		return s.server.replyError(err)
	}
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if err := s.server.handler.OnRcptTo(s.server.ctx, s.state, to); err != nil {
		return s.server.replyError(err)
	}
	return nil
}

func (s *session) Data(r io.Reader) error {
	max := s.server.config.MaxMessageBytes
	start := time.Now()

	raw, err := io.ReadAll(io.LimitReader(r, max+1))
	if errors.Is(err, gosmtp.ErrDataTooLarge) || int64(len(raw)) > max {
		return s.server.replyError(relay.SizeError(max))
	}
	if err != nil {
		return s.server.replyError(smtperr.Wrap(err, smtperr.CodeTransient))
	}

	txID := uuid.NewString()
	logger := s.logger.With("transaction_id", txID)
	ctx := logging.WithTransactionID(s.server.ctx, txID)

	result, err := s.server.handler.OnData(ctx, s.state, raw)
	if err != nil {
		logger.Info("message rejected",
			"code", smtperr.Code(err),
			"error", err,
			"duration", time.Since(start))
		return s.server.replyError(err)
	}

	logger.Info("message accepted",
		"size", len(raw),
		"recipients", len(result.Envelope.RcptTo),
		"rewritten", result.Rewritten,
		"duration", time.Since(start))
	return nil
}

func (s *session) Reset() {
	s.state.Reset()
}

func (s *session) Logout() error {
	if _, ok := s.server.sessions.LoadAndDelete(s.conn); ok {
		s.server.metrics.ConnectionsActive.Dec()
	}
	return nil
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// replyError renders err as an SMTP reply with the support footer appended.
func (srv *Server) replyError(err error) *gosmtp.SMTPError {
	code := smtperr.Code(err)
	msg := lineBreaks.Replace(smtperr.Message(err))
	if srv.config.SupportFooter != "" {
		msg += " " + srv.config.SupportFooter
	}
	return &gosmtp.SMTPError{
		Code:         code,
		EnhancedCode: enhancedCode(code),
		Message:      msg,
	}
}

func enhancedCode(code int) gosmtp.EnhancedCode {
	switch code {
	case smtperr.CodeTransient:
		return gosmtp.EnhancedCode{4, 4, 0}
	case smtperr.CodeSize:
		return gosmtp.EnhancedCode{4, 3, 4}
	case smtperr.CodeRetry:
		return gosmtp.EnhancedCode{4, 7, 0}
	case smtperr.CodeRejected, smtperr.CodeBlocked:
		return gosmtp.EnhancedCode{5, 7, 1}
	}
	if code >= 500 {
		return gosmtp.EnhancedCode{5, 0, 0}
	}
	return gosmtp.EnhancedCode{4, 0, 0}
}

func remoteHost(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
