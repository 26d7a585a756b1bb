package antispam

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// SpamAssassin talks the spamc protocol to a spamd daemon.
type SpamAssassin struct {
	address   string
	timeout   time.Duration
	scanLimit int64
}

// NewSpamAssassin creates a spamd client
func NewSpamAssassin(config Config) *SpamAssassin {
	address := config.Address
	if address == "" {
		address = "localhost:783" // Default SpamAssassin spamd port
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &SpamAssassin{
		address:   address,
		timeout:   timeout,
		scanLimit: config.ScanLimit,
	}
}

// Name returns the name of the classifier
func (s *SpamAssassin) Name() string {
	return "spamassassin"
}

// Score sends a CHECK request and returns the score from the Spam header.
func (s *SpamAssassin) Score(ctx context.Context, raw []byte) (float64, error) {
	data := limit(raw, s.scanLimit)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to SpamAssassin: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	cmd := fmt.Sprintf("CHECK SPAMC/1.5\r\nContent-length: %d\r\n\r\n", len(data))
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return 0, fmt.Errorf("failed to send command to SpamAssassin: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return 0, fmt.Errorf("failed to send data to SpamAssassin: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	return parseSpamdResponse(bufio.NewReader(conn))
}

// parseSpamdResponse reads "SPAMD/1.5 0 EX_OK" followed by headers such as
// "Spam: True ; 6.5 / 5.0".
func parseSpamdResponse(reader *bufio.Reader) (float64, error) {
	status, err := reader.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("failed to read response from SpamAssassin: %w", err)
	}

	parts := strings.Fields(status)
	if len(parts) < 3 || !strings.HasPrefix(parts[0], "SPAMD/") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResponse, strings.TrimSpace(status))
	}
	if code, err := strconv.Atoi(parts[1]); err != nil || code != 0 {
		return 0, fmt.Errorf("SpamAssassin returned error: %s", strings.TrimSpace(status))
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("failed to read headers from SpamAssassin: %w", err)
		}

		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Spam") {
			return parseSpamHeader(value)
		}
		if err != nil || strings.TrimSpace(line) == "" {
			break
		}
	}

	return 0, fmt.Errorf("%w: missing Spam header", ErrInvalidResponse)
}

func parseSpamHeader(value string) (float64, error) {
	_, rest, ok := strings.Cut(value, ";")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResponse, value)
	}
	scoreStr, _, _ := strings.Cut(rest, "/")
	score, err := strconv.ParseFloat(strings.TrimSpace(scoreStr), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResponse, value)
	}
	return score, nil
}
