package antispam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Rspamd scores messages through the rspamd /checkv2 endpoint.
type Rspamd struct {
	address    string
	timeout    time.Duration
	scanLimit  int64
	password   string
	httpClient *http.Client
}

// RspamdResponse is the subset of the /checkv2 reply the relay reads
type RspamdResponse struct {
	IsSkipped     bool              `json:"is_skipped"`
	Score         float64           `json:"score"`
	RequiredScore float64           `json:"required_score"`
	Action        string            `json:"action"`
	Symbols       map[string]Symbol `json:"symbols"`
	MessageID     string            `json:"message-id"`
}

// Symbol represents a Rspamd rule symbol
type Symbol struct {
	Name        string   `json:"name"`
	Score       float64  `json:"score"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
}

// NewRspamd creates a new Rspamd client
func NewRspamd(config Config) *Rspamd {
	address := config.Address
	if address == "" {
		address = "http://localhost:11333" // Default Rspamd address
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Rspamd{
		address:    strings.TrimRight(address, "/"),
		timeout:    timeout,
		scanLimit:  config.ScanLimit,
		password:   config.Password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the name of the classifier
func (r *Rspamd) Name() string {
	return "rspamd"
}

// Score posts the message to /checkv2 and returns the reported score.
func (r *Rspamd) Score(ctx context.Context, raw []byte) (float64, error) {
	resp, err := r.Check(ctx, raw)
	if err != nil {
		return 0, err
	}
	return resp.Score, nil
}

// Check posts the message to /checkv2 and returns the decoded reply.
func (r *Rspamd) Check(ctx context.Context, raw []byte) (*RspamdResponse, error) {
	data := limit(raw, r.scanLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.address+"/checkv2", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Rspamd: %w", err)
	}
	req.Header.Set("Content-Type", "message/rfc822")
	if r.password != "" {
		req.Header.Set("Password", r.password)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Rspamd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("Rspamd returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result RspamdResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &result, nil
}
