package domainfilter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DisposableListURL is the community maintained disposable-email-domains
// blocklist, one domain per line.
const DisposableListURL = "https://raw.githubusercontent.com/disposable-email-domains/disposable-email-domains/main/disposable_email_blocklist.conf"

const (
	fetchTimeout = 30 * time.Second
	maxListSize  = 50 << 20
)

// FetchList downloads a list in the ReadList format. A nil client uses
// http.DefaultClient.
func FetchList(ctx context.Context, client *http.Client, url string) ([]string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid list URL %q: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch domain list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch domain list %s: %s", url, resp.Status)
	}
	domains, err := ReadList(io.LimitReader(resp.Body, maxListSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read domain list %s: %w", url, err)
	}
	return domains, nil
}
