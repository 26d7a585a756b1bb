// Package domainfilter holds the process-wide deny lists consulted when
// validating sender, recipient and forwarding domains.
package domainfilter

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed lists/*.txt
var builtin embed.FS

// Filters answers membership questions for domain lists. A Filters value is
// read-only once built and safe for concurrent use.
type Filters struct {
	blacklist  map[string]struct{}
	disposable map[string]struct{}
	wildcards  []string
}

// New builds Filters from explicit lists.
func New(blacklist, disposable, wildcards []string) *Filters {
	f := &Filters{
		blacklist:  make(map[string]struct{}, len(blacklist)),
		disposable: make(map[string]struct{}, len(disposable)),
	}
	f.add(blacklist, disposable, wildcards)
	return f
}

// Default returns Filters loaded from the built-in lists.
func Default() *Filters {
	lists := make([][]string, 3)
	for i, name := range []string{"lists/blacklist.txt", "lists/disposable.txt", "lists/wildcard.txt"} {
		fh, err := builtin.Open(name)
		if err != nil {
			panic(fmt.Sprintf("domainfilter: missing built-in list %s: %v", name, err))
		}
		lists[i], err = ReadList(fh)
		fh.Close()
		if err != nil {
			panic(fmt.Sprintf("domainfilter: reading built-in list %s: %v", name, err))
		}
	}
	return New(lists[0], lists[1], lists[2])
}

func (f *Filters) add(blacklist, disposable, wildcards []string) {
	for _, d := range blacklist {
		if d = normalize(d); d != "" {
			f.blacklist[d] = struct{}{}
		}
	}
	for _, d := range disposable {
		if d = normalize(d); d != "" {
			f.disposable[d] = struct{}{}
		}
	}
	for _, d := range wildcards {
		if d = normalize(d); d != "" {
			f.wildcards = append(f.wildcards, d)
		}
	}
}

// IsBlacklisted reports whether domain is on the deny list.
func (f *Filters) IsBlacklisted(domain string) bool {
	_, ok := f.blacklist[normalize(domain)]
	return ok
}

// IsDisposable reports whether domain belongs to a disposable mailbox
// provider, either by exact match or as a subdomain of a wildcard entry.
func (f *Filters) IsDisposable(domain string) bool {
	domain = normalize(domain)
	if _, ok := f.disposable[domain]; ok {
		return true
	}
	for _, w := range f.wildcards {
		if domain == w || strings.HasSuffix(domain, "."+w) {
			return true
		}
	}
	return false
}

// Len returns the sizes of the three lists.
func (f *Filters) Len() (blacklist, disposable, wildcards int) {
	return len(f.blacklist), len(f.disposable), len(f.wildcards)
}

// ReadList reads one domain per line. Blank lines and lines starting with
// '#' are skipped.
func ReadList(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	return domains, scanner.Err()
}

// LoadList reads a list file from disk.
func LoadList(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain list: %w", err)
	}
	defer fh.Close()

	domains, err := ReadList(fh)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain list %s: %w", path, err)
	}
	return domains, nil
}

func normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
