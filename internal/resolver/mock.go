package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

// Mock is an in-memory Resolver for tests. Names are matched
// case-insensitively. A name registered in Errors fails every lookup with
// that error.
type Mock struct {
	mu     sync.Mutex
	MX     map[string][]MX
	TXT    map[string][][]string
	IP     map[string][]net.IP
	PTR    map[string][]string
	Errors map[string]error

	// Queries records every looked-up name in order, prefixed by type.
	Queries []string
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{
		MX:     make(map[string][]MX),
		TXT:    make(map[string][][]string),
		IP:     make(map[string][]net.IP),
		PTR:    make(map[string][]string),
		Errors: make(map[string]error),
	}
}

// AddTXT registers a TXT record made of the given segments.
func (m *Mock) AddTXT(name string, segments ...string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeName(name)
	m.TXT[key] = append(m.TXT[key], segments)
	return m
}

// AddMX registers an MX record.
func (m *Mock) AddMX(domain, exchange string, priority uint16) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeName(domain)
	m.MX[key] = append(m.MX[key], MX{Exchange: normalizeName(exchange), Priority: priority})
	return m
}

// AddIP registers address records.
func (m *Mock) AddIP(host string, ips ...string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeName(host)
	for _, ip := range ips {
		m.IP[key] = append(m.IP[key], net.ParseIP(ip))
	}
	return m
}

// AddPTR registers reverse names for addr.
func (m *Mock) AddPTR(addr string, names ...string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		key := normalizeName(addr)
		m.PTR[key] = append(m.PTR[key], normalizeName(name))
	}
	return m
}

// Fail makes every lookup of name return err.
func (m *Mock) Fail(name string, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[normalizeName(name)] = err
	return m
}

// Count returns how many lookups matched the given "type:name" entry.
func (m *Mock) Count(query string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.Queries {
		if q == query {
			n++
		}
	}
	return n
}

func (m *Mock) record(kind, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeName(name)
	m.Queries = append(m.Queries, kind+":"+key)
	if err, ok := m.Errors[key]; ok {
		return key, err
	}
	return key, nil
}

// LookupMX implements Resolver.
func (m *Mock) LookupMX(_ context.Context, domain string) ([]MX, error) {
	key, err := m.record("mx", domain)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	records := append([]MX(nil), m.MX[key]...)
	if len(records) == 0 {
		return nil, fmt.Errorf("MX %s: %w", key, ErrNotFound)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Priority < records[j].Priority })
	return records, nil
}

// LookupTXT implements Resolver.
func (m *Mock) LookupTXT(_ context.Context, name string) ([][]string, error) {
	key, err := m.record("txt", name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.TXT[key]
	if len(records) == 0 {
		return nil, fmt.Errorf("TXT %s: %w", key, ErrNotFound)
	}
	out := make([][]string, len(records))
	for i, r := range records {
		out[i] = append([]string(nil), r...)
	}
	return out, nil
}

// LookupIP implements Resolver.
func (m *Mock) LookupIP(_ context.Context, host string) ([]net.IP, error) {
	key, err := m.record("ip", host)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ips := m.IP[strings.ToLower(key)]
	if len(ips) == 0 {
		return nil, fmt.Errorf("IP %s: %w", key, ErrNotFound)
	}
	return append([]net.IP(nil), ips...), nil
}

// LookupAddr implements Resolver.
func (m *Mock) LookupAddr(_ context.Context, addr string) ([]string, error) {
	key, err := m.record("ptr", addr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	names := m.PTR[key]
	if len(names) == 0 {
		return nil, fmt.Errorf("PTR %s: %w", key, ErrNotFound)
	}
	return append([]string(nil), names...), nil
}
