package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Upper bounds for values and files referenced by the configuration.
const (
	maxConfigFileSize = 1 << 20
	// Filter lists and keys share one limit; the disposable list alone
	// holds several thousand domains.
	maxReferencedFileSize = 50 << 20
	maxMessageSize        = 100 << 20
	maxPathLength         = 4096
	maxDNSRetries         = 10
)

// systemPaths are never valid locations for relay data.
var systemPaths = []string{"/proc/", "/sys/", "/dev/", "/etc/shadow"}

// hostnames are checked as lookup names: letters, digits and hyphens per
// label, 253 octets in all.
var hostnames = idna.New(idna.MapForLookup(), idna.VerifyDNSLength(true))

// checkHostname accepts IP literals, localhost and DNS names such as
// exchanges, DNSBL zones and DKIM domains.
func checkHostname(name string) error {
	if name == "" {
		return fmt.Errorf("hostname is empty")
	}
	if name == "localhost" || net.ParseIP(name) != nil {
		return nil
	}
	if _, err := hostnames.ToASCII(strings.TrimSuffix(name, ".")); err != nil {
		return fmt.Errorf("invalid hostname %q: %w", name, err)
	}
	return nil
}

// checkPort rejects ports outside 1-65535.
func checkPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}

// checkListenAddr validates a host:port or :port address such as
// server.listen or metrics.listen.
func checkListenAddr(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}
	if err := checkPort(port); err != nil {
		return err
	}
	if host == "" {
		return nil
	}
	return checkHostname(host)
}

// checkDNSServer accepts a bare IP, which the resolver queries on port 53,
// or an explicit address.
func checkDNSServer(server string) error {
	if net.ParseIP(server) != nil {
		return nil
	}
	return checkListenAddr(server)
}

// checkPath rejects paths that climb out of their directory or point into
// system locations.
func checkPath(path string) error {
	if len(path) > maxPathLength {
		return fmt.Errorf("path is %d characters long (max %d)", len(path), maxPathLength)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path %q contains a parent directory reference", path)
		}
	}
	lower := strings.ToLower(filepath.ToSlash(path))
	for _, prefix := range systemPaths {
		if strings.HasPrefix(lower, prefix) {
			return fmt.Errorf("path %q points into %s", path, prefix)
		}
	}
	return nil
}

// checkFileSize fails when the file at path exceeds limit bytes.
func checkFileSize(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > limit {
		return fmt.Errorf("%s is too large: %d bytes (max %d)", path, info.Size(), limit)
	}
	return nil
}
