package relay

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/busybox42/mxforward/internal/smtperr"
)

// SizeError is the 450 reply for messages over max bytes.
func SizeError(max int64) error {
	return smtperr.Newf(smtperr.CodeSize, "Message size exceeds maximum of %s", FormatBytes(max))
}

// FormatBytes renders n with binary units, e.g. 26214400 as "25 MB".
func FormatBytes(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	value := float64(n)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	return strconv.FormatFloat(value, 'f', -1, 64) + " " + units[i]
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// PublicIP returns the first non-loopback IPv4 address of this host,
// falling back to the first IPv6 one.
func PublicIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to list interface addresses: %w", err)
	}

	var v6 string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
		if v6 == "" {
			v6 = ipnet.IP.String()
		}
	}
	if v6 != "" {
		return v6, nil
	}
	return "", errors.New("no non-loopback interface address found")
}
