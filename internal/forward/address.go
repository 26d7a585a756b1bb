package forward

import (
	"strings"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/idna"
)

// ParseAddress returns the bare addr-spec of address, which may carry a
// display name ("Name <user@example.com>"). Input that does not parse is
// returned trimmed with any angle brackets removed.
func ParseAddress(address string) string {
	address = strings.TrimSpace(address)
	if a, err := mail.ParseAddress(address); err == nil {
		return a.Address
	}
	return strings.Trim(address, "<>")
}

// splitAddress splits a bare address at its last '@'.
func splitAddress(address string) (local, domain string) {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return address, ""
	}
	return address[:at], address[at+1:]
}

// ParseUsername returns the local part of address without any "+tag",
// punycode-encoded and lower-cased.
func ParseUsername(address string) string {
	local, _ := splitAddress(ParseAddress(address))
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	if ascii, err := idna.Punycode.ToASCII(local); err == nil {
		local = ascii
	}
	return strings.ToLower(local)
}

// ParseFilter returns the "+tag" of address without the plus sign, or ""
// when there is none.
func ParseFilter(address string) string {
	local, _ := splitAddress(ParseAddress(address))
	i := strings.IndexByte(local, '+')
	if i < 0 {
		return ""
	}
	return local[i+1:]
}

// HasFilter reports whether the local part of address carries a "+tag".
func HasFilter(address string) bool {
	local, _ := splitAddress(ParseAddress(address))
	return strings.IndexByte(local, '+') >= 0
}

// Domain returns the punycode-encoded domain of address without any
// validation.
func Domain(address string) string {
	_, domain := splitAddress(ParseAddress(address))
	if ascii, err := idna.Punycode.ToASCII(domain); err == nil {
		domain = ascii
	}
	return domain
}
