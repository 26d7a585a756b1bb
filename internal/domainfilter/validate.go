package domainfilter

import (
	"net"
	"strings"
	"unicode"
)

// IsFQDN reports whether s is a fully-qualified domain name: at least two
// labels, a TLD of two or more letters (or a punycode TLD), labels of
// letters, digits and hyphens that neither start nor end with a hyphen.
// A trailing root dot is not accepted.
func IsFQDN(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}

	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}

	tld := labels[len(labels)-1]
	if !validTLD(tld) {
		return false
	}

	for _, label := range labels[:len(labels)-1] {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

func validTLD(tld string) bool {
	lower := strings.ToLower(tld)
	if strings.HasPrefix(lower, "xn") && len(lower) >= 4 {
		for _, r := range lower[2:] {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
		return true
	}

	n := 0
	for _, r := range tld {
		if unicode.IsSpace(r) || !unicode.IsLetter(r) || isFullWidth(r) {
			return false
		}
		n++
	}
	return n >= 2
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
		return false
	}
	for _, r := range label {
		if isFullWidth(r) {
			return false
		}
		if r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= 0xa1 {
			continue
		}
		return false
	}
	return true
}

func isFullWidth(r rune) bool {
	return r >= 0xff01 && r <= 0xff5e
}

const atext = "!#$%&'*+-/=?^_`{|}~"

// IsEmail reports whether s is a bare addr-spec (no display name) with a
// dot-atom local part and a fully-qualified domain or bracketed IP
// literal.
func IsEmail(s string) bool {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	local, domain := s[:at], s[at+1:]

	if len(local) > 64 || len(domain) > 254 {
		return false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}
	for _, r := range local {
		switch {
		case r == '.':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(atext, r):
		case r >= 0x80 && unicode.IsPrint(r):
		default:
			return false
		}
	}

	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		literal := strings.TrimPrefix(domain[1:len(domain)-1], "IPv6:")
		return net.ParseIP(literal) != nil
	}
	return IsFQDN(domain)
}
