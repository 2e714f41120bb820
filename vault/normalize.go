package vault

import (
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// normalizeAddr maps an email address onto the minimal normal form
// used as the contact-deduplication key: the local part is lowercased
// with any +tag sub-addressing stripped, the domain is lowercased
// (with a trailing root dot removed).
//
//	User+promo@Example.COM -> user@example.com
func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return strings.ToLower(addr)
	}
	local, domain := addr[:i], addr[i+1:]

	if j := strings.IndexByte(local, '+'); j >= 0 {
		local = local[:j]
	}
	domain = strings.TrimSuffix(domain, ".")

	return strings.ToLower(local) + "@" + strings.ToLower(domain)
}

// foldDomain rewrites an address with a percent-encoded or punycode
// internationalized domain into its unicode form. Anything that
// fails to decode is left exactly as it arrived.
func foldDomain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return addr
	}
	domain := addr[i+1:]
	if strings.Contains(domain, "%") {
		if dec, err := url.PathUnescape(domain); err == nil {
			domain = dec
		}
	}
	if uni, err := idna.ToUnicode(domain); err == nil && uni != "" {
		domain = uni
	}
	return addr[:i+1] + domain
}

// parseName splits a display name into first/middle/last parts.
// "Last, First" ordering is recognized; everything between the first
// and last token is the middle name.
func parseName(display string) (first, middle, last string) {
	display = strings.TrimSpace(display)
	if display == "" {
		return "", "", ""
	}
	if i := strings.IndexByte(display, ','); i >= 0 {
		last = strings.TrimSpace(display[:i])
		rest := strings.Fields(display[i+1:])
		if len(rest) > 0 {
			first = rest[0]
			middle = strings.Join(rest[1:], " ")
		}
		return first, middle, last
	}
	fields := strings.Fields(display)
	switch len(fields) {
	case 1:
		return fields[0], "", ""
	case 2:
		return fields[0], "", fields[1]
	default:
		return fields[0], strings.Join(fields[1:len(fields)-1], " "), fields[len(fields)-1]
	}
}
