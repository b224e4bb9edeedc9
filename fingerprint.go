package main

import (
	"net"
	"net/http"
	"strings"

	"github.com/reloadpet/reloadpet/internal/rpstore"
	"github.com/reloadpet/reloadpet/internal/util/stringutil"
)

// visitorFingerprint derives the store key identifying a return visitor: the
// client's address joined with its User-Agent and raw query string. No
// personal data is stored beyond what every access log already sees, and the
// combined key is capped so that an adversarially long User-Agent or query
// can't balloon store memory. Truncation is deterministic, so the same
// visitor keeps mapping to the same fingerprint.
func visitorFingerprint(r *http.Request) string {
	var ip string
	if addr := clientIP(r); addr != nil {
		ip = addr.String()
	}

	return stringutil.CapBytes(ip+"|"+r.UserAgent()+"|"+r.URL.RawQuery, rpstore.MaxKeyLength)
}

func clientIP(r *http.Request) net.IP {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		// `X-Forwarded-For` may contain a number of IP addresses, with the
		// original client in the leftmost position, and each intermediary
		// proxy following. Take the original IP so a visitor's fingerprint
		// doesn't change when a proxy hop does.
		ips := strings.Split(forwardedFor, ",")
		return net.ParseIP(strings.TrimSpace(ips[0]))
	}

	ipStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}

	return net.ParseIP(ipStr)
}
