package stringutil

import "fmt"

// CapBytes deterministically truncates s to at most max bytes. The same
// input always produces the same output, which matters when the result is
// used as a lookup key: a visitor with a degenerately long User-Agent must
// still map to the same fingerprint on every request.
func CapBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}

// SampleLong samples a long string by taking some content from the beginning
// and some from the end. Useful when reflecting user input like a query
// string into logs in case they sent something degenerately long.
func SampleLong(s string) string {
	if len(s) <= 100 {
		return s
	}

	return fmt.Sprintf("%s ... [TRUNCATED; total_length: %v characters] ... %s", s[0:50], len(s), s[len(s)-50:len(s)-1])
}
