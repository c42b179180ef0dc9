package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// NormalizeText lowercases s, drops URLs and collapses whitespace so that
// trivially different drafts compare equal.
func NormalizeText(s string) string {
	s = urlPattern.ReplaceAllString(s, " ")
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// ContentHash is the sha256 of the normalized text, hex encoded.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(NormalizeText(s)))
	return hex.EncodeToString(sum[:])
}

// CleanText strips URLs, collapses whitespace and cuts s to max runes.
// Case is preserved.
func CleanText(s string, max int) string {
	s = strings.Join(strings.Fields(urlPattern.ReplaceAllString(s, " ")), " ")
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max]))
}
