// Package dnsutil provides pure helpers for analyzing domain name strings.
package dnsutil

import (
	"math"
	"strings"
)

// Normalize lowercases a domain and strips the trailing root dot.
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Labels splits a normalized domain into its labels. Empty input gives nil.
func Labels(domain string) []string {
	domain = Normalize(domain)
	if domain == "" {
		return nil
	}
	return strings.Split(domain, ".")
}

// FirstLabel returns the leftmost label of a domain, or "" for empty input.
func FirstLabel(domain string) string {
	labels := Labels(domain)
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}

// TLD returns the rightmost label of a domain, or "" for empty input.
func TLD(domain string) string {
	labels := Labels(domain)
	if len(labels) == 0 {
		return ""
	}
	return labels[len(labels)-1]
}

// BaseDomain returns the registrable second-level domain, e.g.
// "a.b.example.com" gives "example.com". Single-label names are returned
// unchanged. This is a naive two-label cut, not a public-suffix lookup.
func BaseDomain(domain string) string {
	labels := Labels(domain)
	if len(labels) < 2 {
		return Normalize(domain)
	}
	return labels[len(labels)-2] + "." + labels[len(labels)-1]
}

// SubdomainPart returns everything left of the base domain, "" when the
// name has no labels beyond the base domain.
func SubdomainPart(domain string) string {
	domain = Normalize(domain)
	base := BaseDomain(domain)
	if domain == base {
		return ""
	}
	return strings.TrimSuffix(domain, "."+base)
}

// Entropy computes the Shannon entropy of s in bits per character.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}

	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}

	entropy := 0.0
	n := float64(len(s))
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}

	return entropy
}

// ConsonantRatio returns the fraction of letters in s that are consonants.
// Strings without letters give 0.
func ConsonantRatio(s string) float64 {
	s = strings.ToLower(s)

	letters, consonants := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'a' || c > 'z' {
			continue
		}
		letters++
		switch c {
		case 'a', 'e', 'i', 'o', 'u':
		default:
			consonants++
		}
	}

	if letters == 0 {
		return 0
	}
	return float64(consonants) / float64(letters)
}

// DigitRatio returns the fraction of characters in s that are digits.
func DigitRatio(s string) float64 {
	if s == "" {
		return 0
	}

	digits := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits++
		}
	}

	return float64(digits) / float64(len(s))
}

// commonBigrams holds frequent adjacent letter pairs in English words.
// Names produced by generation algorithms score low against this set.
var commonBigrams = map[string]struct{}{}

func init() {
	for _, bg := range []string{
		"th", "he", "in", "er", "an", "re", "nd", "at", "on", "nt",
		"ha", "es", "st", "en", "ed", "to", "it", "ou", "ea", "hi",
		"is", "or", "ti", "as", "te", "et", "ng", "of", "al", "de",
		"se", "le", "sa", "si", "ar", "ve", "ra", "ld", "ur", "ri",
		"ne", "me", "el", "co", "ta", "ma", "li", "lo", "ro", "ca",
	} {
		commonBigrams[bg] = struct{}{}
	}
}

// BigramScore returns the fraction of adjacent letter pairs in s found in a
// fixed common English bigram set. Strings with no letter pairs give 0.
func BigramScore(s string) float64 {
	s = strings.ToLower(s)

	pairs, hits := 0, 0
	for i := 0; i+1 < len(s); i++ {
		a, b := s[i], s[i+1]
		if a < 'a' || a > 'z' || b < 'a' || b > 'z' {
			continue
		}
		pairs++
		if _, ok := commonBigrams[s[i:i+2]]; ok {
			hits++
		}
	}

	if pairs == 0 {
		return 0
	}
	return float64(hits) / float64(pairs)
}
