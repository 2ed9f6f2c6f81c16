package dnsutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Normalize(t *testing.T) {
	assert.Equal(t, "example.com", Normalize("Example.COM."))
	assert.Equal(t, "example.com", Normalize(" example.com "))
	assert.Equal(t, "", Normalize(""))
}

func Test_Labels(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "example", "com"}, Labels("a.b.example.com"))
	assert.Nil(t, Labels(""))

	assert.Equal(t, "a", FirstLabel("a.b.example.com"))
	assert.Equal(t, "com", TLD("a.b.example.com"))
	assert.Equal(t, "", FirstLabel(""))
}

func Test_BaseDomain(t *testing.T) {
	assert.Equal(t, "example.com", BaseDomain("tunnel.example.com"))
	assert.Equal(t, "example.com", BaseDomain("a.b.c.example.com"))
	assert.Equal(t, "example.com", BaseDomain("example.com"))
	assert.Equal(t, "localhost", BaseDomain("localhost"))

	assert.Equal(t, "a.b.c", SubdomainPart("a.b.c.example.com"))
	assert.Equal(t, "", SubdomainPart("example.com"))
}

func Test_Entropy(t *testing.T) {
	assert.Equal(t, 0.0, Entropy(""))
	assert.Equal(t, 0.0, Entropy("aaaa"))
	assert.InDelta(t, 1.0, Entropy("abab"), 0.001)

	// More distinct characters, more bits.
	assert.Greater(t, Entropy("abcdefgh"), Entropy("aabbccdd"))
}

func Test_Ratios(t *testing.T) {
	assert.Equal(t, 1.0, ConsonantRatio("xkcd"))
	assert.Equal(t, 0.0, ConsonantRatio("aeiou"))
	assert.Equal(t, 0.0, ConsonantRatio("12345"))
	assert.InDelta(t, 0.5, ConsonantRatio("ab"), 0.001)

	assert.Equal(t, 0.0, DigitRatio("abc"))
	assert.Equal(t, 1.0, DigitRatio("123"))
	assert.InDelta(t, 0.5, DigitRatio("a1b2"), 0.001)
	assert.Equal(t, 0.0, DigitRatio(""))
}

func Test_BigramScore(t *testing.T) {
	// Natural words hit the common set far more than random consonants.
	assert.Greater(t, BigramScore("interesting"), BigramScore("xjqzkvwp"))
	assert.Equal(t, 0.0, BigramScore("1234"))
	assert.Equal(t, 0.0, BigramScore(""))
	assert.Equal(t, 0.0, BigramScore(strings.Repeat("xq", 10)))
}
