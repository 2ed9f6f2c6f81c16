package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dnssentry/config"
)

func testDetector() *Detector {
	return New(config.Default())
}

func Test_DetectDGA(t *testing.T) {
	d := testDetector()

	res := d.DetectDGA("xj3k9qzv7h2nvmqlx.com")
	assert.True(t, res.IsDGA)
	assert.Greater(t, res.Confidence, 0.5)
	assert.Equal(t, 1.0, res.ConsonantRatio)
	assert.True(t, res.Structural)
}

func Test_DetectDGABenign(t *testing.T) {
	d := testDetector()

	for _, domain := range []string{
		"google.com",
		"weather.com",
		"interesting-articles.org",
		"mail.example.net",
		"googleusercontent.com",
	} {
		res := d.DetectDGA(domain)
		assert.False(t, res.IsDGA, domain)
	}
}

func Test_DetectDGAMalformed(t *testing.T) {
	d := testDetector()

	for _, domain := range []string{"", ".", "..."} {
		res := d.DetectDGA(domain)
		assert.False(t, res.IsDGA, domain)
		assert.Equal(t, 0.0, res.Confidence, domain)
	}
}

func Test_DGAEntropyMonotonic(t *testing.T) {
	d := testDetector()

	// Both labels are all consonants with zero digit ratio and a structural
	// match; only the entropy differs. The 20 distinct consonants cross the
	// 4.2 bit threshold, 18 do not.
	low := d.DetectDGA("bcdfghjklmnpqrstvw.com")
	high := d.DetectDGA("bcdfghjklmnpqrstvwxz.com")

	assert.Greater(t, high.Entropy, low.Entropy)
	assert.Greater(t, high.Entropy, 4.2)
	assert.Less(t, low.Entropy, 4.2)
	assert.Greater(t, high.Confidence, low.Confidence)
}

func Test_DGAPayload(t *testing.T) {
	d := testDetector()

	res := d.DetectDGA("xj3k9qzv7h2nvmqlx.com")
	payload := res.Payload()

	assert.Equal(t, "xj3k9qzv7h2nvmqlx.com", payload["domain"])
	assert.Equal(t, res.Confidence, payload["confidence"])
}
