package detector

import (
	"math"
	"regexp"

	"dnssentry/dnsutil"
)

// DGAResult is the outcome of scoring one domain for algorithmic generation.
type DGAResult struct {
	Domain         string
	IsDGA          bool
	Confidence     float64
	Entropy        float64
	ConsonantRatio float64
	DigitRatio     float64
	BigramScore    float64
	Structural     bool
}

// Payload returns the raw detection payload passed through to the
// enrichment service.
func (r DGAResult) Payload() map[string]any {
	return map[string]any{
		"domain":          r.Domain,
		"confidence":      r.Confidence,
		"entropy":         r.Entropy,
		"consonant_ratio": r.ConsonantRatio,
		"digit_ratio":     r.DigitRatio,
		"bigram_score":    r.BigramScore,
		"structural":      r.Structural,
	}
}

// Structural shapes typical of generated names: long hex blobs, long base64
// alphabet runs, and repeated consonant-vowel-consonant syllables.
var structuralPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[0-9a-f]{16,}$`),
	regexp.MustCompile(`^[a-z0-9+/]{16,}$`),
	regexp.MustCompile(`^(?:[bcdfghjklmnpqrstvwxz][aeiou][bcdfghjklmnpqrstvwxz]){3,}[0-9]*$`),
}

// DetectDGA scores a single domain. The weighted contributions are capped
// per signal: entropy up to 0.4, consonant ratio up to 0.3, digit ratio up
// to 0.2, low bigram naturalness up to 0.1, plus a flat 0.15 when the name
// matches a structural pattern.
func (d *Detector) DetectDGA(domain string) DGAResult {
	label := dnsutil.FirstLabel(domain)
	res := DGAResult{Domain: dnsutil.Normalize(domain)}
	if label == "" {
		return res
	}

	res.Entropy = dnsutil.Entropy(label)
	res.ConsonantRatio = dnsutil.ConsonantRatio(label)
	res.DigitRatio = dnsutil.DigitRatio(label)
	res.BigramScore = dnsutil.BigramScore(label)

	score := 0.0

	if res.Entropy > d.cfg.DGAEntropyThreshold {
		score += math.Min(0.4, (res.Entropy-d.cfg.DGAEntropyThreshold)*0.8)
	}
	if res.ConsonantRatio > 0.70 {
		score += math.Min(0.3, (res.ConsonantRatio-0.70)*2.0)
	}
	if res.DigitRatio > 0.30 {
		score += math.Min(0.2, (res.DigitRatio-0.30)*1.0)
	}
	if res.BigramScore < 0.3 {
		score += math.Min(0.1, (0.3-res.BigramScore)*0.5)
	}

	for _, re := range structuralPatterns {
		if re.MatchString(label) {
			res.Structural = true
			score += 0.15
			break
		}
	}

	res.Confidence = math.Min(1, score)
	res.IsDGA = res.Confidence >= d.cfg.DGAThreshold

	return res
}
