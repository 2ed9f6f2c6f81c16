// Package reputation scores domains and maintains the reputation cache.
package reputation

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"dnssentry/config"
	"dnssentry/dnsutil"
	"dnssentry/store"
)

// Result is the outcome of scoring a single domain. Score is always within
// [0,100]; the threat indicator scores are within [0,1].
type Result struct {
	Score              float64
	Category           string
	CategoryConfidence float64
	Entropy            float64
	ConsonantRatio     float64
	DigitRatio         float64
	DGAScore           float64
	TunnelingScore     float64
	Trusted            bool
}

// Scorer computes domain reputations. Construct one per process and share
// it; the only mutable state is the hot-reloadable trusted set.
type Scorer struct {
	cfg   *config.Config
	store *store.Store

	mu       sync.RWMutex
	trusted  map[string]struct{}
	suffixes []string

	patterns []*regexp.Regexp
}

// Patterns that mark a first label as machine generated regardless of the
// statistical signals. Uniform letter runs are checked separately, RE2 has
// no backreferences.
var suspiciousPatterns = []string{
	`[0-9a-f]{16,}`,
	`[0-9]{6,}`,
	`([a-z][0-9]){4,}`,
	`([0-9][a-z]){4,}`,
	`^xn--`,
}

// NewScorer builds a scorer from configuration. The trusted file, when
// configured, is loaded lazily by WatchTrustedFile.
func NewScorer(cfg *config.Config, st *store.Store) *Scorer {
	s := &Scorer{
		cfg:     cfg,
		store:   st,
		trusted: make(map[string]struct{}, len(cfg.TrustedDomains)),
	}

	for _, d := range cfg.TrustedDomains {
		s.trusted[dnsutil.Normalize(d)] = struct{}{}
	}
	for _, suf := range cfg.TrustedSuffixes {
		s.suffixes = append(s.suffixes, strings.ToLower(suf))
	}

	for _, p := range suspiciousPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(p))
	}

	return s
}

// IsTrusted reports whether a domain matches the trusted set exactly, by
// parent domain, or by configured suffix.
func (s *Scorer) IsTrusted(domain string) bool {
	domain = dnsutil.Normalize(domain)
	if domain == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.trusted[domain]; ok {
		return true
	}
	// Subdomains of a trusted domain are trusted too.
	for d := range s.trusted {
		if strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	for _, suf := range s.suffixes {
		if strings.HasSuffix(domain, suf) {
			return true
		}
	}

	return false
}

// Score computes the reputation of a domain. It is deterministic and
// case-insensitive; malformed input degrades to the neutral score.
func (s *Scorer) Score(domain string) Result {
	domain = dnsutil.Normalize(domain)
	if domain == "" {
		return Result{Score: 70, Category: "unknown"}
	}

	label := dnsutil.FirstLabel(domain)
	res := Result{
		Entropy:        dnsutil.Entropy(label),
		ConsonantRatio: dnsutil.ConsonantRatio(label),
		DigitRatio:     dnsutil.DigitRatio(label),
	}
	res.DGAScore = s.dgaScore(label, res)
	res.TunnelingScore = s.tunnelingScore(label, res)

	if s.IsTrusted(domain) {
		res.Score = s.cfg.TrustedScore
		res.Category = "trusted"
		res.CategoryConfidence = 1.0
		res.Trusted = true
		return res
	}

	score := 70.0

	if res.Entropy > 4.5 {
		score -= math.Min(30, (res.Entropy-4.5)*20)
	} else if res.Entropy < 2.5 {
		// Repetitive strings are also suspicious.
		score -= 5
	}

	if res.ConsonantRatio > 0.75 {
		score -= math.Min(20, (res.ConsonantRatio-0.75)*80)
	}

	if res.DigitRatio > 0.3 {
		score -= math.Min(15, (res.DigitRatio-0.3)*50)
	}

	score += s.cfg.TLDScores[dnsutil.TLD(domain)]

	if s.matchesSuspicious(label) {
		score -= 15
	}

	if depth := len(dnsutil.Labels(domain)); depth > 4 {
		score -= math.Min(10, float64(depth-4)*3)
	}

	if len(label) > 30 {
		score -= 10
	} else if len(label) < 3 {
		score -= 5
	}

	res.Score = math.Max(0, math.Min(100, score))
	res.Category, res.CategoryConfidence = s.categorize(domain, res.Score)

	return res
}

func (s *Scorer) matchesSuspicious(label string) bool {
	for _, re := range s.patterns {
		if re.MatchString(label) {
			return true
		}
	}
	return hasUniformRun(label, 6)
}

// hasUniformRun reports whether s contains n or more identical consecutive
// letters.
func hasUniformRun(s string, n int) bool {
	run := 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] && s[i] >= 'a' && s[i] <= 'z' {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// dgaScore folds the statistical signals into a [0,1] generation likelihood
// for reuse by the DGA detector.
func (s *Scorer) dgaScore(label string, r Result) float64 {
	score := 0.0

	if r.Entropy > s.cfg.DGAEntropyThreshold {
		score += math.Min(0.4, (r.Entropy-s.cfg.DGAEntropyThreshold)*0.8)
	}
	if r.ConsonantRatio > 0.70 {
		score += math.Min(0.3, (r.ConsonantRatio-0.70)*2.0)
	}
	if r.DigitRatio > 0.30 {
		score += math.Min(0.2, r.DigitRatio-0.30)
	}
	if len(label) > 15 {
		score += math.Min(0.1, float64(len(label)-15)*0.01)
	}

	return math.Min(1, score)
}

// tunnelingScore estimates how much a single label looks like an encoded
// tunneling chunk.
func (s *Scorer) tunnelingScore(label string, r Result) float64 {
	score := 0.0

	if len(label) > 30 {
		score += math.Min(0.5, float64(len(label)-30)*0.02)
	}
	if r.Entropy > 4.0 {
		score += math.Min(0.3, (r.Entropy-4.0)*0.3)
	}
	if r.DigitRatio > 0.2 {
		score += math.Min(0.2, r.DigitRatio*0.4)
	}

	return math.Min(1, score)
}

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"cdn", []string{"cdn", "akamai", "cloudfront", "fastly", "edgecast", "cachefly"}},
	{"advertising", []string{"ads", "adserver", "doubleclick", "adsystem", "advert"}},
	{"tracking", []string{"track", "analytics", "telemetry", "metrics", "pixel"}},
	{"social", []string{"facebook", "twitter", "instagram", "tiktok", "linkedin", "snapchat"}},
	{"streaming", []string{"netflix", "youtube", "twitch", "stream", "hulu", "spotify"}},
}

func (s *Scorer) categorize(domain string, score float64) (string, float64) {
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(domain, w) {
				return ck.category, 0.8
			}
		}
	}

	switch {
	case score < 30:
		return "suspicious", 0.6
	case score > 80:
		return "trusted", 0.6
	default:
		return "unknown", 0.3
	}
}

// GetOrCreate returns the cached reputation for a domain, creating it on
// first observation. Every call counts as an observation: query_count is
// incremented and last_seen refreshed. clientID may be empty when the
// observing client is unknown.
func (s *Scorer) GetOrCreate(ctx context.Context, domain, clientID string) (*store.DomainReputation, error) {
	domain = dnsutil.Normalize(domain)
	if domain == "" {
		return nil, fmt.Errorf("empty domain")
	}

	now := time.Now()

	touched, err := s.store.TouchReputation(ctx, domain, clientID, now)
	if err != nil {
		return nil, err
	}

	if !touched {
		r := s.Score(domain)
		rep := &store.DomainReputation{
			Domain:             domain,
			ReputationScore:    r.Score,
			EntropyScore:       r.Entropy,
			Category:           r.Category,
			CategoryConfidence: r.CategoryConfidence,
			DGAScore:           r.DGAScore,
			TunnelingScore:     r.TunnelingScore,
			ConsonantRatio:     r.ConsonantRatio,
			DigitRatio:         r.DigitRatio,
			FirstSeen:          now,
			LastSeen:           now,
			QueryCount:         1,
		}

		created, err := s.store.InsertReputation(ctx, rep)
		if err != nil {
			return nil, err
		}
		if !created {
			// Lost the race to another loop; count this observation there.
			if _, err := s.store.TouchReputation(ctx, domain, clientID, now); err != nil {
				return nil, err
			}
		} else if clientID != "" {
			if err := s.store.RecordClient(ctx, domain, clientID); err != nil {
				return nil, err
			}
		}
	}

	return s.store.Reputation(ctx, domain)
}
