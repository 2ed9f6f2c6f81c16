package detector

import (
	"math"
	"strings"

	"github.com/miekg/dns"

	"dnssentry/dnsutil"
	"dnssentry/querylog"
)

// TunnelResult is the verdict for one base-domain group of a client's
// queries within the analysis window.
type TunnelResult struct {
	ClientID        string
	BaseDomain      string
	IsTunneling     bool
	Confidence      float64
	QueryCount      int
	AvgSubdomainLen float64
	UniqueRatio     float64
	TXTRatio        float64
	SubdomainBits   float64
}

// Payload returns the raw detection payload passed through to the
// enrichment service.
func (r TunnelResult) Payload() map[string]any {
	return map[string]any{
		"client":             r.ClientID,
		"base_domain":        r.BaseDomain,
		"confidence":         r.Confidence,
		"query_count":        r.QueryCount,
		"avg_subdomain_len":  r.AvgSubdomainLen,
		"unique_ratio":       r.UniqueRatio,
		"txt_ratio":          r.TXTRatio,
		"subdomain_entropy":  r.SubdomainBits,
	}
}

// DetectTunneling inspects one client's queries, grouped by base domain.
// Groups with fewer than the configured minimum queries are skipped; several
// groups may fire for the same client in one window.
func (d *Detector) DetectTunneling(clientID string, records []querylog.Record) []TunnelResult {
	groups := make(map[string][]querylog.Record)
	for _, r := range records {
		base := dnsutil.BaseDomain(r.Domain)
		if base == "" {
			continue
		}
		groups[base] = append(groups[base], r)
	}

	var results []TunnelResult
	for base, group := range groups {
		if len(group) < d.cfg.TunnelMinQueries {
			continue
		}

		res := d.scoreGroup(clientID, base, group)
		if res.IsTunneling {
			results = append(results, res)
		}
	}

	return results
}

func (d *Detector) scoreGroup(clientID, base string, group []querylog.Record) TunnelResult {
	unique := make(map[string]struct{}, len(group))
	totalLen, txt := 0, 0

	var allSubs strings.Builder
	for _, r := range group {
		sub := dnsutil.SubdomainPart(r.Domain)
		totalLen += len(sub)
		if _, seen := unique[sub]; !seen && sub != "" {
			unique[sub] = struct{}{}
			allSubs.WriteString(sub)
		}
		if strings.EqualFold(r.QueryType, dns.TypeToString[dns.TypeTXT]) {
			txt++
		}
	}

	res := TunnelResult{
		ClientID:        clientID,
		BaseDomain:      base,
		QueryCount:      len(group),
		AvgSubdomainLen: float64(totalLen) / float64(len(group)),
		UniqueRatio:     float64(len(unique)) / float64(len(group)),
		TXTRatio:        float64(txt) / float64(len(group)),
		SubdomainBits:   dnsutil.Entropy(allSubs.String()),
	}

	score := 0.0

	// Long encoded labels are the strongest tunneling signal.
	if res.AvgSubdomainLen > 30 {
		score += math.Min(0.4, (res.AvgSubdomainLen-30)*0.02)
	}
	if res.QueryCount > 100 {
		score += math.Min(0.3, 0.3*float64(res.QueryCount)/200)
	}
	if res.UniqueRatio > 0.8 {
		score += math.Min(0.2, 0.2*res.UniqueRatio)
	}
	if res.TXTRatio > 0.5 {
		score += math.Min(0.2, 0.2*res.TXTRatio)
	}
	if res.SubdomainBits > 4.0 {
		score += math.Min(0.15, (res.SubdomainBits-4.0)*0.1)
	}

	res.Confidence = math.Min(1, score)
	res.IsTunneling = res.Confidence >= d.cfg.TunnelThreshold

	return res
}
