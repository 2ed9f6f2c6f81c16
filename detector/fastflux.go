package detector

import (
	"math"
	"net/netip"

	"dnssentry/dnsutil"
	"dnssentry/querylog"
)

// FluxResult is the fast-flux verdict for one domain over the window.
type FluxResult struct {
	Domain          string
	IsFastFlux      bool
	Confidence      float64
	ResolvedQueries int
	UniqueIPs       int
	ChangeRatio     float64
	UniqueSubnets   int
}

// Payload returns the raw detection payload passed through to the
// enrichment service.
func (r FluxResult) Payload() map[string]any {
	return map[string]any{
		"domain":           r.Domain,
		"confidence":       r.Confidence,
		"resolved_queries": r.ResolvedQueries,
		"unique_ips":       r.UniqueIPs,
		"change_ratio":     r.ChangeRatio,
		"unique_subnets":   r.UniqueSubnets,
	}
}

// DetectFastFlux scores one domain's resolutions within the window. Fewer
// than the configured minimum of resolved queries yields a negative result.
func (d *Detector) DetectFastFlux(domain string, records []querylog.Record) FluxResult {
	res := FluxResult{Domain: dnsutil.Normalize(domain)}

	var ips []netip.Addr
	for _, r := range records {
		addr, err := netip.ParseAddr(r.ResponseIP)
		if err != nil {
			continue
		}
		ips = append(ips, addr)
	}

	res.ResolvedQueries = len(ips)
	if res.ResolvedQueries < d.cfg.FluxMinQueries {
		return res
	}

	unique := make(map[netip.Addr]struct{}, len(ips))
	subnets := make(map[netip.Prefix]struct{})
	changes := 0

	for i, ip := range ips {
		unique[ip] = struct{}{}
		if i > 0 && ip != ips[i-1] {
			changes++
		}

		bits := 24
		if ip.Is6() {
			bits = 48
		}
		if prefix, err := ip.Prefix(bits); err == nil {
			subnets[prefix] = struct{}{}
		}
	}

	res.UniqueIPs = len(unique)
	res.UniqueSubnets = len(subnets)
	if len(ips) > 1 {
		res.ChangeRatio = float64(changes) / float64(len(ips)-1)
	}

	score := 0.0

	if res.UniqueIPs >= 10 {
		score += math.Min(0.5, 0.5*float64(res.UniqueIPs)/20)
	}
	if res.ChangeRatio > 0.5 {
		score += math.Min(0.3, 0.3*res.ChangeRatio)
	}
	if res.UniqueSubnets >= 5 {
		score += 0.2
	}

	res.Confidence = math.Min(1, score)
	res.IsFastFlux = res.Confidence >= d.cfg.FluxThreshold

	return res
}
