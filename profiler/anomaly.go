package profiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnssentry/dnsutil"
	"dnssentry/querylog"
	"dnssentry/store"
)

// Anomaly kinds
const (
	AnomalyRateSpike      = "rate_spike"
	AnomalyNewDomainBurst = "new_domain_burst"
	AnomalyUnusualHours   = "unusual_hours"
	AnomalyQueryTypeShift = "query_type_shift"
)

// Anomaly is one behavioral deviation from a client's baseline.
type Anomaly struct {
	Kind        string
	Severity    string
	Title       string
	Description string
	Domain      string
	Payload     map[string]any
}

// DetectAnomalies compares a window of live traffic against the stored
// baseline. Clients without a baseline yield no anomalies. Zero or more
// anomalies may be returned for one window.
func (p *Profiler) DetectAnomalies(ctx context.Context, clientID string, records []querylog.Record) ([]Anomaly, error) {
	profile, err := p.store.Profile(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if profile == nil || len(records) == 0 {
		return nil, nil
	}

	var anomalies []Anomaly

	if a := p.rateSpike(profile, records); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := p.newDomainBurst(profile, records); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := p.unusualHours(profile, records); a != nil {
		anomalies = append(anomalies, *a)
	}
	anomalies = append(anomalies, p.queryTypeShift(profile, records)...)

	return anomalies, nil
}

func (p *Profiler) rateSpike(profile *store.ClientProfile, records []querylog.Record) *Anomaly {
	if profile.QueryRateStdDev <= 0 {
		return nil
	}

	window := p.cfg.AnomalyWindow.Duration
	observed := float64(len(records)) * float64(time.Hour) / float64(window)

	z := (observed - profile.NormalQueryRate) / profile.QueryRateStdDev
	if z <= profile.Sensitivity {
		return nil
	}

	severity := store.SeverityMedium
	if z > 2*profile.Sensitivity {
		severity = store.SeverityHigh
	}

	return &Anomaly{
		Kind:     AnomalyRateSpike,
		Severity: severity,
		Title:    "Query rate spike",
		Description: fmt.Sprintf("client queried %.0f times/hour against a baseline of %.1f (z=%.1f)",
			observed, profile.NormalQueryRate, z),
		Payload: map[string]any{
			"observed_rate": observed,
			"baseline_rate": profile.NormalQueryRate,
			"stddev":        profile.QueryRateStdDev,
			"z_score":       z,
		},
	}
}

func (p *Profiler) newDomainBurst(profile *store.ClientProfile, records []querylog.Record) *Anomaly {
	counts := make(map[string]int)
	for _, r := range records {
		d := dnsutil.Normalize(r.Domain)
		if _, known := profile.BaselineDomains[d]; !known {
			counts[d]++
		}
	}

	var burst []string
	for d, n := range counts {
		if n >= 3 {
			burst = append(burst, d)
		}
	}
	if len(burst) <= 10 {
		return nil
	}

	return &Anomaly{
		Kind:     AnomalyNewDomainBurst,
		Severity: store.SeverityMedium,
		Title:    "Burst of never-seen domains",
		Description: fmt.Sprintf("client repeatedly queried %d domains absent from its baseline",
			len(burst)),
		Payload: map[string]any{"new_domains": len(burst)},
	}
}

func (p *Profiler) unusualHours(profile *store.ClientProfile, records []querylog.Record) *Anomaly {
	if len(records) < 20 {
		return nil
	}

	var total int64
	for _, n := range profile.TypicalQueryHours {
		total += n
	}
	if total == 0 {
		return nil
	}

	// Hour of the newest record in the window.
	hour := records[len(records)-1].Timestamp.Hour()
	share := float64(profile.TypicalQueryHours[hour]) / float64(total)
	if share >= 0.01 {
		return nil
	}

	return &Anomaly{
		Kind:     AnomalyUnusualHours,
		Severity: store.SeverityMedium,
		Title:    "Activity at unusual hours",
		Description: fmt.Sprintf("client issued %d queries at hour %02d, which carries %.2f%% of its baseline traffic",
			len(records), hour, share*100),
		Payload: map[string]any{"hour": hour, "baseline_share": share, "queries": len(records)},
	}
}

func (p *Profiler) queryTypeShift(profile *store.ClientProfile, records []querylog.Record) []Anomaly {
	live := make(map[string]int)
	for _, r := range records {
		live[strings.ToUpper(r.QueryType)]++
	}

	var anomalies []Anomaly
	total := float64(len(records))

	for qt, n := range live {
		liveShare := float64(n) / total
		baseShare := profile.TypicalQueryTypes[qt] / 100

		if liveShare <= 0.5 || baseShare >= 0.1 {
			continue
		}

		severity := store.SeverityMedium
		if qt == dns.TypeToString[dns.TypeTXT] || qt == dns.TypeToString[dns.TypeNULL] {
			// Exfiltration-friendly record types.
			severity = store.SeverityHigh
		}

		anomalies = append(anomalies, Anomaly{
			Kind:     AnomalyQueryTypeShift,
			Severity: severity,
			Title:    fmt.Sprintf("Unusual %s query volume", qt),
			Description: fmt.Sprintf("%s queries are %.0f%% of current traffic against a baseline of %.1f%%",
				qt, liveShare*100, baseShare*100),
			Payload: map[string]any{
				"query_type":     qt,
				"live_share":     liveShare,
				"baseline_share": baseShare,
			},
		})
	}

	return anomalies
}
