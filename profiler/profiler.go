// Package profiler builds per-client behavioral baselines from historical
// query logs and compares live traffic against them.
package profiler

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/semihalev/zlog/v2"

	"dnssentry/config"
	"dnssentry/dnsutil"
	"dnssentry/querylog"
	"dnssentry/store"
)

const topDomains = 50

// Profiler builds and refreshes client baselines.
type Profiler struct {
	cfg    *config.Config
	store  *store.Store
	source querylog.Source
}

// New builds a profiler over the given store and query log source.
func New(cfg *config.Config, st *store.Store, source querylog.Source) *Profiler {
	return &Profiler{cfg: cfg, store: st, source: source}
}

// BuildBaseline computes and persists a full behavior profile for a client.
// Clients with fewer than the configured minimum of records in the analysis
// window get no profile and no error.
func (p *Profiler) BuildBaseline(ctx context.Context, clientID string) (*store.ClientProfile, error) {
	now := time.Now()
	since := now.Add(-time.Duration(p.cfg.BaselineDays) * 24 * time.Hour)

	records, err := p.source.FetchRecords(ctx, since, querylog.Filter{ClientID: clientID})
	if err != nil {
		return nil, err
	}
	if len(records) < p.cfg.BaselineMinRecords {
		zlog.Debug("Not enough history for baseline", "client", clientID, "records", len(records))
		return nil, nil
	}

	profile := &store.ClientProfile{
		ClientID:     clientID,
		GeneratedAt:  now,
		DataPoints:   int64(len(records)),
		DaysAnalyzed: p.cfg.BaselineDays,
		Sensitivity:  p.cfg.AnomalySensitivity,
	}

	// Hourly rate statistics over buckets that saw traffic.
	buckets := make(map[time.Time]int)
	hourHist := make(map[int]int64)
	domainCounts := make(map[string]int64)
	typeCounts := make(map[string]int64)

	for _, r := range records {
		buckets[r.Timestamp.Truncate(time.Hour)]++
		hourHist[r.Timestamp.Hour()]++
		domainCounts[dnsutil.Normalize(r.Domain)]++
		typeCounts[strings.ToUpper(r.QueryType)]++
	}

	profile.NormalQueryRate, profile.QueryRateStdDev, profile.MaxQueryRate = rateStats(buckets)
	profile.TypicalQueryHours = hourHist
	profile.BaselineDomains = topDomainStats(domainCounts, float64(p.cfg.BaselineDays)*24)

	total := float64(len(records))
	profile.TypicalQueryTypes = make(map[string]float64, len(typeCounts))
	for qt, n := range typeCounts {
		profile.TypicalQueryTypes[qt] = float64(n) / total * 100
	}

	profile.DeviceType, profile.DeviceConfidence = inferDevice(records, domainCounts, hourHist, typeCounts)

	if err := p.store.SaveProfile(ctx, profile); err != nil {
		return nil, err
	}

	zlog.Info("Client baseline built", "client", clientID, "records", len(records),
		"device", profile.DeviceType, "rate", profile.NormalQueryRate)

	return profile, nil
}

func rateStats(buckets map[time.Time]int) (mean, stddev, max float64) {
	if len(buckets) == 0 {
		return 0, 0, 0
	}

	total := 0.0
	for _, n := range buckets {
		c := float64(n)
		total += c
		if c > max {
			max = c
		}
	}
	mean = total / float64(len(buckets))

	variance := 0.0
	for _, n := range buckets {
		d := float64(n) - mean
		variance += d * d
	}
	stddev = math.Sqrt(variance / float64(len(buckets)))

	return mean, stddev, max
}

func topDomainStats(counts map[string]int64, windowHours float64) map[string]store.DomainStat {
	type dc struct {
		domain string
		count  int64
	}

	sorted := make([]dc, 0, len(counts))
	for d, n := range counts {
		sorted = append(sorted, dc{d, n})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].domain < sorted[j].domain
	})

	if len(sorted) > topDomains {
		sorted = sorted[:topDomains]
	}

	stats := make(map[string]store.DomainStat, len(sorted))
	for _, e := range sorted {
		stats[e.domain] = store.DomainStat{
			TotalCount: e.count,
			HourlyAvg:  float64(e.count) / windowHours,
		}
	}

	return stats
}

// RefreshIncremental applies an exponential moving average refresh to the
// rate statistic from the last hour of traffic. Baseline tables are only
// touched by a full rebuild.
func (p *Profiler) RefreshIncremental(ctx context.Context, clientID string) error {
	profile, err := p.store.Profile(ctx, clientID)
	if err != nil {
		return err
	}
	if profile == nil {
		return nil
	}

	records, err := p.source.FetchRecords(ctx, time.Now().Add(-time.Hour), querylog.Filter{ClientID: clientID})
	if err != nil {
		return err
	}

	observed := float64(len(records))
	alpha := p.cfg.EMAAlpha
	newRate := alpha*observed + (1-alpha)*profile.NormalQueryRate

	return p.store.UpdateProfileRate(ctx, clientID, newRate, observed)
}
