// Package engine schedules the analysis loops. Four independent loops share
// one store: realtime detection, baseline maintenance, reputation scoring
// and alert enrichment. A failing cycle is logged and the next tick retries;
// one loop's failure never stops the others.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"

	"dnssentry/alerting"
	"dnssentry/config"
	"dnssentry/detector"
	"dnssentry/dnsutil"
	"dnssentry/enrich"
	"dnssentry/profiler"
	"dnssentry/querylog"
	"dnssentry/reputation"
	"dnssentry/store"
)

// Loop names used in logs and metric labels.
const (
	loopRealtime   = "realtime"
	loopBaseline   = "baseline"
	loopReputation = "reputation"
	loopEnrichment = "enrichment"
)

// How long a cached enrichment analysis stays valid on a domain record.
const analysisTTL = 7 * 24 * time.Hour

// Deps are the engine's collaborators. Enricher may be nil, which disables
// the enrichment loop.
type Deps struct {
	Source   querylog.Source
	Store    *store.Store
	Scorer   *reputation.Scorer
	Detector *detector.Detector
	Profiler *profiler.Profiler
	Alerts   *alerting.Manager
	Enricher enrich.Service
}

// Engine drives the four analysis loops until its context is canceled.
type Engine struct {
	cfg  *config.Config
	deps Deps
	m    *metrics

	// tick is swappable so tests can drive cycles without real timers.
	tick func(d time.Duration) (<-chan time.Time, func())
}

// New builds an engine and registers its metrics.
func New(cfg *config.Config, deps Deps, reg prometheus.Registerer) *Engine {
	return &Engine{
		cfg:  cfg,
		deps: deps,
		m:    newMetrics(reg),
		tick: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Run starts the loops and blocks until the context is canceled. Each loop
// runs one cycle immediately, then on its own interval.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.loop(ctx, loopRealtime, e.cfg.RealtimeInterval.Duration, e.runRealtime)
	})
	g.Go(func() error {
		return e.loop(ctx, loopBaseline, e.cfg.BaselineInterval.Duration, e.runBaseline)
	})
	g.Go(func() error {
		return e.loop(ctx, loopReputation, e.cfg.ReputationInterval.Duration, e.runReputation)
	})
	if e.deps.Enricher != nil {
		g.Go(func() error {
			return e.loop(ctx, loopEnrichment, e.cfg.EnrichInterval.Duration, e.runEnrichment)
		})
	}

	zlog.Info("Analysis engine started",
		"realtime", e.cfg.RealtimeInterval.Duration.String(),
		"baseline", e.cfg.BaselineInterval.Duration.String(),
		"reputation", e.cfg.ReputationInterval.Duration.String(),
		"enrichment", e.deps.Enricher != nil)

	return g.Wait()
}

func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ch, stop := e.tick(interval)
	defer stop()

	e.cycle(ctx, name, fn)

	for {
		select {
		case <-ctx.Done():
			zlog.Info("Loop stopped", "loop", name)
			return nil
		case <-ch:
			e.cycle(ctx, name, fn)
		}
	}
}

// cycle runs one iteration behind a recover so a panicking detector cannot
// take the whole engine down.
func (e *Engine) cycle(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			e.m.cycleFailures.WithLabelValues(name).Inc()
			zlog.Error("Cycle panic", "loop", name, "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	e.m.cycles.WithLabelValues(name).Inc()

	if err := fn(ctx); err != nil {
		e.m.cycleFailures.WithLabelValues(name).Inc()
		zlog.Error("Cycle failed", "loop", name, "error", err.Error())
		return
	}

	e.m.cycleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func (e *Engine) createAlert(ctx context.Context, a *store.Alert) {
	created, err := e.deps.Alerts.CreateIfNew(ctx, a)
	if err != nil {
		zlog.Error("Alert creation failed", "type", a.Type, "client", a.ClientID,
			"domain", a.Domain, "error", err.Error())
		return
	}
	if created != nil {
		e.m.alertsCreated.WithLabelValues(a.Type, a.Severity).Inc()
	}
}

func severityFor(confidence float64) string {
	if confidence >= 0.8 {
		return store.SeverityHigh
	}
	return store.SeverityMedium
}

// runRealtime fetches the recent window once and fans it out to the
// detectors. Domains and clients are considered active when they appear
// within the last two intervals; detectors still see their own, longer
// windows of history.
func (e *Engine) runRealtime(ctx context.Context) error {
	now := time.Now()

	lookback := e.cfg.TunnelWindow.Duration
	if e.cfg.FluxWindow.Duration > lookback {
		lookback = e.cfg.FluxWindow.Duration
	}
	if e.cfg.AnomalyWindow.Duration > lookback {
		lookback = e.cfg.AnomalyWindow.Duration
	}

	records, err := e.deps.Source.FetchRecords(ctx, now.Add(-lookback), querylog.Filter{})
	if err != nil {
		return fmt.Errorf("fetch query window: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	recentCut := now.Add(-2 * e.cfg.RealtimeInterval.Duration)

	byClient := make(map[string][]querylog.Record)
	byDomain := make(map[string][]querylog.Record)
	observers := make(map[string]map[string]struct{}) // recent clients per domain

	for _, r := range records {
		domain := dnsutil.Normalize(r.Domain)
		byClient[r.ClientID] = append(byClient[r.ClientID], r)
		byDomain[domain] = append(byDomain[domain], r)

		if !r.Timestamp.Before(recentCut) {
			if observers[domain] == nil {
				observers[domain] = make(map[string]struct{})
			}
			observers[domain][r.ClientID] = struct{}{}
		}
	}

	e.detectDomains(ctx, now, byDomain, observers)
	e.detectClients(ctx, now, byClient, observers)

	return nil
}

func (e *Engine) detectDomains(ctx context.Context, now time.Time, byDomain map[string][]querylog.Record, observers map[string]map[string]struct{}) {
	fluxCut := now.Add(-e.cfg.FluxWindow.Duration)

	for domain, clients := range observers {
		if ctx.Err() != nil {
			return
		}
		if e.deps.Scorer.IsTrusted(domain) {
			continue
		}

		if res := e.deps.Detector.DetectDGA(domain); res.IsDGA {
			for client := range clients {
				e.createAlert(ctx, &store.Alert{
					Type:     store.AlertDGA,
					Severity: severityFor(res.Confidence),
					ClientID: client,
					Domain:   domain,
					Title:    "Possible DGA domain",
					Description: fmt.Sprintf("%s looks machine generated (confidence %.2f, entropy %.2f)",
						domain, res.Confidence, res.Entropy),
					Payload: res.Payload(),
				})
			}
		}

		fluxRecords := recordsSince(byDomain[domain], fluxCut)
		if res := e.deps.Detector.DetectFastFlux(domain, fluxRecords); res.IsFastFlux {
			for client := range clients {
				e.createAlert(ctx, &store.Alert{
					Type:     store.AlertFastFlux,
					Severity: severityFor(res.Confidence),
					ClientID: client,
					Domain:   domain,
					Title:    "Fast-flux resolution pattern",
					Description: fmt.Sprintf("%s resolved to %d addresses across %d subnets within the window",
						domain, res.UniqueIPs, res.UniqueSubnets),
					Payload: res.Payload(),
				})
			}
		}
	}
}

func (e *Engine) detectClients(ctx context.Context, now time.Time, byClient map[string][]querylog.Record, observers map[string]map[string]struct{}) {
	active := make(map[string]struct{})
	for _, clients := range observers {
		for c := range clients {
			active[c] = struct{}{}
		}
	}

	anomalyCut := now.Add(-e.cfg.AnomalyWindow.Duration)

	for client := range active {
		if ctx.Err() != nil {
			return
		}

		for _, res := range e.deps.Detector.DetectTunneling(client, byClient[client]) {
			if e.deps.Scorer.IsTrusted(res.BaseDomain) {
				continue
			}
			e.createAlert(ctx, &store.Alert{
				Type:     store.AlertTunneling,
				Severity: severityFor(res.Confidence),
				ClientID: client,
				Domain:   res.BaseDomain,
				Title:    "Possible DNS tunneling",
				Description: fmt.Sprintf("%d queries under %s with %.1f-char subdomains (confidence %.2f)",
					res.QueryCount, res.BaseDomain, res.AvgSubdomainLen, res.Confidence),
				Payload: res.Payload(),
			})
		}

		anomalies, err := e.deps.Profiler.DetectAnomalies(ctx, client, recordsSince(byClient[client], anomalyCut))
		if err != nil {
			zlog.Error("Anomaly detection failed", "client", client, "error", err.Error())
			continue
		}
		for _, a := range anomalies {
			payload := a.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			payload["anomaly"] = a.Kind

			e.createAlert(ctx, &store.Alert{
				Type:        store.AlertBehavioral,
				Severity:    a.Severity,
				ClientID:    client,
				Domain:      a.Domain,
				Title:       a.Title,
				Description: a.Description,
				Payload:     payload,
			})
		}
	}
}

func recordsSince(records []querylog.Record, cut time.Time) []querylog.Record {
	out := make([]querylog.Record, 0, len(records))
	for _, r := range records {
		if !r.Timestamp.Before(cut) {
			out = append(out, r)
		}
	}
	return out
}

// runBaseline builds missing client profiles, refreshes existing ones with
// the last hour of traffic and expires old alerts. Work per cycle is
// bounded so a cold start with thousands of clients converges over several
// cycles instead of stalling one.
func (e *Engine) runBaseline(ctx context.Context) error {
	now := time.Now()

	records, err := e.deps.Source.FetchRecords(ctx, now.Add(-e.cfg.BaselineInterval.Duration), querylog.Filter{})
	if err != nil {
		return fmt.Errorf("fetch active clients: %w", err)
	}

	seen := make(map[string]struct{})
	clients := make([]string, 0)
	for _, r := range records {
		if _, ok := seen[r.ClientID]; !ok {
			seen[r.ClientID] = struct{}{}
			clients = append(clients, r.ClientID)
		}
	}

	profiled, err := e.deps.Store.ProfiledClients(ctx, clients)
	if err != nil {
		return err
	}

	built, refreshed := 0, 0
	for _, client := range clients {
		if ctx.Err() != nil {
			return nil
		}

		if profiled[client] {
			if refreshed >= e.cfg.RefreshBatch {
				continue
			}
			if err := e.deps.Profiler.RefreshIncremental(ctx, client); err != nil {
				zlog.Error("Baseline refresh failed", "client", client, "error", err.Error())
				continue
			}
			refreshed++
			continue
		}

		if built >= e.cfg.BaselineBatch {
			continue
		}
		profile, err := e.deps.Profiler.BuildBaseline(ctx, client)
		if err != nil {
			zlog.Error("Baseline build failed", "client", client, "error", err.Error())
			continue
		}
		if profile != nil {
			built++
			e.m.profilesBuilt.Inc()
		}
	}

	removed, err := e.deps.Store.CleanupAlerts(e.cfg.AlertRetention.Duration)
	if err != nil {
		return err
	}

	zlog.Debug("Baseline cycle done", "clients", len(clients), "built", built,
		"refreshed", refreshed, "alerts_expired", removed)

	return nil
}

// runReputation scores domains seen recently that have no reputation record
// yet. Newly scored domains landing below the suspicion line raise a
// reputation alert attributed to an observing client.
func (e *Engine) runReputation(ctx context.Context) error {
	now := time.Now()

	records, err := e.deps.Source.FetchRecords(ctx, now.Add(-2*e.cfg.ReputationInterval.Duration), querylog.Filter{})
	if err != nil {
		return fmt.Errorf("fetch recent domains: %w", err)
	}

	observer := make(map[string]string)
	domains := make([]string, 0)
	for _, r := range records {
		d := dnsutil.Normalize(r.Domain)
		if d == "" {
			continue
		}
		if _, ok := observer[d]; !ok {
			observer[d] = r.ClientID
			domains = append(domains, d)
		}
	}

	missing, err := e.deps.Store.MissingReputation(ctx, domains, e.cfg.ReputationBatch)
	if err != nil {
		return err
	}

	for _, domain := range missing {
		if ctx.Err() != nil {
			return nil
		}

		rep, err := e.deps.Scorer.GetOrCreate(ctx, domain, observer[domain])
		if err != nil {
			zlog.Error("Reputation scoring failed", "domain", domain, "error", err.Error())
			continue
		}

		e.m.domainsScored.Inc()
		e.m.scores.Observe(rep.ReputationScore)

		if rep.ReputationScore >= 30 {
			continue
		}

		severity := store.SeverityMedium
		if rep.ReputationScore < 15 {
			severity = store.SeverityHigh
		}

		e.createAlert(ctx, &store.Alert{
			Type:     store.AlertReputation,
			Severity: severity,
			ClientID: observer[domain],
			Domain:   domain,
			Title:    "Low reputation domain",
			Description: fmt.Sprintf("%s scored %.1f on first sight (category %s)",
				domain, rep.ReputationScore, rep.Category),
			Payload: map[string]any{
				"score":           rep.ReputationScore,
				"category":        rep.Category,
				"entropy":         rep.EntropyScore,
				"dga_score":       rep.DGAScore,
				"tunneling_score": rep.TunnelingScore,
			},
		})
	}

	return nil
}

// runEnrichment sends a bounded batch of open, unexplained alerts to the
// enrichment service. Failures leave the alert untouched for the next cycle.
func (e *Engine) runEnrichment(ctx context.Context) error {
	alerts, err := e.deps.Store.OpenUnenriched(ctx, e.cfg.EnrichBatch, e.cfg.EnrichMaxAge.Duration)
	if err != nil {
		return err
	}

	for i := range alerts {
		if ctx.Err() != nil {
			return nil
		}
		a := &alerts[i]

		payload := map[string]any{
			"type":        a.Type,
			"severity":    a.Severity,
			"client":      a.ClientID,
			"domain":      a.Domain,
			"title":       a.Title,
			"description": a.Description,
		}
		for k, v := range a.Payload {
			payload[k] = v
		}

		enr, err := e.deps.Enricher.Explain(ctx, payload)
		if err != nil {
			e.m.enrichErrors.Inc()
			zlog.Warn("Enrichment failed", "alert", a.ID, "error", err.Error())
			continue
		}

		if err := e.deps.Store.SaveEnrichment(ctx, a.ID, enr.Explanation, enr.Remediation, enr.Confidence); err != nil {
			return err
		}
		e.m.enrichments.Inc()

		if a.Type == store.AlertReputation && a.Domain != "" {
			if err := e.deps.Store.SaveAnalysis(ctx, a.Domain, enr.Explanation, time.Now().Add(analysisTTL)); err != nil {
				zlog.Warn("Analysis cache write failed", "domain", a.Domain, "error", err.Error())
			}
		}
	}

	return nil
}
