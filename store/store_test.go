package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func Test_ReputationRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	rep, err := s.Reputation(ctx, "example.com")
	require.NoError(t, err)
	assert.Nil(t, rep)

	created, err := s.InsertReputation(ctx, &DomainReputation{
		Domain:          "example.com",
		ReputationScore: 70,
		EntropyScore:    2.8,
		Category:        "unknown",
		FirstSeen:       now,
		LastSeen:        now,
		QueryCount:      1,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Second insert is ignored, not an error.
	created, err = s.InsertReputation(ctx, &DomainReputation{
		Domain: "example.com", ReputationScore: 10, FirstSeen: now, LastSeen: now,
	})
	require.NoError(t, err)
	assert.False(t, created)

	ok, err := s.TouchReputation(ctx, "example.com", "10.0.0.1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TouchReputation(ctx, "example.com", "10.0.0.2", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	rep, err = s.Reputation(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, 70.0, rep.ReputationScore)
	assert.Equal(t, int64(3), rep.QueryCount)
	assert.Equal(t, int64(2), rep.UniqueClients)
	assert.Equal(t, now.Add(2*time.Minute).Unix(), rep.LastSeen.Unix())

	ok, err = s.TouchReputation(ctx, "absent.com", "", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_MissingReputation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.InsertReputation(ctx, &DomainReputation{
		Domain: "known.com", ReputationScore: 70, FirstSeen: now, LastSeen: now,
	})
	require.NoError(t, err)

	missing, err := s.MissingReputation(ctx, []string{"known.com", "a.com", "b.com", "c.com"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com", "b.com"}, missing)

	missing, err = s.MissingReputation(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func Test_ProfileRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	p, err := s.Profile(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.Nil(t, p)

	profile := &ClientProfile{
		ClientID: "10.0.0.9",
		BaselineDomains: map[string]DomainStat{
			"example.com": {TotalCount: 120, HourlyAvg: 0.7},
		},
		TypicalQueryHours: map[int]int64{9: 40, 10: 80},
		TypicalQueryTypes: map[string]float64{"A": 95.0, "AAAA": 5.0},
		DeviceType:        "iot",
		DeviceConfidence:  0.6,
		NormalQueryRate:   12.5,
		QueryRateStdDev:   3.1,
		MaxQueryRate:      40,
		GeneratedAt:       now,
		DataPoints:        500,
		DaysAnalyzed:      7,
		Sensitivity:       2.0,
	}
	require.NoError(t, s.SaveProfile(ctx, profile))

	got, err := s.Profile(ctx, "10.0.0.9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, profile.BaselineDomains, got.BaselineDomains)
	assert.Equal(t, profile.TypicalQueryHours, got.TypicalQueryHours)
	assert.Equal(t, "iot", got.DeviceType)
	assert.Equal(t, 12.5, got.NormalQueryRate)

	// Incremental rate update leaves baseline tables alone and never lowers
	// the observed maximum.
	require.NoError(t, s.UpdateProfileRate(ctx, "10.0.0.9", 14.0, 20))
	got, err = s.Profile(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, 14.0, got.NormalQueryRate)
	assert.Equal(t, 40.0, got.MaxQueryRate)
	assert.Equal(t, profile.BaselineDomains, got.BaselineDomains)

	require.NoError(t, s.UpdateProfileRate(ctx, "10.0.0.9", 15.0, 60))
	got, err = s.Profile(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.MaxQueryRate)

	profiled, err := s.ProfiledClients(ctx, []string{"10.0.0.9", "10.0.0.10"})
	require.NoError(t, err)
	assert.True(t, profiled["10.0.0.9"])
	assert.False(t, profiled["10.0.0.10"])
}

func Test_CreateAlertDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	alert := &Alert{
		ID:        "a-1",
		CreatedAt: now,
		Type:      AlertDGA,
		Severity:  SeverityHigh,
		ClientID:  "10.0.0.1",
		Domain:    "xj3k9qzv7h2nvmqlx.com",
		Title:     "DGA domain detected",
		Payload:   map[string]any{"confidence": 0.8},
		Status:    StatusOpen,
	}

	created, err := s.CreateAlert(ctx, alert, time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	// Same type/client/domain within the window is suppressed.
	dup := *alert
	dup.ID = "a-2"
	dup.CreatedAt = now.Add(10 * time.Minute)
	created, err = s.CreateAlert(ctx, &dup, time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	// Outside the window it fires again.
	late := *alert
	late.ID = "a-3"
	late.CreatedAt = now.Add(2 * time.Hour)
	created, err = s.CreateAlert(ctx, &late, time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := s.AlertByID(ctx, "a-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, AlertDGA, got.Type)
	assert.Equal(t, 0.8, got.Payload["confidence"])

	missing, err := s.AlertByID(ctx, "a-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func Test_ClientRiskEscalation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	mk := func(id, typ, severity string, at time.Time) *Alert {
		return &Alert{
			ID: id, CreatedAt: at, Type: typ, Severity: severity,
			ClientID: "10.0.0.5", Domain: id + ".com", Status: StatusOpen,
		}
	}

	_, err := s.CreateAlert(ctx, mk("r-1", AlertBehavioral, SeverityMedium, now), time.Hour)
	require.NoError(t, err)

	risk, err := s.ClientRiskFor(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, risk)
	assert.Equal(t, "medium", risk.RiskLevel)
	assert.Equal(t, int64(1), risk.Anomalies24h)

	_, err = s.CreateAlert(ctx, mk("r-2", AlertTunneling, SeverityHigh, now), time.Hour)
	require.NoError(t, err)

	risk, err = s.ClientRiskFor(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "high", risk.RiskLevel)
	assert.Equal(t, int64(2), risk.Anomalies24h)

	// Medium never downgrades an established high.
	_, err = s.CreateAlert(ctx, mk("r-3", AlertDGA, SeverityMedium, now), time.Hour)
	require.NoError(t, err)

	risk, err = s.ClientRiskFor(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "high", risk.RiskLevel)
	assert.Equal(t, now.Unix(), risk.LastAnomalyAt.Unix())
}

func Test_EnrichmentFlow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	alerts := []*Alert{
		{ID: "e-1", CreatedAt: now.Add(-2 * time.Minute), Type: AlertDGA, Severity: SeverityHigh, Domain: "a.com", Status: StatusOpen},
		{ID: "e-2", CreatedAt: now.Add(-time.Minute), Type: AlertTunneling, Severity: SeverityHigh, Domain: "b.com", Status: StatusOpen},
		{ID: "e-3", CreatedAt: now.Add(-48 * time.Hour), Type: AlertDGA, Severity: SeverityLow, Domain: "stale.com", Status: StatusOpen},
	}
	for _, a := range alerts {
		created, err := s.CreateAlert(ctx, a, time.Hour)
		require.NoError(t, err)
		require.True(t, created)
	}

	// Stale alerts fall out of the enrichment queue.
	open, err := s.OpenUnenriched(ctx, 5, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "e-1", open[0].ID)

	require.NoError(t, s.SaveEnrichment(ctx, "e-1", "algorithmic domain", []string{"block it"}, 0.9))

	open, err = s.OpenUnenriched(ctx, 5, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "e-2", open[0].ID)

	got, err := s.AlertByID(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "algorithmic domain", got.Explanation)
	assert.Equal(t, []string{"block it"}, got.Remediation)
	assert.Equal(t, 0.9, got.Confidence)
	assert.False(t, got.EnrichedAt.IsZero())

	n, err := s.CleanupAlerts(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
