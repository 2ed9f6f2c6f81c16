package reputation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnssentry/config"
	"dnssentry/store"
)

func testScorer(t *testing.T) (*Scorer, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewScorer(config.Default(), st), st
}

func Test_ScoreRange(t *testing.T) {
	s, _ := testScorer(t)

	domains := []string{
		"google.com",
		"example.com",
		"xj3k9qzv7h2nvmqlx.com",
		"a8f3e9b2c7d1a8f3e9b2c7d1.tk",
		"a.b.c.d.e.f.example.xyz",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.ml",
		"x.com",
		"",
		"...",
		strings.Repeat("q1", 40) + ".click",
	}

	for _, d := range domains {
		res := s.Score(d)
		assert.GreaterOrEqual(t, res.Score, 0.0, d)
		assert.LessOrEqual(t, res.Score, 100.0, d)
		assert.GreaterOrEqual(t, res.DGAScore, 0.0, d)
		assert.LessOrEqual(t, res.DGAScore, 1.0, d)
		assert.GreaterOrEqual(t, res.TunnelingScore, 0.0, d)
		assert.LessOrEqual(t, res.TunnelingScore, 1.0, d)
	}
}

func Test_ScoreDeterministicCaseInsensitive(t *testing.T) {
	s, _ := testScorer(t)

	for _, d := range []string{"Example.COM", "xj3k9qzv7h2nvmqlx.com", "CDN77.NET"} {
		a := s.Score(d)
		b := s.Score(strings.ToUpper(d))
		c := s.Score(strings.ToLower(d))
		assert.Equal(t, a, b, d)
		assert.Equal(t, a, c, d)
	}
}

func Test_TrustedShortCircuit(t *testing.T) {
	s, _ := testScorer(t)

	for _, d := range []string{"google.com", "GOOGLE.com.", "mail.google.com", "deep.sub.apple.com"} {
		res := s.Score(d)
		assert.Equal(t, 95.0, res.Score, d)
		assert.Equal(t, "trusted", res.Category, d)
		assert.True(t, res.Trusted, d)
	}

	// Trusted names keep their threat indicator scores; only the
	// reputation score short-circuits.
	res := s.Score("google.com")
	assert.Greater(t, res.Entropy, 0.0)
}

func Test_SuspiciousDomainScoresLow(t *testing.T) {
	s, _ := testScorer(t)

	benign := s.Score("weather.com")
	nasty := s.Score("84a3e9b2c7d14e6a9b3f.tk")

	assert.Greater(t, benign.Score, nasty.Score)
	assert.Less(t, nasty.Score, 30.0)
	assert.Equal(t, "suspicious", nasty.Category)
}

func Test_TLDAdjustments(t *testing.T) {
	s, _ := testScorer(t)

	gov := s.Score("treasury.gov")
	tk := s.Score("treasury.tk")
	assert.Greater(t, gov.Score, tk.Score)
}

func Test_SubdomainDepthPenalty(t *testing.T) {
	s, _ := testScorer(t)

	shallow := s.Score("mail.example.org")
	deep := s.Score("a.b.c.d.e.mail.example.org")
	assert.Greater(t, shallow.Score, deep.Score)
}

func Test_MalformedInputNeutral(t *testing.T) {
	s, _ := testScorer(t)

	res := s.Score("")
	assert.Equal(t, 70.0, res.Score)
	assert.Equal(t, "unknown", res.Category)
}

func Test_GetOrCreate(t *testing.T) {
	s, st := testScorer(t)
	ctx := context.Background()

	rep, err := s.GetOrCreate(ctx, "Example.COM", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, "example.com", rep.Domain)
	assert.Equal(t, int64(1), rep.QueryCount)
	assert.Equal(t, int64(1), rep.UniqueClients)
	assert.False(t, rep.FirstSeen.IsZero())

	rep, err = s.GetOrCreate(ctx, "example.com", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.QueryCount)
	assert.Equal(t, int64(2), rep.UniqueClients)

	rep, err = s.GetOrCreate(ctx, "example.com", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.QueryCount)
	assert.Equal(t, int64(2), rep.UniqueClients)

	// The cached record is what Reputation returns.
	cached, err := st.Reputation(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, rep.ReputationScore, cached.ReputationScore)

	_, err = s.GetOrCreate(ctx, "", "10.0.0.1")
	assert.Error(t, err)
}

func Test_GetOrCreateTrusted(t *testing.T) {
	s, _ := testScorer(t)

	rep, err := s.GetOrCreate(context.Background(), "google.com", "")
	require.NoError(t, err)
	assert.Equal(t, 95.0, rep.ReputationScore)
	assert.Equal(t, "trusted", rep.Category)
}

func Test_TrustedFileReload(t *testing.T) {
	s, _ := testScorer(t)

	path := filepath.Join(t.TempDir(), "trusted.list")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nexample.dev\n\ninternal.lan\n"), 0o644))

	assert.False(t, s.IsTrusted("example.dev"))
	require.NoError(t, s.LoadTrustedFile(path))
	assert.True(t, s.IsTrusted("example.dev"))
	assert.True(t, s.IsTrusted("internal.lan"))
	assert.True(t, s.IsTrusted("sub.example.dev"))

	// Config defaults survive a reload.
	assert.True(t, s.IsTrusted("google.com"))
}
