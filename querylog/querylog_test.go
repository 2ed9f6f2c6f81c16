package querylog

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

func Test_FetchRecords(t *testing.T) {
	s := testStore(t)

	now := time.Now().Truncate(time.Second)

	records := []Record{
		{Timestamp: now.Add(-2 * time.Hour), ClientID: "10.0.0.1", Domain: "old.example.com", QueryType: "A"},
		{Timestamp: now.Add(-10 * time.Minute), ClientID: "10.0.0.1", Domain: "example.com", QueryType: "A", ResponseIP: "93.184.216.34", Latency: 12 * time.Millisecond},
		{Timestamp: now.Add(-5 * time.Minute), ClientID: "10.0.0.2", Domain: "example.org", QueryType: "TXT", Blocked: true},
	}
	for _, r := range records {
		require.NoError(t, s.Append(r))
	}

	got, err := s.FetchRecords(context.Background(), now.Add(-time.Hour), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Oldest first.
	assert.Equal(t, "example.com", got[0].Domain)
	assert.Equal(t, "example.org", got[1].Domain)
	assert.Equal(t, 12*time.Millisecond, got[0].Latency)
	assert.True(t, got[1].Blocked)
}

func Test_FetchRecordsFiltered(t *testing.T) {
	s := testStore(t)

	now := time.Now()
	require.NoError(t, s.Append(Record{Timestamp: now, ClientID: "10.0.0.1", Domain: "a.com", QueryType: "A"}))
	require.NoError(t, s.Append(Record{Timestamp: now, ClientID: "10.0.0.2", Domain: "b.com", QueryType: "A"}))

	got, err := s.FetchRecords(context.Background(), now.Add(-time.Minute), Filter{ClientID: "10.0.0.2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b.com", got[0].Domain)

	got, err = s.FetchRecords(context.Background(), now.Add(-time.Minute), Filter{Domain: "a.com"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1", got[0].ClientID)
}

func Test_Cleanup(t *testing.T) {
	s := testStore(t)

	now := time.Now()
	require.NoError(t, s.Append(Record{Timestamp: now.Add(-48 * time.Hour), ClientID: "c", Domain: "a.com"}))
	require.NoError(t, s.Append(Record{Timestamp: now, ClientID: "c", Domain: "b.com"}))

	n, err := s.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
