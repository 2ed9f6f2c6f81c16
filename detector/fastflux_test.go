package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dnssentry/querylog"
)

func Test_DetectFastFlux(t *testing.T) {
	d := testDetector()

	// 20 resolved queries rotating through 12 IPs across 5 /24 subnets with
	// a high change frequency.
	ips := []string{
		"203.0.113.10", "203.0.113.77",
		"198.51.100.5", "198.51.100.88", "198.51.100.200",
		"192.0.2.15", "192.0.2.99",
		"185.10.20.1", "185.10.20.2", "185.10.20.3",
		"45.33.7.14", "45.33.7.150",
	}

	now := time.Now()
	var records []querylog.Record
	for i := 0; i < 20; i++ {
		ip := ips[i%len(ips)]
		if i == 13 || i == 17 {
			ip = records[i-1].ResponseIP // occasional repeats keep the ratio near 0.9
		}
		records = append(records, querylog.Record{
			Timestamp:  now.Add(time.Duration(i) * time.Minute),
			Domain:     "flux.example.net",
			QueryType:  "A",
			ResponseIP: ip,
		})
	}

	res := d.DetectFastFlux("flux.example.net", records)
	assert.True(t, res.IsFastFlux)
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
	assert.Equal(t, 12, res.UniqueIPs)
	assert.Equal(t, 5, res.UniqueSubnets)
	assert.GreaterOrEqual(t, res.ChangeRatio, 0.85)
}

func Test_DetectFastFluxStableDomain(t *testing.T) {
	d := testDetector()

	var records []querylog.Record
	for i := 0; i < 30; i++ {
		records = append(records, querylog.Record{
			Domain:     "www.example.com",
			QueryType:  "A",
			ResponseIP: "93.184.216.34",
		})
	}

	res := d.DetectFastFlux("www.example.com", records)
	assert.False(t, res.IsFastFlux)
	assert.Equal(t, 1, res.UniqueIPs)
	assert.Equal(t, 0.0, res.ChangeRatio)
}

func Test_DetectFastFluxInsufficientData(t *testing.T) {
	d := testDetector()

	var records []querylog.Record
	for i := 0; i < 4; i++ {
		records = append(records, querylog.Record{
			Domain:     "rare.example.com",
			ResponseIP: fmt.Sprintf("10.1.%d.1", i),
		})
	}

	res := d.DetectFastFlux("rare.example.com", records)
	assert.False(t, res.IsFastFlux)
	assert.Equal(t, 0.0, res.Confidence)
}

func Test_DetectFastFluxUnresolvedSkipped(t *testing.T) {
	d := testDetector()

	records := []querylog.Record{
		{Domain: "nx.example.com", ResponseIP: ""},
		{Domain: "nx.example.com", ResponseIP: "not-an-ip"},
	}

	res := d.DetectFastFlux("nx.example.com", records)
	assert.False(t, res.IsFastFlux)
	assert.Equal(t, 0, res.ResolvedQueries)
}
