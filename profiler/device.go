package profiler

import (
	"strings"

	"dnssentry/querylog"
)

var deviceLabels = []string{"iot", "mobile", "desktop", "server"}

var mobileKeywords = []string{
	"apple", "icloud", "google", "gstatic", "facebook",
	"push", "notification", "gcm", "fcm",
}

// inferDevice guesses the device class behind a client from its traffic
// shape. The winning label's share of the total score is the confidence.
func inferDevice(records []querylog.Record, domains map[string]int64, hours map[int]int64, qtypes map[string]int64) (string, float64) {
	total := float64(len(records))
	if total == 0 {
		return "desktop", 0
	}

	scores := map[string]float64{}

	// Domain diversity: appliances and servers hammer a small fixed set,
	// interactive devices roam.
	diversity := float64(len(domains)) / total
	switch {
	case diversity < 0.05:
		scores["iot"] += 2.0
		scores["server"] += 1.5
	case diversity < 0.15:
		scores["iot"] += 1.0
		scores["server"] += 1.0
	case diversity > 0.4:
		scores["desktop"] += 2.0
		scores["mobile"] += 1.5
	}

	// Always-on devices stay active around the clock.
	avgPerHour := total / 24
	active := 0
	for _, n := range hours {
		if float64(n) > 0.1*avgPerHour {
			active++
		}
	}
	if active >= 20 {
		scores["server"] += 2.0
		scores["iot"] += 1.5
	} else if active < 12 {
		scores["desktop"] += 1.5
		scores["mobile"] += 1.5
	}

	if len(qtypes) > 3 {
		scores["server"] += 1.5
	}
	if float64(qtypes["A"])/total >= 0.95 {
		scores["iot"] += 1.5
	}

	mobileHits := int64(0)
	for d, n := range domains {
		for _, kw := range mobileKeywords {
			if strings.Contains(d, kw) {
				mobileHits += n
				break
			}
		}
	}
	if float64(mobileHits)/total > 0.2 {
		scores["mobile"] += 2.5
	}

	best, sum := "desktop", 0.0
	bestScore := -1.0
	for _, label := range deviceLabels {
		sum += scores[label]
		if scores[label] > bestScore {
			best, bestScore = label, scores[label]
		}
	}
	if sum == 0 {
		return "desktop", 0
	}

	confidence := bestScore / sum
	if confidence > 1 {
		confidence = 1
	}

	return best, confidence
}
