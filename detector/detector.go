// Package detector implements pattern detectors over windows of DNS query
// records: algorithmically generated domains, DNS tunneling and fast-flux
// resolution. Detectors are pure functions of their input window; malformed
// input degrades to a negative result, never an error.
package detector

import (
	"dnssentry/config"
)

// Detector evaluates query windows against the configured thresholds.
type Detector struct {
	cfg *config.Config
}

// New builds a detector from configuration.
func New(cfg *config.Config) *Detector {
	return &Detector{cfg: cfg}
}
