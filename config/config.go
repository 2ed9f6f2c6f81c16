package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config holds every tunable of the analytics engine. All detector weights,
// thresholds and trusted-domain tables are configuration, not constants, so
// operators can retune the heuristics without a rebuild.
type Config struct {
	Version  string
	LogLevel string

	// Data sources
	QueryLogDB string
	AnalyticsDB string

	// Optional HTTP listener for metrics and the alert websocket feed,
	// left blank for disabled.
	Bind string

	// Enrichment service endpoint, left blank for disabled.
	EnrichURL       string
	EnrichTimeout   Duration
	EnrichRateLimit float64

	// Optional newline-delimited trusted domains file, hot reloaded.
	TrustedFile string

	// Loop intervals
	RealtimeInterval   Duration
	BaselineInterval   Duration
	ReputationInterval Duration
	EnrichInterval     Duration

	// Per-cycle batch bounds
	BaselineBatch   int
	RefreshBatch    int
	ReputationBatch int
	EnrichBatch     int

	// Reputation scorer
	TrustedDomains  []string
	TrustedSuffixes []string
	TrustedScore    float64
	TLDScores       map[string]float64

	// Detector thresholds and weights
	DGAThreshold        float64
	DGAEntropyThreshold float64
	TunnelThreshold     float64
	TunnelMinQueries    int
	TunnelWindow        Duration
	FluxThreshold       float64
	FluxMinQueries      int
	FluxWindow          Duration

	// Profiler
	BaselineDays       int
	BaselineMinRecords int
	AnomalySensitivity float64
	AnomalyWindow      Duration
	EMAAlpha           float64

	// Alerting
	AlertDedupWindow Duration
	AlertRetention   Duration
	EnrichMaxAge     Duration

	sVersion string
}

// BuildVersion returns the binary version the config was loaded with.
func (c *Config) BuildVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# What kind of information should be logged, log verbosity level [error,warn,info,debug]
loglevel = "info"

# SQLite database the upstream resolver appends query logs to. Read-only here.
querylogdb = "querylog.db"

# SQLite database for reputation cache, client profiles and alerts.
analyticsdb = "analytics.db"

# Address to bind for prometheus metrics and the live alert websocket feed,
# left blank for disabled.
bind = "127.0.0.1:8055"

# Enrichment service endpoint (HTTP POST, JSON in/out), left blank for disabled.
enrichurl = ""

# Per call timeout for the enrichment service
enrichtimeout = "30s"

# Maximum enrichment calls per second
enrichratelimit = 1.0

# Optional newline-delimited trusted domains file, reloaded on change.
trustedfile = ""

# Loop intervals
realtimeinterval = "30s"
baselineinterval = "1h"
reputationinterval = "5m"
enrichinterval = "60s"

# Per cycle batch bounds
baselinebatch = 10
refreshbatch = 20
reputationbatch = 100
enrichbatch = 5

# Domains that short-circuit to the trusted score.
trusteddomains = [
"google.com",
"googleapis.com",
"gstatic.com",
"youtube.com",
"facebook.com",
"instagram.com",
"whatsapp.net",
"apple.com",
"icloud.com",
"microsoft.com",
"windows.com",
"office.com",
"amazon.com",
"amazonaws.com",
"cloudflare.com",
"akamai.net",
"akamaiedge.net",
"fastly.net",
"github.com",
"netflix.com",
"spotify.com",
"wikipedia.org"
]

# Suffixes that also short-circuit to the trusted score.
trustedsuffixes = [
".in-addr.arpa",
".ip6.arpa"
]

# Score assigned to trusted matches.
trustedscore = 95.0

# Detector thresholds
dgathreshold = 0.5
dgaentropythreshold = 4.2
tunnelthreshold = 0.5
tunnelminqueries = 10
tunnelwindow = "1h"
fluxthreshold = 0.5
fluxminqueries = 5
fluxwindow = "1h"

# Profiler
baselinedays = 7
baselineminrecords = 100
anomalysensitivity = 2.0
anomalywindow = "30m"
emaalpha = 0.1

# Alerting
alertdedupwindow = "1h"
alertretention = "720h"
enrichmaxage = "24h"

# Per TLD reputation adjustments, unlisted TLDs get 0. Keep this table last,
# scalar keys below it would be parsed as part of the table.
[tldscores]
gov = 15.0
edu = 15.0
mil = 15.0
org = 5.0
tk = -15.0
ml = -15.0
ga = -15.0
cf = -15.0
gq = -15.0
xyz = -10.0
top = -10.0
click = -10.0
work = -5.0
loan = -5.0
download = -5.0
racing = -5.0
`

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}
	defer output.Close()

	if _, err := fmt.Fprintf(output, defaultConfig, configver); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}

	zlog.Info("Default config file generated", "config", path)

	return nil
}

// Load reads the config file, generating a default one when it is missing.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	config.sVersion = version
	config.applyDefaults()

	if config.Version != configver {
		zlog.Warn("Config file is out of date, you can generate a new one removing the file", "version", config.Version)
	}

	return config, nil
}

// Default returns a config with every field at its default value, without
// touching the filesystem. Library consumers start from this.
func Default() *Config {
	config := new(Config)
	if _, err := toml.Decode(fmt.Sprintf(defaultConfig, configver), config); err != nil {
		panic(err)
	}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RealtimeInterval.Duration == 0 {
		c.RealtimeInterval.Duration = 30 * time.Second
	}
	if c.BaselineInterval.Duration == 0 {
		c.BaselineInterval.Duration = time.Hour
	}
	if c.ReputationInterval.Duration == 0 {
		c.ReputationInterval.Duration = 5 * time.Minute
	}
	if c.EnrichInterval.Duration == 0 {
		c.EnrichInterval.Duration = 60 * time.Second
	}
	if c.BaselineBatch == 0 {
		c.BaselineBatch = 10
	}
	if c.RefreshBatch == 0 {
		c.RefreshBatch = 20
	}
	if c.ReputationBatch == 0 {
		c.ReputationBatch = 100
	}
	if c.EnrichBatch == 0 {
		c.EnrichBatch = 5
	}
	if c.TrustedScore == 0 {
		c.TrustedScore = 95.0
	}
	if c.DGAThreshold == 0 {
		c.DGAThreshold = 0.5
	}
	if c.DGAEntropyThreshold == 0 {
		c.DGAEntropyThreshold = 4.2
	}
	if c.TunnelThreshold == 0 {
		c.TunnelThreshold = 0.5
	}
	if c.TunnelMinQueries == 0 {
		c.TunnelMinQueries = 10
	}
	if c.TunnelWindow.Duration == 0 {
		c.TunnelWindow.Duration = time.Hour
	}
	if c.FluxThreshold == 0 {
		c.FluxThreshold = 0.5
	}
	if c.FluxMinQueries == 0 {
		c.FluxMinQueries = 5
	}
	if c.FluxWindow.Duration == 0 {
		c.FluxWindow.Duration = time.Hour
	}
	if c.BaselineDays == 0 {
		c.BaselineDays = 7
	}
	if c.BaselineMinRecords == 0 {
		c.BaselineMinRecords = 100
	}
	if c.AnomalySensitivity == 0 {
		c.AnomalySensitivity = 2.0
	}
	if c.AnomalyWindow.Duration == 0 {
		c.AnomalyWindow.Duration = 30 * time.Minute
	}
	if c.EMAAlpha == 0 {
		c.EMAAlpha = 0.1
	}
	if c.EnrichTimeout.Duration == 0 {
		c.EnrichTimeout.Duration = 30 * time.Second
	}
	if c.EnrichRateLimit == 0 {
		c.EnrichRateLimit = 1.0
	}
	if c.AlertDedupWindow.Duration == 0 {
		c.AlertDedupWindow.Duration = time.Hour
	}
	if c.AlertRetention.Duration == 0 {
		c.AlertRetention.Duration = 30 * 24 * time.Hour
	}
	if c.EnrichMaxAge.Duration == 0 {
		c.EnrichMaxAge.Duration = 24 * time.Hour
	}
	if c.TLDScores == nil {
		c.TLDScores = map[string]float64{
			"gov": 15, "edu": 15, "mil": 15, "org": 5,
			"tk": -15, "ml": -15, "ga": -15, "cf": -15, "gq": -15,
			"xyz": -10, "top": -10, "click": -10,
			"work": -5, "loan": -5, "download": -5, "racing": -5,
		}
	}
	if c.TrustedDomains == nil {
		c.TrustedDomains = defaultTrusted
	}
}

var defaultTrusted = []string{
	"google.com", "googleapis.com", "gstatic.com", "youtube.com",
	"facebook.com", "instagram.com", "whatsapp.net",
	"apple.com", "icloud.com",
	"microsoft.com", "windows.com", "office.com",
	"amazon.com", "amazonaws.com",
	"cloudflare.com", "akamai.net", "akamaiedge.net", "fastly.net",
	"github.com", "netflix.com", "spotify.com", "wikipedia.org",
}
