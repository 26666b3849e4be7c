package session

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// EstimatorCap is the progress the estimator never goes beyond. Completion
// always comes from an authoritative signal.
const EstimatorCap = 90.0

const defaultLogChance = 0.1

var defaultFiles = []string{
	"/etc/nginx/nginx.conf",
	"/etc/hosts",
	"/var/www/html/index.html",
	"/var/log/syslog",
	"/home/user/documents/report.pdf",
	"/opt/app/config.yaml",
}

// EstimatorConfig is the configuration for the progress estimator.
type EstimatorConfig struct {
	// Rand is the randomness source. Defaults to a time seeded PCG.
	Rand *rand.Rand
	// Files are the illustrative names shown while nothing real is known.
	Files []string
	// LogChance is the probability of a tick producing a log line.
	LogChance float64
}

func (c *EstimatorConfig) defaults() {
	if c.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		c.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if len(c.Files) == 0 {
		c.Files = defaultFiles
	}
	if c.LogChance < 0 || c.LogChance > 1 {
		c.LogChance = defaultLogChance
	}
}

// Estimate is one tick worth of simulated progress
type Estimate struct {
	ProgressStep float64 // [0,5)
	Files        int     // [1,3]
	SizeMB       float64 // [0,2)
	File         string
	FileProgress float64 // [0,100)
	Log          bool
}

// Estimator synthesizes plausible progress when the service reports none.
type Estimator struct {
	rng       *rand.Rand
	files     []string
	logChance float64
}

// NewEstimator creates a new estimator.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	cfg.defaults()
	return &Estimator{
		rng:       cfg.Rand,
		files:     cfg.Files,
		logChance: cfg.LogChance,
	}
}

// Next draws the increments of one tick.
func (e *Estimator) Next() Estimate {
	return Estimate{
		ProgressStep: e.rng.Float64() * 5,
		Files:        1 + e.rng.IntN(3),
		SizeMB:       e.rng.Float64() * 2,
		File:         e.files[e.rng.IntN(len(e.files))],
		FileProgress: e.rng.Float64() * 100,
		Log:          e.rng.Float64() < e.logChance,
	}
}

// FormatElapsed renders d as MM:SS. Minutes are not wrapped into hours.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
