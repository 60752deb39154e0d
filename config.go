package navwarm

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "65ms" as well as plain nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Config is the recognized option surface of the engine. Zero values are
// replaced by defaults; invalid values fail fast at construction.
type Config struct {
	// MaxSizeBytes bounds the aggregate cached payload size.
	MaxSizeBytes int64 `yaml:"maxSizeBytes"`
	// MaxEntries bounds the number of cached pages.
	MaxEntries int `yaml:"maxEntries"`
	// AlwaysWarm lists keys that are pinned in the cache and fetched on
	// warm start.
	AlwaysWarm []string `yaml:"alwaysWarm"`
	// TTL is the wall-clock lifetime of a cached page.
	TTL Duration `yaml:"ttl"`
	// ConcurrencyLimit caps concurrent retrievals. When zero, the limit
	// follows the device class.
	ConcurrencyLimit int `yaml:"concurrencyLimit"`
	// HoverDelay is how long a hover intent must be sustained before a
	// prefetch is issued.
	HoverDelay Duration `yaml:"hoverDelay"`
	// TouchDelay is the same for press intents.
	TouchDelay Duration `yaml:"touchDelay"`
	// HistoryCap bounds the recorded navigation edge set.
	HistoryCap int `yaml:"historyCap"`
	// RecencyWindow is the span over which edge recency decays to zero.
	RecencyWindow Duration `yaml:"recencyWindow"`
	// MobilePrefetchLimit is the per-navigation prefetch budget on
	// constrained devices, and on unconstrained devices unless
	// DesktopPrefetchUnlimited is set. An explicit zero disables
	// predictive prefetch; nil means the default.
	MobilePrefetchLimit *int `yaml:"mobilePrefetchLimit"`
	// DesktopPrefetchUnlimited lifts the prefetch budget on
	// unconstrained devices.
	DesktopPrefetchUnlimited bool `yaml:"desktopPrefetchUnlimited"`
	// NavigationExtraPages is how many targets extracted from
	// navigation elements (e.g. pagination links) are prefetched per
	// completed navigation. An explicit zero disables them; nil means
	// the default.
	NavigationExtraPages *int `yaml:"navigationExtraPages"`
	// SweepInterval is how often expired entries are swept.
	SweepInterval Duration `yaml:"sweepInterval"`
}

const (
	defaultMaxSizeBytes  = 64 << 20
	defaultMaxEntries    = 100
	defaultTTL           = Duration(time.Hour)
	defaultHoverDelay    = Duration(65 * time.Millisecond)
	defaultTouchDelay    = Duration(90 * time.Millisecond)
	defaultHistoryCap    = 200
	defaultRecencyWindow = Duration(30 * 24 * time.Hour)
	defaultMobileLimit   = 3
	defaultExtraPages    = 3
	defaultSweepInterval = Duration(time.Minute)

	// Concurrency limits per device class, used when ConcurrencyLimit
	// is left at zero.
	constrainedConcurrency   = 2
	unconstrainedConcurrency = 3
)

func (c Config) withDefaults() Config {
	if c.MaxSizeBytes == 0 {
		c.MaxSizeBytes = defaultMaxSizeBytes
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}
	if c.HoverDelay == 0 {
		c.HoverDelay = defaultHoverDelay
	}
	if c.TouchDelay == 0 {
		c.TouchDelay = defaultTouchDelay
	}
	if c.HistoryCap == 0 {
		c.HistoryCap = defaultHistoryCap
	}
	if c.RecencyWindow == 0 {
		c.RecencyWindow = defaultRecencyWindow
	}
	if c.MobilePrefetchLimit == nil {
		limit := defaultMobileLimit
		c.MobilePrefetchLimit = &limit
	}
	if c.NavigationExtraPages == nil {
		pages := defaultExtraPages
		c.NavigationExtraPages = &pages
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

func (c Config) validate() error {
	if c.MaxSizeBytes <= 0 {
		return fmt.Errorf("navwarm: maxSizeBytes must be positive, got %d", c.MaxSizeBytes)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("navwarm: maxEntries must be positive, got %d", c.MaxEntries)
	}
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("navwarm: concurrencyLimit must not be negative, got %d", c.ConcurrencyLimit)
	}
	if c.TTL < 0 {
		return fmt.Errorf("navwarm: ttl must not be negative, got %s", time.Duration(c.TTL))
	}
	if c.HoverDelay < 0 {
		return fmt.Errorf("navwarm: hoverDelay must not be negative, got %s", time.Duration(c.HoverDelay))
	}
	if c.TouchDelay < 0 {
		return fmt.Errorf("navwarm: touchDelay must not be negative, got %s", time.Duration(c.TouchDelay))
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("navwarm: sweepInterval must not be negative, got %s", time.Duration(c.SweepInterval))
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("navwarm: historyCap must be positive, got %d", c.HistoryCap)
	}
	if c.RecencyWindow <= 0 {
		return fmt.Errorf("navwarm: recencyWindow must be positive, got %s", time.Duration(c.RecencyWindow))
	}
	if c.MobilePrefetchLimit != nil && *c.MobilePrefetchLimit < 0 {
		return fmt.Errorf("navwarm: mobilePrefetchLimit must not be negative, got %d", *c.MobilePrefetchLimit)
	}
	if c.NavigationExtraPages != nil && *c.NavigationExtraPages < 0 {
		return fmt.Errorf("navwarm: navigationExtraPages must not be negative, got %d", *c.NavigationExtraPages)
	}
	return nil
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
