package navwarm

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func intPtr(i int) *int {
	return &i
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.MaxSizeBytes != defaultMaxSizeBytes {
		t.Errorf("maxSizeBytes default is %d", c.MaxSizeBytes)
	}
	if c.MaxEntries != defaultMaxEntries {
		t.Errorf("maxEntries default is %d", c.MaxEntries)
	}
	if c.TTL != defaultTTL {
		t.Errorf("ttl default is %s", time.Duration(c.TTL))
	}
	if c.HoverDelay != defaultHoverDelay || c.TouchDelay != defaultTouchDelay {
		t.Errorf("delay defaults are %s and %s",
			time.Duration(c.HoverDelay), time.Duration(c.TouchDelay))
	}
	if c.ConcurrencyLimit != 0 {
		t.Errorf("concurrencyLimit must stay zero so the device class decides, got %d", c.ConcurrencyLimit)
	}
	if c.MobilePrefetchLimit == nil || *c.MobilePrefetchLimit != defaultMobileLimit {
		t.Errorf("mobilePrefetchLimit default is %v", c.MobilePrefetchLimit)
	}
	if c.NavigationExtraPages == nil || *c.NavigationExtraPages != defaultExtraPages {
		t.Errorf("navigationExtraPages default is %v", c.NavigationExtraPages)
	}
	if err := c.validate(); err != nil {
		t.Errorf("defaults must validate, got %v", err)
	}
}

func TestConfigExplicitValuesKept(t *testing.T) {
	c := Config{MaxEntries: 5, TTL: Duration(time.Minute)}.withDefaults()
	if c.MaxEntries != 5 {
		t.Errorf("maxEntries is %d, want 5", c.MaxEntries)
	}
	if c.TTL != Duration(time.Minute) {
		t.Errorf("ttl is %s, want 1m", time.Duration(c.TTL))
	}
}

func TestConfigZeroBudgetsAreKept(t *testing.T) {
	c := Config{MobilePrefetchLimit: intPtr(0), NavigationExtraPages: intPtr(0)}.withDefaults()
	if *c.MobilePrefetchLimit != 0 {
		t.Errorf("an explicit zero prefetch limit must be kept, got %d", *c.MobilePrefetchLimit)
	}
	if *c.NavigationExtraPages != 0 {
		t.Errorf("an explicit zero extra-pages bound must be kept, got %d", *c.NavigationExtraPages)
	}
	if err := c.validate(); err != nil {
		t.Errorf("zero budgets must validate, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{MaxSizeBytes: -1},
		{MaxEntries: -1},
		{ConcurrencyLimit: -1},
		{HistoryCap: -1},
		{RecencyWindow: Duration(-time.Second)},
		{MobilePrefetchLimit: intPtr(-1)},
		{NavigationExtraPages: intPtr(-1)},
		{TTL: Duration(-time.Second)},
		{HoverDelay: Duration(-time.Millisecond)},
		{TouchDelay: Duration(-time.Millisecond)},
		{SweepInterval: Duration(-time.Second)},
	}
	for _, c := range bad {
		if err := c.withDefaults().validate(); err == nil {
			t.Errorf("config %+v must not validate", c)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yml")
	content := `
maxSizeBytes: 1048576
maxEntries: 10
alwaysWarm:
  - /home
  - /pricing
ttl: 10m
hoverDelay: 65ms
desktopPrefetchUnlimited: true
`
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxSizeBytes != 1048576 || c.MaxEntries != 10 {
		t.Errorf("budgets are %d/%d", c.MaxSizeBytes, c.MaxEntries)
	}
	if len(c.AlwaysWarm) != 2 || c.AlwaysWarm[0] != "/home" {
		t.Errorf("alwaysWarm is %v", c.AlwaysWarm)
	}
	if c.TTL != Duration(10*time.Minute) {
		t.Errorf("ttl is %s", time.Duration(c.TTL))
	}
	if c.HoverDelay != Duration(65*time.Millisecond) {
		t.Errorf("hoverDelay is %s", time.Duration(c.HoverDelay))
	}
	if !c.DesktopPrefetchUnlimited {
		t.Error("desktopPrefetchUnlimited should be set")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("a missing config file must be reported")
	}
}
