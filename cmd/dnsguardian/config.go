package main

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/foxcross/dnsguardian/dnsfilter"
	"github.com/foxcross/dnsguardian/dnsforward"
)

// logSettings mirrors the teacher's own LogSettings shape: a single
// package-level logger configured once at startup, optionally redirected
// through a rotating file.
type logSettings struct {
	Enabled    bool   `yaml:"enabled"`
	Verbose    bool   `yaml:"verbose"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	LocalTime  bool   `yaml:"local_time"`
}

// upstreamSpec describes one configured upstream by address; dial/transport
// selection lives entirely outside C1-C8, so the CLI only needs enough to
// hand the address to a SocketFactory-backed Upstream implementation.
type upstreamSpec struct {
	Address string `yaml:"address"`
}

// filterSpec mirrors dnsfilter.FilterParams as YAML.
type filterSpec struct {
	ID       int32  `yaml:"id"`
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type config struct {
	Log logSettings `yaml:"log"`

	Upstreams       []upstreamSpec `yaml:"upstreams"`
	Fallbacks       []upstreamSpec `yaml:"fallbacks"`
	FallbackDomains []string       `yaml:"fallback_domains"`
	// UpstreamPolicy is "ordered_failover" (default) or "round_robin"; see
	// dnsforward.UpstreamPolicy.
	UpstreamPolicy string `yaml:"upstream_policy"`

	Filters []filterSpec `yaml:"filters"`

	MemLimit datasize.ByteSize `yaml:"mem_limit"`

	CacheSize       int  `yaml:"cache_size"`
	CacheOptimistic bool `yaml:"cache_optimistic"`

	AdblockBlockingMode string `yaml:"adblock_blocking_mode"`
	HostsBlockingMode   string `yaml:"hosts_blocking_mode"`
	CustomBlockingIPv4  string `yaml:"custom_blocking_ipv4"`
	CustomBlockingIPv6  string `yaml:"custom_blocking_ipv6"`
	BlockedResponseTTL  uint32 `yaml:"blocked_response_ttl"`

	UseDNS64      bool     `yaml:"use_dns64"`
	DNS64Prefixes []string `yaml:"dns64_prefixes"`
	DNS64Exclude  []string `yaml:"dns64_exclude"`

	RetransmissionWindow time.Duration `yaml:"retransmission_window"`

	ClientTimeout time.Duration `yaml:"client_timeout"`

	ListenAddress string `yaml:"listen_address"`
}

// defaultConfig mirrors the minimal working defaults a fresh install of the
// teacher ships with: a public resolver pair and a generous cache.
func defaultConfig() config {
	return config{
		Log: logSettings{Enabled: true},
		Upstreams: []upstreamSpec{
			{Address: "1.1.1.1:53"},
			{Address: "8.8.8.8:53"},
		},
		CacheSize:           64 * 1024,
		AdblockBlockingMode: string(dnsforward.BlockingModeREFUSED),
		HostsBlockingMode:   string(dnsforward.BlockingModeAddress),
		ListenAddress:       ":53",
		ClientTimeout:       5 * time.Second,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// memLimitBudget converts the configured mem_limit into the Budget C2 needs,
// falling back to a generous default when unset.
func (c config) memLimitBudget() *dnsfilter.Budget {
	limit := int64(c.MemLimit)
	if limit <= 0 {
		limit = int64(256 * datasize.MB)
	}

	return dnsfilter.NewBudget(limit)
}
