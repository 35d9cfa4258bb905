/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/ntpd/clock"
	"github.com/facebook/ntpd/ntp/core"
	"github.com/facebook/ntpd/ntp/protocol"
	"github.com/facebook/ntpd/ntp/sources"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// Association modes of a source
const (
	ModeServer = "server"
	ModePeer   = "peer"
)

// SourceConfig describes one time source
type SourceConfig struct {
	Address          string  `yaml:"address"` // IP address or host name
	Port             int     `yaml:"port"`
	Mode             string  `yaml:"mode"` // server or peer
	Version          uint8   `yaml:"version"`
	MinPoll          int     `yaml:"minpoll"`
	MaxPoll          int     `yaml:"maxpoll"`
	PollTarget       int     `yaml:"polltarget"`
	PresendMinPoll   int     `yaml:"presend"`
	IBurst           bool    `yaml:"iburst"`
	Offline          bool    `yaml:"offline"`
	Interleave       bool    `yaml:"xleave"`
	Key              uint32  `yaml:"key"` // symmetric key id, 0 disables authentication
	NTS              bool    `yaml:"nts"`
	MaxDelay         float64 `yaml:"maxdelay"`
	MaxDelayRatio    float64 `yaml:"maxdelayratio"`
	MaxDelayDevRatio float64 `yaml:"maxdelaydevratio"`
	Offset           float64 `yaml:"offset"` // correction added to measured offsets
	MinStratum       int     `yaml:"minstratum"`
	MinSamples       int     `yaml:"minsamples"`
	MaxSamples       int     `yaml:"maxsamples"`
}

// DefaultSourceConfig returns SourceConfig initialized with default values
func DefaultSourceConfig() SourceConfig {
	c := core.DefaultSourceConfig()
	return SourceConfig{
		Port:             protocol.Port,
		Mode:             ModeServer,
		Version:          c.Version,
		MinPoll:          c.MinPoll,
		MaxPoll:          c.MaxPoll,
		PollTarget:       c.PollTarget,
		PresendMinPoll:   c.PresendMinPoll,
		MaxDelay:         c.MaxDelay,
		MaxDelayDevRatio: c.MaxDelayDevRatio,
		MaxSamples:       sourcestats.DefaultMaxSamples,
	}
}

// UnmarshalYAML fills fields missing in the document with defaults
func (c *SourceConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain SourceConfig
	p := plain(DefaultSourceConfig())
	if err := unmarshal(&p); err != nil {
		return err
	}
	*c = SourceConfig(p)
	return nil
}

// Engine returns the engine configuration of the source
func (c *SourceConfig) Engine() (core.SourceConfig, error) {
	e := core.DefaultSourceConfig()
	switch c.Mode {
	case ModeServer:
		e.Mode = protocol.ModeClient
	case ModePeer:
		e.Mode = protocol.ModeActive
	default:
		return e, fmt.Errorf("mode must be either %q or %q", ModeServer, ModePeer)
	}
	if c.NTS {
		return e, fmt.Errorf("nts is not supported")
	}
	e.Version = c.Version
	e.MinPoll = c.MinPoll
	e.MaxPoll = c.MaxPoll
	e.PollTarget = c.PollTarget
	e.PresendMinPoll = c.PresendMinPoll
	e.IBurst = c.IBurst
	e.Offline = c.Offline
	e.Interleaved = c.Interleave
	if c.Key != 0 {
		e.Auth = core.AuthSymmetric{KeyID: c.Key}
	}
	e.MaxDelay = c.MaxDelay
	e.MaxDelayRatio = c.MaxDelayRatio
	e.MaxDelayDevRatio = c.MaxDelayDevRatio
	e.OffsetCorrection = c.Offset
	e.MinStratum = c.MinStratum
	e.Stats.MinSamples = c.MinSamples
	e.Stats.MaxSamples = c.MaxSamples
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}

// Validate SourceConfig is sane
func (c *SourceConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address must be specified")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.MinSamples < 0 || c.MaxSamples < 0 || c.MaxSamples > sourcestats.DefaultMaxSamples {
		return fmt.Errorf("minsamples and maxsamples must be between 0 and %d", sourcestats.DefaultMaxSamples)
	}
	_, err := c.Engine()
	return err
}

// InitStepSlewConfig configures correction of the clock at start
type InitStepSlewConfig struct {
	// Threshold is the offset in seconds at or above which the clock is stepped
	Threshold float64       `yaml:"threshold"`
	Sources   []string      `yaml:"sources"`
	Samples   int           `yaml:"samples"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Config specifies ntpd run options
type Config struct {
	ListenIPv4       string             `yaml:"listen_ipv4"` // empty disables IPv4
	ListenIPv6       string             `yaml:"listen_ipv6"` // empty disables IPv6
	Port             int                `yaml:"port"`
	DSCP             int                `yaml:"dscp"`
	KernelTimestamps bool               `yaml:"kernel_timestamps"`
	MonitoringPort   int                `yaml:"monitoring_port"` // 0 disables monitoring
	KeyFile          string             `yaml:"key_file"`
	DumpFile         string             `yaml:"dump_file"`
	InitStepSlew     InitStepSlewConfig `yaml:"initstepslew"`
	MaxClockError    float64            `yaml:"max_clock_error"` // ppm
	Precision        float64            `yaml:"precision"`       // seconds, 0 measures it
	FreeRunning      bool               `yaml:"free_running"`    // never touch the system clock
	ReportInterval   time.Duration      `yaml:"report_interval"`
	SysStatsInterval time.Duration      `yaml:"sys_stats_interval"`
	Sources          []SourceConfig     `yaml:"sources"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		ListenIPv4:     "0.0.0.0",
		ListenIPv6:     "::",
		Port:           protocol.Port,
		MonitoringPort: 4270,
		InitStepSlew: InitStepSlewConfig{
			Samples: sources.DefaultAcquisitionSamples,
			Timeout: sources.DefaultAcquisitionTimeout,
		},
		MaxClockError:    1.0,
		ReportInterval:   sources.DefaultReportInterval,
		SysStatsInterval: time.Minute,
	}
}

func parseListen(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}

// Validate config is sane
func (c *Config) Validate() error {
	ip4, err := parseListen(c.ListenIPv4)
	if err != nil || (ip4.IsValid() && !ip4.Is4()) {
		return fmt.Errorf("listen_ipv4 must be an IPv4 address")
	}
	ip6, err := parseListen(c.ListenIPv6)
	if err != nil || (ip6.IsValid() && !ip6.Is6()) {
		return fmt.Errorf("listen_ipv6 must be an IPv6 address")
	}
	if !ip4.IsValid() && !ip6.IsValid() {
		return fmt.Errorf("at least one listen address must be specified")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("dscp must be between 0 and 63")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if c.MaxClockError <= 0 {
		return fmt.Errorf("max_clock_error must be greater than zero")
	}
	if c.Precision < 0 {
		return fmt.Errorf("precision must be 0 or positive")
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("report_interval must be greater than zero")
	}
	if c.SysStatsInterval <= 0 {
		return fmt.Errorf("sys_stats_interval must be greater than zero")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be specified")
	}
	names := map[string]bool{}
	usesKeys := false
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid source %q: %w", s.Address, err)
		}
		if names[s.Address] {
			return fmt.Errorf("duplicate source %q", s.Address)
		}
		names[s.Address] = true
		usesKeys = usesKeys || s.Key != 0
	}
	if usesKeys && c.KeyFile == "" {
		return fmt.Errorf("key_file must be specified when a source uses a key")
	}
	if c.InitStepSlew.Threshold < 0 {
		return fmt.Errorf("initstepslew threshold must be 0 or positive")
	}
	if c.InitStepSlew.Threshold > clock.MaxSlew {
		return fmt.Errorf("initstepslew threshold must not exceed %v, larger offsets can't be slewed", clock.MaxSlew)
	}
	if c.InitStepSlew.Samples < 0 || c.InitStepSlew.Timeout < 0 {
		return fmt.Errorf("initstepslew samples and timeout must be 0 or positive")
	}
	for _, name := range c.InitStepSlew.Sources {
		if !names[name] {
			return fmt.Errorf("initstepslew source %q is not a configured source", name)
		}
	}
	return nil
}

// SourcesConfig returns configuration of the source set
func (c *Config) SourcesConfig() (sources.Config, error) {
	sc := sources.Config{
		Acquisition: sources.AcquisitionConfig{
			Threshold: c.InitStepSlew.Threshold,
			Sources:   c.InitStepSlew.Sources,
			Samples:   c.InitStepSlew.Samples,
			Timeout:   c.InitStepSlew.Timeout,
		},
		FreeRunning:    c.FreeRunning,
		ReportInterval: c.ReportInterval,
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		e, err := s.Engine()
		if err != nil {
			return sc, fmt.Errorf("source %q: %w", s.Address, err)
		}
		sc.Sources = append(sc.Sources, sources.SourceSpec{Name: s.Address, Port: s.Port, Config: e})
	}
	return sc, nil
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.UnmarshalStrict(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config
func PrepareConfig(cfgPath string, servers []string, monitoringPort int, dscp int, freeRunning bool, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if len(servers) > 0 {
		warn("sources")
		cfg.Sources = nil
		for _, s := range servers {
			sc := DefaultSourceConfig()
			sc.Address = s
			sc.IBurst = true
			cfg.Sources = append(cfg.Sources, sc)
		}
		cfg.InitStepSlew.Sources = nil
	}
	if setFlags["monitoringport"] {
		warn("monitoringPort")
		cfg.MonitoringPort = monitoringPort
	}
	if setFlags["dscp"] {
		warn("dscp")
		cfg.DSCP = dscp
	}
	if setFlags["freerunning"] {
		warn("freeRunning")
		cfg.FreeRunning = freeRunning
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
