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

package core

import (
	"fmt"

	"github.com/facebook/ntpd/ntp/protocol"
	"github.com/facebook/ntpd/ntp/sourcestats"
)

// Poll and delay limits
const (
	MinPoll                 = -6
	MaxPoll                 = 24
	DefaultMinPoll          = 6
	DefaultMaxPoll          = 10
	DefaultPollTarget       = 8
	DefaultMaxDelay         = 3.0
	DefaultMaxDelayDevRatio = 10.0
	// DefaultPresendMinPoll disables presend
	DefaultPresendMinPoll = 100
	maxMaxDelay           = 1000.0
)

// SourceConfig specifies one time source
type SourceConfig struct {
	Mode             protocol.Mode // ModeClient or ModeActive
	Version          uint8
	MinPoll          int
	MaxPoll          int
	PollTarget       int
	PresendMinPoll   int
	IBurst           bool
	Offline          bool
	Interleaved      bool
	Auth             AuthMode
	MaxDelay         float64
	MaxDelayRatio    float64
	MaxDelayDevRatio float64
	// OffsetCorrection is added to every measured offset
	OffsetCorrection float64
	MinStratum       int
	Stats            sourcestats.Config
}

// DefaultSourceConfig returns SourceConfig with default values
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Mode:             protocol.ModeClient,
		Version:          protocol.Version,
		MinPoll:          DefaultMinPoll,
		MaxPoll:          DefaultMaxPoll,
		PollTarget:       DefaultPollTarget,
		PresendMinPoll:   DefaultPresendMinPoll,
		Auth:             AuthNone{},
		MaxDelay:         DefaultMaxDelay,
		MaxDelayDevRatio: DefaultMaxDelayDevRatio,
		Stats:            sourcestats.DefaultConfig(),
	}
}

// Validate SourceConfig is sane
func (c *SourceConfig) Validate() error {
	if c.Mode != protocol.ModeClient && c.Mode != protocol.ModeActive {
		return fmt.Errorf("mode must be client or active, got %s", c.Mode)
	}
	if c.Version < protocol.VersionMin || c.Version > protocol.Version {
		return fmt.Errorf("version must be between %d and %d", protocol.VersionMin, protocol.Version)
	}
	if c.MinPoll < MinPoll || c.MinPoll > MaxPoll {
		return fmt.Errorf("minpoll must be between %d and %d", MinPoll, MaxPoll)
	}
	if c.MaxPoll < MinPoll || c.MaxPoll > MaxPoll {
		return fmt.Errorf("maxpoll must be between %d and %d", MinPoll, MaxPoll)
	}
	if c.MinPoll > c.MaxPoll {
		return fmt.Errorf("minpoll must not be greater than maxpoll")
	}
	if c.PollTarget < 1 {
		return fmt.Errorf("polltarget must be positive")
	}
	if c.MaxDelay <= 0 || c.MaxDelay > maxMaxDelay {
		return fmt.Errorf("maxdelay must be in (0, %v]", maxMaxDelay)
	}
	if c.MaxDelayRatio != 0 && c.MaxDelayRatio < 1 {
		return fmt.Errorf("maxdelayratio must be 0 or at least 1")
	}
	if c.MaxDelayDevRatio < 0 {
		return fmt.Errorf("maxdelaydevratio must be 0 or positive")
	}
	if c.MinStratum < 0 || c.MinStratum >= protocol.MaxStratum {
		return fmt.Errorf("minstratum must be between 0 and %d", protocol.MaxStratum-1)
	}
	if c.Auth == nil {
		return fmt.Errorf("auth mode must be set")
	}
	if c.Stats.MaxSamples < 0 || c.Stats.MinSamples < 0 {
		return fmt.Errorf("minsamples and maxsamples must not be negative")
	}
	if c.Stats.MaxSamples > 0 && c.Stats.MinSamples > c.Stats.MaxSamples {
		return fmt.Errorf("minsamples must not be greater than maxsamples")
	}
	return nil
}
