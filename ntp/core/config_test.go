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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ntpd/ntp/protocol"
)

func TestDefaultSourceConfigValid(t *testing.T) {
	cfg := DefaultSourceConfig()
	require.NoError(t, cfg.Validate())
}

func TestSourceConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*SourceConfig)
	}{
		{"server mode", func(c *SourceConfig) { c.Mode = protocol.ModeServer }},
		{"version", func(c *SourceConfig) { c.Version = 5 }},
		{"minpoll", func(c *SourceConfig) { c.MinPoll = -7 }},
		{"maxpoll", func(c *SourceConfig) { c.MaxPoll = 25 }},
		{"minpoll above maxpoll", func(c *SourceConfig) { c.MinPoll = 10; c.MaxPoll = 6 }},
		{"polltarget", func(c *SourceConfig) { c.PollTarget = 0 }},
		{"maxdelay", func(c *SourceConfig) { c.MaxDelay = 0 }},
		{"maxdelayratio", func(c *SourceConfig) { c.MaxDelayRatio = 0.5 }},
		{"maxdelaydevratio", func(c *SourceConfig) { c.MaxDelayDevRatio = -1 }},
		{"minstratum", func(c *SourceConfig) { c.MinStratum = 16 }},
		{"auth", func(c *SourceConfig) { c.Auth = nil }},
		{"minsamples", func(c *SourceConfig) { c.Stats.MinSamples = 10; c.Stats.MaxSamples = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSourceConfig()
			tt.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestInterleaveState(t *testing.T) {
	s := noPriorExchange
	require.False(t, s.canRequest())
	require.False(t, s.canUse())

	s = s.afterReply(false)
	require.Equal(t, basicReady, s)
	require.True(t, s.canRequest())
	require.False(t, s.canUse())

	s = s.afterReply(true)
	require.Equal(t, interleaveReady, s)
	require.True(t, s.canUse())
	require.Equal(t, "INTERLEAVE_READY", s.String())
}

func TestEchoTimestamps(t *testing.T) {
	remoteRx := protocol.Timestamp(1)
	remoteTx := protocol.Timestamp(2)
	localRx := protocol.Timestamp(3)

	o, r := echoTimestamps(protocol.ModeClient, false, remoteRx, remoteTx, localRx)
	require.Equal(t, protocol.Timestamp(0), o)
	require.Equal(t, protocol.Timestamp(0), r)

	o, r = echoTimestamps(protocol.ModeActive, false, remoteRx, remoteTx, localRx)
	require.Equal(t, remoteTx, o)
	require.Equal(t, localRx, r)

	o, r = echoTimestamps(protocol.ModeClient, true, remoteRx, remoteTx, localRx)
	require.Equal(t, remoteRx, o)
	require.Equal(t, localRx, r)
}

func TestAuthModeString(t *testing.T) {
	require.Equal(t, "none", AuthNone{}.String())
	require.Equal(t, "key 3", AuthSymmetric{KeyID: 3}.String())
	require.Equal(t, "nts", AuthNTS{}.String())
}
