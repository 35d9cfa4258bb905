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

package transport

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ntpd/ntp/core"
)

var _ core.Transport = &UDP{}

type datagram struct {
	b      []byte
	remote netip.AddrPort
	local  netip.Addr
	rx     time.Time
}

func TestUDPRoundTrip(t *testing.T) {
	loopback := netip.MustParseAddr("127.0.0.1")
	server, err := Listen(Config{IP4: loopback, KernelTimestamps: true, DSCP: 46})
	require.NoError(t, err)
	client, err := Listen(Config{IP4: loopback})
	require.NoError(t, err)
	defer client.Close()

	got := make(chan datagram, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx, func(b []byte, remote netip.AddrPort, local netip.Addr, rx time.Time) {
			got <- datagram{b: b, remote: remote, local: local, rx: rx}
		})
	}()

	before := time.Now()
	dst := netip.AddrPortFrom(loopback, uint16(server.LocalPort()))
	require.NoError(t, client.Send([]byte("ntp request"), dst, loopback))

	select {
	case d := <-got:
		require.Equal(t, []byte("ntp request"), d.b)
		require.Equal(t, loopback, d.remote.Addr())
		require.Equal(t, uint16(client.LocalPort()), d.remote.Port())
		require.Equal(t, loopback, d.local)
		require.False(t, d.rx.Before(before.Add(-time.Second)))
	case <-time.After(5 * time.Second):
		t.Fatal("no datagram received")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSendWithoutSocket(t *testing.T) {
	u, err := Listen(Config{IP4: netip.MustParseAddr("127.0.0.1")})
	require.NoError(t, err)
	defer u.Close()
	err = u.Send([]byte{1}, netip.MustParseAddrPort("[::1]:123"), netip.Addr{})
	require.ErrorIs(t, err, errNoConn)
}

func TestListenNothing(t *testing.T) {
	_, err := Listen(Config{})
	require.Error(t, err)
}

func TestSourceControl(t *testing.T) {
	require.Nil(t, sourceControl(netip.Addr{}))
	require.Nil(t, sourceControl(netip.IPv4Unspecified()))
	require.NotEmpty(t, sourceControl(netip.MustParseAddr("10.0.0.1")))
	require.NotEmpty(t, sourceControl(netip.MustParseAddr("2001:db8::1")))
}

func TestRXTimestampMissing(t *testing.T) {
	_, err := rxTimestamp(nil)
	require.Error(t, err)
}
