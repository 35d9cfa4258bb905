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
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ntpd/ntp/dump"
	"github.com/facebook/ntpd/ntp/protocol"
)

// wallClock reads the system time and only records corrections
type wallClock struct {
	sync.Mutex
	steps []float64
}

func (c *wallClock) ReadCookedTime() (time.Time, float64) { return time.Now().Round(0), 1e-9 }
func (c *wallClock) CookTime(raw time.Time) (time.Time, float64) {
	return raw.Round(0), 1e-9
}
func (c *wallClock) ApplyStep(offset float64) error {
	c.Lock()
	defer c.Unlock()
	c.steps = append(c.steps, offset)
	return nil
}
func (c *wallClock) AccumulateOffset(float64, float64) error { return nil }
func (c *wallClock) AccumulateFrequency(float64) error       { return nil }
func (c *wallClock) Precision() float64                      { return 1e-9 }
func (c *wallClock) PrecisionLog2() int8                     { return -29 }
func (c *wallClock) MaxClockError() float64                  { return 1e-6 }

// serve answers NTP client requests like a stratum 1 server
func serve(t *testing.T, conn *net.UDPConn) {
	buf := make([]byte, protocol.MaxPacketSizeBytes)
	for {
		n, remote, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		rx := time.Now()
		req, _, err := protocol.ParsePacket(buf[:n])
		if err != nil {
			continue
		}
		resp := &protocol.Packet{
			Settings:       protocol.Settings(protocol.LeapNormal, protocol.Version, protocol.ModeServer),
			Stratum:        1,
			Poll:           req.Poll,
			Precision:      -20,
			RootDelay:      protocol.NewShort(0.0001),
			RootDispersion: protocol.NewShort(0.0001),
			ReferenceID:    0x47505300,
			ReferenceTS:    protocol.NewTimestamp(rx.Add(-time.Second)),
			OriginTS:       req.TransmitTS,
			ReceiveTS:      protocol.NewTimestamp(rx),
			TransmitTS:     protocol.NewTimestamp(time.Now()),
		}
		b, err := resp.Bytes()
		if err != nil {
			t.Errorf("serializing response: %v", err)
			return
		}
		if _, err := conn.WriteToUDPAddrPort(b, remote); err != nil {
			return
		}
	}
}

func TestDaemonRun(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()
	go serve(t, server)
	serverAddr := server.LocalAddr().(*net.UDPAddr).AddrPort()

	dumpPath := filepath.Join(t.TempDir(), "dump.db")
	cfg := DefaultConfig()
	cfg.ListenIPv4 = "127.0.0.1"
	cfg.ListenIPv6 = ""
	cfg.Port = 0
	cfg.MonitoringPort = 0
	cfg.DumpFile = dumpPath
	cfg.InitStepSlew.Threshold = 0.5
	cfg.InitStepSlew.Sources = []string{"127.0.0.1"}
	cfg.InitStepSlew.Timeout = 10 * time.Second
	src := DefaultSourceConfig()
	src.Address = "127.0.0.1"
	src.Port = int(serverAddr.Port())
	cfg.Sources = []SourceConfig{src}
	require.NoError(t, cfg.Validate())

	clk := &wallClock{}
	d, err := newDaemon(cfg, clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- d.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return d.monitor.GetCounters()["acquisition.slew"] == 1
	}, 30*time.Second, 10*time.Millisecond)
	require.Positive(t, d.monitor.GetCounters()["ntp.rx.accumulated"])
	cancel()
	require.NoError(t, <-done)

	clk.Lock()
	require.Empty(t, clk.steps)
	clk.Unlock()

	db, err := dump.Open(dumpPath)
	require.NoError(t, err)
	defer db.Close()
	names, err := db.Names()
	require.NoError(t, err)
	require.Equal(t, []string{netip.AddrPortFrom(serverAddr.Addr().Unmap(), serverAddr.Port()).String()}, names)
}
