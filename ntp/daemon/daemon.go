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

/*
Package daemon wires the synchronization core to the system clock, the
network, the key store and the monitoring server, and runs it.
*/
package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	sddaemon "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/ntpd/clock"
	"github.com/facebook/ntpd/ntp/auth"
	"github.com/facebook/ntpd/ntp/core"
	"github.com/facebook/ntpd/ntp/dump"
	"github.com/facebook/ntpd/ntp/sched"
	"github.com/facebook/ntpd/ntp/sources"
	"github.com/facebook/ntpd/ntp/stats"
	"github.com/facebook/ntpd/ntp/transport"
)

// Daemon is a configured, not yet running ntpd
type Daemon struct {
	cfg       *Config
	clock     core.Clock
	loop      *sched.Loop
	udp       *transport.UDP
	monitor   *stats.Stats
	server    *stats.Server
	history   *dump.DB
	sourceSet *sources.SourceSet
}

// New prepares every component of the daemon. Nothing runs until Run.
func New(cfg *Config) (*Daemon, error) {
	clk, err := clock.NewSystem(cfg.MaxClockError, cfg.Precision, cfg.FreeRunning)
	if err != nil {
		return nil, fmt.Errorf("opening system clock: %w", err)
	}
	return newDaemon(cfg, clk)
}

func newDaemon(cfg *Config, clk core.Clock) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		clock:   clk,
		monitor: stats.NewStats(),
	}
	d.loop = sched.New(func() time.Time {
		t, _ := clk.ReadCookedTime()
		return t
	})

	var keys core.KeyStore
	if cfg.KeyFile != "" {
		store, err := auth.ReadKeyFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		log.Infof("Loaded %d keys from %s", store.Len(), cfg.KeyFile)
		keys = store
	}

	var history sources.HistoryStore
	if cfg.DumpFile != "" {
		db, err := dump.Open(cfg.DumpFile)
		if err != nil {
			return nil, fmt.Errorf("opening dump file: %w", err)
		}
		d.history = db
		history = db
	}

	ip4, _ := parseListen(cfg.ListenIPv4)
	ip6, _ := parseListen(cfg.ListenIPv6)
	udp, err := transport.Listen(transport.Config{
		IP4:              ip4,
		IP6:              ip6,
		Port:             cfg.Port,
		DSCP:             cfg.DSCP,
		KernelTimestamps: cfg.KernelTimestamps,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.udp = udp

	if cfg.MonitoringPort > 0 {
		sys, err := stats.NewSysStats()
		if err != nil {
			log.Warningf("process statistics unavailable: %v", err)
		}
		if d.server, err = stats.NewServer(d.monitor, sys, cfg.SysStatsInterval); err != nil {
			d.Close()
			return nil, err
		}
	}

	sc, err := cfg.SourcesConfig()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.sourceSet, err = sources.New(sc, sources.Deps{
		Clock:     clk,
		Loop:      d.loop,
		Transport: udp,
		Keys:      keys,
		Resolver:  net.DefaultResolver,
		Monitor:   d.monitor,
		History:   history,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Run runs the daemon until ctx is cancelled or a component fails
func (d *Daemon) Run(ctx context.Context) error {
	eg, ictx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.loop.Run(ictx)
	})
	d.loop.Post(func() {
		d.sourceSet.Start(ictx)
	})
	eg.Go(func() error {
		return d.udp.Run(ictx, d.sourceSet.Handler())
	})
	if d.server != nil {
		eg.Go(func() error {
			return d.server.Run(ictx, fmt.Sprintf(":%d", d.cfg.MonitoringPort))
		})
	}

	if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		log.Warningf("failed to notify systemd: %v", err)
	} else if ok {
		log.Debugf("notified systemd")
	}

	err := eg.Wait()
	// the loop has stopped, the set can be used from here
	d.sourceSet.Stop()
	d.Close()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases resources held by the daemon
func (d *Daemon) Close() {
	if d.udp != nil {
		d.udp.Close()
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			log.Errorf("closing dump file: %v", err)
		}
		d.history = nil
	}
}
