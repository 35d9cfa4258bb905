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

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/daemon"

	_ "net/http/pprof"
)

func doWork(ctx context.Context, cfg *daemon.Config) error {
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func main() {
	var (
		logLevel           string
		monitoringPortFlag int
		dscpFlag           int
		freeRunningFlag    bool
		configFlag         string
		pprofFlag          string
	)
	defaults := daemon.DefaultConfig()

	flag.StringVar(&logLevel, "loglevel", "info", "Set a log level. Can be: trace, debug, info, warning, error")
	flag.StringVar(&configFlag, "config", "", "path to the config")
	flag.IntVar(&monitoringPortFlag, "monitoringport", defaults.MonitoringPort, "port to start monitoring http server on")
	flag.IntVar(&dscpFlag, "dscp", defaults.DSCP, "DSCP for NTP packets, valid values are between 0-63")
	flag.BoolVar(&freeRunningFlag, "freerunning", defaults.FreeRunning, "measure sources but never adjust the system clock")
	flag.StringVar(&pprofFlag, "pprof", "", "Address to have the profiler listen on, disabled if empty.")

	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	switch logLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", logLevel)
	}

	cfg, err := daemon.PrepareConfig(configFlag, flag.Args(), monitoringPortFlag, dscpFlag, freeRunningFlag, setFlags)
	if err != nil {
		log.Fatal(err)
	}
	if pprofFlag != "" {
		go func() {
			err = http.ListenAndServe(pprofFlag, nil)
			if err != nil {
				log.Errorf("Failed to start pprof. Err: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := doWork(ctx, cfg); err != nil {
		log.Fatal(err)
	}
	log.Info("Shutting down")
}
