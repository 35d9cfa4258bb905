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

package cmd

import (
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/ntpd/ntp/stats"
)

func init() {
	RootCmd.AddCommand(sourcesCmd)
	RootCmd.AddCommand(sourceStatsCmd)
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Print state of configured NTP sources",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := sourcesRun(rootServer); err != nil {
			log.Fatal(err)
		}
	},
}

var sourceStatsCmd = &cobra.Command{
	Use:   "sourcestats",
	Short: "Print regression statistics of configured NTP sources",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := sourceStatsRun(rootServer); err != nil {
			log.Fatal(err)
		}
	},
}

func sourcesRun(server string) error {
	reports, err := stats.FetchSourceReports(server)
	if err != nil {
		return err
	}
	log.Debugf("got %d sources from %s", len(reports), server)
	now := time.Now()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Mode", "State", "Source", "Stratum", "Poll", "Reach", "Last Rx", "Last Offset", "Selectable")
	for _, r := range reports {
		if err := table.Append(sourceRow(r, now)); err != nil {
			return err
		}
	}
	return table.Render()
}

func sourceStatsRun(server string) error {
	reports, err := stats.FetchSourceReports(server)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Source", "NP", "NR", "Span", "Freq ppm", "Skew ppm", "Offset", "Std Dev", "Delay")
	for _, r := range reports {
		if err := table.Append(sourceStatsRow(r)); err != nil {
			return err
		}
	}
	return table.Render()
}
