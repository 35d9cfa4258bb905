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
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/ntpd/ntp/stats"
)

func init() {
	RootCmd.AddCommand(countersCmd)
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "Print ntpd counters",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := countersRun(rootServer); err != nil {
			log.Fatal(err)
		}
	},
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func countersRun(server string) error {
	counters, err := stats.FetchCounters(server)
	if err != nil {
		return err
	}
	for _, k := range sortedKeys(counters) {
		fmt.Printf("%s: %d\n", k, counters[k])
	}
	return nil
}
