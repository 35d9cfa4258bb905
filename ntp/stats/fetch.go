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

package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

func fetch(url string, v any) error {
	c := http.Client{
		Timeout: time.Second * 2,
	}

	resp, err := c.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// FetchCounters returns counters map fetched from the url
func FetchCounters(url string) (map[string]int64, error) {
	counters := make(map[string]int64)
	err := fetch(fmt.Sprintf("%s/counters", url), &counters)
	return counters, err
}

// FetchSourceReports returns source reports fetched from the url
func FetchSourceReports(url string) ([]SourceReport, error) {
	var reports []SourceReport
	err := fetch(fmt.Sprintf("%s/sources", url), &reports)
	return reports, err
}
