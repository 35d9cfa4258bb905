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

package dump

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ntpd/ntp/sourcestats"
)

func testSamples(start time.Time) []sourcestats.Sample {
	return []sourcestats.Sample{
		{Time: start, Offset: 0.001, PeerDelay: 0.01, PeerDispersion: 1e-6, RootDelay: 0.02, RootDispersion: 0.001, Stratum: 2},
		{Time: start.Add(64 * time.Second), Offset: 0.0011, PeerDelay: 0.011, PeerDispersion: 1e-6, RootDelay: 0.021, RootDispersion: 0.001, Stratum: 2},
	}
}

func TestSaveLoad(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ntpd.dump"))
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(time.Hour)
	require.NoError(t, db.Save("192.0.2.1:123", testSamples(start), now))

	got, err := db.Load("192.0.2.1:123", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, s := range testSamples(start) {
		require.True(t, s.Time.Equal(got[i].Time))
		require.Equal(t, s.Offset, got[i].Offset)
		require.Equal(t, s.Stratum, got[i].Stratum)
	}

	names, err := db.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.1:123"}, names)

	require.NoError(t, db.Delete("192.0.2.1:123"))
	got, err = db.Load("192.0.2.1:123", now)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLoadDropsFutureHistory(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ntpd.dump"))
	require.NoError(t, err)
	defer db.Close()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Save("a", testSamples(start), start))
	got, err := db.Load("a", start.Add(time.Second))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntpd.dump")
	db, err := Open(path)
	require.NoError(t, err)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.Save("a", testSamples(start), start))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Load("a", start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
}
