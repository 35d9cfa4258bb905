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
Package dump keeps sample histories of sources across restarts in a bbolt
file, one key per source address.
*/
package dump

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/facebook/ntpd/ntp/sourcestats"
)

const formatVersion = 1

var bucketName = []byte("sources")

var errBadVersion = errors.New("unsupported dump format version")

type sample struct {
	Time           time.Time `json:"time"`
	Offset         float64   `json:"offset"`
	PeerDelay      float64   `json:"peer_delay"`
	PeerDispersion float64   `json:"peer_dispersion"`
	RootDelay      float64   `json:"root_delay"`
	RootDispersion float64   `json:"root_dispersion"`
	Stratum        int       `json:"stratum"`
}

type record struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Samples []sample  `json:"samples"`
}

// DB is an open dump file
type DB struct {
	db *bbolt.DB
}

// Open opens or creates the dump file
func Open(path string) (*DB, error) {
	opts := *bbolt.DefaultOptions
	opts.Timeout = time.Second
	db, err := bbolt.Open(path, 0o644, &opts)
	if err != nil {
		return nil, fmt.Errorf("opening dump file %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket in %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Save stores samples of a source, replacing what was saved before
func (d *DB) Save(name string, samples []sourcestats.Sample, now time.Time) error {
	r := record{Version: formatVersion, SavedAt: now, Samples: make([]sample, 0, len(samples))}
	for _, s := range samples {
		r.Samples = append(r.Samples, sample(s))
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(name), b)
	})
}

// Load returns saved samples of a source. History with samples from the
// future is dropped since the clock must have been stepped back since.
func (d *DB) Load(name string, now time.Time) ([]sourcestats.Sample, error) {
	var b []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(name)); v != nil {
			b = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || b == nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decoding dump of %s: %w", name, err)
	}
	if r.Version != formatVersion {
		return nil, fmt.Errorf("%w: %d", errBadVersion, r.Version)
	}
	out := make([]sourcestats.Sample, 0, len(r.Samples))
	for _, s := range r.Samples {
		if s.Time.After(now) {
			log.Warningf("%s: dumped sample from the future, ignoring saved history", name)
			return nil, nil
		}
		out = append(out, sourcestats.Sample(s))
	}
	return out, nil
}

// Delete removes saved history of a source
func (d *DB) Delete(name string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
}

// Names returns sources with saved history
func (d *DB) Names() ([]string, error) {
	var names []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Close closes the file
func (d *DB) Close() error {
	return d.db.Close()
}
