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
Package auth implements symmetric key authentication of NTP packets.
Keys are read from an INI file with one section per key id:

	[1]
	type = SHA256
	secret = HEX:5ab2f1...

	[2]
	type = MD5
	secret = plaintextpassword
*/
package auth

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/go-ini/ini"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/ntpd/ntp/protocol"
)

// maxDigestLength keeps MAC of NTPv4 packets distinguishable from extension fields
const maxDigestLength = protocol.MaxV4MACLength - 4

const (
	hexPrefix   = "HEX:"
	delayProbes = 10
)

var (
	errUnknownKey   = errors.New("unknown key")
	errNoSecret     = errors.New("key has empty secret")
	errBadAlgorithm = errors.New("unsupported hash algorithm")
)

// Algorithm is the hash function of a key
type Algorithm int

// Supported algorithms
const (
	MD5 Algorithm = iota
	SHA1
	SHA256
	SHA512
)

var algorithmToString = map[Algorithm]string{
	MD5:    "MD5",
	SHA1:   "SHA1",
	SHA256: "SHA256",
	SHA512: "SHA512",
}

func (a Algorithm) String() string {
	return algorithmToString[a]
}

// AlgorithmFromString parses algorithm name, case insensitive
func AlgorithmFromString(s string) (Algorithm, error) {
	for a, name := range algorithmToString {
		if strings.EqualFold(name, s) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errBadAlgorithm, s)
}

func (a Algorithm) new() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	}
	panic(fmt.Sprintf("unknown algorithm %d", a))
}

// Key is a symmetric key
type Key struct {
	ID     uint32
	Alg    Algorithm
	Secret []byte
	// seconds generating a MAC takes
	delay float64
}

// digest computes hash(secret || data) truncated to fit NTPv4 MAC
func (k *Key) digest(data []byte) []byte {
	h := k.Alg.new()
	h.Write(k.Secret)
	h.Write(data)
	d := h.Sum(nil)
	if len(d) > maxDigestLength {
		d = d[:maxDigestLength]
	}
	return d
}

// measureDelay estimates how long generating a MAC over a request takes
func (k *Key) measureDelay() {
	data := make([]byte, protocol.PacketSizeBytes)
	best := time.Duration(1<<63 - 1)
	for i := 0; i < delayProbes; i++ {
		start := time.Now()
		k.digest(data)
		if d := time.Since(start); d < best {
			best = d
		}
	}
	k.delay = best.Seconds()
}

// Store holds keys by id
type Store struct {
	keys map[uint32]*Key
}

// NewStore returns empty key store
func NewStore() *Store {
	return &Store{keys: map[uint32]*Key{}}
}

// Add adds or replaces a key
func (s *Store) Add(id uint32, alg Algorithm, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("key %d: %w", id, errNoSecret)
	}
	k := &Key{ID: id, Alg: alg, Secret: secret}
	k.measureDelay()
	s.keys[id] = k
	return nil
}

// Len returns number of keys
func (s *Store) Len() int {
	return len(s.keys)
}

// Has reports whether the key is known
func (s *Store) Has(id uint32) bool {
	_, ok := s.keys[id]
	return ok
}

// Generate returns MAC of data with the key
func (s *Store) Generate(keyID uint32, data []byte) ([]byte, error) {
	k, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errUnknownKey, keyID)
	}
	return k.digest(data), nil
}

// Check verifies MAC of data with the key
func (s *Store) Check(keyID uint32, data, mac []byte) bool {
	k, ok := s.keys[keyID]
	if !ok {
		log.Debugf("MAC with unknown key %d", keyID)
		return false
	}
	return subtle.ConstantTimeCompare(k.digest(data), mac) == 1
}

// Delay returns seconds generating a MAC with the key takes
func (s *Store) Delay(keyID uint32) float64 {
	if k, ok := s.keys[keyID]; ok {
		return k.delay
	}
	return 0
}

func parseSecret(v string) ([]byte, error) {
	if strings.HasPrefix(v, hexPrefix) {
		return hex.DecodeString(strings.TrimPrefix(v, hexPrefix))
	}
	return []byte(v), nil
}

// LoadKeys reads keys from parsed INI file
func LoadKeys(f *ini.File) (*Store, error) {
	s := NewStore()
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		id, err := strconv.ParseUint(sec.Name(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid key id %q: %w", sec.Name(), err)
		}
		alg, err := AlgorithmFromString(sec.Key("type").MustString(MD5.String()))
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", id, err)
		}
		secret, err := parseSecret(sec.Key("secret").String())
		if err != nil {
			return nil, fmt.Errorf("key %d: decoding secret: %w", id, err)
		}
		if err := s.Add(uint32(id), alg, secret); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ReadKeyFile loads keys from a file
func ReadKeyFile(path string) (*Store, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	s, err := LoadKeys(f)
	if err != nil {
		return nil, fmt.Errorf("loading key file %s: %w", path, err)
	}
	log.Infof("loaded %d keys from %s", s.Len(), path)
	return s, nil
}
