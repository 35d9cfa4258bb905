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

package auth

import (
	"crypto/md5"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-ini/ini"
	"github.com/stretchr/testify/require"

	"github.com/facebook/ntpd/ntp/core"
	"github.com/facebook/ntpd/ntp/protocol"
)

var _ core.KeyStore = &Store{}

const testKeys = `
[1]
type = MD5
secret = swordfish

[2]
type = sha256
secret = HEX:0102030405060708

[3]
secret = defaultmd5
`

func TestLoadKeys(t *testing.T) {
	f, err := ini.Load([]byte(testKeys))
	require.NoError(t, err)
	s, err := LoadKeys(f)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())
	require.True(t, s.Has(2))
	require.False(t, s.Has(4))
	require.Equal(t, SHA256, s.keys[2].Alg)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, s.keys[2].Secret)
	require.Equal(t, MD5, s.keys[3].Alg)
	require.GreaterOrEqual(t, s.Delay(1), 0.0)
}

func TestLoadKeysErrors(t *testing.T) {
	tests := []string{
		"[abc]\nsecret = x\n",
		"[1]\ntype = CRC32\nsecret = x\n",
		"[1]\nsecret = HEX:zz\n",
		"[1]\ntype = MD5\n",
	}
	for _, tt := range tests {
		f, err := ini.Load([]byte(tt))
		require.NoError(t, err)
		_, err = LoadKeys(f)
		require.Error(t, err, tt)
	}
}

func TestReadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.ini")
	require.NoError(t, os.WriteFile(path, []byte(testKeys), 0o600))
	s, err := ReadKeyFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())

	_, err = ReadKeyFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestGenerateAndCheck(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(1, MD5, []byte("swordfish")))
	require.NoError(t, s.Add(2, SHA256, []byte("swordfish")))
	data := make([]byte, protocol.PacketSizeBytes)
	data[0] = 0x23

	mac, err := s.Generate(1, data)
	require.NoError(t, err)
	want := md5.Sum(append([]byte("swordfish"), data...))
	require.Equal(t, want[:], mac)
	require.True(t, s.Check(1, data, mac))
	require.False(t, s.Check(2, data, mac))

	// longer digests are truncated to keep the MAC unambiguous
	mac, err = s.Generate(2, data)
	require.NoError(t, err)
	full := sha256.Sum256(append([]byte("swordfish"), data...))
	require.Equal(t, full[:20], mac)
	require.True(t, s.Check(2, data, mac))

	data[1] = 1
	require.False(t, s.Check(2, data, mac))

	_, err = s.Generate(5, data)
	require.ErrorIs(t, err, errUnknownKey)
	require.False(t, s.Check(5, data, mac))
	require.Equal(t, 0.0, s.Delay(5))
}

func TestAddEmptySecret(t *testing.T) {
	require.ErrorIs(t, NewStore().Add(1, SHA1, nil), errNoSecret)
}

func TestAlgorithmFromString(t *testing.T) {
	a, err := AlgorithmFromString("sha512")
	require.NoError(t, err)
	require.Equal(t, SHA512, a)
	require.Equal(t, "SHA512", a.String())
	_, err = AlgorithmFromString("AES128")
	require.Error(t, err)
}
