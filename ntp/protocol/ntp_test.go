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

package protocol

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	// Unix
	usec  = int64(1585147599)
	unsec = int64(631495778)
	// NTP
	nsec  = uint32(3794136399)
	nfrac = uint32(2712253714)

	// Packet request. From ntpdate run
	ntpRequest = &Packet{
		Settings:       227,
		Stratum:        0,
		Poll:           3,
		Precision:      -6,
		RootDelay:      65536,
		RootDispersion: 65536,
		ReferenceID:    0,
		TransmitTS:     3794210679<<32 | 2718216404,
	}

	// Same request as above in bytes
	ntpRequestBytes = []byte{227, 0, 3, 250, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212}

	// Packet response
	ntpResponse = &Packet{
		Settings:       36,
		Stratum:        1,
		Poll:           3,
		Precision:      -32,
		RootDelay:      0,
		RootDispersion: 10,
		ReferenceID:    1178738720,
		ReferenceTS:    3794209800 << 32,
		OriginTS:       3794210679<<32 | 2718216404,
		ReceiveTS:      3794210679<<32 | 2718375472,
		TransmitTS:     3794210679<<32 | 2719753478,
	}
	// Same response as above in bytes
	ntpResponseBytes = []byte{36, 1, 3, 224, 0, 0, 0, 0, 0, 0, 0, 10, 70, 66, 32, 32, 226, 39, 12, 8, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212, 226, 39, 15, 119, 162, 7, 30, 48, 226, 39, 15, 119, 162, 28, 37, 6}
)

// Testing conversion so if Packet structure changes we notice
func TestRequestConversion(t *testing.T) {
	bytes, err := ntpRequest.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpRequestBytes, bytes)
}

// Testing conversion so if Packet structure changes we notice
func TestResponseConversion(t *testing.T) {
	bytes, err := ntpResponse.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpResponseBytes, bytes)
}

func TestBytesToPacket(t *testing.T) {
	packet, err := BytesToPacket(ntpResponseBytes)
	require.NoError(t, err)
	require.Equal(t, ntpResponse, packet)
}

func TestBytesToPacketError(t *testing.T) {
	bytes := []byte{}
	packet, err := BytesToPacket(bytes)
	require.NotNil(t, err)
	require.Equal(t, &Packet{}, packet)
}

func TestRequestSize(t *testing.T) {
	require.Equal(t, PacketSizeBytes, len(ntpRequestBytes))
}

func TestSettings(t *testing.T) {
	require.Equal(t, uint8(227), Settings(LeapUnsynchronised, 4, ModeClient))
	require.Equal(t, LeapUnsynchronised, ntpRequest.Leap())
	require.Equal(t, ModeClient, ntpRequest.Mode())

	require.Equal(t, LeapNormal, ntpResponse.Leap())
	require.Equal(t, uint8(4), ntpResponse.Version())
	require.Equal(t, ModeServer, ntpResponse.Mode())
	require.Equal(t, "server", ntpResponse.Mode().String())
}

func TestTime(t *testing.T) {
	testtime := time.Unix(usec, unsec)
	sec, frac := Time(testtime)

	require.Equal(t, nsec, sec)
	require.Equal(t, nfrac, frac)
}

func TestUnix(t *testing.T) {
	testtime := Unix(nsec, nfrac)

	require.Equal(t, usec, testtime.Unix())
	// +1ns is a rounding issue
	require.Equal(t, unsec, int64(testtime.Nanosecond())+1)
}

func TestUnixNextEra(t *testing.T) {
	require.Equal(t, int64(2085978496), Unix(0, 0).Unix())
	require.Equal(t, int64(2085978497), Unix(1, 0).Unix())
}

func TestTimestamp(t *testing.T) {
	ts := NewTimestamp(time.Unix(usec, unsec))
	require.Equal(t, nsec, ts.Sec())
	require.Equal(t, nfrac, ts.Frac())
	require.Equal(t, usec, ts.Time().Unix())
	require.False(t, ts.IsZero())
	require.True(t, Timestamp(0).IsZero())
}

func TestShort(t *testing.T) {
	require.Equal(t, Short(65536), NewShort(1.0))
	require.Equal(t, Short(0), NewShort(-1.0))
	require.Equal(t, Short(0xffffffff), NewShort(1e6))
	require.InDelta(t, 0.5, Short(32768).Seconds(), 1e-12)
	require.InDelta(t, 0.015, NewShort(0.015).Seconds(), 1.0/65536)
}

func TestLog2ToSeconds(t *testing.T) {
	require.Equal(t, 64.0, Log2ToSeconds(6))
	require.Equal(t, 0.25, Log2ToSeconds(-2))
	require.Equal(t, 1500*time.Millisecond, SecondsToDuration(1.5))
}

func TestParsePacketHeaderOnly(t *testing.T) {
	p, info, err := ParsePacket(ntpResponseBytes)
	require.NoError(t, err)
	require.Equal(t, ntpResponse, p)
	require.Equal(t, PacketSizeBytes, info.Length)
	require.Nil(t, info.MAC)
	require.Empty(t, info.ExtensionFields)
}

func TestParsePacketMAC(t *testing.T) {
	digest := make([]byte, 16)
	for i := range digest {
		digest[i] = byte(i)
	}
	b := AppendMAC(append([]byte{}, ntpResponseBytes...), 42, digest)

	_, info, err := ParsePacket(b)
	require.NoError(t, err)
	require.NotNil(t, info.MAC)
	require.Equal(t, uint32(42), info.MAC.KeyID)
	require.Equal(t, digest, info.MAC.Digest)
	require.Equal(t, ntpResponseBytes, info.AuthData)
	require.False(t, info.MAC.CryptoNAK())
}

func TestParsePacketCryptoNAK(t *testing.T) {
	b := AppendMAC(append([]byte{}, ntpResponseBytes...), 7, nil)

	_, info, err := ParsePacket(b)
	require.NoError(t, err)
	require.NotNil(t, info.MAC)
	require.True(t, info.MAC.CryptoNAK())
}

func TestParsePacketExtensionFields(t *testing.T) {
	b := append([]byte{}, ntpResponseBytes...)
	b = AppendExtensionField(b, ExtensionField{Type: 0x0104, Body: []byte{1, 2, 3, 4, 5}})
	b = AppendExtensionField(b, ExtensionField{Type: 0x0204, Body: make([]byte, 24)})
	b = AppendMAC(b, 1, make([]byte, 20))

	_, info, err := ParsePacket(b)
	require.NoError(t, err)
	require.Len(t, info.ExtensionFields, 2)
	require.Equal(t, uint16(0x0104), info.ExtensionFields[0].Type)
	require.Len(t, info.ExtensionFields[0].Body, 12)
	require.Equal(t, uint16(0x0204), info.ExtensionFields[1].Type)
	require.Len(t, info.ExtensionFields[1].Body, 24)
	require.NotNil(t, info.MAC)
	require.Len(t, info.MAC.Digest, 20)
	require.Equal(t, b[:len(b)-24], info.AuthData)
}

func TestParsePacketSingleShortExtensionField(t *testing.T) {
	b := AppendExtensionField(append([]byte{}, ntpResponseBytes...), ExtensionField{Type: 1})
	_, info, err := ParsePacket(b)
	require.NoError(t, err)
	require.Len(t, info.ExtensionFields, 1)
	require.Nil(t, info.MAC)
}

func TestParsePacketErrors(t *testing.T) {
	_, _, err := ParsePacket(ntpResponseBytes[:40])
	require.ErrorIs(t, err, errPacketTooShort)

	_, _, err = ParsePacket(append(append([]byte{}, ntpResponseBytes...), 0, 0))
	require.ErrorIs(t, err, errBadLength)

	bad := append([]byte{}, ntpResponseBytes...)
	bad[0] = Settings(LeapNormal, 0, ModeServer)
	_, _, err = ParsePacket(bad)
	require.ErrorIs(t, err, errBadVersion)

	_, _, err = ParsePacket(append(append([]byte{}, ntpResponseBytes...), 0, 0, 0, 0, 0, 0, 0, 0))
	require.ErrorIs(t, err, errBadMAC)

	_, _, err = ParsePacket(append(append([]byte{}, ntpResponseBytes...), make([]byte, 128)...))
	require.ErrorIs(t, err, errBadExtensionField)
}

func TestRefID(t *testing.T) {
	require.Equal(t, uint32(0xc0a80001), RefID(netip.MustParseAddr("192.168.0.1")))
	require.Equal(t, uint32(0xc0a80001), RefID(netip.MustParseAddr("::ffff:192.168.0.1")))
	require.NotZero(t, RefID(netip.MustParseAddr("2001:db8::1")))
	require.Equal(t, "RATE", RefIDString(KoDRate))
	require.Equal(t, "192.168.0.1", RefIDString(0xc0a80001))
}
