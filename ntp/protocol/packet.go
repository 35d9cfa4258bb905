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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketSizeBytes sets the size of NTP packet header
const PacketSizeBytes = 48

// Port is the well known NTP port
const Port = 123

// Trailer sizes used to tell extension fields from a trailing MAC
const (
	// CryptoNAKLength is a MAC consisting of a key id only
	CryptoNAKLength = 4
	// MinMACLength is key id plus the shortest supported digest
	MinMACLength = 4 + 16
	// MaxV4MACLength is the longest MAC allowed after NTPv4 extension fields
	MaxV4MACLength = 4 + 20
	// MaxMACLength is the longest MAC accepted when no extension field parses
	MaxMACLength = 4 + 64
	// MinExtensionFieldLength is the shortest NTPv4 extension field
	MinExtensionFieldLength = 16
	// MaxPacketSizeBytes limits the datagrams we process
	MaxPacketSizeBytes = 1024
)

// Leap is the 2-bit leap indicator
type Leap uint8

// Leap indicator values
const (
	LeapNormal Leap = iota
	LeapInsertSecond
	LeapDeleteSecond
	LeapUnsynchronised
)

var leapToString = map[Leap]string{
	LeapNormal:         "normal",
	LeapInsertSecond:   "insert second",
	LeapDeleteSecond:   "delete second",
	LeapUnsynchronised: "unsynchronised",
}

func (l Leap) String() string {
	return leapToString[l]
}

// Mode is the NTP association mode
type Mode uint8

// Association modes
const (
	ModeReserved Mode = iota
	ModeActive
	ModePassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

var modeToString = map[Mode]string{
	ModeReserved:  "reserved",
	ModeActive:    "active",
	ModePassive:   "passive",
	ModeClient:    "client",
	ModeServer:    "server",
	ModeBroadcast: "broadcast",
	ModeControl:   "control",
	ModePrivate:   "private",
}

func (m Mode) String() string {
	return modeToString[m]
}

// Protocol versions
const (
	VersionMin uint8 = 1
	Version    uint8 = 4
)

// Stratum bounds
const (
	InvalidStratum = 0
	MaxStratum     = 16
)

// Packet is an NTPv4 packet header
/*
http://seriot.ch/ntp.php
https://tools.ietf.org/html/rfc5905
   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
0 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |LI | VN  |Mode |    Stratum     |     Poll      |  Precision   |
4 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Delay                            |
8 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Dispersion                       |
12+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                          Reference ID                         |
16+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                     Reference Timestamp (64)                  +
  |                                                               |
24+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Origin Timestamp (64)                    +
  |                                                               |
32+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Receive Timestamp (64)                   +
  |                                                               |
40+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Transmit Timestamp (64)                  +
  |                                                               |
48+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  .                                                               .
  .                    Extension Field(s) (optional)              .
  .                                                               .
  +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                          Key Identifier                       |
  +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  .                            Digest                             .
  +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/
type Packet struct {
	Settings       uint8     // leap indicator, version number and mode
	Stratum        uint8     // stratum
	Poll           int8      // poll. Power of 2
	Precision      int8      // precision. Power of 2
	RootDelay      Short     // total delay to the reference clock
	RootDispersion Short     // total dispersion to the reference clock
	ReferenceID    uint32    // identifier of server or a reference clock
	ReferenceTS    Timestamp // last time local clock was updated
	OriginTS       Timestamp // time the request left the peer
	ReceiveTS      Timestamp // time the request arrived
	TransmitTS     Timestamp // time the reply left
}

// Settings packs LI | VN | Mode into one byte
func Settings(leap Leap, version uint8, mode Mode) uint8 {
	return uint8(leap)<<6 | (version&0x7)<<3 | uint8(mode)&0x7
}

// Leap returns leap indicator
func (p *Packet) Leap() Leap {
	return Leap(p.Settings >> 6)
}

// Version returns protocol version
func (p *Packet) Version() uint8 {
	return (p.Settings >> 3) & 0x7
}

// Mode returns association mode
func (p *Packet) Mode() Mode {
	return Mode(p.Settings & 0x7)
}

// Bytes converts Packet to []bytes
func (p *Packet) Bytes() ([]byte, error) {
	var bytes bytes.Buffer
	err := binary.Write(&bytes, binary.BigEndian, p)
	return bytes.Bytes(), err
}

// BytesToPacket converts []bytes to Packet header
func BytesToPacket(ntpPacketBytes []byte) (*Packet, error) {
	packet := &Packet{}
	reader := bytes.NewReader(ntpPacketBytes)
	err := binary.Read(reader, binary.BigEndian, packet)
	return packet, err
}

// ExtensionField is an NTPv4 extension field
type ExtensionField struct {
	Type uint16
	Body []byte
}

// MAC is the trailing authenticator
type MAC struct {
	KeyID  uint32
	Digest []byte
}

// CryptoNAK reports whether the MAC carries no digest
func (m *MAC) CryptoNAK() bool {
	return len(m.Digest) == 0
}

// Info describes the parts of a datagram following the header
type Info struct {
	Length          int
	ExtensionFields []ExtensionField
	MAC             *MAC
	// AuthData is the part of the datagram covered by the MAC
	AuthData []byte
}

var (
	errPacketTooShort    = errors.New("packet too short")
	errPacketTooLong     = errors.New("packet too long")
	errBadLength         = errors.New("packet length not multiple of 4")
	errBadVersion        = errors.New("unsupported protocol version")
	errBadExtensionField = errors.New("malformed extension field")
	errBadMAC            = errors.New("malformed authenticator")
)

// ParsePacket decodes a datagram into header and trailer information
func ParsePacket(b []byte) (*Packet, *Info, error) {
	if len(b) < PacketSizeBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes", errPacketTooShort, len(b))
	}
	if len(b) > MaxPacketSizeBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes", errPacketTooLong, len(b))
	}
	if len(b)%4 != 0 {
		return nil, nil, errBadLength
	}
	p, err := BytesToPacket(b[:PacketSizeBytes])
	if err != nil {
		return nil, nil, err
	}
	if p.Version() < VersionMin || p.Version() > Version {
		return nil, nil, fmt.Errorf("%w: %d", errBadVersion, p.Version())
	}
	info := &Info{Length: len(b)}
	if err := parseTrailer(b, p.Version(), info); err != nil {
		return nil, nil, err
	}
	return p, info, nil
}

// parseTrailer walks what follows the header. A trailer short enough to be
// a MAC is always a MAC; anything longer must parse as extension fields.
func parseTrailer(b []byte, version uint8, info *Info) error {
	off := PacketSizeBytes
	for off < len(b) {
		rem := len(b) - off
		if version < 4 {
			return parseMAC(b, off, MaxMACLength, info)
		}
		if rem <= MaxV4MACLength && (rem == CryptoNAKLength || rem >= MinMACLength) {
			return parseMAC(b, off, MaxV4MACLength, info)
		}
		ef, n, ok := parseExtensionField(b[off:])
		if !ok {
			if rem <= MaxMACLength {
				return parseMAC(b, off, MaxMACLength, info)
			}
			return errBadExtensionField
		}
		info.ExtensionFields = append(info.ExtensionFields, ef)
		off += n
	}
	return nil
}

func parseExtensionField(b []byte) (ExtensionField, int, bool) {
	if len(b) < MinExtensionFieldLength {
		return ExtensionField{}, 0, false
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < MinExtensionFieldLength || length%4 != 0 || length > len(b) {
		return ExtensionField{}, 0, false
	}
	return ExtensionField{
		Type: binary.BigEndian.Uint16(b[0:2]),
		Body: b[4:length],
	}, length, true
}

func parseMAC(b []byte, off int, maxLength int, info *Info) error {
	rem := len(b) - off
	if rem != CryptoNAKLength && (rem < MinMACLength || rem > maxLength) {
		return fmt.Errorf("%w: %d bytes", errBadMAC, rem)
	}
	info.MAC = &MAC{
		KeyID:  binary.BigEndian.Uint32(b[off : off+4]),
		Digest: b[off+4:],
	}
	info.AuthData = b[:off]
	return nil
}

// AppendExtensionField appends an extension field padded to a multiple of 4 bytes
func AppendExtensionField(b []byte, ef ExtensionField) []byte {
	length := 4 + len(ef.Body)
	if length < MinExtensionFieldLength {
		length = MinExtensionFieldLength
	}
	length = (length + 3) &^ 3
	field := make([]byte, length)
	binary.BigEndian.PutUint16(field[0:2], ef.Type)
	binary.BigEndian.PutUint16(field[2:4], uint16(length))
	copy(field[4:], ef.Body)
	return append(b, field...)
}

// AppendMAC appends a trailing authenticator
func AppendMAC(b []byte, keyID uint32, digest []byte) []byte {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], keyID)
	b = append(b, id[:]...)
	return append(b, digest...)
}
