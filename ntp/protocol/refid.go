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
	"crypto/md5"
	"encoding/binary"
	"net/netip"
	"strings"
)

// Kiss-o'-Death codes carried in the reference id
const (
	KoDRate = 0x52415445 // RATE
	KoDDeny = 0x44454e59 // DENY
	KoDRstr = 0x52535452 // RSTR
)

// RefID returns reference id identifying an address, as used for loop detection.
// IPv4 addresses are used as is, IPv6 addresses are hashed.
func RefID(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if addr.Is4() {
		a := addr.As4()
		return binary.BigEndian.Uint32(a[:])
	}
	a := addr.As16()
	sum := md5.Sum(a[:])
	return binary.BigEndian.Uint32(sum[:4])
}

// RefIDString renders reference id as ASCII if it is printable, as dotted quad otherwise
func RefIDString(refid uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], refid)
	printable := true
	for _, c := range b {
		if c != 0 && (c < 0x20 || c > 0x7e) {
			printable = false
			break
		}
	}
	if printable && b[0] != 0 {
		return strings.TrimRight(string(b[:]), "\x00")
	}
	return netip.AddrFrom4(b).String()
}
