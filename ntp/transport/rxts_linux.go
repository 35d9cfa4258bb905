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

package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

var errNoTimestamp = errors.New("no timestamp in control message")

// enableRXTimestamps enables software receive timestamps on the socket
func enableRXTimestamps(conn *net.UDPConn) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	flags := unix.SOF_TIMESTAMPING_RX_SOFTWARE | unix.SOF_TIMESTAMPING_SOFTWARE
	var serr error
	err = sc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags)
	})
	if err != nil {
		return err
	}
	return serr
}

// rxTimestamp finds the software timestamp in control messages. The data
// of SO_TIMESTAMPING carries up to three timespecs, software one is first.
func rxTimestamp(oob []byte) (time.Time, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}, err
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET {
			continue
		}
		if int(m.Header.Type) != unix.SO_TIMESTAMPING && int(m.Header.Type) != unix.SO_TIMESTAMPING_NEW {
			continue
		}
		if len(m.Data) < 16 {
			return time.Time{}, errNoTimestamp
		}
		sec := int64(binary.NativeEndian.Uint64(m.Data[0:8]))
		nsec := int64(binary.NativeEndian.Uint64(m.Data[8:16]))
		if sec == 0 && nsec == 0 {
			return time.Time{}, errNoTimestamp
		}
		return time.Unix(sec, nsec), nil
	}
	return time.Time{}, errNoTimestamp
}
