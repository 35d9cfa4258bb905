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
Package transport implements the dual stack UDP transport of the NTP daemon.
Datagrams are read with kernel receive timestamps and the local address
they were sent to, and requests can be sent from a chosen local address.
*/
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/ntpd/ntp/protocol"
)

// ControlSizeBytes is the size of control message buffer of a read
const ControlSizeBytes = 256

var errNoConn = errors.New("no socket for address family")

// Config of the transport
type Config struct {
	// IP4 and IP6 are listen addresses, invalid address disables the family
	IP4  netip.Addr
	IP6  netip.Addr
	Port int
	DSCP int
	// KernelTimestamps enables software receive timestamps from the kernel
	KernelTimestamps bool
}

// Handler receives a datagram read from the network
type Handler func(b []byte, remote netip.AddrPort, local netip.Addr, rx time.Time)

// UDP is a pair of IPv4 and IPv6 sockets
type UDP struct {
	cfg   Config
	conn4 *net.UDPConn
	conn6 *net.UDPConn
}

// Listen opens sockets according to config
func Listen(cfg Config) (*UDP, error) {
	u := &UDP{cfg: cfg}
	var err error
	if cfg.IP4.IsValid() {
		if u.conn4, err = u.listen("udp4", cfg.IP4); err != nil {
			return nil, err
		}
	}
	if cfg.IP6.IsValid() {
		if u.conn6, err = u.listen("udp6", cfg.IP6); err != nil {
			u.Close()
			return nil, err
		}
	}
	if u.conn4 == nil && u.conn6 == nil {
		return nil, fmt.Errorf("no listen address configured")
	}
	return u, nil
}

func (u *UDP) listen(network string, ip netip.Addr) (*net.UDPConn, error) {
	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(u.cfg.Port))))
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", ip, err)
	}
	v6 := network == "udp6"
	if err := enableDestination(conn, v6); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling destination address on %s: %w", ip, err)
	}
	if u.cfg.DSCP != 0 {
		if err := enableDSCP(conn, v6, u.cfg.DSCP); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting DSCP on %s: %w", ip, err)
		}
	}
	if u.cfg.KernelTimestamps {
		if err := enableRXTimestamps(conn); err != nil {
			log.Warningf("kernel timestamps unavailable on %s: %v", ip, err)
		}
	}
	log.Infof("listening on %s", conn.LocalAddr())
	return conn, nil
}

// enableDestination asks for the local address of received datagrams
func enableDestination(conn *net.UDPConn, v6 bool) error {
	if v6 {
		return ipv6.NewPacketConn(conn).SetControlMessage(ipv6.FlagDst, true)
	}
	return ipv4.NewPacketConn(conn).SetControlMessage(ipv4.FlagDst, true)
}

// enableDSCP marks outgoing datagrams with the DSCP value
func enableDSCP(conn *net.UDPConn, v6 bool, dscp int) error {
	tos := dscp << 2
	if v6 {
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	return ipv4.NewConn(conn).SetTOS(tos)
}

// LocalPort returns port of the IPv4 socket, or IPv6 if IPv4 is disabled
func (u *UDP) LocalPort() int {
	if u.conn4 != nil {
		return u.conn4.LocalAddr().(*net.UDPAddr).Port
	}
	return u.conn6.LocalAddr().(*net.UDPAddr).Port
}

// sourceControl returns control message selecting the source address
func sourceControl(local netip.Addr) []byte {
	if !local.IsValid() || local.IsUnspecified() {
		return nil
	}
	if local.Is4() {
		return (&ipv4.ControlMessage{Src: local.AsSlice()}).Marshal()
	}
	return (&ipv6.ControlMessage{Src: local.AsSlice()}).Marshal()
}

// Send sends datagram to remote, from local address if it is valid
func (u *UDP) Send(b []byte, remote netip.AddrPort, local netip.Addr) error {
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	conn := u.conn6
	if remote.Addr().Is4() {
		conn = u.conn4
	}
	if conn == nil {
		return fmt.Errorf("sending to %s: %w", remote, errNoConn)
	}
	_, _, err := conn.WriteMsgUDPAddrPort(b, sourceControl(local.Unmap()), remote)
	return err
}

// Run reads datagrams until ctx is cancelled
func (u *UDP) Run(ctx context.Context, h Handler) error {
	eg, ictx := errgroup.WithContext(ctx)
	for _, conn := range []*net.UDPConn{u.conn4, u.conn6} {
		if conn == nil {
			continue
		}
		conn := conn
		eg.Go(func() error {
			return readLoop(ictx, conn, conn == u.conn6, h)
		})
	}
	eg.Go(func() error {
		<-ictx.Done()
		u.Close()
		return nil
	})
	err := eg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func readLoop(ctx context.Context, conn *net.UDPConn, v6 bool, h Handler) error {
	buf := make([]byte, protocol.MaxPacketSizeBytes+1)
	oob := make([]byte, ControlSizeBytes)
	for {
		n, oobn, _, remote, err := conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", conn.LocalAddr(), err)
		}
		rx, err := rxTimestamp(oob[:oobn])
		if err != nil {
			rx = time.Now().Round(0)
		}
		local := destination(oob[:oobn], v6)
		if n > protocol.MaxPacketSizeBytes {
			log.Debugf("dropping oversized datagram from %s", remote)
			continue
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		h(b, netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()), local, rx)
	}
}

// destination returns the local address a datagram was sent to
func destination(oob []byte, v6 bool) netip.Addr {
	var dst net.IP
	if v6 {
		cm := &ipv6.ControlMessage{}
		if err := cm.Parse(oob); err != nil {
			return netip.Addr{}
		}
		dst = cm.Dst
	} else {
		cm := &ipv4.ControlMessage{}
		if err := cm.Parse(oob); err != nil {
			return netip.Addr{}
		}
		dst = cm.Dst
	}
	addr, ok := netip.AddrFromSlice(dst)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// Close closes the sockets
func (u *UDP) Close() {
	if u.conn4 != nil {
		u.conn4.Close()
	}
	if u.conn6 != nil {
		u.conn6.Close()
	}
}
