// Package rawsocket wraps a raw ICMP socket (spec.md §4.2): bound to a
// source address, one hop-limit/traffic-class per send, one outstanding
// asynchronous receive at a time, filtered to the four ICMPv6 message
// types spec.md allows through.
package rawsocket

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MaxDatagramSize is the receive buffer size spec.md §4.2 mandates
// (65,576 bytes, larger than any non-jumbogram datagram a read can return).
const MaxDatagramSize = 65576

// Socket is the raw-socket abstraction every probe engine sends through
// and receives from. Send and Receive contracts match spec.md §4.2
// exactly.
type Socket interface {
	// Send transmits buf to dest with the given TTL/hop-limit and traffic
	// class. bytesSent < len(buf) is treated as failure by the caller.
	Send(buf []byte, dest netip.Addr, ttl int, trafficClass int) (bytesSent int, err error)

	// SendBatch transmits each of bufs to dest with the same ttl/trafficClass
	// (spec.md §4.6 Burstping). The options are set once for the batch; the
	// real socket then writes each buffer with its own WriteTo call, so a
	// batch is not a single vectored syscall. It stops at the first failed
	// write and reports the bytes sent up to that point.
	SendBatch(bufs [][]byte, dest netip.Addr, ttl int, trafficClass int) (bytesSent int, err error)

	// Receive blocks for at most one inbound datagram (or until ctx is
	// done), recording the receive time before returning so the caller can
	// stamp it before parsing (spec.md §4.2).
	Receive(ctx context.Context) (Datagram, error)

	// Close releases the socket.
	Close() error
}

// Datagram is one received packet plus its reception metadata.
type Datagram struct {
	Payload     []byte
	Peer        netip.Addr
	ReceiveTime time.Time
}

// Family distinguishes IPv4 from IPv6 sockets.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// icmpSocket is the real implementation, built on golang.org/x/net/icmp.
type icmpSocket struct {
	family Family
	conn   *icmp.PacketConn
	v4     *ipv4.PacketConn
	v6     *ipv6.PacketConn
}

// Open binds a raw ICMP socket of the given family to source. On IPv6 it
// installs an ICMP6_FILTER permitting only EchoReply, DestinationUnreachable,
// PacketTooBig and TimeExceeded (spec.md §4.2/§6). Bind/filter failure is
// fatal for the owning engine (spec.md §7 BindError).
func Open(family Family, source netip.Addr) (Socket, error) {
	var network string
	switch family {
	case FamilyV4:
		network = "ip4:icmp"
	case FamilyV6:
		network = "ip6:ipv6-icmp"
	default:
		return nil, fmt.Errorf("rawsocket: unknown family %d", family)
	}

	conn, err := icmp.ListenPacket(network, source.String())
	if err != nil {
		return nil, fmt.Errorf("rawsocket: bind %s on %s: %w", network, source, err)
	}

	s := &icmpSocket{family: family, conn: conn}
	if family == FamilyV6 {
		s.v6 = conn.IPv6PacketConn()
		if err := s.v6.SetControlMessage(ipv6.FlagHopLimit, true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rawsocket: enable hop-limit control messages: %w", err)
		}
		filter := new(ipv6.ICMPFilter)
		filter.SetAll(true)
		filter.Accept(ipv6.ICMPTypeEchoReply)
		filter.Accept(ipv6.ICMPTypeDestinationUnreachable)
		filter.Accept(ipv6.ICMPTypePacketTooBig)
		filter.Accept(ipv6.ICMPTypeTimeExceeded)
		if err := s.v6.SetICMPFilter(filter); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rawsocket: set ICMP6_FILTER: %w", err)
		}
	} else {
		s.v4 = conn.IPv4PacketConn()
		if err := s.v4.SetControlMessage(ipv4.FlagTTL, true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rawsocket: enable TTL control messages: %w", err)
		}
	}
	return s, nil
}

func (s *icmpSocket) Send(buf []byte, dest netip.Addr, ttl int, trafficClass int) (int, error) {
	if err := s.setOptions(ttl, trafficClass); err != nil {
		return 0, err
	}
	n, err := s.conn.WriteTo(buf, addrFor(dest))
	if err != nil {
		return n, fmt.Errorf("rawsocket: send to %s: %w", dest, err)
	}
	return n, nil
}

func (s *icmpSocket) SendBatch(bufs [][]byte, dest netip.Addr, ttl int, trafficClass int) (int, error) {
	if err := s.setOptions(ttl, trafficClass); err != nil {
		return 0, err
	}
	total := 0
	dst := addrFor(dest)
	for _, b := range bufs {
		n, err := s.conn.WriteTo(b, dst)
		total += n
		if err != nil {
			return total, fmt.Errorf("rawsocket: batch send to %s: %w", dest, err)
		}
	}
	return total, nil
}

func (s *icmpSocket) setOptions(ttl int, trafficClass int) error {
	switch s.family {
	case FamilyV6:
		if err := s.v6.SetHopLimit(ttl); err != nil {
			return fmt.Errorf("rawsocket: set hop limit: %w", err)
		}
		if err := s.v6.SetTrafficClass(trafficClass); err != nil {
			return fmt.Errorf("rawsocket: set traffic class: %w", err)
		}
	default:
		if err := s.v4.SetTTL(ttl); err != nil {
			return fmt.Errorf("rawsocket: set ttl: %w", err)
		}
		if err := s.v4.SetTOS(trafficClass); err != nil {
			return fmt.Errorf("rawsocket: set tos: %w", err)
		}
	}
	return nil
}

func (s *icmpSocket) Receive(ctx context.Context) (Datagram, error) {
	buf := make([]byte, MaxDatagramSize)
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
	}

	for {
		n, peer, err := s.conn.ReadFrom(buf)
		receiveTime := time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return Datagram{}, ctx.Err()
			}
			if isTimeout(err) {
				select {
				case <-ctx.Done():
					return Datagram{}, ctx.Err()
				default:
					s.conn.SetReadDeadline(time.Now().Add(time.Second))
					continue
				}
			}
			return Datagram{}, fmt.Errorf("rawsocket: receive: %w", err)
		}
		addr, ok := peerToAddr(peer)
		if !ok {
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return Datagram{Payload: out, Peer: addr, ReceiveTime: receiveTime}, nil
	}
}

func (s *icmpSocket) Close() error {
	return s.conn.Close()
}

func addrFor(a netip.Addr) net.Addr {
	return &net.IPAddr{IP: net.IP(a.AsSlice())}
}

func peerToAddr(peer net.Addr) (netip.Addr, bool) {
	ipAddr, ok := peer.(*net.IPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
