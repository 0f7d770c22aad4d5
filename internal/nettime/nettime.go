// Package nettime provides the timestamp and source-address lookup
// utilities shared by every probe engine (spec.md §2 "Timestamp & address
// utilities").
package nettime

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Now returns the current wall-clock time truncated to microsecond
// precision, matching the resolution of wire.TraceServiceHeader's
// SendTimeStamp.
func Now() time.Time {
	return time.Now().Truncate(time.Microsecond)
}

// SourceCache is the process-wide "source-address-for-destination" lookup
// described in spec.md §5: a mutex-guarded map populated lazily by opening
// a connected UDP socket to the destination and reading back its local
// endpoint. This never touches the wire (UDP connect is local-only route
// resolution) and is safe against concurrent first-touch.
type SourceCache struct {
	mu    sync.Mutex
	cache map[netip.Addr]netip.Addr
}

// NewSourceCache creates an empty cache.
func NewSourceCache() *SourceCache {
	return &SourceCache{cache: make(map[netip.Addr]netip.Addr)}
}

// Default is the process-wide singleton cache (spec.md §5: "process-wide,
// protected by a mutex").
var Default = NewSourceCache()

// SourceFor returns the local address the kernel would pick as source when
// sending to dest, using the connected-UDP-socket trick on first miss.
func (c *SourceCache) SourceFor(dest netip.Addr) (netip.Addr, error) {
	c.mu.Lock()
	if src, ok := c.cache[dest]; ok {
		c.mu.Unlock()
		return src, nil
	}
	c.mu.Unlock()

	conn, err := net.Dial("udp", net.JoinHostPort(dest.String(), "9"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("nettime: resolve source for %s: %w", dest, err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("nettime: unexpected local addr type %T", conn.LocalAddr())
	}
	src, ok := netip.AddrFromSlice(localAddr.IP)
	if !ok {
		return netip.Addr{}, fmt.Errorf("nettime: could not convert local addr %v", localAddr.IP)
	}
	src = src.Unmap()

	c.mu.Lock()
	c.cache[dest] = src
	c.mu.Unlock()
	return src, nil
}
