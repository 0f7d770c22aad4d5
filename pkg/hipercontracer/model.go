// Package hipercontracer contains the data model shared by the probing
// core and anything that embeds it: destinations, hop statuses and
// result entries.
package hipercontracer

import (
	"fmt"
	"net/netip"
	"time"
)

// DestinationInfo is an immutable (address, traffic class) pair. Ordering
// is by address first, then traffic class.
type DestinationInfo struct {
	address      netip.Addr
	trafficClass uint8
}

// NewDestinationInfo builds a DestinationInfo. addr must be a valid,
// unmapped address.
func NewDestinationInfo(addr netip.Addr, trafficClass uint8) (DestinationInfo, error) {
	if !addr.IsValid() {
		return DestinationInfo{}, fmt.Errorf("hipercontracer: invalid destination address")
	}
	return DestinationInfo{address: addr.Unmap(), trafficClass: trafficClass}, nil
}

// Address returns the destination address.
func (d DestinationInfo) Address() netip.Addr { return d.address }

// TrafficClass returns the configured DSCP/TOS/TCLASS byte.
func (d DestinationInfo) TrafficClass() uint8 { return d.trafficClass }

// Less orders by (address, trafficClass), matching spec.md's DestinationInfo
// ordering rule.
func (d DestinationInfo) Less(other DestinationInfo) bool {
	if c := d.address.Compare(other.address); c != 0 {
		return c < 0
	}
	return d.trafficClass < other.trafficClass
}

func (d DestinationInfo) String() string {
	return fmt.Sprintf("%s(tc=%d)", d.address, d.trafficClass)
}

// HopStatus classifies the outcome of a single probe.
type HopStatus string

const (
	StatusUnknown                HopStatus = "Unknown"
	StatusTimeExceeded           HopStatus = "TimeExceeded"
	StatusUnreachableScope       HopStatus = "UnreachableScope"
	StatusUnreachableNetwork     HopStatus = "UnreachableNetwork"
	StatusUnreachableHost        HopStatus = "UnreachableHost"
	StatusUnreachableProtocol    HopStatus = "UnreachableProtocol"
	StatusUnreachablePort        HopStatus = "UnreachablePort"
	StatusUnreachableProhibited  HopStatus = "UnreachableProhibited"
	StatusUnreachableUnknown     HopStatus = "UnreachableUnknown"
	StatusTimeout                HopStatus = "Timeout"
	StatusSuccess                HopStatus = "Success"
)

// IsTerminal reports whether the status is anything other than Unknown.
func (s HopStatus) IsTerminal() bool {
	return s != StatusUnknown
}

// ResultEntry is one outstanding or completed probe, keyed externally by
// SeqNumber inside a ResultTable.
type ResultEntry struct {
	Round             uint8
	SeqNumber         uint16
	Hop               uint8 // send TTL
	Destination       DestinationInfo
	ChecksumTweak     uint16
	SendTime          time.Time
	ReceiveTime       time.Time
	RespondingAddress netip.Addr
	Status            HopStatus
}

// NewResultEntry creates a fresh, Unknown-status entry at send time.
func NewResultEntry(round uint8, seq uint16, hop uint8, checksumTweak uint16, sendTime time.Time, dest DestinationInfo) ResultEntry {
	return ResultEntry{
		Round:         round,
		SeqNumber:     seq,
		Hop:           hop,
		Destination:   dest,
		ChecksumTweak: checksumTweak,
		SendTime:      sendTime,
		Status:        StatusUnknown,
	}
}

// RTT returns the round-trip time, valid only for non-Timeout entries.
func (r ResultEntry) RTT() time.Duration {
	if r.ReceiveTime.IsZero() || r.SendTime.IsZero() {
		return 0
	}
	return r.ReceiveTime.Sub(r.SendTime)
}
