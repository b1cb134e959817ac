package peer

import (
	"net"
	"time"

	"github.com/matterlink/peercore/pkg/session"
	"github.com/matterlink/peercore/pkg/transport"
)

// OperationalAddress is a concrete IP + port + transport used to reach a
// commissioned peer (spec Section 3 "PeerDescriptor.operational_address").
type OperationalAddress struct {
	IP            net.IP
	Port          int
	TransportType transport.TransportType
}

// ToPeerAddress converts the operational address into the transport-layer
// PeerAddress used by pkg/exchange and pkg/transport.
func (o OperationalAddress) ToPeerAddress() transport.PeerAddress {
	addr := &net.UDPAddr{IP: o.IP, Port: o.Port}
	if o.TransportType == transport.TransportTypeTCP {
		return transport.NewTCPPeerAddress(&net.TCPAddr{IP: o.IP, Port: o.Port})
	}
	return transport.NewUDPPeerAddress(addr)
}

// Equal compares two operational addresses for the mDNS-result dedup rule
// in spec Section 4.2 step 1 ("if the mDNS result equals the last-known
// IP:port we just failed on, treat mDNS as empty").
func (o OperationalAddress) Equal(other OperationalAddress) bool {
	return o.IP.Equal(other.IP) && o.Port == other.Port && o.TransportType == other.TransportType
}

// DiscoveryData holds the mDNS TXT-derived reachability hints for a peer
// (spec Section 6, keys SII/SAI/SAT/DN).
type DiscoveryData struct {
	IdleInterval        time.Duration
	ActiveInterval      time.Duration
	ActiveThreshold     time.Duration
	DeviceName          string
	AdditionalAddresses []OperationalAddress
}

// SessionParams derives session.Params from the TXT-advertised MRP timing,
// falling back to session.DefaultParams for anything not advertised.
func (d *DiscoveryData) SessionParams() session.Params {
	if d == nil {
		return session.DefaultParams()
	}
	return session.Params{
		IdleInterval:    d.IdleInterval,
		ActiveInterval:  d.ActiveInterval,
		ActiveThreshold: d.ActiveThreshold,
	}.WithDefaults()
}

// Descriptor is the persisted, monotonically-refined record of a known
// peer (spec Section 3 "PeerDescriptor"). The Address is immutable once
// created; OperationalAddress and DiscoveryData are refined in place as
// better information arrives, never regressed to an earlier, less precise
// value by the refine helpers below.
type Descriptor struct {
	Address               Address
	OperationalAddress    *OperationalAddress
	DiscoveryData         *DiscoveryData
	CaseAuthenticatedTags []uint32
}

// NewDescriptor creates a fresh descriptor for an address with no known
// route yet.
func NewDescriptor(addr Address) *Descriptor {
	return &Descriptor{Address: addr}
}

// Clone returns a deep copy so callers (e.g. PeerStore implementations) can
// hold a snapshot independent of further mutation.
func (d *Descriptor) Clone() *Descriptor {
	clone := &Descriptor{Address: d.Address}
	if d.OperationalAddress != nil {
		opAddr := *d.OperationalAddress
		clone.OperationalAddress = &opAddr
	}
	if d.DiscoveryData != nil {
		data := *d.DiscoveryData
		data.AdditionalAddresses = append([]OperationalAddress(nil), d.DiscoveryData.AdditionalAddresses...)
		clone.DiscoveryData = &data
	}
	clone.CaseAuthenticatedTags = append([]uint32(nil), d.CaseAuthenticatedTags...)
	return clone
}

// RefineOperationalAddress records a newly discovered operational address.
func (d *Descriptor) RefineOperationalAddress(addr OperationalAddress) {
	d.OperationalAddress = &addr
}

// RefineDiscoveryData merges newly discovered TXT fields into the existing
// record, keeping any previously known field the new record leaves zero.
func (d *Descriptor) RefineDiscoveryData(data DiscoveryData) {
	if d.DiscoveryData == nil {
		d.DiscoveryData = &data
		return
	}
	merged := *d.DiscoveryData
	if data.IdleInterval != 0 {
		merged.IdleInterval = data.IdleInterval
	}
	if data.ActiveInterval != 0 {
		merged.ActiveInterval = data.ActiveInterval
	}
	if data.ActiveThreshold != 0 {
		merged.ActiveThreshold = data.ActiveThreshold
	}
	if data.DeviceName != "" {
		merged.DeviceName = data.DeviceName
	}
	if len(data.AdditionalAddresses) > 0 {
		merged.AdditionalAddresses = data.AdditionalAddresses
	}
	d.DiscoveryData = &merged
}
