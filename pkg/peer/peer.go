package peer

import (
	"sync"
	"time"
)

// DiscoveryType ranks a discovery request. Per spec Section 4.2, precedence
// is None < Retransmission(5s) < Timed(t) < Full: a higher-ranked request
// preempts a pending lower-ranked one, a lower-ranked request reuses a
// pending higher one, and an equal-ranked request shares the existing
// future.
type DiscoveryType int

const (
	DiscoveryNone DiscoveryType = iota
	DiscoveryRetransmission
	DiscoveryTimed
	DiscoveryFull
)

// Rank returns the precedence rank used to compare two discovery requests.
func (t DiscoveryType) Rank() int { return int(t) }

func (t DiscoveryType) String() string {
	switch t {
	case DiscoveryNone:
		return "None"
	case DiscoveryRetransmission:
		return "Retransmission"
	case DiscoveryTimed:
		return "Timed"
	case DiscoveryFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// RetransmissionDiscoveryTimeout is the fixed duration of an internally
// induced Retransmission discovery (spec Section 4.2 step 6, Section 5).
const RetransmissionDiscoveryTimeout = 5 * time.Second

// PollInterval is the fixed polling interval for the Full-discovery direct
// retry producer (spec Section 4.2 step 4, Section 5).
const PollInterval = 10 * time.Minute

// DiscoveryOptions parameterizes a connect/resume discovery request (spec
// Section 4.1 connect's `options.discovery`).
type DiscoveryOptions struct {
	Type    DiscoveryType
	Timeout time.Duration
	Data    *DiscoveryData
}

// ConnectOptions parameterizes PeerSet.Connect (spec Section 4.1).
type ConnectOptions struct {
	Discovery             DiscoveryOptions
	CaseAuthenticatedTags []uint32
	OperationalAddress    *OperationalAddress
	AllowUnknownPeer      bool
}

// Peer is one record per known address: its descriptor plus at most one
// active reconnection future and one active discovery record (spec Section
// 3 "Peer" invariant, tested in Section 8 property 4).
type Peer struct {
	mu sync.Mutex

	descriptor *Descriptor

	activeDiscovery    *RunningDiscovery
	activeReconnection *reconnectFuture
}

// reconnectFuture tracks a single in-flight connect/reconnect attempt so
// concurrent callers share one outcome (spec Section 8 property 9).
type reconnectFuture struct {
	done chan struct{}
	addr *OperationalAddress
	err  error
}

func newPeer(d *Descriptor) *Peer {
	return &Peer{descriptor: d}
}

// Descriptor returns a snapshot of the peer's current descriptor.
func (p *Peer) Descriptor() *Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor.Clone()
}

// Address returns the peer's immutable address.
func (p *Peer) Address() Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor.Address
}

// RefineOperationalAddress records a newly confirmed operational address.
func (p *Peer) RefineOperationalAddress(addr OperationalAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descriptor.RefineOperationalAddress(addr)
}

// RefineDiscoveryData merges newly discovered TXT fields into the record.
func (p *Peer) RefineDiscoveryData(data DiscoveryData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.descriptor.RefineDiscoveryData(data)
}

// cachedAddress returns the last-known operational address, if any.
func (p *Peer) cachedAddress() *OperationalAddress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.descriptor.OperationalAddress == nil {
		return nil
	}
	addr := *p.descriptor.OperationalAddress
	return &addr
}

// getOrStartDiscovery implements the precedence rule of spec Section 4.2:
// if a request of this rank or higher is already running, share it;
// otherwise start a new one (preempting any lower-ranked one first). The
// start function must not block or call back into the Peer; it only
// spawns the producer goroutines and returns, so it is safe to call with
// the peer's lock held, keeping the whole check-and-start sequence
// atomic against a concurrent caller racing in with the same or a higher
// rank.
func (p *Peer) getOrStartDiscovery(typ DiscoveryType, start func() *RunningDiscovery) *RunningDiscovery {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.activeDiscovery
	if existing != nil {
		if typ.Rank() <= existing.Type.Rank() {
			return existing
		}
		// Higher-ranked request preempts the pending lower one.
		existing.cancel(false)
	}

	rd := start()
	p.activeDiscovery = rd
	return rd
}

// clearDiscovery removes the active discovery record if it is still the
// one passed in (guards against a stale clear racing a preemption).
func (p *Peer) clearDiscovery(rd *RunningDiscovery) {
	p.mu.Lock()
	if p.activeDiscovery == rd {
		p.activeDiscovery = nil
	}
	p.mu.Unlock()
}

// getOrStartReconnect enforces at most one reconnection future at a time
// (spec Section 8 property 4, 9): a concurrent caller joins the in-flight
// attempt instead of starting a second one. As with getOrStartDiscovery,
// start must not block, so the whole check-and-start sequence runs under
// one lock acquisition.
func (p *Peer) getOrStartReconnect(start func() *reconnectFuture) *reconnectFuture {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activeReconnection != nil {
		return p.activeReconnection
	}

	f := start()
	p.activeReconnection = f
	return f
}

func (p *Peer) clearReconnect(f *reconnectFuture) {
	p.mu.Lock()
	if p.activeReconnection == f {
		p.activeReconnection = nil
	}
	p.mu.Unlock()
}

func newReconnectFuture() *reconnectFuture {
	return &reconnectFuture{done: make(chan struct{})}
}

func (f *reconnectFuture) resolve(addr *OperationalAddress, err error) {
	f.addr, f.err = addr, err
	close(f.done)
}

// wait blocks until the future resolves or ctxDone fires, whichever first.
func (f *reconnectFuture) wait(ctxDone <-chan struct{}) (*OperationalAddress, error) {
	select {
	case <-f.done:
		return f.addr, f.err
	case <-ctxDone:
		return nil, nil
	}
}
