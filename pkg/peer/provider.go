package peer

import (
	"context"
	"sync"
	"time"

	"github.com/matterlink/peercore/pkg/session"
)

// ChannelType distinguishes a unicast session channel from a group
// (multicast) channel, the closed polymorphism spec Section 9 calls for
// in place of the source's runtime-extensible behaviors.
type ChannelType int

const (
	ChannelTypeUnicast ChannelType = iota
	ChannelTypeGroup
)

// ExchangeProvider is implemented by Dedicated, Reconnectable, and
// GroupProvider (spec Section 4.5).
type ExchangeProvider interface {
	ChannelType() ChannelType
}

// Dedicated is bound to one channel/session for its lifetime and never
// attempts to reconnect (spec Section 4.5 "Dedicated").
type Dedicated struct {
	session *session.SecureContext
}

// ChannelType implements ExchangeProvider.
func (d *Dedicated) ChannelType() ChannelType { return ChannelTypeUnicast }

// Session returns the bound secure session.
func (d *Dedicated) Session() *session.SecureContext { return d.session }

// GroupProvider is the one-shot group channel exchange_provider_for
// returns for a group address (spec Section 4.1, 4.5).
type GroupProvider struct {
	group *session.GroupContext
}

// ChannelType implements ExchangeProvider.
func (g *GroupProvider) ChannelType() ChannelType { return ChannelTypeGroup }

// GroupSession returns the underlying group session.
func (g *GroupProvider) GroupSession() *session.GroupContext { return g.group }

// ExpectedProcessingTimeDefault is the default budget for a reconnect
// attempt via a known operational address (spec Section 5 "Timeouts").
const ExpectedProcessingTimeDefault = 2 * time.Second

// Reconnectable re-validates a session on every invocation and performs
// the reconnect protocol on loss (spec Section 4.5 "Reconnectable").
type Reconnectable struct {
	peerSet *PeerSet
	addr    Address
	opts    ConnectOptions

	mu                 sync.Mutex
	initiallyConnected bool

	updates *Broadcaster
}

func newReconnectable(peerSet *PeerSet, addr Address, opts ConnectOptions) *Reconnectable {
	return &Reconnectable{
		peerSet: peerSet,
		addr:    addr,
		opts:    opts,
		updates: NewBroadcaster(),
	}
}

// ChannelType implements ExchangeProvider.
func (r *Reconnectable) ChannelType() ChannelType { return ChannelTypeUnicast }

// Subscribe registers a listener for `channel_updated`, fired whenever the
// underlying session changes (spec Section 4.5).
func (r *Reconnectable) Subscribe(buffer int) (<-chan Event, func()) {
	return r.updates.Subscribe(buffer)
}

// Session returns a live secure session for the bound address, validating
// the cached one and reconnecting per the algorithm in spec Section 4.5
// if it is gone.
func (r *Reconnectable) Session(ctx context.Context) (*session.SecureContext, error) {
	if existing := r.peerSet.boundary.MaybeSessionFor(r.addr); existing != nil {
		return existing, nil
	}

	r.mu.Lock()
	firstAttempt := !r.initiallyConnected
	r.initiallyConnected = true
	r.mu.Unlock()

	var sess *session.SecureContext
	var err error

	if firstAttempt {
		sess, err = r.peerSet.Connect(ctx, r.addr, ConnectOptions{
			Discovery:             DiscoveryOptions{Type: DiscoveryNone},
			CaseAuthenticatedTags: r.opts.CaseAuthenticatedTags,
			AllowUnknownPeer:      r.opts.AllowUnknownPeer,
		})
	} else {
		p, ok := r.peerSet.Get(r.addr)
		if !ok {
			return nil, newError("exchange_provider_for", KindUnknownNode, ErrUnknownNode)
		}
		cached := p.cachedAddress()
		if cached == nil {
			return nil, newError("exchange_provider_for", KindPairRetransmissionLimitReached, nil)
		}

		r.peerSet.purgeOnFailure(r.addr)

		reconnectCtx, cancel := context.WithTimeout(ctx, ExpectedProcessingTimeDefault)
		defer cancel()

		sess, err = r.peerSet.Connect(reconnectCtx, r.addr, ConnectOptions{
			Discovery:             DiscoveryOptions{Type: DiscoveryNone},
			OperationalAddress:    cached,
			CaseAuthenticatedTags: r.opts.CaseAuthenticatedTags,
			AllowUnknownPeer:      r.opts.AllowUnknownPeer,
		})
	}

	if err != nil {
		return nil, err
	}

	r.updates.Publish(Event{Kind: EventChannelUpdated, Session: sess})
	return sess, nil
}
