package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/matterlink/peercore/pkg/crypto"
	"github.com/matterlink/peercore/pkg/discovery"
	"github.com/matterlink/peercore/pkg/fabric"
	"github.com/matterlink/peercore/pkg/session"
	"github.com/matterlink/peercore/pkg/transport"
)

// PeerSet is the registry of known fabric peers and the entry point for
// the whole connectivity core (spec Section 4.1). It exclusively owns
// every Peer it creates.
type PeerSet struct {
	mu     sync.Mutex
	peers  map[Address]*Peer
	closed bool

	store      PeerStore
	boundary   SessionManagerBoundary
	caseClient *CASEClient
	engine     *engine

	fabrics        *fabric.Table
	operationalKey func(fabric.FabricIndex) (*crypto.P256KeyPair, error)

	broadcaster *Broadcaster

	unsubscribeRetry func()

	log logging.LeveledLogger
}

// PeerSetConfig configures a PeerSet.
type PeerSetConfig struct {
	Store          PeerStore
	Boundary       SessionManagerBoundary
	CASEClient     *CASEClient
	DiscoveryMgr   *discovery.Manager
	FabricTable    *fabric.Table
	OperationalKey func(fabric.FabricIndex) (*crypto.P256KeyPair, error)
	LoggerFactory  logging.LoggerFactory
}

// NewPeerSet creates a PeerSet and loads every persisted peer descriptor
// from store.
func NewPeerSet(config PeerSetConfig) (*PeerSet, error) {
	s := &PeerSet{
		peers:          make(map[Address]*Peer),
		store:          config.Store,
		boundary:       config.Boundary,
		caseClient:     config.CASEClient,
		engine:         newEngine(config.DiscoveryMgr, config.FabricTable, config.LoggerFactory),
		fabrics:        config.FabricTable,
		operationalKey: config.OperationalKey,
		broadcaster:    NewBroadcaster(),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("peer-set")
	}

	descriptors, err := config.Store.LoadAll()
	if err != nil {
		return nil, err
	}
	for addr, d := range descriptors {
		s.peers[addr] = newPeer(d)
	}

	if config.Boundary != nil {
		retryCh, unsub := config.Boundary.SubscribeRetry(16)
		s.unsubscribeRetry = unsub
		go s.watchRetry(retryCh)
	}

	return s, nil
}

// watchRetry drives a 5s Retransmission discovery for any peer whose
// session reports its first message retransmission (spec Section 4.2
// step 6, Section 8 scenario S6). Attempt is the send count, so the first
// retransmission arrives as 2.
func (s *PeerSet) watchRetry(ch <-chan RetryEvent) {
	for ev := range ch {
		if ev.Attempt != 2 {
			continue
		}
		addr := Address{FabricIndex: ev.Session.FabricIndex(), NodeID: ev.Session.PeerNodeID()}
		s.mu.Lock()
		p, ok := s.peers[addr]
		s.mu.Unlock()
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), RetransmissionDiscoveryTimeout)
		rd := p.getOrStartDiscovery(DiscoveryRetransmission, func() *RunningDiscovery {
			return s.engine.start(ctx, addr, DiscoveryRetransmission, RetransmissionDiscoveryTimeout, p.cachedAddress(), s.pairFuncFor(addr))
		})
		go func() {
			defer cancel()
			sess, opAddr, data, err := rd.Wait(ctx)
			p.clearDiscovery(rd)
			if err != nil {
				return
			}
			s.onDiscoverySuccess(p, sess, opAddr, data)
		}()
	}
}

// pairFuncFor builds the pairFunc the discovery engine uses to turn a
// candidate address into an established CASE session for addr.
func (s *PeerSet) pairFuncFor(addr Address) pairFunc {
	return func(ctx context.Context, opAddr OperationalAddress) (*session.SecureContext, error) {
		if s.caseClient == nil || s.boundary == nil {
			return nil, newError("connect", KindImplementationError, nil)
		}
		info, ok := s.boundary.FabricFor(addr)
		if !ok {
			return nil, newError("connect", KindUnknownNode, nil)
		}
		var opKey *crypto.P256KeyPair
		var err error
		if s.operationalKey != nil {
			opKey, err = s.operationalKey(addr.FabricIndex)
			if err != nil {
				return nil, newError("connect", KindImplementationError, err)
			}
		}

		resumption := s.boundary.FindResumptionRecordByAddress(addr)
		sess, err := s.caseClient.Pair(ctx, opAddr.ToPeerAddress(), info, opKey, addr.NodeID, resumption)
		if err != nil && IsNoSharedTrustRoots(err) {
			s.boundary.DeleteResumptionRecord(addr)
			sess, err = s.caseClient.Pair(ctx, opAddr.ToPeerAddress(), info, opKey, addr.NodeID, nil)
		}
		if err != nil {
			return nil, err
		}

		s.boundary.SaveResumptionRecord(&ResumptionRecord{
			Address:      addr,
			ResumptionID: sess.ResumptionID(),
			SharedSecret: sess.SharedSecret(),
		})
		return sess, nil
	}
}

// ensurePeer returns the registered Peer for addr, creating one if
// allowUnknown is set and none exists yet.
func (s *PeerSet) ensurePeer(addr Address, allowUnknown bool) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if p, ok := s.peers[addr]; ok {
		return p, nil
	}
	if !allowUnknown {
		return nil, newError("connect", KindUnknownNode, ErrUnknownNode)
	}

	p := newPeer(NewDescriptor(addr))
	s.peers[addr] = p
	return p, nil
}

// Connect ensures there is an active Secure Session to addr (spec Section
// 4.1 "connect").
func (s *PeerSet) Connect(ctx context.Context, addr Address, opts ConnectOptions) (*session.SecureContext, error) {
	if addr.IsGroup() {
		return nil, newError("connect", KindImplementationError, ErrGroupAddress)
	}
	if opts.Discovery.Type == DiscoveryRetransmission {
		return nil, newError("connect", KindImplementationError, ErrRetransmissionNotExternal)
	}
	if opts.Discovery.Timeout > 0 && opts.Discovery.Type != DiscoveryTimed {
		return nil, newError("connect", KindImplementationError, ErrTimeoutWithoutTimed)
	}

	p, err := s.ensurePeer(addr, opts.AllowUnknownPeer)
	if err != nil {
		return nil, err
	}

	if existing := s.boundary.MaybeSessionFor(addr); existing != nil {
		return existing, nil
	}

	candidate := opts.OperationalAddress
	if candidate == nil {
		candidate = p.cachedAddress()
	}

	if opts.Discovery.Type == DiscoveryNone && candidate == nil {
		return nil, newError("connect", KindDiscovery, ErrDiscoveryUnreachable)
	}

	rd := p.getOrStartDiscovery(opts.Discovery.Type, func() *RunningDiscovery {
		return s.engine.start(ctx, addr, opts.Discovery.Type, opts.Discovery.Timeout, candidate, s.pairFuncFor(addr))
	})

	sess, opAddr, data, err := rd.Wait(ctx)
	p.clearDiscovery(rd)
	if err != nil {
		s.purgeOnFailure(addr)
		return nil, newError("connect", KindDiscovery, err)
	}

	if opts.Discovery.Data != nil {
		p.RefineDiscoveryData(*opts.Discovery.Data)
	}
	s.onDiscoverySuccess(p, sess, opAddr, data)

	return sess, nil
}

// onDiscoverySuccess refines and persists the peer's descriptor and
// emits `added` the first time a peer's session is established.
func (s *PeerSet) onDiscoverySuccess(p *Peer, sess *session.SecureContext, opAddr *OperationalAddress, data *DiscoveryData) {
	if opAddr != nil {
		p.RefineOperationalAddress(*opAddr)
	}
	if data != nil {
		p.RefineDiscoveryData(*data)
	}
	if s.store != nil {
		_ = s.store.Save(p.Descriptor())
	}
	s.broadcaster.Publish(Event{Kind: EventAdded, Peer: p, Session: sess})
}

// purgeOnFailure removes all sessions for addr: Discovery and
// NoResponseTimeout errors trigger a session purge per spec Section 4.1
// "Failure semantics" / Section 7.
func (s *PeerSet) purgeOnFailure(addr Address) {
	if s.boundary == nil {
		return
	}
	s.boundary.HandlePeerLoss(addr, time.Time{})
}

// ExchangeProviderFor returns an exchange provider for a concrete session
// (Dedicated), a group address (group one-shot), or an address
// (Reconnectable) (spec Section 4.1 "exchange_provider_for").
func (s *PeerSet) ExchangeProviderFor(target interface{}, opts ConnectOptions) (ExchangeProvider, error) {
	switch v := target.(type) {
	case *session.SecureContext:
		return &Dedicated{session: v}, nil
	case Address:
		if v.IsGroup() {
			if s.boundary == nil {
				return nil, newError("exchange_provider_for", KindImplementationError, nil)
			}
			group, err := s.boundary.GroupSessionForAddress(v, []transport.TransportType{transport.TransportTypeUDP})
			if err != nil {
				return nil, newError("exchange_provider_for", KindImplementationError, err)
			}
			return &GroupProvider{group: group}, nil
		}
		return newReconnectable(s, v, opts), nil
	default:
		return nil, newError("exchange_provider_for", KindImplementationError, nil)
	}
}

// Get returns the registered peer for addr, if any.
func (s *PeerSet) Get(addr Address) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	return p, ok
}

// Has reports whether addr is registered.
func (s *PeerSet) Has(addr Address) bool {
	_, ok := s.Get(addr)
	return ok
}

// Iter returns a snapshot of every registered peer.
func (s *PeerSet) Iter() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Disconnect removes every session for addr and emits `disconnected`.
// Group addresses are rejected (spec Section 4.1 "disconnect").
func (s *PeerSet) Disconnect(addr Address, sendClose bool) error {
	if addr.IsGroup() {
		return newError("disconnect", KindImplementationError, ErrGroupAddress)
	}
	s.mu.Lock()
	p, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return newError("disconnect", KindUnknownNode, ErrPeerNotFound)
	}

	if sess := s.boundary.MaybeSessionFor(addr); sess != nil {
		if sendClose {
			sess.InitiateClose(false, nil)
		} else {
			sess.InitiateForceClose(nil)
		}
	}
	s.boundary.HandlePeerLoss(addr, time.Time{})

	s.broadcaster.Publish(Event{Kind: EventDisconnected, Peer: p})
	return nil
}

// Forget removes addr from the registry, deletes its persistent record,
// disconnects it, and deletes any resumption record (spec Section 4.1
// "forget").
func (s *PeerSet) Forget(addr Address) error {
	if addr.IsGroup() {
		return newError("forget", KindImplementationError, ErrGroupAddress)
	}

	s.mu.Lock()
	p, ok := s.peers[addr]
	if ok {
		delete(s.peers, addr)
	}
	s.mu.Unlock()
	if !ok {
		return newError("forget", KindUnknownNode, ErrPeerNotFound)
	}

	if s.boundary != nil {
		if sess := s.boundary.MaybeSessionFor(addr); sess != nil {
			sess.InitiateForceClose(nil)
		}
		s.boundary.HandlePeerLoss(addr, time.Time{})
		s.boundary.DeleteResumptionRecord(addr)
	}
	if s.store != nil {
		_ = s.store.Delete(addr)
	}

	s.broadcaster.Publish(Event{Kind: EventDeleted, Peer: p})
	return nil
}

// Close cancels every pending discovery without resolving it, closes
// every peer, and drains the interaction queue (spec Section 4.1
// "close").
func (s *PeerSet) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if s.unsubscribeRetry != nil {
		s.unsubscribeRetry()
	}

	for _, p := range peers {
		p.mu.Lock()
		rd := p.activeDiscovery
		p.mu.Unlock()
		if rd != nil {
			rd.cancel(false)
		}
	}

	return nil
}

// Subscribe registers a listener for added/deleted/disconnected events.
func (s *PeerSet) Subscribe(buffer int) (<-chan Event, func()) {
	return s.broadcaster.Subscribe(buffer)
}
