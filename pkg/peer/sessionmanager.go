package peer

import (
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/matterlink/peercore/pkg/exchange"
	"github.com/matterlink/peercore/pkg/fabric"
	casesession "github.com/matterlink/peercore/pkg/securechannel/case"
	"github.com/matterlink/peercore/pkg/session"
	"github.com/matterlink/peercore/pkg/transport"
)

// ResumptionRecord is the cached CASE state that enables the resumption
// HKDF path and a shorter handshake on a subsequent connect (spec Section
// 3 "ResumptionRecord", external to the Peer Set proper but owned by the
// Session Manager boundary).
type ResumptionRecord struct {
	Address      Address
	Params       session.Params
	SharedSecret []byte
	ResumptionID [session.ResumptionIDSize]byte
	PeerCATs     []uint32
}

func (r *ResumptionRecord) toCASEResumptionInfo() *casesession.ResumptionInfo {
	return &casesession.ResumptionInfo{
		ResumptionID: r.ResumptionID,
		SharedSecret: r.SharedSecret,
		PeerNodeID:   uint64(r.Address.NodeID),
		PeerCATs:     r.PeerCATs,
	}
}

// RetryEvent is emitted by the Session Manager boundary's retry observable
// whenever a session reports a message retransmission (spec Section 4.6
// "retry observable").
type RetryEvent struct {
	Session *session.SecureContext
	Attempt int
}

// SessionManagerBoundary is the interface the peer connectivity core
// consumes from session management (spec Section 4.6). It is satisfied by
// *DefaultSessionManagerBoundary in production and may be faked in tests.
type SessionManagerBoundary interface {
	FabricFor(addr Address) (*fabric.FabricInfo, bool)
	CreateUnsecuredSession(role session.SessionRole) (*session.UnsecuredContext, error)
	GroupSessionForAddress(addr Address, transports []transport.TransportType) (*session.GroupContext, error)
	MaybeSessionFor(addr Address) *session.SecureContext
	HandlePeerLoss(addr Address, since time.Time)
	DeleteResumptionRecord(addr Address) bool
	FindResumptionRecordByAddress(addr Address) *ResumptionRecord
	SaveResumptionRecord(rec *ResumptionRecord)
	SubscribeRetry(buffer int) (<-chan RetryEvent, func())
}

// DefaultSessionManagerBoundary adapts pkg/session, pkg/fabric and
// pkg/exchange into the SessionManagerBoundary the peer core consumes. It
// owns the resumption record store (spec Section 5: "the resumption record
// store is shared; writes occur under the session manager's discipline")
// and republishes exchange.Manager's retransmission callback as the
// `retry` observable.
type DefaultSessionManagerBoundary struct {
	sessions *session.Manager
	fabrics  *fabric.Table

	retry *retryBroadcaster

	mu          sync.Mutex
	resumptions map[Address]*ResumptionRecord

	log logging.LeveledLogger
}

// DefaultSessionManagerBoundaryConfig configures the boundary adapter.
type DefaultSessionManagerBoundaryConfig struct {
	SessionManager *session.Manager
	FabricTable    *fabric.Table
	LoggerFactory  logging.LoggerFactory
}

// NewDefaultSessionManagerBoundary creates the boundary adapter. Pass the
// returned OnRetransmit function to exchange.ManagerConfig so retries
// surface on the retry observable.
func NewDefaultSessionManagerBoundary(config DefaultSessionManagerBoundaryConfig) *DefaultSessionManagerBoundary {
	b := &DefaultSessionManagerBoundary{
		sessions:    config.SessionManager,
		fabrics:     config.FabricTable,
		retry:       newRetryBroadcaster(),
		resumptions: make(map[Address]*ResumptionRecord),
	}
	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("peer-sessionmgr")
	}
	return b
}

// OnRetransmit is wired into exchange.ManagerConfig.OnRetransmit. It
// republishes every retransmission on a secure session as a RetryEvent.
func (b *DefaultSessionManagerBoundary) OnRetransmit(sess exchange.SessionContext, attempt int) {
	secure, ok := sess.(*session.SecureContext)
	if !ok {
		return
	}
	b.retry.publish(RetryEvent{Session: secure, Attempt: attempt})
}

// FabricFor implements SessionManagerBoundary.
func (b *DefaultSessionManagerBoundary) FabricFor(addr Address) (*fabric.FabricInfo, bool) {
	return b.fabrics.Get(addr.FabricIndex)
}

// CreateUnsecuredSession implements SessionManagerBoundary.
func (b *DefaultSessionManagerBoundary) CreateUnsecuredSession(role session.SessionRole) (*session.UnsecuredContext, error) {
	return session.NewUnsecuredContext(role)
}

// GroupSessionForAddress implements SessionManagerBoundary. Group channel
// setup (multicast socket binding) is owned by the transport set; the
// boundary only constructs the logical group session record here. The
// operational group key proper comes from the Group Key Management
// cluster, which is out of the core's scope (spec Section 1); the fabric's
// IPK stands in as the symmetric key source for the one-shot group
// exchange provider in provider.go.
func (b *DefaultSessionManagerBoundary) GroupSessionForAddress(addr Address, transports []transport.TransportType) (*session.GroupContext, error) {
	info, ok := b.fabrics.Get(addr.FabricIndex)
	if !ok {
		return nil, newError("group_session_for_address", KindUnknownNode, nil)
	}
	return session.NewGroupContext(session.GroupContextConfig{
		SourceNodeID:   info.NodeID,
		FabricIndex:    addr.FabricIndex,
		GroupID:        uint16(addr.NodeID),
		GroupSessionID: 0,
		OperationalKey: info.IPK[:],
	})
}

// MaybeSessionFor implements SessionManagerBoundary.
func (b *DefaultSessionManagerBoundary) MaybeSessionFor(addr Address) *session.SecureContext {
	sessions := b.sessions.FindSecureContextByPeer(addr.FabricIndex, addr.NodeID)
	for _, s := range sessions {
		if s.SessionType() == session.SessionTypeCASE {
			return s
		}
	}
	return nil
}

// HandlePeerLoss implements SessionManagerBoundary. since is currently
// unused by session.Manager's coarse RemovePeer (it purges unconditionally)
// but is accepted to satisfy the boundary contract for future refinement.
func (b *DefaultSessionManagerBoundary) HandlePeerLoss(addr Address, since time.Time) {
	_ = since
	b.sessions.RemovePeer(addr.FabricIndex, addr.NodeID)
}

// DeleteResumptionRecord implements SessionManagerBoundary.
func (b *DefaultSessionManagerBoundary) DeleteResumptionRecord(addr Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.resumptions[addr]
	delete(b.resumptions, addr)
	return ok
}

// FindResumptionRecordByAddress implements SessionManagerBoundary.
func (b *DefaultSessionManagerBoundary) FindResumptionRecordByAddress(addr Address) *ResumptionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.resumptions[addr]
	if !ok {
		return nil
	}
	clone := *rec
	return &clone
}

// SaveResumptionRecord implements SessionManagerBoundary.
func (b *DefaultSessionManagerBoundary) SaveResumptionRecord(rec *ResumptionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *rec
	b.resumptions[rec.Address] = &clone
}

// SubscribeRetry implements SessionManagerBoundary.
func (b *DefaultSessionManagerBoundary) SubscribeRetry(buffer int) (<-chan RetryEvent, func()) {
	return b.retry.subscribe(buffer)
}

// retryBroadcaster is events.go's Broadcaster specialized to RetryEvent
// (kept separate since RetryEvent is not an Event).
type retryBroadcaster struct {
	mu   sync.Mutex
	subs map[chan RetryEvent]struct{}
}

func newRetryBroadcaster() *retryBroadcaster {
	return &retryBroadcaster{subs: make(map[chan RetryEvent]struct{})}
}

func (r *retryBroadcaster) subscribe(buffer int) (<-chan RetryEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan RetryEvent, buffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
}

func (r *retryBroadcaster) publish(ev RetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
