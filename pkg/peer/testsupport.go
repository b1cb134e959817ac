package peer

import (
	"sync"
	"time"

	"github.com/matterlink/peercore/pkg/fabric"
	"github.com/matterlink/peercore/pkg/session"
	"github.com/matterlink/peercore/pkg/transport"
)

// fakeBoundary is a hand-rolled SessionManagerBoundary for tests, mirroring
// the fake-over-interface idiom of pkg/discovery/mock.go and
// pkg/exchange/testpair.go rather than a mocking library.
type fakeBoundary struct {
	mu sync.Mutex

	fabrics  map[fabric.FabricIndex]*fabric.FabricInfo
	sessions map[Address]*session.SecureContext
	lost     map[Address]bool

	resumptions map[Address]*ResumptionRecord

	retry *retryBroadcaster
}

func newFakeBoundary() *fakeBoundary {
	return &fakeBoundary{
		fabrics:     make(map[fabric.FabricIndex]*fabric.FabricInfo),
		sessions:    make(map[Address]*session.SecureContext),
		lost:        make(map[Address]bool),
		resumptions: make(map[Address]*ResumptionRecord),
		retry:       newRetryBroadcaster(),
	}
}

func (b *fakeBoundary) addFabric(info *fabric.FabricInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fabrics[info.FabricIndex] = info
}

func (b *fakeBoundary) setSession(addr Address, sess *session.SecureContext) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[addr] = sess
	delete(b.lost, addr)
}

func (b *fakeBoundary) FabricFor(addr Address) (*fabric.FabricInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.fabrics[addr.FabricIndex]
	return info, ok
}

func (b *fakeBoundary) CreateUnsecuredSession(role session.SessionRole) (*session.UnsecuredContext, error) {
	return session.NewUnsecuredContext(role)
}

func (b *fakeBoundary) GroupSessionForAddress(addr Address, transports []transport.TransportType) (*session.GroupContext, error) {
	info, ok := b.FabricFor(addr)
	if !ok {
		return nil, ErrUnknownNode
	}
	return session.NewGroupContext(session.GroupContextConfig{
		SourceNodeID:   info.NodeID,
		FabricIndex:    addr.FabricIndex,
		GroupID:        uint16(addr.NodeID),
		GroupSessionID: 1,
		OperationalKey: info.IPK[:],
	})
}

func (b *fakeBoundary) MaybeSessionFor(addr Address) *session.SecureContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lost[addr] {
		return nil
	}
	return b.sessions[addr]
}

func (b *fakeBoundary) HandlePeerLoss(addr Address, since time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lost[addr] = true
}

func (b *fakeBoundary) DeleteResumptionRecord(addr Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.resumptions[addr]
	delete(b.resumptions, addr)
	return ok
}

func (b *fakeBoundary) FindResumptionRecordByAddress(addr Address) *ResumptionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumptions[addr]
}

func (b *fakeBoundary) SaveResumptionRecord(rec *ResumptionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumptions[rec.Address] = rec
}

func (b *fakeBoundary) SubscribeRetry(buffer int) (<-chan RetryEvent, func()) {
	return b.retry.subscribe(buffer)
}

// newTestSecureContext builds a minimal CASE-type SecureContext for tests
// that need a concrete session object without running a real handshake.
func newTestSecureContext(t interface {
	Fatalf(format string, args ...interface{})
}, fabricIndex fabric.FabricIndex, peerNodeID fabric.NodeID) *session.SecureContext {
	key16 := func(b byte) []byte {
		k := make([]byte, 16)
		for i := range k {
			k[i] = b
		}
		return k
	}
	ctx, err := session.NewSecureContext(session.SecureContextConfig{
		SessionType:    session.SessionTypeCASE,
		Role:           session.SessionRoleInitiator,
		LocalSessionID: 1,
		PeerSessionID:  2,
		I2RKey:         key16(0x01),
		R2IKey:         key16(0x02),
		FabricIndex:    fabricIndex,
		PeerNodeID:     peerNodeID,
		LocalNodeID:    fabric.NodeID(1),
		Params:         session.DefaultParams(),
	})
	if err != nil {
		t.Fatalf("newTestSecureContext: %v", err)
	}
	return ctx
}
