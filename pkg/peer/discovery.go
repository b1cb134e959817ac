package peer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/matterlink/peercore/pkg/discovery"
	"github.com/matterlink/peercore/pkg/fabric"
	"github.com/matterlink/peercore/pkg/session"
	"github.com/matterlink/peercore/pkg/transport"
)

// pairFunc attempts CASE pairing against a concrete operational address.
// Every discovery producer calls it on its own candidate(s); the producer
// whose pairFunc call succeeds first wins the race.
type pairFunc func(ctx context.Context, addr OperationalAddress) (*session.SecureContext, error)

// discoveryResult is the outcome a RunningDiscovery resolves to.
type discoveryResult struct {
	session *session.SecureContext
	addr    *OperationalAddress
	data    *DiscoveryData
	err     error
}

// RunningDiscovery is a single, possibly shared, in-flight discovery
// attempt for one peer (spec Section 4.2). It fans in from up to three
// producers -- a direct attempt, an mDNS search, and a direct-retry
// poller -- and resolves its future exactly once, with the first producer
// to pair successfully winning.
type RunningDiscovery struct {
	ID   string
	Type DiscoveryType

	cancelFn context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	result discoveryResult
}

// cancel stops all producers. resolved indicates whether the caller is
// cancelling because the discovery already resolved successfully (in
// which case done must stay closed with that result) versus a hard
// cancellation (e.g. PeerSet.Close, or preemption by a higher-ranked
// request) where no resolution should be observed by other waiters.
func (rd *RunningDiscovery) cancel(resolved bool) {
	rd.cancelFn()
	if !resolved {
		rd.mu.Lock()
		select {
		case <-rd.done:
		default:
			rd.result = discoveryResult{err: ErrDiscoveryFailed}
			close(rd.done)
		}
		rd.mu.Unlock()
	}
}

// Wait blocks until the discovery resolves (success, failure, or external
// cancellation) or ctx is done first.
func (rd *RunningDiscovery) Wait(ctx context.Context) (*session.SecureContext, *OperationalAddress, *DiscoveryData, error) {
	select {
	case <-rd.done:
		rd.mu.Lock()
		defer rd.mu.Unlock()
		return rd.result.session, rd.result.addr, rd.result.data, rd.result.err
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
}

// resolve records the winning producer's result. If another producer has
// already resolved this discovery, sess lost the race even though it
// completed a full handshake; it is force-closed here rather than
// silently dropped, since nothing else will ever see or release it.
func (rd *RunningDiscovery) resolve(sess *session.SecureContext, addr *OperationalAddress, data *DiscoveryData) {
	rd.mu.Lock()
	select {
	case <-rd.done:
		rd.mu.Unlock()
		if sess != nil {
			sess.InitiateForceClose(nil)
		}
		return
	default:
	}
	rd.result = discoveryResult{session: sess, addr: addr, data: data}
	close(rd.done)
	rd.cancelFn()
	rd.mu.Unlock()
}

// engine runs the candidate-address selection and producer fan-in
// described by spec Section 4.2: it is the shared implementation behind
// every DiscoveryType.
type engine struct {
	discoveryMgr *discovery.Manager
	fabrics      *fabric.Table
	log          logging.LeveledLogger
}

func newEngine(discoveryMgr *discovery.Manager, fabrics *fabric.Table, lf logging.LoggerFactory) *engine {
	e := &engine{discoveryMgr: discoveryMgr, fabrics: fabrics}
	if lf != nil {
		e.log = lf.NewLogger("peer-discovery")
	}
	return e
}

// start launches a RunningDiscovery for addr. lastKnown is the cached
// operational address to retry directly and to poll, if any; it may be
// nil. For DiscoveryTimed, timeout bounds the whole attempt in addition to
// ctx. pair is called by every producer to turn a candidate address into
// an established session.
func (e *engine) start(parent context.Context, addr Address, typ DiscoveryType, timeout time.Duration, lastKnown *OperationalAddress, pair pairFunc) *RunningDiscovery {
	ctx, cancel := context.WithCancel(parent)
	if typ == DiscoveryTimed && timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	rd := &RunningDiscovery{
		ID:       uuid.New().String(),
		Type:     typ,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup

	// Step 1/2: a direct attempt against the last-known address always
	// runs first and immediately, regardless of discovery type, per spec
	// Section 4.2 steps 1-2.
	if lastKnown != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.directAttempt(ctx, *lastKnown, pair, rd)
		}()
	}

	if typ == DiscoveryTimed || typ == DiscoveryFull {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.mdnsSearch(ctx, addr, lastKnown, pair, rd)
		}()
	}

	if typ == DiscoveryFull {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.poller(ctx, lastKnown, pair, rd)
		}()
	}

	go func() {
		wg.Wait()
		rd.cancel(false)
	}()

	return rd
}

// directAttempt pairs against lastKnown once.
func (e *engine) directAttempt(ctx context.Context, addr OperationalAddress, pair pairFunc, rd *RunningDiscovery) {
	select {
	case <-ctx.Done():
		return
	default:
	}
	sess, err := pair(ctx, addr)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("peer-discovery: direct attempt to %v failed: %v", addr, err)
		}
		return
	}
	rd.resolve(sess, &addr, nil)
}

// mdnsSearch performs a single targeted lookup via mDNS, then pairs
// against whatever address it resolves.
func (e *engine) mdnsSearch(ctx context.Context, addr Address, lastKnown *OperationalAddress, pair pairFunc, rd *RunningDiscovery) {
	if e.discoveryMgr == nil {
		return
	}
	info, ok := e.fabrics.Get(addr.FabricIndex)
	if !ok {
		return
	}

	svc, err := e.discoveryMgr.LookupOperational(ctx, info.CompressedFabricID, addr.NodeID)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("peer-discovery: mdns lookup for %s failed: %v", addr, err)
		}
		return
	}

	ip := svc.PreferredIP()
	if ip == nil {
		return
	}
	opAddr := OperationalAddress{IP: ip, Port: svc.Port, TransportType: transport.TransportTypeUDP}

	// Dedup rule (spec Section 4.2 step 1): if mDNS re-confirms the
	// address the direct attempt already tried, it carries no new
	// candidate and is treated as empty.
	if lastKnown != nil && opAddr.Equal(*lastKnown) {
		return
	}

	sess, err := pair(ctx, opAddr)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("peer-discovery: mdns pair to %v failed: %v", opAddr, err)
		}
		return
	}

	data := txtToDiscoveryData(svc.Text)
	rd.resolve(sess, &opAddr, &data)
}

// poller retries direct pairing against the last-known address on a fixed
// interval for the lifetime of a Full discovery (spec Section 4.2 step 4,
// Section 5: fixed 10-minute interval).
func (e *engine) poller(ctx context.Context, lastKnown *OperationalAddress, pair pairFunc, rd *RunningDiscovery) {
	if lastKnown == nil {
		return
	}
	b := &backoff.Backoff{
		Min:    PollInterval,
		Max:    PollInterval,
		Factor: 1,
		Jitter: false,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
			e.directAttempt(ctx, *lastKnown, pair, rd)
		}
	}
}

// txtToDiscoveryData maps the raw mDNS TXT key/value pairs of an
// operational service record onto DiscoveryData (spec Section 6: SII,
// SAI, SAT, DN keys; grounded on pkg/discovery/txt.go's OperationalTXT).
func txtToDiscoveryData(text map[string]string) DiscoveryData {
	var d DiscoveryData
	if v, ok := text[discovery.TXTKeyIdleInterval]; ok {
		d.IdleInterval = parseMillisTXT(v)
	}
	if v, ok := text[discovery.TXTKeyActiveInterval]; ok {
		d.ActiveInterval = parseMillisTXT(v)
	}
	if v, ok := text[discovery.TXTKeyActiveThreshold]; ok {
		d.ActiveThreshold = parseMillisTXT(v)
	}
	if v, ok := text[discovery.TXTKeyDeviceName]; ok {
		d.DeviceName = v
	}
	return d
}

func parseMillisTXT(s string) time.Duration {
	var ms int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		ms = ms*10 + int64(c-'0')
	}
	return time.Duration(ms) * time.Millisecond
}
