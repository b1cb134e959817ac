package session

import "sync"

// CloseState models a SecureContext's position in the close state machine
// described in spec Section 4.4:
//
//	              initiate_close
//	    Open ───────────────────► Closing ── (hasActiveExchanges && deferred) ──► DeferredClose
//	     │                          │                                              │
//	     │                          └── no exchanges ──► Closed                    │
//	     │                                                                         │
//	     └──────── initiate_force_close ──► Closing ──► close all exchanges ──► Closed
//	                                                                         ▲
//	                               final exchange closes ────────────────────┘
//
// Closed is absorbing: once reached a SecureContext never transitions again.
type CloseState int

const (
	// CloseStateOpen is the normal operating state.
	CloseStateOpen CloseState = iota
	// CloseStateClosing means initiate_close or initiate_force_close has run
	// but the session has not yet finished tearing down.
	CloseStateClosing
	// CloseStateDeferredClose means close was requested but is waiting for
	// every live exchange (or one named exchange) to finish.
	CloseStateDeferredClose
	// CloseStateClosed is terminal: no channel, no further sends.
	CloseStateClosed
)

// String returns a human-readable close state name.
func (c CloseState) String() string {
	switch c {
	case CloseStateOpen:
		return "Open"
	case CloseStateClosing:
		return "Closing"
	case CloseStateDeferredClose:
		return "DeferredClose"
	case CloseStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseCallbacks lets the owner (the Session Manager boundary, in pkg/peer)
// observe the close state machine without SecureContext depending on any
// higher layer. At-most-once delivery per signal, per spec Section 5
// ("Observers").
type CloseCallbacks struct {
	// OnClosing fires exactly once, the first time initiate_close or
	// initiate_force_close runs.
	OnClosing func(s *SecureContext)

	// OnGracefulClose fires exactly once, only for a non-forced close that
	// reaches Closed, so the manager can send a session-close message.
	// Never fires for a force close or for peer-initiated loss.
	OnGracefulClose func(s *SecureContext)

	// OnClosedByPeer fires when the peer closed the session first
	// (spec: "no close notification back to a peer that already closed").
	OnClosedByPeer func(s *SecureContext)

	// OnClosed fires exactly once, when the state machine reaches Closed,
	// regardless of path. Used to remove the session from tables.
	OnClosed func(s *SecureContext)
}

// ExchangeAccountant is the narrow surface pkg/exchange uses to register and
// deregister exchanges on a session without pkg/session importing
// pkg/exchange back. *SecureContext satisfies this; UnsecuredContext does
// not need to, since the handshake phase predates the close state machine.
type ExchangeAccountant interface {
	AddExchange(exchangeID uint16) error
	RemoveExchange(exchangeID uint16)
}

// exchangeLifecycle holds the close-state-machine bookkeeping for a
// SecureContext. Kept as a separate struct (rather than inlined fields plus
// methods spread across secure.go) so the state machine reads as one unit.
type exchangeLifecycle struct {
	mu sync.Mutex

	state      CloseState
	isPeerLost bool

	// liveExchanges tracks exchange IDs currently open on this session.
	// Exchanges are owned by pkg/exchange; SecureContext only tracks
	// membership, per the spec's "intrusive index keyed by ... session-id"
	// design note (Section 9) — no raw exchange pointers are held.
	liveExchanges map[uint16]struct{}

	// closeAfterExchange, if set, names the one exchange whose close should
	// finish an in-progress close regardless of other live exchanges. This
	// is the "explicit close_after_exchange_finished" path from spec
	// Section 9's open question, kept distinct from the deferred-close path
	// that waits for every exchange.
	closeAfterExchange *uint16

	// deferred records whether the in-progress close is deferred (waits for
	// all exchanges) as opposed to forced (closes exchanges out from under
	// the caller).
	deferred bool

	// closeExchange is invoked once per tracked exchange ID during a force
	// close, to ask the exchange layer to actually tear it down. Optional;
	// if unset, force close only updates bookkeeping.
	closeExchange func(exchangeID uint16)

	callbacks CloseCallbacks
}

func newExchangeLifecycle() *exchangeLifecycle {
	return &exchangeLifecycle{
		liveExchanges: make(map[uint16]struct{}),
	}
}

// SetCloseCallbacks installs the observers for this session's close state
// machine. Must be called before the session is exposed to callers that can
// race a close.
func (s *SecureContext) SetCloseCallbacks(cb CloseCallbacks) {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	s.lifecycle.callbacks = cb
}

// SetExchangeCloser installs the hook initiate_force_close uses to ask the
// exchange layer to tear down a still-live exchange.
func (s *SecureContext) SetExchangeCloser(f func(exchangeID uint16)) {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	s.lifecycle.closeExchange = f
}

// AddExchange registers a live exchange on this session.
// Per spec Section 4.4 ("While is_closing is set, new exchanges are
// rejected"), returns ErrSessionClosing once the close state machine has
// left Open.
func (s *SecureContext) AddExchange(exchangeID uint16) error {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()

	if s.lifecycle.state != CloseStateOpen {
		return ErrSessionClosing
	}
	s.lifecycle.liveExchanges[exchangeID] = struct{}{}
	return nil
}

// RemoveExchange deregisters an exchange, e.g. from its own close hook. If a
// deferred or single-exchange close is waiting on this exchange, removing
// the last one completes the close.
func (s *SecureContext) RemoveExchange(exchangeID uint16) {
	s.lifecycle.mu.Lock()
	delete(s.lifecycle.liveExchanges, exchangeID)

	targeted := s.lifecycle.closeAfterExchange != nil && *s.lifecycle.closeAfterExchange == exchangeID
	waitingOnAll := s.lifecycle.state == CloseStateDeferredClose && len(s.lifecycle.liveExchanges) == 0
	shouldFinish := s.lifecycle.state == CloseStateDeferredClose && (targeted || waitingOnAll)
	s.lifecycle.mu.Unlock()

	if shouldFinish {
		s.finishClose(false)
	}
}

// HasActiveExchanges returns true if any exchange is currently registered.
func (s *SecureContext) HasActiveExchanges() bool {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	return len(s.lifecycle.liveExchanges) > 0
}

// ExchangeCount returns the number of live exchanges tracked on this session.
func (s *SecureContext) ExchangeCount() int {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	return len(s.lifecycle.liveExchanges)
}

// CloseState returns the current position in the close state machine.
func (s *SecureContext) CloseState() CloseState {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	return s.lifecycle.state
}

// IsClosing returns true once any close has been initiated (Closing,
// DeferredClose, or Closed).
func (s *SecureContext) IsClosing() bool {
	return s.CloseState() != CloseStateOpen
}

// IsClosed returns true once the state machine reached Closed.
func (s *SecureContext) IsClosed() bool {
	return s.CloseState() == CloseStateClosed
}

// IsPeerLost reports whether the peer was marked lost (peer_close received,
// or a retransmission/discovery failure forced the session down).
func (s *SecureContext) IsPeerLost() bool {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	return s.lifecycle.isPeerLost
}

// InitiateClose begins a graceful close. Idempotent: only the first call has
// any effect; later calls are no-ops, satisfying the invariant that only the
// first call emits graceful_close (spec Section 8, property 8).
//
// If deferred is true and exchanges are currently live, the session enters
// DeferredClose and finishes only when every live exchange closes. If
// deferred is false, the close finishes immediately even with exchanges
// still registered (callers are expected to have already drained them, or
// to accept the exchanges being orphaned).
//
// shutdown, if non-nil, runs after the closing callback fires and before
// the deferred-vs-immediate decision — e.g. to flush subscriptions.
func (s *SecureContext) InitiateClose(deferred bool, shutdown func()) {
	s.lifecycle.mu.Lock()
	if s.lifecycle.state != CloseStateOpen {
		s.lifecycle.mu.Unlock()
		return
	}
	s.lifecycle.state = CloseStateClosing
	s.lifecycle.deferred = deferred
	cb := s.lifecycle.callbacks
	s.lifecycle.mu.Unlock()

	if cb.OnClosing != nil {
		cb.OnClosing(s)
	}
	if shutdown != nil {
		shutdown()
	}

	s.lifecycle.mu.Lock()
	hasExchanges := len(s.lifecycle.liveExchanges) > 0
	s.lifecycle.mu.Unlock()

	if deferred && hasExchanges {
		s.lifecycle.mu.Lock()
		s.lifecycle.state = CloseStateDeferredClose
		s.lifecycle.mu.Unlock()
		return
	}

	s.finishClose(true)
}

// CloseAfterExchangeFinished arms an explicit close that completes exactly
// when the named exchange finishes, independent of any other exchange that
// may still be live. This is the non-deferred counterpart documented in
// spec Section 9's open question: some call sites (one-shot CASE pairing
// exchanges) know precisely which exchange should gate the close and must
// not wait on unrelated ones.
func (s *SecureContext) CloseAfterExchangeFinished(exchangeID uint16) {
	s.lifecycle.mu.Lock()
	if s.lifecycle.state == CloseStateOpen {
		s.lifecycle.state = CloseStateClosing
	}
	id := exchangeID
	s.lifecycle.closeAfterExchange = &id
	alreadyGone := false
	if _, live := s.lifecycle.liveExchanges[exchangeID]; !live {
		alreadyGone = true
	} else {
		s.lifecycle.state = CloseStateDeferredClose
	}
	cb := s.lifecycle.callbacks
	s.lifecycle.mu.Unlock()

	if cb.OnClosing != nil {
		cb.OnClosing(s)
	}
	if alreadyGone {
		s.finishClose(false)
	}
}

// InitiateForceClose marks the peer lost, asks the exchange layer to tear
// down every live exchange except the optionally reserved one, and closes
// the session immediately. graceful_close is never emitted for a force
// close (spec Section 4.4).
func (s *SecureContext) InitiateForceClose(except *uint16) {
	s.lifecycle.mu.Lock()
	if s.lifecycle.state == CloseStateClosed {
		s.lifecycle.mu.Unlock()
		return
	}
	wasOpen := s.lifecycle.state == CloseStateOpen
	s.lifecycle.state = CloseStateClosing
	closer := s.lifecycle.closeExchange
	toClose := make([]uint16, 0, len(s.lifecycle.liveExchanges))
	for id := range s.lifecycle.liveExchanges {
		if except != nil && id == *except {
			continue
		}
		toClose = append(toClose, id)
	}
	cb := s.lifecycle.callbacks
	s.lifecycle.mu.Unlock()

	if wasOpen && cb.OnClosing != nil {
		cb.OnClosing(s)
	}

	if closer != nil {
		for _, id := range toClose {
			closer(id)
		}
	}

	s.finishClose(false)
}

// OnPeerClose handles a received peer_close (CloseSession status report).
// Per spec Section 4.4: marks the peer lost, fires closed_by_peer, and force
// closes without emitting graceful_close.
func (s *SecureContext) OnPeerClose() {
	s.lifecycle.mu.Lock()
	alreadyClosed := s.lifecycle.state == CloseStateClosed
	s.lifecycle.isPeerLost = true
	cb := s.lifecycle.callbacks
	s.lifecycle.mu.Unlock()

	if alreadyClosed {
		return
	}
	if cb.OnClosedByPeer != nil {
		cb.OnClosedByPeer(s)
	}
	s.InitiateForceClose(nil)
}

// finishClose transitions to Closed and fires the terminal callbacks.
// graceful indicates whether OnGracefulClose should fire (only for the
// non-forced path).
func (s *SecureContext) finishClose(graceful bool) {
	s.lifecycle.mu.Lock()
	if s.lifecycle.state == CloseStateClosed {
		s.lifecycle.mu.Unlock()
		return
	}
	s.lifecycle.state = CloseStateClosed
	cb := s.lifecycle.callbacks
	s.lifecycle.mu.Unlock()

	if graceful && cb.OnGracefulClose != nil {
		cb.OnGracefulClose(s)
	}
	if cb.OnClosed != nil {
		cb.OnClosed(s)
	}
}
