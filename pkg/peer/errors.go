// Package peer implements the operational peer connectivity core: the
// registry of known fabric peers, the multi-strategy discovery and resume
// engine, the CASE client, and the exchange providers that keep application
// exchanges flowing over a peer's secure session across roaming and
// transient failures.
package peer

import "errors"

// Kind identifies the category of a peer-layer error, independent of the
// Go error identity. Upper layers branch on Kind rather than on a specific
// sentinel so that wrapped errors (e.g. a ChannelStatusResponse carrying the
// underlying status report) still classify correctly.
type Kind int

const (
	// KindUnknownNode: requested peer is not registered and
	// AllowUnknownPeer was false.
	KindUnknownNode Kind = iota
	// KindDiscovery: no operational route to the peer was found.
	KindDiscovery
	// KindNoResponseTimeout: channel-level retransmission exhausted.
	KindNoResponseTimeout
	// KindPairRetransmissionLimitReached: CASE/PASE messaging could not be
	// completed within the retransmission budget.
	KindPairRetransmissionLimitReached
	// KindChannelStatusResponse: the peer returned a secure channel status
	// report indicating a protocol-level failure (e.g. NoSharedTrustRoots).
	KindChannelStatusResponse
	// KindImplementationError: a contract violation by the caller, e.g. a
	// timeout supplied without DiscoveryTimed.
	KindImplementationError
	// KindSessionClosed: use of a closed session's channel.
	KindSessionClosed
)

func (k Kind) String() string {
	switch k {
	case KindUnknownNode:
		return "UnknownNode"
	case KindDiscovery:
		return "Discovery"
	case KindNoResponseTimeout:
		return "NoResponseTimeout"
	case KindPairRetransmissionLimitReached:
		return "PairRetransmissionLimitReached"
	case KindChannelStatusResponse:
		return "ChannelStatusResponse"
	case KindImplementationError:
		return "ImplementationError"
	case KindSessionClosed:
		return "SessionClosed"
	default:
		return "Unknown"
	}
}

// Error is the typed error returned by every public peer operation. Kind
// classifies the failure per Section 7's taxonomy; Err, if non-nil, carries
// the underlying cause for logging.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "peer: " + e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "peer: " + e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Sentinel errors for conditions that do not carry additional context.
var (
	// ErrUnknownNode is returned by connect when the peer is not registered
	// and ConnectOptions.AllowUnknownPeer is false.
	ErrUnknownNode = errors.New("peer: unknown node")

	// ErrDiscoveryUnreachable is returned when DiscoveryNone was requested
	// and no cached address exists.
	ErrDiscoveryUnreachable = errors.New("peer: unreachable without discovery")

	// ErrDiscoveryFailed is returned when discovery ran but yielded no route.
	ErrDiscoveryFailed = errors.New("peer: discovery yielded no route")

	// ErrPairRetransmissionLimit is returned when CASE pairing exchanges
	// exhausted their retransmission budget.
	ErrPairRetransmissionLimit = errors.New("peer: pairing retransmission limit reached")

	// ErrSessionClosed is returned when an exchange provider's underlying
	// session is closed and cannot be recovered.
	ErrSessionClosed = errors.New("peer: session closed")

	// ErrGroupAddress is returned when a group address is used where only a
	// unicast peer is accepted (e.g. disconnect, forget).
	ErrGroupAddress = errors.New("peer: group address not permitted here")

	// ErrTimeoutWithoutTimed is returned when ConnectOptions specifies a
	// discovery timeout without DiscoveryTimed (spec Section 4.2 edge case).
	ErrTimeoutWithoutTimed = errors.New("peer: timeout requires DiscoveryTimed")

	// ErrRetransmissionNotExternal is returned if a caller attempts to
	// directly request DiscoveryRetransmission; it may only be induced
	// internally by the session manager boundary's retry signal.
	ErrRetransmissionNotExternal = errors.New("peer: retransmission discovery cannot be requested directly")

	// ErrClosed is returned by any PeerSet operation after Close has run.
	ErrClosed = errors.New("peer: peer set closed")

	// ErrPeerNotFound is returned by Disconnect/Forget for an address that
	// is not in the registry.
	ErrPeerNotFound = errors.New("peer: not found")
)
