package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/matterlink/peercore/pkg/crypto"
	"github.com/matterlink/peercore/pkg/exchange"
	"github.com/matterlink/peercore/pkg/fabric"
	"github.com/matterlink/peercore/pkg/message"
	"github.com/matterlink/peercore/pkg/securechannel"
	casesession "github.com/matterlink/peercore/pkg/securechannel/case"
	"github.com/matterlink/peercore/pkg/session"
	"github.com/matterlink/peercore/pkg/transport"
)

// DefaultCASETimeout bounds a single CASE pairing attempt (spec Section 5
// lists no explicit figure for CASE; the commissioning PASE handshake this
// tree no longer carries used the same figure for its structurally
// identical timeout).
const DefaultCASETimeout = 30 * time.Second

// CASE protocol errors, mirroring the commissioning layer's PASE error set.
var (
	ErrCASETimeout  = errors.New("case: handshake timeout")
	ErrCASEProtocol = errors.New("case: protocol error")
	ErrCASECanceled = errors.New("case: handshake canceled")
)

// CASEClient drives CASE session establishment as the initiator (spec
// Section 4.3): a channel-fed ExchangeDelegate plus a blocking wait loop,
// driving the Sigma1/Sigma2(Resume)/Sigma3/StatusReport flow and the
// resumption-retry rule CASE adds on top of PASE.
type CASEClient struct {
	exchangeManager *exchange.Manager
	secureChannel   *securechannel.Manager
	sessionManager  *session.Manager
	timeout         time.Duration
	log             logging.LeveledLogger
}

// CASEClientConfig configures a CASEClient.
type CASEClientConfig struct {
	ExchangeManager *exchange.Manager
	SecureChannel   *securechannel.Manager
	SessionManager  *session.Manager
	Timeout         time.Duration
	LoggerFactory   logging.LoggerFactory
}

// NewCASEClient creates a CASEClient.
func NewCASEClient(config CASEClientConfig) *CASEClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultCASETimeout
	}
	c := &CASEClient{
		exchangeManager: config.ExchangeManager,
		secureChannel:   config.SecureChannel,
		sessionManager:  config.SessionManager,
		timeout:         timeout,
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("peer-caseclient")
	}
	return c
}

// Pair performs the CASE handshake against peerAddr for targetNodeID on
// fabricInfo's fabric, using operationalKey for the local operational
// identity. If resumption is non-nil, resumption is attempted first; on a
// ChannelStatusResponse{NoSharedTrustRoots}, the caller's resumption
// record is invalid and Pair returns ErrNoSharedRoot so the session
// manager boundary can delete it and the caller can retry once without
// resumption (spec Section 4.3 final paragraph).
func (c *CASEClient) Pair(
	ctx context.Context,
	peerAddr transport.PeerAddress,
	fabricInfo *fabric.FabricInfo,
	operationalKey *crypto.P256KeyPair,
	targetNodeID fabric.NodeID,
	resumption *ResumptionRecord,
) (*session.SecureContext, error) {
	if c.log != nil {
		c.log.Infof("starting CASE with %s for node %s", peerAddr.Addr, targetNodeID)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	unsecuredSess, err := session.NewUnsecuredContext(session.SessionRoleInitiator)
	if err != nil {
		return nil, newError("pair", KindImplementationError, err)
	}

	handler := newCASEHandler(c.secureChannel)

	exch, err := c.exchangeManager.NewExchange(
		unsecuredSess,
		0,
		peerAddr,
		message.ProtocolSecureChannel,
		handler,
	)
	if err != nil {
		return nil, newError("pair", KindNoResponseTimeout, err)
	}
	defer exch.Close()

	exchangeID := exch.ID

	var resumptionInfo *casesession.ResumptionInfo
	if resumption != nil {
		resumptionInfo = resumption.toCASEResumptionInfo()
	}

	sigma1, err := c.secureChannel.StartCASE(exchangeID, fabricInfo, operationalKey, uint64(targetNodeID), resumptionInfo)
	if err != nil {
		return nil, newError("pair", KindImplementationError, err)
	}

	if err := exch.SendMessage(uint8(securechannel.OpcodeCASESigma1), sigma1, true); err != nil {
		return nil, newError("pair", KindNoResponseTimeout, err)
	}

	// Wait for the result of Sigma2 (or Sigma2Resume). A regular handshake
	// yields Sigma3 to send next; a resumed handshake yields nil (the
	// responder goes straight to StatusReport).
	sigma3Msg, err := handler.waitForNextMessage(ctx)
	if err != nil {
		return nil, classifyCASEWaitError(err)
	}

	if sigma3Msg != nil {
		if err := exch.SendMessage(uint8(sigma3Msg.Opcode), sigma3Msg.Payload, true); err != nil {
			return nil, newError("pair", KindNoResponseTimeout, err)
		}

		if _, err := handler.waitForNextMessage(ctx); err != nil {
			return nil, classifyCASEWaitError(err)
		}
	}

	var secureCtx *session.SecureContext
	c.sessionManager.ForEachSecureSession(func(sess *session.SecureContext) bool {
		if sess.SessionType() == session.SessionTypeCASE &&
			sess.FabricIndex() == fabricInfo.FabricIndex &&
			sess.PeerNodeID() == targetNodeID {
			secureCtx = sess
			return false
		}
		return true
	})

	if secureCtx == nil {
		return nil, newError("pair", KindImplementationError, ErrCASEProtocol)
	}

	return secureCtx, nil
}

// classifyCASEWaitError maps a handshake failure to the peer error
// taxonomy (spec Section 7), surfacing NoSharedTrustRoots distinctly so
// callers can drive the one-shot resumption retry.
func classifyCASEWaitError(err error) error {
	if noShared, ok := err.(*noSharedTrustRootsError); ok {
		return newError("pair", KindChannelStatusResponse, noShared)
	}
	if err == ErrCASETimeout {
		return newError("pair", KindPairRetransmissionLimitReached, err)
	}
	return newError("pair", KindNoResponseTimeout, err)
}

// noSharedTrustRootsError wraps the decoded status report for a
// NoSharedTrustRoots failure so callers can identify it with errors.As.
type noSharedTrustRootsError struct {
	status *securechannel.StatusReport
}

func (e *noSharedTrustRootsError) Error() string { return "case: no shared trust roots" }

// IsNoSharedTrustRoots reports whether err is (or wraps) a
// NoSharedTrustRoots channel status response.
func IsNoSharedTrustRoots(err error) bool {
	perr, ok := err.(*Error)
	if !ok {
		return false
	}
	_, ok = perr.Err.(*noSharedTrustRootsError)
	return ok
}

// caseHandler feeds Route()'s output back to Pair over a buffered
// channel, the same shape as a PASE handler but classifying StatusReport
// failures by their secure-channel status code instead of a single
// generic protocol error.
type caseHandler struct {
	secureChannel *securechannel.Manager

	msgCh chan caseResult

	mu   sync.Mutex
	done bool
}

type caseResult struct {
	nextMsg *securechannel.Message
	err     error
}

func newCASEHandler(secureChannel *securechannel.Manager) *caseHandler {
	return &caseHandler{
		secureChannel: secureChannel,
		msgCh:         make(chan caseResult, 1),
	}
}

// OnMessage implements exchange.ExchangeDelegate.
func (h *caseHandler) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil, nil
	}
	h.mu.Unlock()

	opcode := securechannel.Opcode(header.ProtocolOpcode)

	if opcode == securechannel.OpcodeStandaloneAck ||
		opcode == securechannel.OpcodeMsgCounterSyncReq ||
		opcode == securechannel.OpcodeMsgCounterSyncResp {
		return nil, nil
	}

	msg := &securechannel.Message{Opcode: opcode, Payload: payload}
	nextMsg, err := h.secureChannel.Route(ctx.ID, msg)
	if err != nil {
		h.sendResult(caseResult{err: err})
		return nil, err
	}

	if opcode == securechannel.OpcodeStatusReport {
		status, err := securechannel.DecodeStatusReport(payload)
		if err != nil {
			h.sendResult(caseResult{err: err})
			return nil, err
		}

		if !status.IsSuccess() {
			var resultErr error = ErrCASEProtocol
			if status.IsSecureChannel() && status.SecureChannelCode() == securechannel.ProtocolCodeNoSharedRoot {
				resultErr = &noSharedTrustRootsError{status: status}
			}
			h.mu.Lock()
			h.done = true
			h.mu.Unlock()
			h.sendResult(caseResult{err: resultErr})
			return nil, resultErr
		}

		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		h.sendResult(caseResult{nextMsg: nil})
		return nil, nil
	}

	h.sendResult(caseResult{nextMsg: nextMsg})
	return nil, nil
}

// OnClose implements exchange.ExchangeDelegate.
func (h *caseHandler) OnClose(ctx *exchange.ExchangeContext) {
	h.sendResult(caseResult{err: ErrCASECanceled})
}

func (h *caseHandler) sendResult(result caseResult) {
	select {
	case h.msgCh <- result:
	default:
	}
}

func (h *caseHandler) waitForNextMessage(ctx context.Context) (*securechannel.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ErrCASETimeout
	case result := <-h.msgCh:
		if result.err != nil {
			return nil, result.err
		}
		return result.nextMsg, nil
	}
}
