package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/types"
)

// handshake authenticates the other end of c. Both roles exchange a
// ChallengeRequest, then each signs the nonce it received.
func (g *Gateway) handshake(ctx context.Context, c *conn.NetConn, initiator bool) (*peer, error) {
	g.connectingLock.Lock()
	g.handshaking[c] = struct{}{}
	g.connectingLock.Unlock()
	defer func() {
		g.connectingLock.Lock()
		delete(g.handshaking, c)
		g.connectingLock.Unlock()
	}()

	deadline := time.Now().Add(g.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		c.Release()
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	own := g.account.Address()
	nonce := newNonce()
	request := event.ChallengeRequest{
		Version:      event.Version,
		ListenerPort: g.listenerPort(),
		Address:      own,
		Nonce:        nonce,
	}

	if initiator {
		if err := c.WriteMsg(request.Tag(), request); err != nil {
			c.Release()
			return nil, err
		}
	}
	msg, err := readHandshakeEvent(c)
	if err != nil {
		c.Release()
		return nil, err
	}
	peerRequest, ok := msg.(event.ChallengeRequest)
	if !ok {
		return nil, g.reject(c, event.ProtocolViolation, fmt.Errorf("%w: expected ChallengeRequest, got %s", ErrProtocolViolation, msg.Name()))
	}
	if reason, err := g.admit(peerRequest); err != nil {
		return nil, g.reject(c, reason, err)
	}
	defer func() {
		g.connectingLock.Lock()
		delete(g.connecting, peerRequest.Address)
		g.connectingLock.Unlock()
	}()
	if !initiator {
		if err := c.WriteMsg(request.Tag(), request); err != nil {
			c.Release()
			return nil, err
		}
	}

	response := event.ChallengeResponse{Signature: g.account.Sign(challengeMessage(peerRequest.Nonce))}
	if err := c.WriteMsg(response.Tag(), response); err != nil {
		c.Release()
		return nil, err
	}
	msg, err = readHandshakeEvent(c)
	if err != nil {
		c.Release()
		return nil, err
	}
	peerResponse, ok := msg.(event.ChallengeResponse)
	if !ok {
		return nil, g.reject(c, event.ProtocolViolation, fmt.Errorf("%w: expected ChallengeResponse, got %s", ErrProtocolViolation, msg.Name()))
	}
	if !types.Verify(peerRequest.Address, challengeMessage(nonce), peerResponse.Signature) {
		return nil, g.reject(c, event.InvalidChallengeResponse, ErrInvalidChallengeResponse)
	}
	if err := c.SetDeadline(time.Time{}); err != nil {
		c.Release()
		return nil, err
	}

	dialer := peerRequest.Address
	if initiator {
		dialer = own
	}
	p := newPeer(peerRequest.Address, listenAddrOf(c, peerRequest.ListenerPort), dialer, c)
	if err := g.register(p); err != nil {
		reason := event.AlreadyConnected
		if errors.Is(err, ErrTooManyPeers) {
			reason = event.TooManyPeers
		}
		return nil, g.reject(c, reason, err)
	}
	return p, nil
}

// admit validates the peer's ChallengeRequest and reserves its address.
func (g *Gateway) admit(req event.ChallengeRequest) (event.DisconnectReason, error) {
	if req.Version != event.Version {
		return event.OutdatedClientVersion, fmt.Errorf("%w: %d, expected %d", ErrOutdatedVersion, req.Version, event.Version)
	}
	if req.Address == g.account.Address() {
		return event.SelfConnect, ErrSelfConnect
	}
	committee, err := g.committee.GetCommitteeForRound(g.committee.LatestRound())
	if err != nil {
		return event.ProtocolViolation, err
	}
	if !committee.IsCommitteeMember(req.Address) {
		return event.ProtocolViolation, fmt.Errorf("%w: %s", types.ErrNotCommitteeMember, req.Address.Short())
	}
	if g.IsConnected(req.Address) {
		return event.AlreadyConnected, fmt.Errorf("%w: %s", ErrAlreadyConnected, req.Address.Short())
	}
	if g.NumConnected() >= types.MaxCommitteeSize {
		return event.TooManyPeers, ErrTooManyPeers
	}
	g.connectingLock.Lock()
	defer g.connectingLock.Unlock()
	if _, ok := g.connecting[req.Address]; ok {
		return event.AlreadyConnected, fmt.Errorf("%w: %s", ErrAlreadyConnecting, req.Address.Short())
	}
	g.connecting[req.Address] = struct{}{}
	return event.NoReasonGiven, nil
}

// reject tells the peer why it is dropped and closes c.
func (g *Gateway) reject(c *conn.NetConn, reason event.DisconnectReason, err error) error {
	_ = c.SetDeadline(time.Now().Add(100 * time.Millisecond))
	_ = c.WriteMsg(event.DisconnectTag, event.Disconnect{Reason: reason})
	c.Release()
	return err
}

func readHandshakeEvent(c *conn.NetConn) (event.Event, error) {
	_, msg, err := c.ReadMsg()
	if err != nil {
		return nil, err
	}
	e, ok := msg.(event.Event)
	if !ok {
		return nil, ErrProtocolViolation
	}
	if d, ok := e.(event.Disconnect); ok {
		return nil, fmt.Errorf("%w: peer refused the handshake (%s)", reasonError(d.Reason), d.Reason)
	}
	return e, nil
}

func reasonError(reason event.DisconnectReason) error {
	switch reason {
	case event.SelfConnect:
		return ErrSelfConnect
	case event.AlreadyConnected:
		return ErrAlreadyConnected
	case event.TooManyPeers:
		return ErrTooManyPeers
	case event.OutdatedClientVersion:
		return ErrOutdatedVersion
	case event.InvalidChallengeResponse:
		return ErrInvalidChallengeResponse
	case event.ShuttingDown:
		return ErrShutdown
	default:
		return ErrProtocolViolation
	}
}

func listenAddrOf(c *conn.NetConn, port uint16) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
