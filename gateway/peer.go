package gateway

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/types"
)

type peer struct {
	address    types.Address
	listenAddr string
	initiator  types.Address // the side that dialed
	conn       *conn.NetConn
	outbound   chan event.Event
	lastSeen   atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(address types.Address, listenAddr string, initiator types.Address, c *conn.NetConn) *peer {
	p := &peer{
		address:    address,
		listenAddr: listenAddr,
		initiator:  initiator,
		conn:       c,
		outbound:   make(chan event.Event, outboundQueueSize),
		closed:     make(chan struct{}),
	}
	p.touch()
	return p
}

func (p *peer) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

func (p *peer) silentFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - p.lastSeen.Load())
}

func (p *peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *peer) enqueue(e event.Event) error {
	if p.isClosed() {
		return ErrNotConnected
	}
	select {
	case p.outbound <- e:
		return nil
	default:
		return ErrPeerCongested
	}
}

// close tells the peer why, when there is a reason, and closes the
// connection. It reports whether this call closed the peer.
func (p *peer) close(reason event.DisconnectReason) bool {
	closed := false
	p.closeOnce.Do(func() {
		closed = true
		close(p.closed)
		if reason != event.NoReasonGiven {
			_ = p.conn.SetDeadline(time.Now().Add(100 * time.Millisecond))
			_ = p.conn.WriteMsg(event.DisconnectTag, event.Disconnect{Reason: reason})
		}
		_ = p.conn.Release()
	})
	return closed
}

func (g *Gateway) writeLoop(p *peer) {
	for {
		select {
		case <-p.closed:
			return
		case e := <-p.outbound:
			if err := p.conn.WriteMsg(e.Tag(), e); err != nil {
				if !p.isClosed() {
					g.logger.Debug("failed to write to peer", "peer", p.address.Short(), "error", err)
				}
				g.disconnect(p, event.NoReasonGiven)
				return
			}
		}
	}
}

// register admits an authenticated peer. When two connections to the same
// peer race, the one dialed by the smaller address is kept.
func (g *Gateway) register(p *peer) error {
	g.peersLock.Lock()
	existing, ok := g.peers[p.address]
	if ok && !(p.initiator.Less(existing.initiator)) {
		g.peersLock.Unlock()
		return ErrAlreadyConnected
	}
	if !ok && len(g.peers) >= types.MaxCommitteeSize {
		g.peersLock.Unlock()
		return ErrTooManyPeers
	}
	if !g.enter() {
		g.peersLock.Unlock()
		return ErrShutdown
	}
	g.peers[p.address] = p
	n := len(g.peers)
	g.peersLock.Unlock()

	if ok {
		existing.close(event.AlreadyConnected)
	}
	g.metrics.SetConnectedPeers(n)
	g.logger.Info("connected to peer", "peer", p.address.Short(), "address", p.listenAddr)
	go func() {
		defer g.wg.Done()
		g.writeLoop(p)
	}()
	return nil
}
