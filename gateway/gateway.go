/*
Package gateway authenticates committee members and carries events between
them. Every peer is identified by its account address, proven in a
challenge-response handshake run by both sides of a connection.
*/
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"

	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/event"
	"github.com/gitzhang10/narwhal/metrics"
	"github.com/gitzhang10/narwhal/types"
	"github.com/gitzhang10/narwhal/worker"
)

const (
	DefaultHandshakeTimeout  = 3 * time.Second
	DefaultRadioSilence      = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultDialTimeout       = 2 * time.Second

	outboundQueueSize = 1024
	inboundQueueSize  = 1024
)

var (
	ErrShutdown                 = errors.New("gateway shut down")
	ErrSelfConnect              = errors.New("cannot connect to self")
	ErrTooManyPeers             = errors.New("too many peers")
	ErrAlreadyConnected         = errors.New("peer already connected")
	ErrAlreadyConnecting        = errors.New("peer already connecting")
	ErrNotConnected             = errors.New("peer not connected")
	ErrOutdatedVersion          = errors.New("outdated protocol version")
	ErrInvalidChallengeResponse = errors.New("invalid challenge response")
	ErrProtocolViolation        = errors.New("protocol violation")
	ErrPeerCongested            = errors.New("peer outbound queue is full")
)

// CommitteeSource resolves the committee that authorizes peers.
type CommitteeSource interface {
	LatestRound() uint64
	GetCommitteeForRound(round uint64) (*types.Committee, error)
}

type Config struct {
	Account    *types.Account
	ListenAddr string
	// Peers maps committee members to their listen addresses. The gateway
	// keeps connections to the members whose address is greater than its own,
	// the others dial in.
	Peers             map[types.Address]string
	Committee         CommitteeSource
	HandshakeTimeout  time.Duration
	RadioSilence      time.Duration
	HeartbeatInterval time.Duration
	Logger            hclog.Logger
	Metrics           *metrics.Metrics
}

type Gateway struct {
	account           *types.Account
	listenAddr        string
	peerAddrs         map[types.Address]string
	committee         CommitteeSource
	handshakeTimeout  time.Duration
	radioSilence      time.Duration
	heartbeatInterval time.Duration
	logger            hclog.Logger
	metrics           *metrics.Metrics

	trans *conn.NetworkTransport

	peersLock sync.RWMutex
	peers     map[types.Address]*peer

	connectingLock sync.Mutex
	connecting     map[types.Address]struct{}
	dialing        map[string]struct{}
	handshaking    map[*conn.NetConn]struct{}

	primaryCh chan event.Envelope
	workers   []chan<- event.Envelope

	lifecycleLock sync.Mutex
	stopped       bool
	started       atomic.Bool
	shutdownCh    chan struct{}
	wg            sync.WaitGroup
}

func New(conf Config) *Gateway {
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conf.RadioSilence <= 0 {
		conf.RadioSilence = DefaultRadioSilence
	}
	if conf.HeartbeatInterval <= 0 {
		conf.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	return &Gateway{
		account:           conf.Account,
		listenAddr:        conf.ListenAddr,
		peerAddrs:         conf.Peers,
		committee:         conf.Committee,
		handshakeTimeout:  conf.HandshakeTimeout,
		radioSilence:      conf.RadioSilence,
		heartbeatInterval: conf.HeartbeatInterval,
		logger:            conf.Logger.Named("gateway"),
		metrics:           conf.Metrics,
		peers:             make(map[types.Address]*peer),
		connecting:        make(map[types.Address]struct{}),
		dialing:           make(map[string]struct{}),
		handshaking:       make(map[*conn.NetConn]struct{}),
		primaryCh:         make(chan event.Envelope, inboundQueueSize),
		shutdownCh:        make(chan struct{}),
	}
}

// RegisterWorkers sets the inbound channels of the workers, indexed by
// worker ID. It must be called before Start.
func (g *Gateway) RegisterWorkers(inbound []chan<- event.Envelope) {
	g.workers = inbound
}

// PrimaryInbound carries the events addressed to the primary.
func (g *Gateway) PrimaryInbound() <-chan event.Envelope {
	return g.primaryCh
}

func (g *Gateway) Account() *types.Account {
	return g.account
}

// Start binds the listener and starts the heartbeat.
func (g *Gateway) Start() error {
	if !g.started.CompareAndSwap(false, true) {
		return errors.New("gateway already started")
	}
	trans, err := conn.NewTCPTransport(g.listenAddr, &conn.NetworkTransportConfig{
		ReflectedTypesMap: event.ReflectedTypesMap,
		Logger:            g.logger.Named("net"),
		Handler:           g.handleInbound,
		Timeout:           DefaultDialTimeout,
	})
	if err != nil {
		return err
	}
	g.trans = trans
	g.logger.Info("gateway is listening", "address", trans.LocalAddr(), "account", g.account.Address().Short())

	if !g.enter() {
		return ErrShutdown
	}
	go func() {
		defer g.wg.Done()
		g.heartbeatLoop()
	}()
	return nil
}

// ListenAddr is the bound listener address, available after Start.
func (g *Gateway) ListenAddr() string {
	if g.trans == nil {
		return g.listenAddr
	}
	return g.trans.LocalAddr()
}

func (g *Gateway) listenerPort() uint16 {
	_, port, err := net.SplitHostPort(g.ListenAddr())
	if err != nil {
		return 0
	}
	p, _ := strconv.ParseUint(port, 10, 16)
	return uint16(p)
}

// enter registers a goroutine unless the gateway is shutting down.
func (g *Gateway) enter() bool {
	g.lifecycleLock.Lock()
	defer g.lifecycleLock.Unlock()
	if g.stopped {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) isShutdown() bool {
	select {
	case <-g.shutdownCh:
		return true
	default:
		return false
	}
}

// Shutdown closes every connection and waits for the gateway's goroutines.
func (g *Gateway) Shutdown() {
	g.lifecycleLock.Lock()
	if g.stopped {
		g.lifecycleLock.Unlock()
		return
	}
	g.stopped = true
	close(g.shutdownCh)
	g.lifecycleLock.Unlock()

	if g.trans != nil {
		g.trans.Close()
	}
	g.connectingLock.Lock()
	for c := range g.handshaking {
		c.Release()
	}
	g.connectingLock.Unlock()

	g.peersLock.Lock()
	peers := make([]*peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.peersLock.Unlock()
	for _, p := range peers {
		g.disconnect(p, event.ShuttingDown)
	}
	g.wg.Wait()
	g.logger.Info("gateway stopped")
}

// Connect dials addr and runs the handshake as initiator.
func (g *Gateway) Connect(ctx context.Context, addr string) error {
	if g.isShutdown() {
		return ErrShutdown
	}
	if addr == g.ListenAddr() || addr == g.listenAddr {
		return ErrSelfConnect
	}
	g.connectingLock.Lock()
	if _, ok := g.dialing[addr]; ok {
		g.connectingLock.Unlock()
		return ErrAlreadyConnecting
	}
	g.dialing[addr] = struct{}{}
	g.connectingLock.Unlock()
	defer func() {
		g.connectingLock.Lock()
		delete(g.dialing, addr)
		g.connectingLock.Unlock()
	}()

	c, err := g.trans.Dial(addr)
	if err != nil {
		return err
	}
	if !g.enter() {
		c.Release()
		return ErrShutdown
	}
	p, err := g.handshake(ctx, c, true)
	if err != nil {
		g.wg.Done()
		g.metrics.HandshakeFailed()
		return err
	}
	go func() {
		defer g.wg.Done()
		g.readLoop(p)
	}()
	return nil
}

// handleInbound serves an accepted connection for its lifespan.
func (g *Gateway) handleInbound(ctx context.Context, c *conn.NetConn) {
	if !g.enter() {
		c.Release()
		return
	}
	defer g.wg.Done()
	p, err := g.handshake(ctx, c, false)
	if err != nil {
		g.metrics.HandshakeFailed()
		g.logger.Debug("inbound handshake failed", "remote-address", c.RemoteAddr().String(), "error", err)
		return
	}
	g.readLoop(p)
}

// IsConnected reports whether addr completed a handshake with this node.
func (g *Gateway) IsConnected(addr types.Address) bool {
	g.peersLock.RLock()
	defer g.peersLock.RUnlock()
	_, ok := g.peers[addr]
	return ok
}

// Connected lists the authenticated peers.
func (g *Gateway) Connected() []types.Address {
	g.peersLock.RLock()
	defer g.peersLock.RUnlock()
	out := make([]types.Address, 0, len(g.peers))
	for addr := range g.peers {
		out = append(out, addr)
	}
	return out
}

func (g *Gateway) NumConnected() int {
	g.peersLock.RLock()
	defer g.peersLock.RUnlock()
	return len(g.peers)
}

// Send queues e for peer. A peer that cannot take the event is disconnected.
func (g *Gateway) Send(addr types.Address, e event.Event) error {
	if g.isShutdown() {
		return ErrShutdown
	}
	g.peersLock.RLock()
	p, ok := g.peers[addr]
	g.peersLock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr.Short())
	}
	if err := p.enqueue(e); err != nil {
		g.logger.Warn("failed to send event, disconnecting", "peer", addr.Short(), "event", e.Name(), "error", err)
		g.disconnect(p, event.NoReasonGiven)
		return err
	}
	return nil
}

// Broadcast sends e to every connected peer. Failures only affect the failing peer.
func (g *Gateway) Broadcast(e event.Event) {
	for _, addr := range g.Connected() {
		_ = g.Send(addr, e)
	}
}

// Disconnect drops the connection to addr, if any, telling the peer why.
func (g *Gateway) Disconnect(addr types.Address, reason event.DisconnectReason) {
	g.peersLock.RLock()
	p, ok := g.peers[addr]
	g.peersLock.RUnlock()
	if ok {
		g.disconnect(p, reason)
	}
}

func (g *Gateway) disconnect(p *peer, reason event.DisconnectReason) {
	g.peersLock.Lock()
	if current, ok := g.peers[p.address]; ok && current == p {
		delete(g.peers, p.address)
	}
	n := len(g.peers)
	g.peersLock.Unlock()
	if p.close(reason) {
		g.metrics.SetConnectedPeers(n)
		g.logger.Info("disconnected from peer", "peer", p.address.Short(), "reason", reason.String())
	}
}

func (g *Gateway) readLoop(p *peer) {
	defer g.disconnect(p, event.NoReasonGiven)
	for {
		_, msg, err := p.conn.ReadMsg()
		if err != nil {
			if !p.isClosed() && !g.isShutdown() {
				g.logger.Debug("failed to read from peer", "peer", p.address.Short(), "error", err)
			}
			return
		}
		p.touch()
		e, ok := msg.(event.Event)
		if !ok {
			g.disconnect(p, event.ProtocolViolation)
			return
		}
		if !g.dispatch(p, e) {
			return
		}
	}
}

// dispatch routes e and reports whether the connection stays open.
func (g *Gateway) dispatch(p *peer, e event.Event) bool {
	switch ev := e.(type) {
	case event.ChallengeRequest, event.ChallengeResponse:
		g.logger.Warn("peer sent a challenge outside the handshake", "peer", p.address.Short())
		g.disconnect(p, event.ProtocolViolation)
		return false
	case event.Disconnect:
		g.logger.Info("peer disconnected", "peer", p.address.Short(), "reason", ev.Reason.String())
		g.disconnect(p, event.NoReasonGiven)
		return false
	case event.TransmissionRequest:
		return g.toWorker(p, ev.TransmissionID, ev)
	case event.TransmissionResponse:
		return g.toWorker(p, ev.TransmissionID, ev)
	case event.WorkerPing:
		return g.splitWorkerPing(p, ev)
	default:
		if event.IsPrimaryEvent(e) {
			return g.deliver(g.primaryCh, event.Envelope{Peer: p.address, Event: e})
		}
		g.logger.Warn("unexpected event", "peer", p.address.Short(), "event", e.Name())
		return true
	}
}

func (g *Gateway) toWorker(p *peer, id types.TransmissionID, e event.Event) bool {
	if len(g.workers) == 0 {
		return true
	}
	index, err := worker.AssignToWorker(id, uint8(len(g.workers)))
	if err != nil {
		return true
	}
	return g.deliver(g.workers[index], event.Envelope{Peer: p.address, Event: e})
}

func (g *Gateway) splitWorkerPing(p *peer, ping event.WorkerPing) bool {
	if len(g.workers) == 0 {
		return true
	}
	byWorker := make([][]types.TransmissionID, len(g.workers))
	for _, id := range ping.TransmissionIDs {
		index, err := worker.AssignToWorker(id, uint8(len(g.workers)))
		if err != nil {
			return true
		}
		byWorker[index] = append(byWorker[index], id)
	}
	for i, ids := range byWorker {
		if len(ids) == 0 {
			continue
		}
		if !g.deliver(g.workers[i], event.Envelope{Peer: p.address, Event: event.WorkerPing{TransmissionIDs: ids}}) {
			return false
		}
	}
	return true
}

func (g *Gateway) deliver(ch chan<- event.Envelope, env event.Envelope) bool {
	select {
	case ch <- env:
		return true
	case <-g.shutdownCh:
		return false
	}
}

func (g *Gateway) heartbeatLoop() {
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.shutdownCh:
			return
		case <-ticker.C:
			g.heartbeat()
		}
	}
}

// heartbeat drops silent peers and reconnects to the members this node dials.
func (g *Gateway) heartbeat() {
	g.peersLock.RLock()
	var silent []*peer
	for _, p := range g.peers {
		if p.silentFor() > g.radioSilence {
			silent = append(silent, p)
		}
	}
	g.peersLock.RUnlock()
	for _, p := range silent {
		g.logger.Warn("peer has been silent, disconnecting", "peer", p.address.Short())
		g.disconnect(p, event.NoReasonGiven)
	}

	own := g.account.Address()
	for addr, listen := range g.peerAddrs {
		if addr == own || !own.Less(addr) || g.IsConnected(addr) {
			continue
		}
		if !g.enter() {
			return
		}
		go func(addr types.Address, listen string) {
			defer g.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), g.handshakeTimeout)
			defer cancel()
			if err := g.Connect(ctx, listen); err != nil && !errors.Is(err, ErrAlreadyConnecting) {
				g.logger.Debug("failed to connect to peer", "peer", addr.Short(), "address", listen, "error", err)
			}
		}(addr, listen)
	}
}

func newNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}

// challengeMessage is what a peer signs to prove it owns its address.
func challengeMessage(nonce uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("narwhal-challenge"), nonce)
}
