package overlay

import (
	"fmt"
	"log/slog"
	"math/rand"

	"tradenet/observability/logging"
	"tradenet/overlay/seeds"
)

// PeerGroup maintains the live mesh of mutually-authenticated peers on top of
// the anonymizing transport: bootstrap from seeds, discovery through the
// peers exchange, capacity-bounded eviction, liveness probing, and broadcast
// fan-out.
//
// All state lives on the single user-thread executor. The exported facade
// methods may be called from any goroutine; they post onto the executor.
// Accessors are executor-confined and documented as such.
type PeerGroup struct {
	cfg       Config
	transport Transport
	exec      *Executor
	seeds     *seeds.Registry
	logger    *slog.Logger
	metrics   *groupMetrics

	// The three disjoint-by-address sets of the peer table.
	authenticatedPeers map[Address]*Peer
	reportedPeers      map[Address]struct{}
	handshakes         map[Address]*Handshake

	pingTimer      *Timer
	getPeersTimer  *Timer
	bootstrapTimer *Timer

	shutDownInProgress bool
}

// New wires the peer group to the transport and starts the maintenance and
// get-peers timers. The executor must be the same one the transport
// dispatches its callbacks on.
func New(transport Transport, exec *Executor, seedRegistry *seeds.Registry, cfg Config) *PeerGroup {
	g := &PeerGroup{
		cfg:                cfg.withDefaults(),
		transport:          transport,
		exec:               exec,
		seeds:              seedRegistry,
		logger:             slog.Default().With(slog.String("component", "peer_group")),
		metrics:            newGroupMetrics(),
		authenticatedPeers: make(map[Address]*Peer),
		reportedPeers:      make(map[Address]struct{}),
		handshakes:         make(map[Address]*Handshake),
	}
	transport.AddMessageListener(g)
	transport.AddConnectionListener(g)
	g.startMaintenanceTimer()
	g.startGetPeersTimer()
	return g
}

///////////////////////////////////////////////////////////////////////////
// MessageListener
///////////////////////////////////////////////////////////////////////////

// OnMessage routes inbound messages. Authentication responses and acks are
// consumed by the in-flight handshake listeners, not here.
func (g *PeerGroup) OnMessage(msg Message, conn Connection) {
	if g.shutDownInProgress {
		return
	}
	switch m := msg.(type) {
	case MaintenanceMessage:
		g.processMaintenanceMessage(m, conn)
	case AuthenticationRequest:
		g.processAuthenticationRequest(m, conn)
	}
}

///////////////////////////////////////////////////////////////////////////
// ConnectionListener
///////////////////////////////////////////////////////////////////////////

// OnConnection is an extension point; the core takes no action on raw
// connects.
func (g *PeerGroup) OnConnection(conn Connection) {
}

// OnPeerAddressAuthenticated is an extension point for outer layers.
func (g *PeerGroup) OnPeerAddressAuthenticated(peer Address, conn Connection) {
}

// OnDisconnect fails any handshake running over conn and drops the peer
// behind conn from every table set.
func (g *PeerGroup) OnDisconnect(reason DisconnectReason, conn Connection) {
	g.logger.Debug("Connection closed",
		logging.MaskField("connection", conn.UID()),
		slog.Any("reason", reason))
	peerAddress := conn.PeerAddress()
	for addr, handshake := range g.handshakes {
		if (!peerAddress.IsZero() && addr == peerAddress) ||
			(handshake.respondConn != nil && handshake.respondConn.UID() == conn.UID()) {
			handshake.fail(fmt.Errorf("connection closed during authentication: %v", reason))
		}
	}
	g.removePeer(peerAddress)
}

// OnError is an extension point; transport errors carry no core action.
func (g *PeerGroup) OnError(err error) {
}

///////////////////////////////////////////////////////////////////////////
// Facade
///////////////////////////////////////////////////////////////////////////

// RemoveOwnSeedAddress removes addr from the seed set. Called when this node
// is itself a seed so it never bootstraps against its own address.
func (g *PeerGroup) RemoveOwnSeedAddress(addr Address) {
	g.seeds.Remove(addr.FullAddress())
}

// Broadcast fans msg out to every authenticated peer except sender. A zero
// sender means the payload originated locally. Dropped silently while no
// peer is authenticated.
func (g *PeerGroup) Broadcast(msg DataBroadcastMessage, sender Address) {
	g.exec.Post(func() {
		g.broadcast(msg, sender)
	})
}

// AuthenticateSeedNode starts the bootstrap cascade against peer, typically
// right after the transport published our own address.
func (g *PeerGroup) AuthenticateSeedNode(peer Address) {
	g.exec.Post(func() {
		if g.shutDownInProgress {
			return
		}
		g.authenticateToSeedNode(g.seedAddressSet(), peer, true)
	})
}

// AuthenticateToDirectMessagePeer performs a one-shot authentication for
// direct messaging. Exactly one of onOk and onErr runs, on the user thread.
// If a handshake for addr is already in flight the callbacks piggyback on its
// outcome.
func (g *PeerGroup) AuthenticateToDirectMessagePeer(addr Address, onOk func(), onErr func(error)) {
	g.exec.Post(func() {
		g.authenticateToDirectMessagePeer(addr, onOk, onErr)
	})
}

// ShutDown cancels the maintenance, get-peers and pending bootstrap timers
// and detaches from the transport. Idempotent. In-flight handshakes and
// sends complete or fail naturally; their callbacks become no-ops.
func (g *PeerGroup) ShutDown() {
	g.exec.Post(func() {
		if g.shutDownInProgress {
			return
		}
		g.shutDownInProgress = true
		g.pingTimer.Stop()
		g.getPeersTimer.Stop()
		g.bootstrapTimer.Stop()
		g.transport.RemoveMessageListener(g)
		g.transport.RemoveConnectionListener(g)
		g.logger.Info("Peer group shut down")
	})
}

///////////////////////////////////////////////////////////////////////////
// Executor-confined accessors
///////////////////////////////////////////////////////////////////////////

// NumAuthenticatedPeers returns the authenticated peer count. Must run on
// the user thread (use Executor.Invoke from outside).
func (g *PeerGroup) NumAuthenticatedPeers() int {
	return len(g.authenticatedPeers)
}

// AuthenticatedPeerAddresses snapshots the authenticated set. Must run on
// the user thread.
func (g *PeerGroup) AuthenticatedPeerAddresses() []Address {
	out := make([]Address, 0, len(g.authenticatedPeers))
	for addr := range g.authenticatedPeers {
		out = append(out, addr)
	}
	return out
}

// ReportedPeerAddresses snapshots the reported set. Must run on the user
// thread.
func (g *PeerGroup) ReportedPeerAddresses() []Address {
	out := make([]Address, 0, len(g.reportedPeers))
	for addr := range g.reportedPeers {
		out = append(out, addr)
	}
	return out
}

// AllPeerAddresses returns the union of reported and authenticated
// addresses, the set offered in a peers exchange. Must run on the user
// thread.
func (g *PeerGroup) AllPeerAddresses() []Address {
	out := make([]Address, 0, len(g.reportedPeers)+len(g.authenticatedPeers))
	for addr := range g.reportedPeers {
		out = append(out, addr)
	}
	for addr := range g.authenticatedPeers {
		out = append(out, addr)
	}
	return out
}

// SeedNodeAddresses snapshots the current seed set.
func (g *PeerGroup) SeedNodeAddresses() []Address {
	return g.seedAddresses()
}

///////////////////////////////////////////////////////////////////////////
// Inbound authentication requests
///////////////////////////////////////////////////////////////////////////

func (g *PeerGroup) processAuthenticationRequest(msg AuthenticationRequest, conn Connection) {
	peerAddress := msg.Address
	if _, inFlight := g.handshakes[peerAddress]; inFlight {
		g.logger.Warn("Authentication handshake already in flight, dropping request",
			logging.MaskField("peer_address", peerAddress.FullAddress()))
		return
	}
	// Protect the connection from capacity eviction while it finalizes.
	conn.SetConnectionType(ConnTypeAuthRequest)
	handshake := newHandshake(g.transport, g.exec, g.logger)
	g.handshakes[peerAddress] = handshake
	g.observeTable()
	handshake.RespondTo(msg, conn).Then(
		func(c Connection) {
			if g.shutDownInProgress {
				return
			}
			if g.setAuthenticated(c, peerAddress) {
				c.SetConnectionType(ConnTypePassive)
				g.purgeReportedPeersIfExceeds()
			}
		},
		func(err error) {
			if g.shutDownInProgress {
				return
			}
			g.logger.Info("Inbound authentication failed, peer likely went offline",
				logging.MaskField("peer_address", peerAddress.FullAddress()),
				slog.Any("error", err))
			g.metrics.recordHandshake("failure")
			g.removePeer(peerAddress)
		},
	)
}

///////////////////////////////////////////////////////////////////////////
// Direct-message authentication
///////////////////////////////////////////////////////////////////////////

func (g *PeerGroup) authenticateToDirectMessagePeer(peerAddress Address, onOk func(), onErr func(error)) {
	if g.shutDownInProgress {
		if onErr != nil {
			onErr(ErrShutDown)
		}
		return
	}
	if _, ok := g.authenticatedPeers[peerAddress]; ok {
		if onOk != nil {
			onOk()
		}
		return
	}
	if inFlight, ok := g.handshakes[peerAddress]; ok {
		// Piggyback on the running exchange instead of racing it.
		inFlight.result.Then(
			func(Connection) {
				if onOk != nil {
					onOk()
				}
			},
			func(err error) {
				if onErr != nil {
					onErr(err)
				}
			},
		)
		return
	}
	handshake := newHandshake(g.transport, g.exec, g.logger)
	g.handshakes[peerAddress] = handshake
	g.observeTable()
	handshake.RequestAuthentication(peerAddress).Then(
		func(conn Connection) {
			if g.shutDownInProgress {
				if onErr != nil {
					onErr(ErrShutDown)
				}
				return
			}
			if g.setAuthenticated(conn, peerAddress) {
				conn.SetConnectionType(ConnTypeActive)
				if onOk != nil {
					onOk()
				}
			} else if onErr != nil {
				onErr(ErrHandshakeRejected)
			}
		},
		func(err error) {
			if g.shutDownInProgress {
				if onErr != nil {
					onErr(ErrShutDown)
				}
				return
			}
			g.logger.Error("Direct message authentication failed",
				logging.MaskField("peer_address", peerAddress.FullAddress()),
				slog.Any("error", err))
			g.metrics.recordHandshake("failure")
			g.removePeer(peerAddress)
			if onErr != nil {
				onErr(err)
			}
		},
	)
}

///////////////////////////////////////////////////////////////////////////
// Table mutation
///////////////////////////////////////////////////////////////////////////

// setAuthenticated finalizes a successful handshake: the in-flight entry is
// dropped, the connection is bound and the peer enters the authenticated
// set. Returns false on the address-mismatch invariant breach.
func (g *PeerGroup) setAuthenticated(conn Connection, peerAddress Address) bool {
	delete(g.handshakes, peerAddress)
	if conn == nil || conn.PeerAddress() != peerAddress {
		g.logger.Error("Handshake completed with mismatched peer address, refusing to authenticate",
			logging.MaskField("peer_address", peerAddress.FullAddress()))
		g.metrics.recordHandshake("invalid")
		g.metrics.recordViolation("address_mismatch")
		g.removePeer(peerAddress)
		return false
	}
	g.logger.Info("Peer authenticated",
		logging.MaskField("peer_address", peerAddress.FullAddress()),
		logging.MaskField("connection", conn.UID()))
	conn.SetAuthenticated(peerAddress)
	g.metrics.recordHandshake("success")
	g.addAuthenticatedPeer(newPeer(conn))
	return true
}

func (g *PeerGroup) addAuthenticatedPeer(peer *Peer) {
	peerAddress := peer.Address()
	g.authenticatedPeers[peerAddress] = peer
	delete(g.reportedPeers, peerAddress)
	g.observeTable()

	if !g.checkConnectionsExceed() {
		g.logPeerSnapshot()
	}
}

// removePeer drops peerAddress from the handshake, reported and
// authenticated sets. Safe to call with a zero address.
func (g *PeerGroup) removePeer(peerAddress Address) {
	if peerAddress.IsZero() {
		return
	}
	_, hadHandshake := g.handshakes[peerAddress]
	delete(g.handshakes, peerAddress)
	_, wasReported := g.reportedPeers[peerAddress]
	delete(g.reportedPeers, peerAddress)
	_, wasAuthenticated := g.authenticatedPeers[peerAddress]
	delete(g.authenticatedPeers, peerAddress)

	if hadHandshake || wasReported || wasAuthenticated {
		if wasAuthenticated {
			g.metrics.recordEviction("removed")
		}
		g.observeTable()
		g.logPeerSnapshot()
	}
}

///////////////////////////////////////////////////////////////////////////
// Broadcast
///////////////////////////////////////////////////////////////////////////

func (g *PeerGroup) broadcast(msg DataBroadcastMessage, sender Address) {
	if g.shutDownInProgress {
		return
	}
	if len(g.authenticatedPeers) == 0 {
		g.logger.Debug("Skipping broadcast, no authenticated peers yet")
		return
	}
	recipients := 0
	for peerAddress, peer := range g.authenticatedPeers {
		if peerAddress == sender {
			continue
		}
		recipients++
		addr := peer.Address()
		g.transport.SendMessage(addr, msg).Then(nil, func(err error) {
			if g.shutDownInProgress {
				return
			}
			g.logger.Info("Broadcast send failed, removing peer",
				logging.MaskField("peer_address", addr.FullAddress()),
				slog.Any("error", err))
			g.removePeer(addr)
		})
	}
	g.metrics.recordBroadcast(recipients)
	g.logger.Debug("Broadcast dispatched", slog.Int("count", recipients))
}

///////////////////////////////////////////////////////////////////////////
// Maintenance message routing
///////////////////////////////////////////////////////////////////////////

func (g *PeerGroup) processMaintenanceMessage(msg MaintenanceMessage, conn Connection) {
	switch m := msg.(type) {
	case PingMessage:
		g.processPing(m, conn)
	case PongMessage:
		g.processPong(m, conn)
	case GetPeersRequest:
		g.processGetPeersRequest(m, conn)
	case GetPeersResponse:
		g.addToReportedPeers(m.PeerAddresses, conn)
	}
}

func (g *PeerGroup) processPing(msg PingMessage, conn Connection) {
	g.transport.SendMessageOn(conn, PongMessage{Nonce: msg.Nonce}).Then(nil, func(err error) {
		if g.shutDownInProgress {
			return
		}
		g.logger.Info("Pong send failed, removing peer",
			slog.Any("error", err))
		g.removePeer(conn.PeerAddress())
	})
}

func (g *PeerGroup) processPong(msg PongMessage, conn Connection) {
	peerAddress := conn.PeerAddress()
	if peerAddress.IsZero() {
		return
	}
	peer, ok := g.authenticatedPeers[peerAddress]
	if !ok {
		return
	}
	if msg.Nonce != peer.PingNonce() {
		g.logger.Warn("Pong carried the wrong nonce, removing peer",
			logging.MaskField("peer_address", peerAddress.FullAddress()))
		g.metrics.recordViolation("pong_nonce")
		g.removePeer(peerAddress)
	}
}

func (g *PeerGroup) processGetPeersRequest(msg GetPeersRequest, conn Connection) {
	g.addToReportedPeers(msg.PeerAddresses, conn)
	reply := GetPeersResponse{PeerAddresses: g.AllPeerAddresses()}
	g.transport.SendMessageOn(conn, reply).Then(nil, func(err error) {
		if g.shutDownInProgress {
			return
		}
		g.logger.Info("Get-peers response send failed, removing peer",
			logging.MaskField("peer_address", msg.Address.FullAddress()),
			slog.Any("error", err))
		g.removePeer(msg.Address)
	})
}

///////////////////////////////////////////////////////////////////////////
// Reported peers
///////////////////////////////////////////////////////////////////////////

// addToReportedPeers merges a received address list into the reported set.
// Oversized lists are misbehavior and shut the sending connection down.
func (g *PeerGroup) addToReportedPeers(peerAddresses []Address, conn Connection) {
	if len(peerAddresses) > g.cfg.MaxReportedPeersPerMessage {
		g.logger.Warn("Peer sent an oversized address list, shutting the connection down",
			slog.Int("count", len(peerAddresses)))
		g.metrics.recordViolation("peer_list_size")
		conn.ShutDown(nil)
		return
	}
	myAddress := g.myAddress()
	fresh := make(map[Address]struct{}, len(peerAddresses))
	for _, addr := range peerAddresses {
		if addr.IsZero() || addr == myAddress {
			continue
		}
		if _, ok := g.authenticatedPeers[addr]; ok {
			continue
		}
		if _, known := g.reportedPeers[addr]; !known {
			fresh[addr] = struct{}{}
		}
		g.reportedPeers[addr] = struct{}{}
	}
	g.purgeReportedPeers(fresh)
	g.observeTable()
}

func (g *PeerGroup) purgeReportedPeersIfExceeds() {
	g.purgeReportedPeers(nil)
}

// purgeReportedPeers removes uniformly random reported addresses until the
// cap holds again. Addresses learned in the merge that triggered the purge
// are kept so fresh gossip is not discarded on arrival.
func (g *PeerGroup) purgeReportedPeers(keep map[Address]struct{}) {
	size := len(g.reportedPeers)
	if size <= g.cfg.MaxReportedPeers {
		return
	}
	diff := size - g.cfg.MaxReportedPeers
	g.logger.Debug("Purging reported peer overflow", slog.Int("count", diff))
	candidates := make([]Address, 0, size)
	for addr := range g.reportedPeers {
		if _, ok := g.authenticatedPeers[addr]; ok {
			continue
		}
		if _, ok := keep[addr]; ok {
			continue
		}
		candidates = append(candidates, addr)
	}
	for i := 0; i < diff && len(candidates) > 0; i++ {
		idx := rand.Intn(len(candidates))
		delete(g.reportedPeers, candidates[idx])
		candidates[idx] = candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
	}
	if len(g.reportedPeers) > g.cfg.MaxReportedPeers {
		// The protected merge alone overflows the cap; it loses its
		// protection so the invariant holds.
		g.purgeReportedPeers(nil)
	}
	g.observeTable()
}

///////////////////////////////////////////////////////////////////////////
// Helpers
///////////////////////////////////////////////////////////////////////////

func (g *PeerGroup) myAddress() Address {
	return g.transport.Address()
}

func (g *PeerGroup) seedAddresses() []Address {
	snapshot := g.seeds.Snapshot()
	out := make([]Address, 0, len(snapshot))
	for _, raw := range snapshot {
		addr, err := ParseAddress(raw)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (g *PeerGroup) seedAddressSet() map[Address]struct{} {
	set := make(map[Address]struct{})
	for _, addr := range g.seedAddresses() {
		set[addr] = struct{}{}
	}
	return set
}

// randomNotAuthenticated picks a uniform random candidate that is not yet
// authenticated, returning it together with the remaining candidates so the
// caller can exclude it on the next attempt.
func (g *PeerGroup) randomNotAuthenticated(candidates map[Address]struct{}) (Address, map[Address]struct{}, bool) {
	list := make([]Address, 0, len(candidates))
	for addr := range candidates {
		if _, ok := g.authenticatedPeers[addr]; ok {
			continue
		}
		list = append(list, addr)
	}
	if len(list) == 0 {
		return Address{}, nil, false
	}
	idx := rand.Intn(len(list))
	picked := list[idx]
	remaining := make(map[Address]struct{}, len(list)-1)
	for _, addr := range list {
		if addr != picked {
			remaining[addr] = struct{}{}
		}
	}
	return picked, remaining, true
}

func (g *PeerGroup) observeTable() {
	g.metrics.observeTable(len(g.authenticatedPeers), len(g.reportedPeers), len(g.handshakes))
}

func (g *PeerGroup) logPeerSnapshot() {
	g.logger.Debug("Peer table changed",
		slog.Int("authenticated", len(g.authenticatedPeers)),
		slog.Int("reported", len(g.reportedPeers)),
		slog.Int("handshakes", len(g.handshakes)))
}
