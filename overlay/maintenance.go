package overlay

import (
	"log/slog"
	"time"

	"tradenet/observability/logging"
)

// startMaintenanceTimer arms the ping tick: a capacity check followed by
// liveness probes for idle peers, then re-arms itself.
func (g *PeerGroup) startMaintenanceTimer() {
	g.pingTimer.Stop()
	g.pingTimer = g.exec.RunAfterRandomDelay(func() {
		if g.shutDownInProgress {
			return
		}
		g.checkConnectionsExceed()
		g.pingPeers()
		g.startMaintenanceTimer()
	}, g.cfg.PingTickMin, g.cfg.PingTickMax)
}

// startGetPeersTimer arms the peer-exchange tick.
func (g *PeerGroup) startGetPeersTimer() {
	g.getPeersTimer.Stop()
	g.getPeersTimer = g.exec.RunAfterRandomDelay(func() {
		if g.shutDownInProgress {
			return
		}
		g.sendGetPeersRequests()
		g.startGetPeersTimer()
	}, g.cfg.GetPeersTickMin, g.cfg.GetPeersTickMax)
}

// pingPeers probes every authenticated peer whose connection has sat idle
// beyond the inactivity threshold. Sends are spread by a small per-peer
// jitter; a failed send evicts the peer.
func (g *PeerGroup) pingPeers() {
	if len(g.authenticatedPeers) == 0 {
		return
	}
	now := time.Now()
	for _, peer := range g.authenticatedPeers {
		if now.Sub(peer.Connection().LastActivity()) <= g.cfg.PingAfterInactivity {
			continue
		}
		p := peer
		g.exec.RunAfterRandomDelay(func() {
			if g.shutDownInProgress {
				return
			}
			g.metrics.recordMaintenanceSend("ping")
			ping := PingMessage{Nonce: p.PingNonce()}
			g.transport.SendMessageOn(p.Connection(), ping).Then(nil, func(err error) {
				if g.shutDownInProgress {
					return
				}
				g.logger.Info("Ping send failed, removing peer",
					logging.MaskField("peer_address", p.Address().FullAddress()),
					slog.Any("error", err))
				g.removePeer(p.Address())
			})
		}, pingJitterMin, pingJitterMax)
	}
}

// sendGetPeersRequests offers our known addresses to every authenticated
// peer and asks for theirs. A failed send evicts the peer.
func (g *PeerGroup) sendGetPeersRequests() {
	if len(g.authenticatedPeers) == 0 {
		return
	}
	for _, peer := range g.authenticatedPeers {
		p := peer
		g.exec.RunAfterRandomDelay(func() {
			if g.shutDownInProgress {
				return
			}
			g.metrics.recordMaintenanceSend("get_peers")
			req := GetPeersRequest{Address: g.myAddress(), PeerAddresses: g.AllPeerAddresses()}
			g.transport.SendMessageOn(p.Connection(), req).Then(nil, func(err error) {
				if g.shutDownInProgress {
					return
				}
				g.logger.Info("Get-peers request send failed, removing peer",
					logging.MaskField("peer_address", p.Address().FullAddress()),
					slog.Any("error", err))
				g.removePeer(p.Address())
			})
		}, getPeersJitterMin, getPeersJitterMax)
	}
}
