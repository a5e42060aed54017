package overlay

import (
	"log/slog"

	"tradenet/observability/logging"
)

// Bootstrap cascade: try one seed, fall back to the remaining seeds, then to
// reported peers, and back off for a random pause when both pools are
// exhausted. After every success the cascade keeps going until the low-prio
// connection target is reached. No address is tried twice within one
// cascade, and addresses that are authenticated or mid-handshake are never
// re-attempted.

// authenticateToSeedNode starts a handshake with target. remaining holds the
// untried seeds for the fallback path.
func (g *PeerGroup) authenticateToSeedNode(remaining map[Address]struct{}, target Address, alsoTryReported bool) {
	if _, ok := g.authenticatedPeers[target]; ok {
		g.logger.Warn("Seed is already authenticated, skipping bootstrap attempt",
			logging.MaskField("peer_address", target.FullAddress()))
		return
	}
	if _, ok := g.handshakes[target]; ok {
		g.logger.Warn("Authentication handshake already in flight for seed",
			logging.MaskField("peer_address", target.FullAddress()))
		return
	}
	handshake := newHandshake(g.transport, g.exec, g.logger)
	g.handshakes[target] = handshake
	g.observeTable()
	handshake.RequestAuthentication(target).Then(
		func(conn Connection) {
			if g.shutDownInProgress {
				return
			}
			if !g.setAuthenticated(conn, target) {
				return
			}
			conn.SetConnectionType(ConnTypeActive)
			if alsoTryReported && len(g.authenticatedPeers) < g.cfg.MaxConnectionsLowPrio {
				g.logger.Info("Still below the connection target, trying reported peers")
				g.authenticateToRemainingReportedPeers(true)
			} else {
				g.logger.Info("Bootstrap pass done, will revisit reported peers after a pause")
				g.scheduleBootstrapRetry(func() {
					g.authenticateToRemainingReportedPeers(true)
				})
			}
		},
		func(err error) {
			if g.shutDownInProgress {
				return
			}
			g.logger.Info("Seed authentication failed, expected if the seed is offline",
				logging.MaskField("peer_address", target.FullAddress()),
				slog.Any("error", err))
			g.metrics.recordHandshake("failure")
			g.removePeer(target)

			delete(remaining, target)
			if next, rest, ok := g.randomNotAuthenticated(remaining); ok {
				g.logger.Info("Trying another seed")
				g.authenticateToSeedNode(rest, next, true)
			} else if len(g.reportedPeers) > 0 {
				g.logger.Info("No seeds left, trying reported peers")
				g.authenticateToRemainingReportedPeers(true)
			} else {
				g.logger.Info("No seeds and no reported peers left, backing off")
				g.scheduleBootstrapRetry(func() {
					g.authenticateToRemainingReportedPeers(true)
				})
			}
		},
	)
}

// authenticateToRemainingReportedPeers picks a random reported peer to
// authenticate to. With none available it falls back to the seed pool,
// delayed when the seeds were just tried.
func (g *PeerGroup) authenticateToRemainingReportedPeers(cameFromSeeds bool) {
	if g.shutDownInProgress {
		return
	}
	if target, _, ok := g.randomNotAuthenticated(g.reportedPeers); ok {
		g.logger.Info("Trying a random reported peer",
			logging.MaskField("peer_address", target.FullAddress()))
		g.authenticateToReportedPeer(target)
	} else if cameFromSeeds {
		g.logger.Info("No reported peers to try; seeds were just attempted, backing off")
		g.scheduleBootstrapRetry(g.authenticateToRemainingSeedNodes)
	} else {
		g.logger.Info("No reported peers to try, falling back to the remaining seeds")
		g.authenticateToRemainingSeedNodes()
	}
}

// authenticateToRemainingSeedNodes picks a random not-yet-authenticated seed.
func (g *PeerGroup) authenticateToRemainingSeedNodes() {
	if g.shutDownInProgress {
		return
	}
	if target, rest, ok := g.randomNotAuthenticated(g.seedAddressSet()); ok {
		g.logger.Info("Trying a random seed",
			logging.MaskField("peer_address", target.FullAddress()))
		g.authenticateToSeedNode(rest, target, true)
	} else {
		g.logger.Info("No seeds left to try, backing off")
		g.scheduleBootstrapRetry(func() {
			g.authenticateToRemainingReportedPeers(false)
		})
	}
}

// authenticateToReportedPeer handshakes with one reported peer and keeps the
// cascade running until the connection target is met.
func (g *PeerGroup) authenticateToReportedPeer(target Address) {
	if _, ok := g.authenticatedPeers[target]; ok {
		g.logger.Warn("Reported peer is already authenticated, skipping attempt",
			logging.MaskField("peer_address", target.FullAddress()))
		return
	}
	if _, ok := g.handshakes[target]; ok {
		g.logger.Warn("Authentication handshake already in flight for reported peer",
			logging.MaskField("peer_address", target.FullAddress()))
		return
	}
	handshake := newHandshake(g.transport, g.exec, g.logger)
	g.handshakes[target] = handshake
	g.observeTable()
	handshake.RequestAuthentication(target).Then(
		func(conn Connection) {
			if g.shutDownInProgress {
				return
			}
			if !g.setAuthenticated(conn, target) {
				return
			}
			conn.SetConnectionType(ConnTypeActive)
			if len(g.authenticatedPeers) < g.cfg.MaxConnectionsLowPrio {
				if len(g.reportedPeers) > 0 {
					g.logger.Info("Still below the connection target, trying the remaining reported peers")
					g.authenticateToRemainingReportedPeers(false)
				} else {
					g.logger.Info("Out of reported peers and still below target, will try seeds after a pause")
					g.scheduleBootstrapRetry(g.authenticateToRemainingSeedNodes)
				}
			} else {
				g.logger.Info("Connection target reached")
			}
		},
		func(err error) {
			if g.shutDownInProgress {
				return
			}
			g.logger.Info("Reported peer authentication failed, expected if the node went offline",
				logging.MaskField("peer_address", target.FullAddress()),
				slog.Any("error", err))
			g.metrics.recordHandshake("failure")
			g.removePeer(target)

			if len(g.reportedPeers) > 0 {
				g.authenticateToRemainingReportedPeers(false)
			} else {
				g.scheduleBootstrapRetry(g.authenticateToRemainingSeedNodes)
			}
		},
	)
}

// scheduleBootstrapRetry arms the single delayed-retry slot with a uniform
// random pause. A newer retry supersedes an armed one.
func (g *PeerGroup) scheduleBootstrapRetry(task func()) {
	g.bootstrapTimer.Stop()
	g.bootstrapTimer = g.exec.RunAfterRandomDelay(func() {
		if g.shutDownInProgress {
			return
		}
		task()
	}, g.cfg.BootstrapRetryMin, g.cfg.BootstrapRetryMax)
}
