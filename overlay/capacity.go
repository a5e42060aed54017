package overlay

import (
	"log/slog"
	"sort"

	"tradenet/observability/logging"
)

// checkConnectionsExceed enforces the tiered connection caps. Candidates are
// widened tier by tier: passive connections first, then passive or active,
// then any authenticated connection. In-flight auth requests are never
// candidates. One call evicts at most one connection; the shutdown callback
// re-arms another check shortly after so remaining excess drains. Returns
// true when an eviction was started.
func (g *PeerGroup) checkConnectionsExceed() bool {
	size := len(g.authenticatedPeers)
	if size <= g.cfg.MaxConnectionsLowPrio {
		return false
	}
	all := g.transport.AllConnections()
	if size != g.countAuthenticated(all) {
		g.logger.Warn("Peer table and transport connection counts disagree")
	}

	candidates := filterConnections(all, func(c Connection) bool {
		return c.ConnectionType() == ConnTypePassive
	})
	if len(candidates) == 0 && size > g.cfg.MaxConnectionsNormalPrio {
		candidates = filterConnections(all, func(c Connection) bool {
			t := c.ConnectionType()
			return t == ConnTypePassive || t == ConnTypeActive
		})
		if len(candidates) == 0 && size > g.cfg.MaxConnectionsHighPrio {
			candidates = filterConnections(all, func(c Connection) bool {
				return c.ConnectionType() != ConnTypeAuthRequest
			})
		}
	}
	if len(candidates) == 0 {
		return false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})
	victim := candidates[0]
	g.logger.Info("Connection count exceeds the cap, shutting down the stalest connection",
		slog.Int("count", size),
		logging.MaskField("peer_address", victim.PeerAddress().FullAddress()),
		slog.String("connection_type", victim.ConnectionType().String()))
	g.metrics.recordEviction("capacity")
	victim.ShutDown(func() {
		g.exec.RunAfterRandomDelay(func() {
			if g.shutDownInProgress {
				return
			}
			g.checkConnectionsExceed()
		}, capacityRecheckMin, capacityRecheckMax)
	})
	return true
}

func (g *PeerGroup) countAuthenticated(conns []Connection) int {
	n := 0
	for _, c := range conns {
		if c.IsAuthenticated() {
			n++
		}
	}
	return n
}

// filterConnections keeps the authenticated connections matching keep.
func filterConnections(conns []Connection, keep func(Connection) bool) []Connection {
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		if !c.IsAuthenticated() {
			continue
		}
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
