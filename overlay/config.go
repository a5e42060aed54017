package overlay

import "time"

const (
	defaultMaxConnectionsLowPrio    = 8
	defaultMaxConnectionsNormalPrio = defaultMaxConnectionsLowPrio + 4
	defaultMaxConnectionsHighPrio   = defaultMaxConnectionsNormalPrio + 4

	defaultPingAfterInactivity = 30 * time.Second
	defaultMaxReportedPeers    = 1000
	// Reported peers include a sender's own connected peers, normally at most
	// the low-prio cap, so the misbehavior cut-off sits above the table cap
	// with headroom.
	defaultMaxReportedPeersPerMessage = 1100

	defaultBootstrapRetryMin = 1 * time.Minute
	defaultBootstrapRetryMax = 2 * time.Minute
	defaultPingTickMin       = 5 * time.Minute
	defaultPingTickMax       = 10 * time.Minute
	defaultGetPeersTickMin   = 1 * time.Minute
	defaultGetPeersTickMax   = 2 * time.Minute

	capacityRecheckMin = 100 * time.Millisecond
	capacityRecheckMax = 500 * time.Millisecond

	pingJitterMin = 1 * time.Millisecond
	pingJitterMax = 10 * time.Millisecond

	getPeersJitterMin = 5 * time.Millisecond
	getPeersJitterMax = 10 * time.Millisecond
)

// Config carries the peer group tunables. The zero value of every field is
// replaced by its default at construction time; there are no process-wide
// setters.
type Config struct {
	// MaxConnectionsLowPrio is both the bootstrap target and the first
	// eviction threshold (passive connections).
	MaxConnectionsLowPrio int
	// MaxConnectionsNormalPrio is the second eviction threshold (passive or
	// active connections).
	MaxConnectionsNormalPrio int
	// MaxConnectionsHighPrio is the last threshold, above which any
	// authenticated connection except in-flight auth requests may be evicted.
	MaxConnectionsHighPrio int

	// PingAfterInactivity is the idle span after which a peer gets pinged.
	PingAfterInactivity time.Duration

	// MaxReportedPeers caps the reported-peer set; overflow is purged at
	// random.
	MaxReportedPeers int
	// MaxReportedPeersPerMessage is the misbehavior threshold for a single
	// peers exchange. A larger list shuts the sending connection down.
	MaxReportedPeersPerMessage int

	// BootstrapRetryMin/Max bound the back-off before the bootstrap cascade
	// retries after running out of candidates.
	BootstrapRetryMin time.Duration
	BootstrapRetryMax time.Duration

	// PingTickMin/Max bound the maintenance (capacity check + ping) interval.
	PingTickMin time.Duration
	PingTickMax time.Duration

	// GetPeersTickMin/Max bound the peer-exchange interval.
	GetPeersTickMin time.Duration
	GetPeersTickMax time.Duration
}

// withDefaults normalizes zero or inconsistent fields.
func (c Config) withDefaults() Config {
	if c.MaxConnectionsLowPrio <= 0 {
		c.MaxConnectionsLowPrio = defaultMaxConnectionsLowPrio
	}
	if c.MaxConnectionsNormalPrio <= c.MaxConnectionsLowPrio {
		c.MaxConnectionsNormalPrio = c.MaxConnectionsLowPrio + 4
	}
	if c.MaxConnectionsHighPrio <= c.MaxConnectionsNormalPrio {
		c.MaxConnectionsHighPrio = c.MaxConnectionsNormalPrio + 4
	}
	if c.PingAfterInactivity <= 0 {
		c.PingAfterInactivity = defaultPingAfterInactivity
	}
	if c.MaxReportedPeers <= 0 {
		c.MaxReportedPeers = defaultMaxReportedPeers
	}
	if c.MaxReportedPeersPerMessage <= c.MaxReportedPeers {
		c.MaxReportedPeersPerMessage = c.MaxReportedPeers + 100
	}
	if c.BootstrapRetryMin <= 0 {
		c.BootstrapRetryMin = defaultBootstrapRetryMin
	}
	if c.BootstrapRetryMax <= c.BootstrapRetryMin {
		c.BootstrapRetryMax = c.BootstrapRetryMin * 2
	}
	if c.PingTickMin <= 0 {
		c.PingTickMin = defaultPingTickMin
	}
	if c.PingTickMax <= c.PingTickMin {
		c.PingTickMax = c.PingTickMin * 2
	}
	if c.GetPeersTickMin <= 0 {
		c.GetPeersTickMin = defaultGetPeersTickMin
	}
	if c.GetPeersTickMax <= c.GetPeersTickMin {
		c.GetPeersTickMax = c.GetPeersTickMin * 2
	}
	return c
}
