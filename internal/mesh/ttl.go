package mesh

import (
	"math/rand/v2"
	"time"
)

// AdaptiveTTL returns the TTL assigned to a packet originated locally, based
// on the current count of active peers.
func AdaptiveTTL(activePeers int) uint8 {
	switch {
	case activePeers <= 20:
		return 6
	case activePeers <= 50:
		return 5
	case activePeers <= 100:
		return 4
	default:
		return 3
	}
}

// baseRelayProbability returns p(n), the relay probability before the
// private-message bonus, for n active peers.
func baseRelayProbability(activePeers int) float64 {
	switch {
	case activePeers <= 10:
		return 1.0
	case activePeers <= 30:
		return 0.85
	case activePeers <= 50:
		return 0.7
	case activePeers <= 100:
		return 0.55
	default:
		return 0.4
	}
}

// RelayProbability returns the probability of relaying a packet whose TTL
// has already been decremented to ttlAfterDecrement, given the current
// active-peer count and whether the packet is a private message (which
// receives a +0.15 bonus, capped at 1.0).
func RelayProbability(ttlAfterDecrement uint8, activePeers int, isPrivate bool) float64 {
	p := baseRelayProbability(activePeers)
	if isPrivate {
		p += 0.15
		if p > 1.0 {
			p = 1.0
		}
	}
	return p
}

// ShouldRelay decides whether to relay a packet whose TTL has already been
// decremented to ttlAfterDecrement, applying the unconditional-relay
// override (ttl'>=4 or very small meshes) before falling back to the
// probabilistic rule. roll must be a uniform [0,1) sample; callers that want
// determinism in tests can supply their own.
func ShouldRelay(ttlAfterDecrement uint8, activePeers int, isPrivate bool, roll float64) bool {
	if ttlAfterDecrement >= 4 || activePeers <= 3 {
		return true
	}
	return roll < RelayProbability(ttlAfterDecrement, activePeers, isPrivate)
}

const (
	jitterMin = 10 * time.Millisecond
	jitterMax = 100 * time.Millisecond
)

// Jitter returns a uniformly random delay in [10ms, 100ms] to spread relay
// collisions.
func Jitter() time.Duration {
	span := jitterMax - jitterMin
	return jitterMin + time.Duration(rand.Int64N(int64(span)))
}
