package p2p

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// PeerStats holds request statistics for one remote peer.
type PeerStats struct {
	TotalRequests   int64
	SuccessfulReqs  int64
	FailedReqs      int64
	LastSuccessTime time.Time
	LastFailureTime time.Time
	AvgResponseTime time.Duration
}

type peerState struct {
	stats         PeerStats
	activeStreams int
	blacklisted   bool
	blacklistedAt time.Time
}

// ConnManager limits concurrent piece downloads per peer, tracks how well
// each peer answers and blacklists the ones that fail too often.
type ConnManager struct {
	mu               sync.Mutex
	peers            map[peer.ID]*peerState
	maxStreams       int
	blacklistTimeout time.Duration
	clock            clock.Clock
}

// NewConnManager creates a ConnManager allowing maxStreams concurrent
// streams per peer. Blacklisted peers are forgiven after blacklistTimeout.
func NewConnManager(maxStreams int, blacklistTimeout time.Duration) *ConnManager {
	return &ConnManager{
		peers:            make(map[peer.ID]*peerState),
		maxStreams:       maxStreams,
		blacklistTimeout: blacklistTimeout,
		clock:            clock.New(),
	}
}

// state must be called with cm.mu held.
func (cm *ConnManager) state(p peer.ID) *peerState {
	st, ok := cm.peers[p]
	if !ok {
		st = &peerState{}
		cm.peers[p] = st
	}
	return st
}

// expire lifts an elapsed blacklist entry. Must be called with cm.mu held.
func (cm *ConnManager) expire(st *peerState) {
	if st.blacklisted && cm.clock.Since(st.blacklistedAt) > cm.blacklistTimeout {
		st.blacklisted = false
		st.stats = PeerStats{}
	}
}

func (cm *ConnManager) RecordSuccess(p peer.ID, responseTime time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st := cm.state(p)
	st.stats.TotalRequests++
	st.stats.SuccessfulReqs++
	st.stats.LastSuccessTime = cm.clock.Now()

	// Moving average weighted towards history.
	if st.stats.AvgResponseTime == 0 {
		st.stats.AvgResponseTime = responseTime
	} else {
		st.stats.AvgResponseTime = (st.stats.AvgResponseTime*9 + responseTime) / 10
	}
}

func (cm *ConnManager) RecordFailure(p peer.ID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st := cm.state(p)
	st.stats.TotalRequests++
	st.stats.FailedReqs++
	st.stats.LastFailureTime = cm.clock.Now()
}

// AcquireStream reserves a stream slot for p. It fails when p is
// blacklisted or already at its quota.
func (cm *ConnManager) AcquireStream(p peer.ID) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st := cm.state(p)
	cm.expire(st)
	if st.blacklisted || st.activeStreams >= cm.maxStreams {
		return false
	}
	st.activeStreams++
	return true
}

func (cm *ConnManager) ReleaseStream(p peer.ID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if st, ok := cm.peers[p]; ok && st.activeStreams > 0 {
		st.activeStreams--
	}
}

// Stats returns a copy of the statistics recorded for p.
func (cm *ConnManager) Stats(p peer.ID) (PeerStats, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st, ok := cm.peers[p]
	if !ok {
		return PeerStats{}, false
	}
	return st.stats, true
}

func (cm *ConnManager) SuccessRate(p peer.ID) float64 {
	stats, ok := cm.Stats(p)
	if !ok || stats.TotalRequests == 0 {
		return 0
	}
	return float64(stats.SuccessfulReqs) / float64(stats.TotalRequests)
}

// ShouldBlacklist blacklists p and returns true once it has made at least
// minRequests requests with a success rate below threshold.
func (cm *ConnManager) ShouldBlacklist(p peer.ID, threshold float64, minRequests int64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st, ok := cm.peers[p]
	if !ok || st.stats.TotalRequests < minRequests {
		return false
	}

	rate := float64(st.stats.SuccessfulReqs) / float64(st.stats.TotalRequests)
	if rate >= threshold {
		return false
	}
	if !st.blacklisted {
		st.blacklisted = true
		st.blacklistedAt = cm.clock.Now()
		logrus.Warnf("Peer %s blacklisted due to low success rate: %.2f%% (%d/%d)",
			p, rate*100, st.stats.SuccessfulReqs, st.stats.TotalRequests)
	}
	return true
}

func (cm *ConnManager) IsBlacklisted(p peer.ID) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	st, ok := cm.peers[p]
	if !ok {
		return false
	}
	cm.expire(st)
	return st.blacklisted
}

// CleanupOldPeers forgets peers with no active streams and no activity for
// maxIdleTime. Blacklisted peers are kept until their entry expires.
func (cm *ConnManager) CleanupOldPeers(maxIdleTime time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := cm.clock.Now()
	for p, st := range cm.peers {
		cm.expire(st)
		last := st.stats.LastSuccessTime
		if st.stats.LastFailureTime.After(last) {
			last = st.stats.LastFailureTime
		}
		if st.activeStreams == 0 && !st.blacklisted && now.Sub(last) > maxIdleTime {
			delete(cm.peers, p)
			logrus.Debugf("Cleaned up inactive peer: %s", p)
		}
	}
}

func (cm *ConnManager) TotalPeers() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.peers)
}
