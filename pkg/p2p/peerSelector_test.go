package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomPeerSelector(t *testing.T) {
	s := &RandomPeerSelector{}
	_, err := s.SelectPeer(nil)
	assert.Error(t, err)

	peers := []peer.ID{"a", "b", "c"}
	for i := 0; i < 20; i++ {
		p, err := s.SelectPeer(peers)
		require.NoError(t, err)
		assert.Contains(t, peers, p)
	}
}

func TestRoundRobinPeerSelector(t *testing.T) {
	s := &RoundRobinPeerSelector{}
	_, err := s.SelectPeer(nil)
	assert.Error(t, err)

	peers := []peer.ID{"a", "b", "c"}
	var got []peer.ID
	for i := 0; i < 4; i++ {
		p, err := s.SelectPeer(peers)
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, []peer.ID{"a", "b", "c", "a"}, got)
}

func TestNewPeerSelector(t *testing.T) {
	s, err := NewPeerSelector("")
	require.NoError(t, err)
	assert.IsType(t, &RandomPeerSelector{}, s)

	s, err = NewPeerSelector(SelectRoundRobin)
	require.NoError(t, err)
	assert.IsType(t, &RoundRobinPeerSelector{}, s)

	_, err = NewPeerSelector("fastest")
	assert.Error(t, err)

	cfg := NewP2PConfig()
	cfg.PeerSelection = SelectRoundRobin
	c := NewClient(cfg)
	defer c.Stop()
	assert.IsType(t, &RoundRobinPeerSelector{}, c.PeerSelector)

	cfg.PeerSelection = "fastest"
	fallback := NewClient(cfg)
	defer fallback.Stop()
	assert.IsType(t, &RandomPeerSelector{}, fallback.PeerSelector)
}

func TestRemovePeer(t *testing.T) {
	peers := []peer.ID{"a", "b", "c"}
	assert.Equal(t, []peer.ID{"a", "c"}, removePeer(peers, "b"))
	assert.Equal(t, []peer.ID{"a", "b", "c"}, removePeer(peers, "z"))
	assert.Equal(t, []peer.ID{"a", "b", "c"}, peers, "input is not modified")
}

func TestCalculateDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{"first attempt", 1, 10 * time.Second, 500 * time.Millisecond},
		{"second attempt", 2, 10 * time.Second, time.Second},
		{"exponential growth", 4, 10 * time.Second, 4 * time.Second},
		{"max delay capped", 10, 5 * time.Second, 5 * time.Second},
		{"huge attempt", 100, 5 * time.Second, 5 * time.Second},
		{"zero attempt", 0, 10 * time.Second, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateDelay(tt.attempt, 500*time.Millisecond, tt.max))
		})
	}
}
