package p2p

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// PeerSelector picks one peer from a non-empty candidate list.
type PeerSelector interface {
	SelectPeer(peers []peer.ID) (peer.ID, error)
}

var errNoPeers = errors.New("no peers available")

// Peer selection strategies accepted by NewPeerSelector.
const (
	SelectRandom     = "random"
	SelectRoundRobin = "round_robin"
)

// NewPeerSelector returns the selector registered under name. An empty name
// selects random.
func NewPeerSelector(name string) (PeerSelector, error) {
	switch name {
	case "", SelectRandom:
		return &RandomPeerSelector{}, nil
	case SelectRoundRobin:
		return &RoundRobinPeerSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown peer selector %q", name)
	}
}

// SelectAvailablePeer returns a peer that reports holding the piece and has
// a free stream slot. The caller must release the slot with
// ConnManager.ReleaseStream.
func (c *Client) SelectAvailablePeer(ctx context.Context, peers []peer.ID, infoHash string, index int) (peer.ID, error) {
	if len(peers) == 0 {
		return "", errNoPeers
	}

	available := append([]peer.ID(nil), peers...)
	for len(available) > 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		selected, err := c.PeerSelector.SelectPeer(available)
		if err != nil {
			return "", fmt.Errorf("failed to select peer: %w", err)
		}
		available = removePeer(available, selected)

		if !c.ConnManager.AcquireStream(selected) {
			continue
		}
		ok, err := c.CheckPieceExists(ctx, selected, infoHash, index)
		if err != nil {
			logrus.Debugf("Peer %s check failed for piece %d: %v", selected, index, err)
		}
		if ok {
			return selected, nil
		}
		c.ConnManager.ReleaseStream(selected)
	}
	return "", fmt.Errorf("no available peers found with piece %d", index)
}

func removePeer(peers []peer.ID, target peer.ID) []peer.ID {
	result := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		if p != target {
			result = append(result, p)
		}
	}
	return result
}

type RandomPeerSelector struct{}

func (s *RandomPeerSelector) SelectPeer(peers []peer.ID) (peer.ID, error) {
	if len(peers) == 0 {
		return "", errNoPeers
	}
	return peers[rand.Intn(len(peers))], nil
}

// RoundRobinPeerSelector cycles through positions of the candidate list.
type RoundRobinPeerSelector struct {
	mu    sync.Mutex
	index int
}

func (s *RoundRobinPeerSelector) SelectPeer(peers []peer.ID) (peer.ID, error) {
	if len(peers) == 0 {
		return "", errNoPeers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	selected := peers[s.index%len(peers)]
	s.index++
	return selected, nil
}
