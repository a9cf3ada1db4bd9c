package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// AntiLeecher decides whether to refuse serving data to a peer.
type AntiLeecher interface {
	Refuse(ctx context.Context, peerID peer.ID) bool
}

// DefaultAntiLeecher serves everyone.
type DefaultAntiLeecher struct{}

func (d *DefaultAntiLeecher) Refuse(ctx context.Context, peerID peer.ID) bool {
	return false
}

// BlacklistAntiLeecher refuses peers the ConnManager has blacklisted.
type BlacklistAntiLeecher struct {
	ConnManager *ConnManager
}

func (b *BlacklistAntiLeecher) Refuse(ctx context.Context, peerID peer.ID) bool {
	return b.ConnManager.IsBlacklisted(peerID)
}
