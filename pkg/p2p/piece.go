package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/DaniellsQ/ttorrent/pkg/descriptor"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	HasPieceProtocol  = "/ttorrent/piece/have/1.0.0"
	PieceDataProtocol = "/ttorrent/piece/data/1.0.0"

	// MaxPieceSize bounds how much a peer may send for a single piece.
	MaxPieceSize = descriptor.MaxPieceLength
)

// PieceRequest names one piece of one transfer.
type PieceRequest struct {
	InfoHash string `json:"infoHash"`
	Index    int    `json:"index"`
}

// CheckPieceExists asks peerID whether it holds the piece.
func (c *Client) CheckPieceExists(ctx context.Context, peerID peer.ID, infoHash string, index int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout())
	defer cancel()

	s, err := c.Host.NewStream(ctx, peerID, HasPieceProtocol)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()

	deadline := time.Now().Add(c.requestTimeout())
	s.SetDeadline(deadline)

	if err := json.NewEncoder(s).Encode(PieceRequest{InfoHash: infoHash, Index: index}); err != nil {
		return false, fmt.Errorf("encode request: %w", err)
	}
	var has bool
	if err := json.NewDecoder(s).Decode(&has); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return has, nil
}

// DownloadPiece fetches size bytes of the piece from peerID, subject to the
// download rate cap. The data is not verified here.
func (c *Client) DownloadPiece(ctx context.Context, peerID peer.ID, infoHash string, index int, size int64) ([]byte, error) {
	if size <= 0 || size > MaxPieceSize {
		return nil, fmt.Errorf("invalid piece size %d", size)
	}

	openCtx, cancel := context.WithTimeout(ctx, c.requestTimeout())
	defer cancel()
	s, err := c.Host.NewStream(openCtx, peerID, PieceDataProtocol)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()

	s.SetDeadline(time.Now().Add(c.transferTimeout(size, c.downloadLimiter)))

	if err := json.NewEncoder(s).Encode(PieceRequest{InfoHash: infoHash, Index: index}); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	limited := &io.LimitedReader{R: newThrottledReader(ctx, s, c.downloadLimiter), N: size + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read piece: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("piece %d: got %d bytes, want %d", index, len(data), size)
	}
	return data, nil
}

// RegisterHasPieceHandler answers piece availability queries.
func (c *Client) RegisterHasPieceHandler() {
	c.Host.SetStreamHandler(HasPieceProtocol, func(s network.Stream) {
		defer s.Close()
		s.SetDeadline(time.Now().Add(c.requestTimeout()))

		var req PieceRequest
		if err := json.NewDecoder(io.LimitReader(s, MaxAnnounceMessageSize)).Decode(&req); err != nil {
			logrus.Debugf("Invalid have request: %v", err)
			return
		}

		has := false
		if job, ok := c.Job(req.InfoHash); ok {
			has = job.Has(req.Index)
		}
		_ = json.NewEncoder(s).Encode(has)
	})
}

// RegisterPieceDataHandler serves piece data to other peers.
func (c *Client) RegisterPieceDataHandler() {
	c.Host.SetStreamHandler(PieceDataProtocol, func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()
		if c.AntiLeecher.Refuse(c.Ctx, remote) {
			logrus.Warnf("Refused piece request from peer %s", remote)
			return
		}

		s.SetReadDeadline(time.Now().Add(c.requestTimeout()))
		var req PieceRequest
		if err := json.NewDecoder(io.LimitReader(s, MaxAnnounceMessageSize)).Decode(&req); err != nil {
			logrus.Debugf("Invalid piece request: %v", err)
			return
		}

		job, ok := c.Job(req.InfoHash)
		if !ok || !job.Has(req.Index) {
			logrus.Debugf("Piece %d of %s not available for %s", req.Index, req.InfoHash, remote)
			return
		}
		data, err := job.readPiece(req.Index)
		if err != nil {
			logrus.Errorf("Read piece %d failed: %v", req.Index, err)
			return
		}

		s.SetWriteDeadline(time.Now().Add(c.transferTimeout(int64(len(data)), c.uploadLimiter)))
		w := newThrottledWriter(c.Ctx, s, c.uploadLimiter)
		if _, err := w.Write(data); err != nil {
			logrus.Debugf("Send piece %d to %s failed: %v", req.Index, remote, err)
			return
		}
		logrus.Debugf("Sent piece %d of %s to %s", req.Index, req.InfoHash, remote)
	})
}
