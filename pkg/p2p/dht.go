package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	AnnounceProtocol = "/ttorrent/announce/1.0.0"
	LookupProtocol   = "/ttorrent/lookup/1.0.0"

	// MaxAnnounceMessageSize bounds a single announce or lookup line.
	MaxAnnounceMessageSize = 4096

	// MaxLookupResponseSize bounds a lookup answer read from a remote peer.
	MaxLookupResponseSize = 64 * 1024
	// maxLookupProviders keeps an honest answer well below MaxLookupResponseSize.
	maxLookupProviders = 32
)

type announceMsg struct {
	InfoHash string        `json:"info_hash"`
	PeerInfo peer.AddrInfo `json:"peer_info"`
}

type lookupRequest struct {
	Key string `json:"key"`
}

type lookupResponse struct {
	Providers []peer.AddrInfo `json:"providers"`
}

// newDHT creates a server-mode DHT whose lifetime is bound to serviceCtx.
// Bootstrap peers are dialed under startCtx; failing to reach any of them
// is not fatal since descriptors carry their own peers.
func newDHT(serviceCtx, startCtx context.Context, h host.Host, config P2PConfig) (*dht.IpfsDHT, error) {
	opts := []dht.Option{
		dht.ProtocolPrefix(protocol.ID(config.ProtocolPrefix)),
		dht.NamespacedValidator(config.NameSpace, config.Validator),
		dht.Mode(dht.ModeServer),
	}
	if !config.EnableAutoRefresh {
		opts = append(opts, dht.DisableAutoRefresh())
	}

	kdht, err := dht.New(serviceCtx, h, opts...)
	if err != nil {
		return nil, err
	}
	if err = kdht.Bootstrap(serviceCtx); err != nil {
		kdht.Close()
		return nil, err
	}

	if len(config.BootstrapPeers) == 0 {
		return kdht, nil
	}

	ctx, cancel := context.WithTimeout(startCtx, time.Duration(config.DHTTimeout)*time.Second)
	defer cancel()
	n := connectPeers(ctx, h, kdht, config.BootstrapPeers)
	if n == 0 {
		logrus.Warnf("Failed to connect to any bootstrap nodes (attempted %d)", len(config.BootstrapPeers))
	} else {
		logrus.Infof("Connected to %d/%d bootstrap nodes", n, len(config.BootstrapPeers))
	}
	return kdht, nil
}

// connectPeers dials every address and adds reachable peers to the routing
// table. It returns the number of peers connected.
func connectPeers(ctx context.Context, h host.Host, kdht *dht.IpfsDHT, addrs []multiaddr.Multiaddr) int {
	connected := 0
	for _, addr := range addrs {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logrus.Warnf("Invalid peer address %q: %v", addr, err)
			continue
		}
		if info.ID == h.ID() {
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			logrus.Warnf("Error while connecting to %s: %v", info.ID, err)
			continue
		}
		connected++
		logrus.Debugf("Connection established with %s", info.ID)

		if added, err := kdht.RoutingTable().TryAddPeer(info.ID, true, true); err != nil {
			logrus.Debugf("Failed to add peer %s to routing table: %v", info.ID, err)
		} else if added {
			logrus.Debugf("Peer %s added to routing table", info.ID)
		}
	}
	return connected
}

func (c *Client) selfInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: c.Host.ID(), Addrs: c.Host.Addrs()}
}

func (c *Client) closestPeers(ctx context.Context, key string) []peer.ID {
	ctx, cancel := context.WithTimeout(ctx, c.dhtTimeout())
	defer cancel()

	peers, err := c.DHT.GetClosestPeers(ctx, key)
	if err != nil {
		logrus.Debugf("GetClosestPeers failed: %v", err)
		return nil
	}
	return peers
}

// Announce records this host as a provider of infoHash locally and pushes
// the record to the closest DHT peers.
func (c *Client) Announce(ctx context.Context, infoHash string) error {
	if infoHash == "" {
		return errors.New("empty info hash")
	}

	self := c.selfInfo()
	if err := c.DHT.ProviderStore().AddProvider(ctx, []byte(infoHash), self); err != nil {
		return xerrors.Errorf("failed to add provider: %w", err)
	}

	peers := c.closestPeers(ctx, infoHash)
	logrus.Debugf("Announcing %s to %d peers", infoHash, len(peers))

	data, err := json.Marshal(announceMsg{InfoHash: infoHash, PeerInfo: self})
	if err != nil {
		return xerrors.Errorf("failed to marshal announce message: %w", err)
	}
	data = append(data, '\n')

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(peerID peer.ID) {
			defer wg.Done()

			peerCtx, cancel := context.WithTimeout(ctx, c.requestTimeout())
			defer cancel()

			s, err := c.Host.NewStream(peerCtx, peerID, AnnounceProtocol)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"peer":   peerID,
					"error":  err,
					"action": "open_stream",
				}).Debug("failed to open stream to peer")
				return
			}
			defer s.Close()

			s.SetWriteDeadline(time.Now().Add(c.requestTimeout()))
			if _, err := s.Write(data); err != nil {
				logrus.WithFields(logrus.Fields{
					"peer":   peerID,
					"error":  err,
					"action": "write_message",
				}).Debug("failed to write announce message")
			}
		}(p)
	}
	wg.Wait()
	return nil
}

// AnnounceHandler stores provider records pushed by other peers.
func (c *Client) AnnounceHandler() {
	c.Host.SetStreamHandler(AnnounceProtocol, func(s network.Stream) {
		defer s.Close()
		if c.Ctx.Err() != nil {
			return
		}

		s.SetReadDeadline(time.Now().Add(c.requestTimeout()))
		rdr := bufio.NewReader(io.LimitReader(s, MaxAnnounceMessageSize))
		line, err := rdr.ReadBytes('\n')
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"remotePeer": s.Conn().RemotePeer(),
				"error":      err,
			}).Debug("failed to read announce message")
			return
		}

		var msg announceMsg
		if err := json.Unmarshal(bytes.TrimSpace(line), &msg); err != nil || msg.InfoHash == "" {
			logrus.WithField("remotePeer", s.Conn().RemotePeer()).Warn("invalid announce message")
			return
		}
		// A peer may only announce itself.
		if msg.PeerInfo.ID != s.Conn().RemotePeer() {
			logrus.WithField("remotePeer", s.Conn().RemotePeer()).Warn("announce for another peer ignored")
			return
		}

		if err := c.DHT.ProviderStore().AddProvider(c.Ctx, []byte(msg.InfoHash), msg.PeerInfo); err != nil {
			logrus.WithError(err).Error("failed to add provider")
			return
		}
		logrus.WithFields(logrus.Fields{
			"info_hash": msg.InfoHash,
			"provider":  msg.PeerInfo.ID,
		}).Debug("added provider")
	})
}

// Lookup returns providers of key known locally or to the closest DHT
// peers, excluding this host.
func (c *Client) Lookup(ctx context.Context, key string) []peer.AddrInfo {
	found := make(map[peer.ID]peer.AddrInfo)
	var mu sync.Mutex
	add := func(infos []peer.AddrInfo) {
		mu.Lock()
		defer mu.Unlock()
		for _, ai := range infos {
			if ai.ID == c.Host.ID() || ai.ID == "" {
				continue
			}
			if prev, ok := found[ai.ID]; ok && len(prev.Addrs) >= len(ai.Addrs) {
				continue
			}
			found[ai.ID] = ai
		}
	}

	if local, err := c.DHT.ProviderStore().GetProviders(ctx, []byte(key)); err == nil {
		add(local)
	}

	reqBytes, err := json.Marshal(lookupRequest{Key: key})
	if err != nil {
		return nil
	}
	reqBytes = append(reqBytes, '\n')

	var wg sync.WaitGroup
	for _, p := range c.closestPeers(ctx, key) {
		wg.Add(1)
		go func(peerID peer.ID) {
			defer wg.Done()

			peerCtx, cancel := context.WithTimeout(ctx, c.requestTimeout())
			defer cancel()

			s, err := c.Host.NewStream(peerCtx, peerID, LookupProtocol)
			if err != nil {
				logrus.WithFields(logrus.Fields{"peer": peerID, "err": err}).Debug("open stream failed")
				return
			}
			defer s.Close()

			deadline := time.Now().Add(c.requestTimeout())
			s.SetWriteDeadline(deadline)
			s.SetReadDeadline(deadline)

			if _, err := s.Write(reqBytes); err != nil {
				return
			}
			providers, err := readLookupResponse(s)
			if err != nil {
				logrus.WithFields(logrus.Fields{"peer": peerID, "err": err}).Warn("invalid lookup response")
				return
			}
			add(providers)
		}(p)
	}
	wg.Wait()

	providers := make([]peer.AddrInfo, 0, len(found))
	for _, ai := range found {
		providers = append(providers, ai)
	}
	logrus.WithField("providers", len(providers)).Debug("lookup finished")
	return providers
}

// LookupHandler answers provider queries from the local provider store.
func (c *Client) LookupHandler() {
	c.Host.SetStreamHandler(LookupProtocol, func(s network.Stream) {
		defer s.Close()
		if c.Ctx.Err() != nil {
			return
		}

		s.SetReadDeadline(time.Now().Add(c.requestTimeout()))
		line, err := bufio.NewReader(io.LimitReader(s, MaxAnnounceMessageSize)).ReadBytes('\n')
		if err != nil {
			logrus.WithError(err).Debug("failed to read lookup request")
			return
		}
		var req lookupRequest
		if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
			logrus.WithError(err).Warn("invalid lookup request")
			return
		}

		providers, err := c.DHT.ProviderStore().GetProviders(c.Ctx, []byte(req.Key))
		if err != nil {
			logrus.WithError(err).Error("provider lookup failed")
			return
		}

		if len(providers) > maxLookupProviders {
			providers = providers[:maxLookupProviders]
		}
		respBytes, err := json.Marshal(lookupResponse{Providers: providers})
		if err != nil {
			return
		}
		respBytes = append(respBytes, '\n')

		s.SetWriteDeadline(time.Now().Add(c.requestTimeout()))
		if _, err := s.Write(respBytes); err != nil {
			logrus.WithError(err).Debug("failed to write lookup response")
		}
	})
}

// readLookupResponse reads one newline terminated lookup answer of at most
// MaxLookupResponseSize bytes.
func readLookupResponse(r io.Reader) ([]peer.AddrInfo, error) {
	line, err := bufio.NewReader(io.LimitReader(r, MaxLookupResponseSize)).ReadBytes('\n')
	if err != nil {
		return nil, xerrors.Errorf("read lookup response: %w", err)
	}
	var resp lookupResponse
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return nil, xerrors.Errorf("decode lookup response: %w", err)
	}
	return resp.Providers, nil
}
