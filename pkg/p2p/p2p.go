// Package p2p is a peer-to-peer transfer engine built on libp2p.
//
// Core features:
//   - Host: a libp2p host bound to one IPv4 address chosen by the caller
//   - DHT: Kademlia DHT used to announce and look up providers of a transfer
//   - Pieces: files are split into SHA-256 verified pieces and exchanged
//     over two stream protocols (have / data)
//   - Seeding: every piece a job holds is served to other peers
//   - Peer management: per-peer stream quota, statistics and blacklisting
//   - Rate caps: optional upload and download limits in KB/s
//
// Main components:
//   - Client: the engine; implements engine.Engine
//   - Job: one transfer; implements engine.Job
//   - ConnManager: per-peer quota and statistics
//   - PeerSelector: random or round-robin peer choice
//   - AntiLeecher: refuses uploads to misbehaving peers
//
// Example:
//
//	client := p2p.NewClient(p2p.NewP2PConfig())
//	defer client.Stop()
//
//	if err := client.Start(ctx, net.IPv4(127, 0, 0, 1)); err != nil {
//	    return err
//	}
//	job, err := client.AddTransferJob(ctx, "file.descriptor", "/tmp")
//	if err != nil {
//	    return err
//	}
//	job.OnCompletion(func() { log.Println("done") })
package p2p

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DaniellsQ/ttorrent/pkg/descriptor"
	"github.com/DaniellsQ/ttorrent/pkg/engine"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

var defaultPrefix = "/ttorrent"

type blankValidator struct{}

func (blankValidator) Validate(_ string, _ []byte) error        { return nil }
func (blankValidator) Select(_ string, _ [][]byte) (int, error) { return 0, nil }

// ErrNotStarted is returned when a job is added before Start.
var ErrNotStarted = errors.New("client not started")

var _ engine.Engine = (*Client)(nil)

type P2PConfig struct {
	Port               int
	IdentitySeed       int64
	BootstrapPeers     []multiaddr.Multiaddr
	ProtocolPrefix     string
	EnableAutoRefresh  bool
	NameSpace          string
	Validator          record.Validator
	MaxRetries         int     // attempts per piece
	MaxConcurrency     int     // pieces downloaded in parallel
	PeerSelection      string  // SelectRandom or SelectRoundRobin
	RequestTimeout     int     // seconds
	DHTTimeout         int     // seconds
	AntiLeecherEnabled bool    // refuse uploads to blacklisted peers
	MinSuccessRate     float64 // below this a peer is blacklisted
	MinRequests        int64   // requests needed before judging a peer
	BlacklistTimeout   int     // seconds
	MaxUploadKBs       float64 // 0 = unlimited
	MaxDownloadKBs     float64 // 0 = unlimited
}

// NewP2PConfig returns the default engine configuration.
func NewP2PConfig() P2PConfig {
	return P2PConfig{
		// 0 lets the OS pick a free port.
		Port:               0,
		IdentitySeed:       0,
		ProtocolPrefix:     defaultPrefix,
		EnableAutoRefresh:  true,
		NameSpace:          "ttorrent",
		Validator:          blankValidator{},
		MaxRetries:         3,
		MaxConcurrency:     16,
		PeerSelection:      SelectRandom,
		RequestTimeout:     5,
		DHTTimeout:         10,
		AntiLeecherEnabled: true,
		MinSuccessRate:     0.5,
		MinRequests:        10,
		BlacklistTimeout:   600,
	}
}

// WithLimits returns a copy of the configuration with the given rate caps.
func (c P2PConfig) WithLimits(l engine.Limits) P2PConfig {
	c.MaxUploadKBs = l.MaxUploadKBs
	c.MaxDownloadKBs = l.MaxDownloadKBs
	return c
}

// Client is the transfer engine. A Client is started once and stopped once.
type Client struct {
	Host         host.Host
	DHT          *dht.IpfsDHT
	Config       *P2PConfig
	PeerSelector PeerSelector
	AntiLeecher  AntiLeecher
	ConnManager  *ConnManager
	Ctx          context.Context
	Cancel       context.CancelFunc

	uploadLimiter   *rate.Limiter
	downloadLimiter *rate.Limiter

	mu       sync.Mutex
	started  bool
	jobs     map[string]*Job
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewClient returns an unstarted client.
func NewClient(config P2PConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	cm := NewConnManager(5, time.Duration(config.BlacklistTimeout)*time.Second)

	var al AntiLeecher = &DefaultAntiLeecher{}
	if config.AntiLeecherEnabled {
		al = &BlacklistAntiLeecher{ConnManager: cm}
	}

	selector, err := NewPeerSelector(config.PeerSelection)
	if err != nil {
		logrus.Warnf("%v, using %s", err, SelectRandom)
		selector = &RandomPeerSelector{}
	}

	return &Client{
		Config:          &config,
		PeerSelector:    selector,
		AntiLeecher:     al,
		ConnManager:     cm,
		Ctx:             ctx,
		Cancel:          cancel,
		uploadLimiter:   newLimiter(config.MaxUploadKBs),
		downloadLimiter: newLimiter(config.MaxDownloadKBs),
		jobs:            make(map[string]*Job),
	}
}

// Start creates the libp2p host on bindAddr and joins the DHT.
func (c *Client) Start(ctx context.Context, bindAddr net.IP) error {
	ip4 := bindAddr.To4()
	if ip4 == nil {
		return xerrors.Errorf("bind address %v is not IPv4", bindAddr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client already started")
	}
	if c.Ctx.Err() != nil {
		return errors.New("client stopped")
	}

	h, err := newBasicHost(ip4, c.Config.Port, c.Config.IdentitySeed)
	if err != nil {
		return xerrors.Errorf("failed to create host: %w", err)
	}
	c.Host = h

	kdht, err := newDHT(c.Ctx, ctx, h, *c.Config)
	if err != nil {
		return xerrors.Errorf("failed to create DHT instance: %w", err)
	}
	c.DHT = kdht

	c.AnnounceHandler()
	c.LookupHandler()
	c.RegisterHasPieceHandler()
	c.RegisterPieceDataHandler()

	c.wg.Add(1)
	go c.maintain()

	c.started = true
	logrus.Infof("Client started, listening on %s", GetHostAddress(h))
	return nil
}

// AddTransferJob loads the descriptor, checks data already present under
// outputDir and starts fetching whatever is missing.
func (c *Client) AddTransferJob(ctx context.Context, descriptorPath, outputDir string) (engine.Job, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	d, err := descriptor.Load(descriptorPath)
	if err != nil {
		return nil, err
	}
	infoHash, err := d.HexInfoHash()
	if err != nil {
		return nil, xerrors.Errorf("failed to compute info hash: %w", err)
	}

	outputDir, err = filepath.Abs(outputDir)
	if err != nil {
		return nil, xerrors.Errorf("invalid output directory: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, xerrors.Errorf("failed to create output directory: %w", err)
	}

	job, err := openJob(c, d, infoHash, filepath.Join(outputDir, d.Info.Name))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.jobs[infoHash]; exists {
		c.mu.Unlock()
		job.close()
		return nil, xerrors.Errorf("transfer %s already registered", infoHash)
	}
	if c.Ctx.Err() != nil {
		c.mu.Unlock()
		job.close()
		return nil, errors.New("client stopped")
	}
	c.jobs[infoHash] = job
	c.wg.Add(1)
	c.mu.Unlock()

	done, total := job.Progress()
	logrus.Infof("Registered %s (%s) at %s: %d/%d pieces present", d.Info.Name, job.InfoHash(), job.Path(), done, total)

	go func() {
		defer c.wg.Done()
		job.run(c.Ctx)
	}()
	return job, nil
}

// Job returns the registered job for an info hash.
func (c *Client) Job(infoHash string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[infoHash]
	return j, ok
}

// Stop shuts the client down. Calling it again, or on a client that was
// never started, is safe.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		logrus.Info("Stopping client...")
		c.Cancel()

		c.mu.Lock()
		jobs := make([]*Job, 0, len(c.jobs))
		for _, j := range c.jobs {
			jobs = append(jobs, j)
		}
		c.mu.Unlock()

		var errs []error
		if c.DHT != nil {
			if err := c.DHT.Close(); err != nil {
				errs = append(errs, xerrors.Errorf("close DHT: %w", err))
			}
		}
		if c.Host != nil {
			if err := c.Host.Close(); err != nil {
				errs = append(errs, xerrors.Errorf("close host: %w", err))
			}
		}

		c.wg.Wait()
		for _, j := range jobs {
			if err := j.close(); err != nil {
				errs = append(errs, err)
			}
		}

		c.stopErr = errors.Join(errs...)
		if c.stopErr != nil {
			logrus.Errorf("Error during stop: %v", c.stopErr)
			return
		}
		logrus.Info("Client stopped")
	})
	return c.stopErr
}

func (c *Client) requestTimeout() time.Duration {
	return time.Duration(c.Config.RequestTimeout) * time.Second
}

func (c *Client) dhtTimeout() time.Duration {
	return time.Duration(c.Config.DHTTimeout) * time.Second
}

// maintain drops statistics of peers idle for a long time.
func (c *Client) maintain() {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.Ctx.Done():
			return
		case <-ticker.C:
			c.ConnManager.CleanupOldPeers(30 * time.Minute)
			logrus.Debugf("Tracking %d peers", c.ConnManager.TotalPeers())
		}
	}
}
