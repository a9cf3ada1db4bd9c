package p2p

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/DaniellsQ/ttorrent/pkg/descriptor"
	"github.com/DaniellsQ/ttorrent/pkg/engine"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var _ engine.Job = (*Job)(nil)

// Job is one file being downloaded and seeded.
type Job struct {
	client   *Client
	desc     *descriptor.Descriptor
	infoHash string
	path     string
	file     *os.File

	mu        sync.Mutex
	have      []bool
	remaining int
	complete  bool
	callbacks []func()
	announced bool
	closed    bool
}

// openJob opens (or creates) the output file and records which pieces it
// already holds.
func openJob(c *Client, d *descriptor.Descriptor, infoHash, path string) (*Job, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("failed to open output file: %w", err)
	}

	j := &Job{
		client:    c,
		desc:      d,
		infoHash:  infoHash,
		path:      path,
		file:      f,
		have:      make([]bool, d.NumPieces()),
		remaining: d.NumPieces(),
	}
	if err := j.verifyExisting(); err != nil {
		f.Close()
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("failed to stat output file: %w", err)
	}
	if fi.Size() != d.Info.Length {
		if err := f.Truncate(d.Info.Length); err != nil {
			f.Close()
			return nil, xerrors.Errorf("failed to size output file: %w", err)
		}
	}
	return j, nil
}

// verifyExisting hashes whatever is already on disk.
func (j *Job) verifyExisting() error {
	buf := make([]byte, min(j.desc.Info.PieceLength, j.desc.Info.Length))
	for i := range j.have {
		size := j.desc.PieceSize(i)
		n, err := j.file.ReadAt(buf[:size], j.desc.PieceOffset(i))
		if err != nil && err != io.EOF {
			return xerrors.Errorf("failed to read piece %d: %w", i, err)
		}
		if int64(n) == size && j.desc.VerifyPiece(i, buf[:size]) {
			j.markHave(i)
		}
	}
	return nil
}

// OnCompletion calls fn once all pieces are present; immediately if they
// already are.
func (j *Job) OnCompletion(fn func()) {
	j.mu.Lock()
	if !j.complete {
		j.callbacks = append(j.callbacks, fn)
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	fn()
}

// markHave records piece i and fires the completion callbacks when it was
// the last one missing.
func (j *Job) markHave(i int) {
	j.mu.Lock()
	if j.have[i] {
		j.mu.Unlock()
		return
	}
	j.have[i] = true
	j.remaining--
	if j.remaining > 0 || j.complete {
		j.mu.Unlock()
		return
	}
	j.complete = true
	callbacks := j.callbacks
	j.callbacks = nil
	j.mu.Unlock()

	logrus.Infof("Transfer of %s complete", j.desc.Info.Name)
	for _, cb := range callbacks {
		cb()
	}
}

func (j *Job) Has(i int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return i >= 0 && i < len(j.have) && j.have[i]
}

func (j *Job) Complete() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.complete
}

// Progress returns the number of pieces held and the total.
func (j *Job) Progress() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.have) - j.remaining, len(j.have)
}

func (j *Job) InfoHash() string { return j.infoHash }

func (j *Job) Path() string { return j.path }

func (j *Job) missing() []int {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []int
	for i, ok := range j.have {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

func (j *Job) readPiece(i int) ([]byte, error) {
	data := make([]byte, j.desc.PieceSize(i))
	if _, err := j.file.ReadAt(data, j.desc.PieceOffset(i)); err != nil {
		return nil, err
	}
	return data, nil
}

func (j *Job) writePiece(i int, data []byte) error {
	if _, err := j.file.WriteAt(data, j.desc.PieceOffset(i)); err != nil {
		return fmt.Errorf("piece %d: write failed at offset %d: %w", i, j.desc.PieceOffset(i), err)
	}
	return nil
}

func (j *Job) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Close(); err != nil {
		return xerrors.Errorf("close %s: %w", j.path, err)
	}
	return nil
}

// run connects to the descriptor's peers, then downloads in rounds until
// the file is complete. Afterwards the job only seeds.
func (j *Job) run(ctx context.Context) {
	c := j.client
	j.connectAnnounced(ctx)
	j.announce(ctx)

	for round := 1; !j.Complete(); round++ {
		if ctx.Err() != nil {
			return
		}
		j.downloadRound(ctx)
		if j.Complete() {
			break
		}
		done, total := j.Progress()
		delay := calculateDelay(round, retryInitialDelay, retryMaxDelay)
		logrus.Debugf("%s: %d/%d pieces, next round in %s", j.desc.Info.Name, done, total, delay)
		if sleepCtx(ctx, delay) != nil {
			return
		}
		// Peers listed in the descriptor may have come up since.
		if len(c.Host.Network().Peers()) == 0 {
			j.connectAnnounced(ctx)
		}
	}
	j.announce(ctx)
}

func (j *Job) connectAnnounced(ctx context.Context) {
	c := j.client
	var addrs []multiaddr.Multiaddr
	for _, s := range j.desc.AnnounceList {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			logrus.Warnf("Invalid announce address %q: %v", s, err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}
	connectCtx, cancel := context.WithTimeout(ctx, c.dhtTimeout())
	defer cancel()
	connectPeers(connectCtx, c.Host, c.DHT, addrs)
}

// announce publishes this host as a provider once it holds any piece.
func (j *Job) announce(ctx context.Context) {
	done, _ := j.Progress()
	if done == 0 || ctx.Err() != nil {
		return
	}
	if err := j.client.Announce(ctx, j.infoHash); err != nil {
		logrus.Warnf("Announce of %s failed: %v", j.infoHash, err)
		return
	}
	j.mu.Lock()
	j.announced = true
	j.mu.Unlock()
}

// candidates returns the known providers plus every connected peer.
func (j *Job) candidates(ctx context.Context) []peer.ID {
	c := j.client
	seen := make(map[peer.ID]bool)
	var out []peer.ID

	lookupCtx, cancel := context.WithTimeout(ctx, c.dhtTimeout())
	defer cancel()
	for _, ai := range c.Lookup(lookupCtx, j.infoHash) {
		if len(c.Host.Network().ConnsToPeer(ai.ID)) == 0 && len(ai.Addrs) > 0 {
			if err := c.Host.Connect(lookupCtx, ai); err != nil {
				logrus.Debugf("Connect to provider %s failed: %v", ai.ID, err)
				continue
			}
		}
		seen[ai.ID] = true
		out = append(out, ai.ID)
	}
	for _, p := range c.Host.Network().Peers() {
		if !seen[p] && p != c.Host.ID() {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// downloadRound fetches the missing pieces concurrently from the current
// candidates.
func (j *Job) downloadRound(ctx context.Context) {
	c := j.client
	peers := j.candidates(ctx)
	if len(peers) == 0 {
		logrus.Debugf("%s: no peers yet", j.desc.Info.Name)
		return
	}

	concurrency := c.Config.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, i := range j.missing() {
		if ctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			// A failed piece is retried next round.
			if err := j.fetchPiece(ctx, peers, i); err != nil {
				logrus.Debugf("%s: piece %d: %v", j.desc.Info.Name, i, err)
			}
			return nil
		})
	}
	g.Wait()
}

// fetchPiece tries up to MaxRetries peers for piece i, backing off between
// attempts.
func (j *Job) fetchPiece(ctx context.Context, peers []peer.ID, i int) error {
	c := j.client
	attempts := c.Config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, calculateDelay(attempt-1, retryInitialDelay, retryMaxDelay)); err != nil {
				return err
			}
		}

		p, err := c.SelectAvailablePeer(ctx, peers, j.infoHash, i)
		if err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		data, err := c.DownloadPiece(ctx, p, j.infoHash, i, j.desc.PieceSize(i))
		c.ConnManager.ReleaseStream(p)
		if err == nil && !j.desc.VerifyPiece(i, data) {
			err = fmt.Errorf("hash mismatch from %s", p)
		}
		if err != nil {
			lastErr = err
			c.ConnManager.RecordFailure(p)
			logrus.Debugf("Piece %d from %s failed: %v (success rate %.2f)", i, p, err, c.ConnManager.SuccessRate(p))
			c.ConnManager.ShouldBlacklist(p, c.Config.MinSuccessRate, c.Config.MinRequests)
			continue
		}
		c.ConnManager.RecordSuccess(p, time.Since(start))

		if err := j.writePiece(i, data); err != nil {
			return err
		}
		j.markHave(i)

		j.mu.Lock()
		first := !j.announced
		j.announced = true
		j.mu.Unlock()
		if first {
			// run holds a wg slot, so the counter is above zero here.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				j.announce(ctx)
			}()
		}
		return nil
	}
	return lastErr
}
