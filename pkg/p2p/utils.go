package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	mrand "math/rand"
	"net"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// newBasicHost creates a libp2p host listening on bindAddr only. A non-zero
// seed gives a deterministic peer ID.
func newBasicHost(bindAddr net.IP, listenPort int, randseed int64) (host.Host, error) {
	var r io.Reader
	if randseed == 0 {
		r = rand.Reader
	} else {
		r = mrand.New(mrand.NewSource(randseed))
	}

	// The key only gives the host its ID.
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, r)
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", bindAddr, listenPort)),
		libp2p.Identity(priv),
	}
	return libp2p.New(opts...)
}

// GetHostAddress returns the first full multiaddr (with /p2p/ ID) of host.
func GetHostAddress(host host.Host) string {
	hostAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/p2p/%s", host.ID()))
	if err != nil {
		logrus.Errorf("Failed to create host multiaddress: %v", err)
		return ""
	}

	addrs := host.Addrs()
	if len(addrs) == 0 {
		logrus.Error("Host has no addresses")
		return ""
	}
	return addrs[0].Encapsulate(hostAddr).String()
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
